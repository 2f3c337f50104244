package sshconn

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"

	"golang.org/x/crypto/ssh"
)

// testShell scripts the exec behavior of an in-process SSH server. Commands
// not in the table exit 127; the special command "hang" never returns an
// exit status, which exercises the client-side timeout path.
type testShell struct {
	mu       sync.Mutex
	outputs  map[string]scriptedResult
	execSeen []string
}

type scriptedResult struct {
	stdout   string
	stderr   string
	exitCode int
}

func newTestShell() *testShell {
	return &testShell{
		outputs: map[string]scriptedResult{
			"true":        {},
			"pwd":         {stdout: "/root\n"},
			"echo hello":  {stdout: "hello\n"},
			"cat missing": {stderr: "cat: missing: No such file or directory\n", exitCode: 1},
		},
	}
}

func (s *testShell) record(cmd string) scriptedResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.execSeen = append(s.execSeen, cmd)
	if res, ok := s.outputs[cmd]; ok {
		return res
	}
	return scriptedResult{stderr: "sh: " + cmd + ": command not found\n", exitCode: 127}
}

func (s *testShell) seen() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.execSeen...)
}

// startTestServer runs an SSH server on a loopback port that authenticates
// the given public key and serves exec requests from the shell script table.
func startTestServer(t *testing.T, authorizedKey ssh.PublicKey, shell *testShell) (addr string, cleanup func()) {
	t.Helper()

	_, hostKeyPEM, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	hostSigner, err := ParsePrivateKey(hostKeyPEM)
	if err != nil {
		t.Fatalf("parse host key: %v", err)
	}

	config := &ssh.ServerConfig{
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if ssh.FingerprintSHA256(key) == ssh.FingerprintSHA256(authorizedKey) {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("unknown public key")
		},
	}
	config.AddHostKey(hostSigner)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	var conns []net.Conn
	var connsMu sync.Mutex

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			netConn, err := listener.Accept()
			if err != nil {
				return
			}
			connsMu.Lock()
			conns = append(conns, netConn)
			connsMu.Unlock()
			go serveTestConn(netConn, config, shell)
		}
	}()

	return listener.Addr().String(), func() {
		listener.Close()
		connsMu.Lock()
		for _, c := range conns {
			c.Close()
		}
		connsMu.Unlock()
		<-done
	}
}

func serveTestConn(netConn net.Conn, config *ssh.ServerConfig, shell *testShell) {
	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, config)
	if err != nil {
		netConn.Close()
		return
	}
	defer sshConn.Close()

	go func() {
		for req := range reqs {
			if req.WantReply {
				req.Reply(true, nil)
			}
		}
	}()

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		ch, requests, err := newChan.Accept()
		if err != nil {
			continue
		}
		go serveTestSession(ch, requests, shell)
	}
}

func serveTestSession(ch ssh.Channel, requests <-chan *ssh.Request, shell *testShell) {
	defer ch.Close()
	for req := range requests {
		switch req.Type {
		case "exec":
			// Payload format: uint32 length + command string
			cmdLen := uint32(req.Payload[0])<<24 | uint32(req.Payload[1])<<16 |
				uint32(req.Payload[2])<<8 | uint32(req.Payload[3])
			cmd := string(req.Payload[4 : 4+cmdLen])

			if req.WantReply {
				req.Reply(true, nil)
			}

			if strings.HasPrefix(cmd, "hang") {
				// Never report an exit status; hold the channel open
				// until the client tears the session down.
				continue
			}

			res := shell.record(cmd)
			if res.stdout != "" {
				ch.Write([]byte(res.stdout))
			}
			if res.stderr != "" {
				ch.Stderr().Write([]byte(res.stderr))
			}
			exit := res.exitCode
			payload := []byte{byte(exit >> 24), byte(exit >> 16), byte(exit >> 8), byte(exit)}
			ch.SendRequest("exit-status", false, payload)
			return

		default:
			if req.WantReply {
				req.Reply(true, nil)
			}
		}
	}
}

// newTestManager wires a Manager to a single test server registered under
// server ID 1.
func newTestManager(t *testing.T, shell *testShell, opts Options) (*Manager, func()) {
	t.Helper()

	pubPEM, privPEM, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}
	signer, err := ParsePrivateKey(privPEM)
	if err != nil {
		t.Fatalf("parse private key: %v", err)
	}

	addr, cleanup := startTestServer(t, signer.PublicKey(), shell)
	host, portStr, _ := net.SplitHostPort(addr)
	port, _ := strconv.Atoi(portStr)

	resolver := func(serverID uint) (ServerAddress, error) {
		if serverID != 1 {
			return ServerAddress{}, fmt.Errorf("server %d not found", serverID)
		}
		return ServerAddress{Host: host, Port: port, User: "root"}, nil
	}

	mgr := NewManager(signer, strings.TrimSpace(string(pubPEM)), resolver, opts)
	return mgr, func() {
		mgr.CloseAll()
		cleanup()
	}
}
