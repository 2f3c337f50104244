// Package sshconn manages SSH connections to registered servers and exposes
// them to the rest of the dashboard as opaque execution channels.
//
// The central type is Manager. It owns the dashboard's ED25519 key pair and
// maintains one multiplexed SSH connection per server, keyed by the database
// server ID (uint) so connections survive server renames. SSH multiplexes
// sessions over a single TCP connection, so one connection per server
// suffices no matter how many terminal sessions or batch workers target it.
//
// Callers obtain a Channel via OpenChannel and run commands through
// Channel.Exec; they never see the underlying *ssh.Client.
package sshconn

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/opsdeck/opsdeck/internal/logutil"
)

const keepaliveInterval = 30 * time.Second

// ServerAddress is the dial target for one registered server.
type ServerAddress struct {
	Host string
	Port int
	User string
}

// AddressResolver maps a server ID to its SSH address. Wired to the
// database layer in main; tests supply their own.
type AddressResolver func(serverID uint) (ServerAddress, error)

// Provider obtains execution channels to registered servers. It is the only
// interface the session and batch layers depend on.
type Provider interface {
	OpenChannel(ctx context.Context, serverID, userID uint) (Channel, error)
}

// managedConn wraps an SSH client with the cancel for its keepalive goroutine.
type managedConn struct {
	client *ssh.Client
	cancel context.CancelFunc
}

// Manager maintains a pool of SSH connections keyed by server ID and hands
// out Channels multiplexed over them. It implements Provider.
type Manager struct {
	signer    ssh.Signer
	publicKey string
	resolve   AddressResolver

	connectTimeout time.Duration
	maxConnections int

	mu    sync.RWMutex
	conns map[uint]*managedConn
}

// Options configures a Manager.
type Options struct {
	ConnectTimeout time.Duration
	// MaxConnections caps the pool size; zero or negative means unlimited.
	MaxConnections int
}

// NewManager creates a Manager using the given private key signer. The
// public key (OpenSSH authorized_keys format) is what operators install on
// target hosts.
func NewManager(signer ssh.Signer, publicKey string, resolve AddressResolver, opts Options) *Manager {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	return &Manager{
		signer:         signer,
		publicKey:      publicKey,
		resolve:        resolve,
		connectTimeout: opts.ConnectTimeout,
		maxConnections: opts.MaxConnections,
		conns:          make(map[uint]*managedConn),
	}
}

// PublicKey returns the dashboard's public key in authorized_keys format.
func (m *Manager) PublicKey() string {
	return m.publicKey
}

// OpenChannel returns an execution channel to the given server, establishing
// the underlying SSH connection on demand. The userID only participates in
// logging; access control happens before this layer.
func (m *Manager) OpenChannel(ctx context.Context, serverID, userID uint) (Channel, error) {
	client, err := m.ensureConnected(ctx, serverID)
	if err != nil {
		return nil, err
	}
	log.Printf("[ssh] channel opened to server %d (user %d)", serverID, userID)
	return newChannel(client, func() { m.dropIfDead(serverID, client) }), nil
}

// ensureConnected returns a healthy pooled connection, dialing when needed.
func (m *Manager) ensureConnected(ctx context.Context, serverID uint) (*ssh.Client, error) {
	m.mu.RLock()
	mc, ok := m.conns[serverID]
	m.mu.RUnlock()

	if ok {
		// Verify the connection is still alive before reusing it.
		if _, _, err := mc.client.SendRequest("keepalive@openssh.com", true, nil); err == nil {
			return mc.client, nil
		}
		m.remove(serverID, mc.client)
	}

	return m.connect(ctx, serverID)
}

// connect dials the server and stores the connection in the pool. Any
// existing connection for the server is closed first.
func (m *Manager) connect(ctx context.Context, serverID uint) (*ssh.Client, error) {
	m.mu.RLock()
	count := len(m.conns)
	_, exists := m.conns[serverID]
	m.mu.RUnlock()

	if !exists && m.maxConnections > 0 && count >= m.maxConnections {
		return nil, fmt.Errorf("%w (limit %d)", ErrMaxConnections, m.maxConnections)
	}

	addr, err := m.resolve(serverID)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve server %d: %v", ErrConnection, serverID, err)
	}
	if addr.User == "" {
		addr.User = "root"
	}

	cfg := &ssh.ClientConfig{
		User: addr.User,
		Auth: []ssh.AuthMethod{
			ssh.PublicKeys(m.signer),
		},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         m.connectTimeout,
	}

	target := net.JoinHostPort(addr.Host, fmt.Sprintf("%d", addr.Port))

	dialer := net.Dialer{Timeout: m.connectTimeout}
	netConn, err := dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrConnection, logutil.SanitizeForLog(target), err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, target, cfg)
	if err != nil {
		netConn.Close()
		return nil, fmt.Errorf("%w: handshake with %s: %v", ErrConnection, logutil.SanitizeForLog(target), err)
	}

	client := ssh.NewClient(sshConn, chans, reqs)

	m.mu.Lock()
	if existing, ok := m.conns[serverID]; ok {
		existing.cancel()
		existing.client.Close()
	}
	keepCtx, keepCancel := context.WithCancel(context.Background())
	m.conns[serverID] = &managedConn{client: client, cancel: keepCancel}
	m.mu.Unlock()

	go m.keepalive(keepCtx, serverID, client)

	log.Printf("[ssh] connected to server %d (%s)", serverID, logutil.SanitizeForLog(target))
	return client, nil
}

// keepalive sends periodic keepalive requests and removes the connection
// from the pool when the transport dies.
func (m *Manager) keepalive(ctx context.Context, serverID uint, client *ssh.Client) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				log.Printf("[ssh] keepalive failed for server %d: %v, removing connection", serverID, err)
				m.remove(serverID, client)
				return
			}
		}
	}
}

// dropIfDead verifies the pooled connection after a channel reports a
// transport failure, and evicts it when it no longer responds.
func (m *Manager) dropIfDead(serverID uint, client *ssh.Client) {
	if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
		m.remove(serverID, client)
	}
}

// remove evicts a specific client from the pool. The client pointer guard
// prevents a stale goroutine from evicting a newer replacement connection.
func (m *Manager) remove(serverID uint, client *ssh.Client) {
	m.mu.Lock()
	if mc, ok := m.conns[serverID]; ok && mc.client == client {
		mc.cancel()
		delete(m.conns, serverID)
	}
	m.mu.Unlock()
	client.Close()
}

// IsConnected reports whether a healthy connection exists for the server.
func (m *Manager) IsConnected(serverID uint) bool {
	m.mu.RLock()
	mc, ok := m.conns[serverID]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	_, _, err := mc.client.SendRequest("keepalive@openssh.com", true, nil)
	return err == nil
}

// ConnectionCount returns the current pool size.
func (m *Manager) ConnectionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// CloseAll closes every pooled connection. Used during shutdown.
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[uint]*managedConn)
	m.mu.Unlock()

	var firstErr error
	for id, mc := range conns {
		mc.cancel()
		if err := mc.client.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close ssh connection for server %d: %w", id, err)
		}
	}
	if len(conns) > 0 {
		log.Printf("[ssh] all connections closed (%d total)", len(conns))
	}
	return firstErr
}
