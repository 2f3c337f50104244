package sshconn

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
)

const (
	privateKeyName = "id_ed25519"
	publicKeyName  = "id_ed25519.pub"
)

// GenerateKeyPair creates a new ED25519 key pair. The public key is returned
// in OpenSSH authorized_keys format, the private key as PKCS8 PEM.
func GenerateKeyPair() (publicKey, privateKey []byte, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate ed25519 key: %w", err)
	}

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, nil, fmt.Errorf("convert public key: %w", err)
	}
	publicKey = ssh.MarshalAuthorizedKey(sshPub)

	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal private key: %w", err)
	}
	privateKey = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})

	return publicKey, privateKey, nil
}

// ParsePrivateKey parses a PEM private key into an SSH signer.
func ParsePrivateKey(pemBytes []byte) (ssh.Signer, error) {
	signer, err := ssh.ParsePrivateKey(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return signer, nil
}

// EnsureKeyPair loads the dashboard's SSH key pair from dataPath, generating
// and persisting a new one on first run. The returned public key string is
// what operators install into target hosts' authorized_keys.
func EnsureKeyPair(dataPath string) (ssh.Signer, string, error) {
	privPath := filepath.Join(dataPath, privateKeyName)
	pubPath := filepath.Join(dataPath, publicKeyName)

	if privPEM, err := os.ReadFile(privPath); err == nil {
		signer, err := ParsePrivateKey(privPEM)
		if err != nil {
			return nil, "", fmt.Errorf("load existing key %s: %w", privPath, err)
		}
		pubBytes, err := os.ReadFile(pubPath)
		if err != nil {
			// Private key exists but public side is missing; rederive it.
			pubBytes = ssh.MarshalAuthorizedKey(signer.PublicKey())
			if werr := os.WriteFile(pubPath, pubBytes, 0644); werr != nil {
				return nil, "", fmt.Errorf("rewrite public key: %w", werr)
			}
		}
		return signer, string(pubBytes), nil
	}

	pubKey, privKey, err := GenerateKeyPair()
	if err != nil {
		return nil, "", err
	}

	if err := os.MkdirAll(dataPath, 0700); err != nil {
		return nil, "", fmt.Errorf("create data dir: %w", err)
	}
	if err := os.WriteFile(privPath, privKey, 0600); err != nil {
		return nil, "", fmt.Errorf("write private key: %w", err)
	}
	if err := os.WriteFile(pubPath, pubKey, 0644); err != nil {
		return nil, "", fmt.Errorf("write public key: %w", err)
	}

	signer, err := ParsePrivateKey(privKey)
	if err != nil {
		return nil, "", err
	}
	return signer, string(pubKey), nil
}
