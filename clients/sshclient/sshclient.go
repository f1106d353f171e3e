// Package sshclient holds one SSH connection and runs commands over it.
package sshclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"golang.org/x/crypto/ssh"
)

// Config describes how to reach the remote host.
type Config struct {
	// Host is host:port.
	Host string
	User string
	// PrivateKeyPEM is the PEM-encoded private key. Ignored when PrivateKeyFile is set.
	PrivateKeyPEM string
	// PrivateKeyFile is a path to a PEM-encoded private key.
	PrivateKeyFile string
	// KnownHostsKey pins the host's public key in authorized_keys format. Empty disables host key checking.
	KnownHostsKey string
	// Timeout bounds the TCP dial and handshake.
	Timeout time.Duration
}

// Client manages a persistent SSH connection for running multiple commands.
type Client struct {
	client *ssh.Client
	user   string
	host   string
}

// Dial connects to cfg.Host. The context bounds connection setup only.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	clientCfg, err := clientConfig(cfg)
	if err != nil {
		return nil, err
	}

	d := net.Dialer{Timeout: clientCfg.Timeout}
	conn, err := d.DialContext(ctx, "tcp", cfg.Host)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", cfg.Host, err)
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, cfg.Host, clientCfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", cfg.Host, err)
	}

	return &Client{client: ssh.NewClient(c, chans, reqs), user: cfg.User, host: cfg.Host}, nil
}

func clientConfig(cfg Config) (*ssh.ClientConfig, error) {
	keyPEM := []byte(cfg.PrivateKeyPEM)
	if cfg.PrivateKeyFile != "" {
		b, err := os.ReadFile(cfg.PrivateKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}
		keyPEM = b
	}
	signer, err := ssh.ParsePrivateKey(keyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	hostKey := ssh.InsecureIgnoreHostKey()
	if cfg.KnownHostsKey != "" {
		pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(cfg.KnownHostsKey))
		if err != nil {
			return nil, fmt.Errorf("failed to parse host key: %w", err)
		}
		hostKey = ssh.FixedHostKey(pub)
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKey,
		Timeout:         timeout,
	}, nil
}

// User returns the login user.
func (c *Client) User() string { return c.user }

// Host returns the host:port the client is connected to.
func (c *Client) Host() string { return c.host }

// Run executes a command in a new session and returns its stdout and stderr.
// Cancelling ctx closes the session.
func (c *Client) Run(ctx context.Context, command string) (string, string, error) {
	var stdout, stderr bytes.Buffer
	err := c.RunWithIO(ctx, command, nil, &stdout, &stderr)
	return stdout.String(), stderr.String(), err
}

// RunWithIO executes a command with stdin streamed from in and output written to
// stdout and stderr. Nil streams are discarded.
func (c *Client) RunWithIO(ctx context.Context, command string, in io.Reader, stdout, stderr io.Writer) error {
	session, err := c.client.NewSession()
	if err != nil {
		return fmt.Errorf("failed to create SSH session: %w", err)
	}
	defer session.Close()

	session.Stdin = in
	session.Stdout = stdout
	session.Stderr = stderr

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			session.Close()
		case <-done:
		}
	}()

	if err := session.Run(command); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("command %q interrupted: %w", command, ctx.Err())
		}
		return fmt.Errorf("failed to run command %q: %w", command, err)
	}
	return nil
}

// Close closes the underlying SSH connection.
func (c *Client) Close() error {
	return c.client.Close()
}
