package remote

import (
	"context"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSHConfig describes how the transport authenticates and verifies hosts.
type SSHConfig struct {
	KeyFile        string
	AgentSocket    string
	KnownHostsFile string
	Insecure       bool
	DialTimeout    time.Duration
}

// SSHTransport runs each command in its own session. Connections are cached
// per user@host:port and shared by concurrent sessions.
type SSHTransport struct {
	auth        []ssh.AuthMethod
	hostKeys    ssh.HostKeyCallback
	dialTimeout time.Duration
	agentConn   net.Conn
	logger      *zap.Logger

	mu      sync.Mutex
	clients map[string]*ssh.Client
}

func NewSSHTransport(cfg SSHConfig, logger *zap.Logger) (*SSHTransport, error) {
	t := &SSHTransport{
		dialTimeout: cfg.DialTimeout,
		logger:      logger.Named("ssh"),
		clients:     make(map[string]*ssh.Client),
	}
	if t.dialTimeout <= 0 {
		t.dialTimeout = 30 * time.Second
	}

	if cfg.KeyFile != "" {
		pem, err := os.ReadFile(cfg.KeyFile)
		if err != nil {
			return nil, errors.Wrap(err, "read ssh key")
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, errors.Wrapf(err, "parse ssh key %s", cfg.KeyFile)
		}
		t.auth = append(t.auth, ssh.PublicKeys(signer))
	}
	if cfg.AgentSocket != "" {
		conn, err := net.Dial("unix", cfg.AgentSocket)
		if err != nil {
			return nil, errors.Wrap(err, "connect ssh agent")
		}
		t.agentConn = conn
		t.auth = append(t.auth, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
	}
	if len(t.auth) == 0 {
		t.logger.Warn("no ssh key file or agent configured; only 'none' authentication will be attempted")
	}

	switch {
	case cfg.Insecure:
		t.logger.Warn("ssh host key verification disabled")
		t.hostKeys = ssh.InsecureIgnoreHostKey()
	case cfg.KnownHostsFile != "":
		cb, err := knownhosts.New(cfg.KnownHostsFile)
		if err != nil {
			return nil, errors.Wrap(err, "load known hosts")
		}
		t.hostKeys = cb
	default:
		return nil, errors.New("ssh known hosts file required unless host key verification is disabled")
	}
	return t, nil
}

func (t *SSHTransport) Run(ctx context.Context, target Target, command string, stdout, stderr io.Writer) (int, error) {
	client, err := t.client(ctx, target)
	if err != nil {
		return -1, err
	}

	session, err := client.NewSession()
	if err != nil {
		t.forget(target, client)
		return -1, errors.Wrapf(err, "open session on %s", target.Address())
	}
	defer session.Close()

	session.Stdout = stdout
	session.Stderr = stderr
	if err := session.Start(command); err != nil {
		return -1, errors.Wrap(err, "start remote command")
	}

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	select {
	case err := <-done:
		return exitStatus(err)
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		// Wait returns once stdout and stderr are fully copied.
		<-done
		return -1, ctx.Err()
	}
}

func exitStatus(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus(), nil
	}
	return -1, errors.Wrap(err, "wait for remote command")
}

func clientKey(target Target) string {
	return target.User + "@" + target.Address()
}

func (t *SSHTransport) client(ctx context.Context, target Target) (*ssh.Client, error) {
	key := clientKey(target)
	t.mu.Lock()
	if c, ok := t.clients[key]; ok {
		t.mu.Unlock()
		return c, nil
	}
	t.mu.Unlock()

	c, err := t.dial(ctx, target)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.clients[key]; ok {
		_ = c.Close()
		return existing, nil
	}
	t.clients[key] = c
	return c, nil
}

func (t *SSHTransport) dial(ctx context.Context, target Target) (*ssh.Client, error) {
	addr := target.Address()
	d := net.Dialer{Timeout: t.dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}

	// The handshake does not observe ctx; bound it with a deadline instead.
	_ = conn.SetDeadline(time.Now().Add(t.dialTimeout))
	cfg := &ssh.ClientConfig{
		User:            target.User,
		Auth:            t.auth,
		HostKeyCallback: t.hostKeys,
		Timeout:         t.dialTimeout,
	}
	sconn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, errors.Wrapf(err, "ssh handshake with %s", addr)
	}
	_ = conn.SetDeadline(time.Time{})

	t.logger.Info("ssh connection established", zap.String("addr", addr), zap.String("user", target.User))
	return ssh.NewClient(sconn, chans, reqs), nil
}

func (t *SSHTransport) forget(target Target, c *ssh.Client) {
	key := clientKey(target)
	t.mu.Lock()
	if t.clients[key] == c {
		delete(t.clients, key)
	}
	t.mu.Unlock()
	_ = c.Close()
	t.logger.Warn("dropped broken ssh connection", zap.String("addr", target.Address()))
}

// Close closes every cached connection and the agent socket.
func (t *SSHTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var err error
	for key, c := range t.clients {
		err = multierr.Append(err, c.Close())
		delete(t.clients, key)
	}
	if t.agentConn != nil {
		err = multierr.Append(err, t.agentConn.Close())
	}
	return err
}
