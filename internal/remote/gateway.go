package remote

import (
	"context"
	"io"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
	"go.uber.org/zap"

	"github.com/SirClappington/planb/internal/metrics"
)

// DefaultMaxOutput bounds captured stdout and stderr per command.
const DefaultMaxOutput = 10 << 20

// Target identifies where and as whom commands run.
type Target struct {
	Host string
	Port int
	User string
	Env  map[string]string
}

// Address returns host:port, defaulting to port 22.
func (t Target) Address() string {
	port := t.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(t.Host, strconv.Itoa(port))
}

func (t Target) String() string { return t.User + "@" + t.Host }

// Transport runs one command line on a target. A non-nil error means no exit
// status is available; otherwise the remote exit status is returned.
type Transport interface {
	Run(ctx context.Context, target Target, command string, stdout, stderr io.Writer) (int, error)
}

// Gateway executes commands on a single fixed target.
type Gateway struct {
	target    Target
	transport Transport
	maxOutput int
	logger    *zap.Logger
}

type Option func(*Gateway)

// WithMaxOutput overrides DefaultMaxOutput.
func WithMaxOutput(n int) Option {
	return func(g *Gateway) {
		if n > 0 {
			g.maxOutput = n
		}
	}
}

func NewGateway(transport Transport, target Target, logger *zap.Logger, opts ...Option) *Gateway {
	g := &Gateway{
		target:    target,
		transport: transport,
		maxOutput: DefaultMaxOutput,
		logger:    logger.Named("gateway").With(zap.String("target", target.String())),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Gateway) Target() Target { return g.target }

// Execute joins parts with single spaces, runs the result on the target and
// returns its stdout. Callers quote any part that must not be interpreted by
// the remote shell. Nothing is retried.
func (g *Gateway) Execute(ctx context.Context, parts ...string) (string, error) {
	command := g.CommandLine(parts...)
	stdout := newCapture(g.maxOutput)
	stderr := newCapture(g.maxOutput)

	g.logger.Info("executing remote command", zap.String("command", command))
	start := time.Now()
	code, err := g.transport.Run(ctx, g.target, command, stdout, stderr)
	elapsed := time.Since(start)

	outcome := "ok"
	switch {
	case err != nil:
		outcome = "transport"
	case code != 0:
		outcome = "exit"
	}
	metrics.RemoteCommandSeconds.WithLabelValues(g.target.Host, outcome).Observe(elapsed.Seconds())

	g.logger.Debug("remote command output",
		zap.String("command", command),
		zap.String("stdout", stdout.String()),
		zap.String("stderr", stderr.String()),
		zap.Bool("truncated", stdout.Truncated() || stderr.Truncated()),
		zap.Duration("elapsed", elapsed),
	)

	if err != nil {
		g.logger.Error("remote command transport failure", zap.String("command", command), zap.Error(err))
		return "", &ExecutionError{
			Host:     g.target.Host,
			Command:  command,
			ExitCode: -1,
			Stderr:   stderr.String(),
			Err:      err,
		}
	}
	if code != 0 {
		g.logger.Warn("remote command failed", zap.String("command", command), zap.Int("exit_code", code))
		return "", &ExecutionError{
			Host:     g.target.Host,
			Command:  command,
			ExitCode: code,
			Stderr:   stderr.String(),
		}
	}
	return stdout.String(), nil
}

// CommandLine renders the exact string sent to the remote shell: sorted
// KEY=value environment assignments followed by the non-empty parts.
func (g *Gateway) CommandLine(parts ...string) string {
	keys := make([]string, 0, len(g.target.Env))
	for k := range g.target.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	words := make([]string, 0, len(keys)+len(parts))
	for _, k := range keys {
		words = append(words, k+"="+shellquote.Join(g.target.Env[k]))
	}
	for _, p := range parts {
		if p == "" {
			continue
		}
		words = append(words, p)
	}
	return strings.Join(words, " ")
}
