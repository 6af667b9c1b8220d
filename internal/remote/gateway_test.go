package remote

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap/zaptest"
)

type fakeTransport struct {
	mu       sync.Mutex
	commands []string
	stdout   string
	stderr   string
	code     int
	err      error
}

func (f *fakeTransport) Run(_ context.Context, _ Target, command string, stdout, stderr io.Writer) (int, error) {
	f.mu.Lock()
	f.commands = append(f.commands, command)
	f.mu.Unlock()
	io.WriteString(stdout, f.stdout)
	io.WriteString(stderr, f.stderr)
	return f.code, f.err
}

func TestExecuteJoinsPartsWithSingleSpaces(t *testing.T) {
	t.Parallel()

	tr := &fakeTransport{stdout: "ok\n"}
	g := NewGateway(tr, Target{Host: "hpc", User: "svc"}, zaptest.NewLogger(t))

	out, err := g.Execute(context.Background(), "mkdir -p", "/scratch/job-1/data/", "", "&&", "touch", "/scratch/job-1/data/job.log")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out != "ok\n" {
		t.Fatalf("unexpected output %q", out)
	}
	want := "mkdir -p /scratch/job-1/data/ && touch /scratch/job-1/data/job.log"
	if tr.commands[0] != want {
		t.Fatalf("command = %q, want %q", tr.commands[0], want)
	}
}

func TestExecutePrefixesSortedEnvironment(t *testing.T) {
	t.Parallel()

	tr := &fakeTransport{}
	g := NewGateway(tr, Target{
		Host: "hpc",
		User: "svc",
		Env: map[string]string{
			"IRODS_ENVIRONMENT_FILE": "/home/svc/.irods/irods env.json",
			"A_FIRST":                "1",
		},
	}, zaptest.NewLogger(t))

	if _, err := g.Execute(context.Background(), "iuserinfo"); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	want := "A_FIRST=1 IRODS_ENVIRONMENT_FILE='/home/svc/.irods/irods env.json' iuserinfo"
	if tr.commands[0] != want {
		t.Fatalf("command = %q, want %q", tr.commands[0], want)
	}
}

func TestExecuteNonZeroExit(t *testing.T) {
	t.Parallel()

	tr := &fakeTransport{code: 3, stderr: "no such file"}
	g := NewGateway(tr, Target{Host: "hpc", User: "svc"}, zaptest.NewLogger(t))

	_, err := g.Execute(context.Background(), "iget", "-Tr", "/missing", "/scratch")
	var execErr *ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("expected ExecutionError, got %v", err)
	}
	if execErr.ExitCode != 3 || execErr.Stderr != "no such file" || execErr.Transport() {
		t.Fatalf("unexpected error fields: %+v", execErr)
	}
	if execErr.Command != "iget -Tr /missing /scratch" {
		t.Fatalf("unexpected command %q", execErr.Command)
	}
}

func TestExecuteTransportFailure(t *testing.T) {
	t.Parallel()

	cause := errors.New("connection refused")
	tr := &fakeTransport{code: -1, err: cause}
	g := NewGateway(tr, Target{Host: "hpc", User: "svc"}, zaptest.NewLogger(t))

	_, err := g.Execute(context.Background(), "true")
	var execErr *ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("expected ExecutionError, got %v", err)
	}
	if !execErr.Transport() || execErr.ExitCode != -1 {
		t.Fatalf("expected transport failure, got %+v", execErr)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause to be preserved")
	}
}

func TestExecuteBoundsOutput(t *testing.T) {
	t.Parallel()

	tr := &fakeTransport{stdout: strings.Repeat("x", 64)}
	g := NewGateway(tr, Target{Host: "hpc", User: "svc"}, zaptest.NewLogger(t), WithMaxOutput(16))

	out, err := g.Execute(context.Background(), "cat", "big.log")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(out) != 16 {
		t.Fatalf("expected output capped at 16 bytes, got %d", len(out))
	}
}

func TestCaptureDropsOverflow(t *testing.T) {
	t.Parallel()

	c := newCapture(5)
	for _, chunk := range []string{"abc", "defg", "hij"} {
		n, err := c.Write([]byte(chunk))
		if err != nil || n != len(chunk) {
			t.Fatalf("Write(%q) = %d, %v", chunk, n, err)
		}
	}
	if c.String() != "abcde" || !c.Truncated() || c.dropped != 5 {
		t.Fatalf("unexpected capture state %q dropped=%d", c.String(), c.dropped)
	}
}

func TestTargetAddressDefaultsPort(t *testing.T) {
	t.Parallel()

	if got := (Target{Host: "hpc.example.org"}).Address(); got != "hpc.example.org:22" {
		t.Fatalf("Address() = %q", got)
	}
	if got := (Target{Host: "hpc", Port: 2222}).Address(); got != "hpc:2222" {
		t.Fatalf("Address() = %q", got)
	}
}
