// Package signalcli is the Signal relay adapter. It owns a signal-cli
// subprocess running in JSON-RPC-over-HTTP daemon mode and translates
// between its API and the relay's channel contract.
package signalcli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// Daemon startup failure modes, classified so the supervisor and the
// CLI can explain them instead of dumping a raw exec error.
var (
	// ErrNotInstalled means the signal-cli binary is missing or broken.
	ErrNotInstalled = errors.New("signal-cli is not installed")

	// ErrCrashed means the daemon exited before becoming healthy.
	ErrCrashed = errors.New("signal-cli exited before becoming ready")

	// ErrStartTimeout means the daemon never answered the health check
	// within the startup budget.
	ErrStartTimeout = errors.New("signal-cli did not become ready in time")
)

const (
	// DefaultAddr is where the daemon binds its HTTP API.
	DefaultAddr = "127.0.0.1:18080"

	installCheckTimeout = 5 * time.Second
	healthPollInterval  = 500 * time.Millisecond
	healthBudget        = 30 * time.Second
	stderrTailSize      = 4096
)

// ringBuffer keeps the most recent writes up to its capacity. The
// daemon's stderr flows through one so a crash report can include the
// tail without unbounded buffering.
type ringBuffer struct {
	mu  sync.Mutex
	buf []byte
	cap int
}

func newRingBuffer(capacity int) *ringBuffer {
	return &ringBuffer{cap: capacity}
}

func (r *ringBuffer) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf = append(r.buf, p...)
	if len(r.buf) > r.cap {
		r.buf = r.buf[len(r.buf)-r.cap:]
	}
	return len(p), nil
}

func (r *ringBuffer) Tail() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return string(r.buf)
}

// Daemon manages the signal-cli subprocess lifecycle.
type Daemon struct {
	// Binary overrides the signal-cli executable name (tests).
	Binary string
	// ConfigDir is passed as --config when non-empty.
	ConfigDir string
	// Account is passed as -a when non-empty.
	Account string
	// Addr is the host:port the daemon binds; DefaultAddr when empty.
	Addr string
	// Logger receives subprocess lifecycle logs.
	Logger *slog.Logger

	httpc *http.Client

	mu     sync.Mutex
	cmd    *exec.Cmd
	stderr *ringBuffer
	exited chan error
}

func (d *Daemon) binary() string {
	if d.Binary != "" {
		return d.Binary
	}
	return "signal-cli"
}

func (d *Daemon) addr() string {
	if d.Addr != "" {
		return d.Addr
	}
	return DefaultAddr
}

func (d *Daemon) baseURL() string { return "http://" + d.addr() }

func (d *Daemon) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

func (d *Daemon) client() *http.Client {
	if d.httpc == nil {
		d.httpc = &http.Client{Timeout: 10 * time.Second}
	}
	return d.httpc
}

// CheckInstalled verifies the signal-cli binary runs at all.
func (d *Daemon) CheckInstalled(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, installCheckTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, d.binary(), "--version").Output()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotInstalled, err)
	}
	d.logger().Debug("signal-cli found", "version", strings.TrimSpace(string(out)))
	return nil
}

// Start spawns the daemon and blocks until it answers the health check
// or fails. On return with nil the HTTP API at Addr is live.
func (d *Daemon) Start(ctx context.Context) error {
	args := []string{}
	if d.ConfigDir != "" {
		args = append(args, "--config", d.ConfigDir)
	}
	if d.Account != "" {
		args = append(args, "-a", d.Account)
	}
	args = append(args, "daemon", "--http", d.addr())

	stderr := newRingBuffer(stderrTailSize)
	cmd := exec.Command(d.binary(), args...)
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: %v", ErrNotInstalled, err)
	}
	d.logger().Info("signal-cli daemon spawned", "pid", cmd.Process.Pid, "addr", d.addr())

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	d.mu.Lock()
	d.cmd = cmd
	d.stderr = stderr
	d.exited = exited
	d.mu.Unlock()

	if err := d.awaitHealthy(ctx, exited, stderr); err != nil {
		d.Stop()
		return err
	}
	d.logger().Info("signal-cli daemon healthy")
	return nil
}

// awaitHealthy polls the HTTP API until it responds, the process dies,
// or the budget runs out.
func (d *Daemon) awaitHealthy(ctx context.Context, exited <-chan error, stderr *ringBuffer) error {
	deadline := time.After(healthBudget)
	ticker := time.NewTicker(healthPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-exited:
			return fmt.Errorf("%w (exit: %v): %s", ErrCrashed, err, stderr.Tail())
		case <-deadline:
			return ErrStartTimeout
		case <-ticker.C:
			if d.probe(ctx) {
				return nil
			}
		}
	}
}

// probe tries the health endpoint, falling back to a JSON-RPC version
// call for signal-cli builds that predate /api/v1/health.
func (d *Daemon) probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL()+"/api/v1/health", nil)
	if err != nil {
		return false
	}
	resp, err := d.client().Do(req)
	if err == nil {
		resp.Body.Close()
		if resp.StatusCode < 300 {
			return true
		}
		if resp.StatusCode != http.StatusNotFound {
			return false
		}
	} else {
		return false
	}

	// 404: old daemon without the health route. Any JSON-RPC answer
	// counts as alive.
	_, rpcErr := rpcCall(ctx, d.client(), d.baseURL(), "version", nil)
	return rpcErr == nil
}

// Exited reports daemon death asynchronously; nil until Start succeeds.
func (d *Daemon) Exited() <-chan error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.exited
}

// StderrTail returns the most recent stderr output.
func (d *Daemon) StderrTail() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stderr == nil {
		return ""
	}
	return d.stderr.Tail()
}

// Stop terminates the daemon with SIGTERM. A process that is already
// gone counts as stopped.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	cmd := d.cmd
	exited := d.exited
	d.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		if errors.Is(err, syscall.ESRCH) || strings.Contains(err.Error(), "process already finished") {
			return nil
		}
		return fmt.Errorf("stop signal-cli: %w", err)
	}

	select {
	case <-exited:
	case <-time.After(10 * time.Second):
		cmd.Process.Kill()
		<-exited
	}
	return nil
}
