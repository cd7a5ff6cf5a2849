package signalcli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/mdp/qrterminal/v3"

	"github.com/myndhyve/myndhyve-cli/internal/channel"
	"github.com/myndhyve/myndhyve-cli/internal/markdown"
)

const linkDeviceName = "MyndHyve Relay"

// Adapter is the Signal channel plugin. All protocol work is delegated
// to the signal-cli daemon; the adapter owns its lifecycle and the
// translation to the channel contract.
type Adapter struct {
	daemon *Daemon
	logger *slog.Logger
	qrOut  io.Writer

	mu     sync.Mutex
	status string
}

// New wires the adapter. configDir and account may be empty, in which
// case signal-cli uses its own defaults.
func New(configDir, account string, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("channel", "signal")
	return &Adapter{
		daemon: &Daemon{
			ConfigDir: configDir,
			Account:   account,
			Logger:    logger,
		},
		logger: logger,
		qrOut:  os.Stderr,
		status: channel.StatusDisconnected,
	}
}

func (a *Adapter) Channel() channel.Name { return channel.Signal }
func (a *Adapter) DisplayName() string   { return "Signal" }

// Supported requires the signal-cli binary on PATH.
func (a *Adapter) Supported() (bool, string) {
	if _, err := exec.LookPath(a.daemon.binary()); err != nil {
		return false, "signal-cli not found in PATH (https://github.com/AsamK/signal-cli)"
	}
	return true, ""
}

// IsAuthenticated checks for registered account data on disk.
func (a *Adapter) IsAuthenticated() bool {
	dataDir := a.dataDir()
	if a.daemon.Account != "" {
		_, err := os.Stat(dataDir + "/" + a.daemon.Account)
		return err == nil
	}
	entries, err := os.ReadDir(dataDir)
	return err == nil && len(entries) > 0
}

func (a *Adapter) dataDir() string {
	if a.daemon.ConfigDir != "" {
		return a.daemon.ConfigDir + "/data"
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home + "/.local/share/signal-cli/data"
}

// Login links this relay as a secondary device: signal-cli prints a
// linking URI which we render as a QR code; scanning it in the Signal
// app completes the flow.
func (a *Adapter) Login(ctx context.Context) error {
	if err := a.daemon.CheckInstalled(ctx); err != nil {
		return err
	}

	args := []string{}
	if a.daemon.ConfigDir != "" {
		args = append(args, "--config", a.daemon.ConfigDir)
	}
	args = append(args, "link", "-n", linkDeviceName)

	cmd := exec.CommandContext(ctx, a.daemon.binary(), args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("pipe signal-cli output: %w", err)
	}
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: %v", ErrNotInstalled, err)
	}

	// The first stdout line is the sgnl:// linking URI.
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		uri := strings.TrimSpace(scanner.Text())
		if uri == "" {
			continue
		}
		fmt.Fprintln(a.qrOut, "\nScan this QR code in Signal (Settings > Linked Devices):")
		qrterminal.GenerateHalfBlock(uri, qrterminal.L, a.qrOut)
		fmt.Fprintln(a.qrOut, "Waiting for the phone to confirm...")
		break
	}

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("linking failed: %w", err)
	}
	a.logger.Info("device linked")
	return nil
}

// Start spawns the daemon and consumes its event stream until ctx ends
// or the daemon dies. Returned errors are classified; everything the
// subprocess does wrong is recoverable by restarting it.
func (a *Adapter) Start(ctx context.Context, onInbound channel.InboundFunc) error {
	a.setStatus(channel.StatusConnecting)
	defer a.setStatus(channel.StatusDisconnected)

	if err := a.daemon.CheckInstalled(ctx); err != nil {
		return channel.Classified(channel.ReasonConnectionLost, err)
	}
	if err := a.daemon.Start(ctx); err != nil {
		return channel.Classified(channel.ReasonConnectionLost, err)
	}
	defer a.daemon.Stop()
	a.setStatus(channel.StatusConnected)

	streamErr := make(chan error, 1)
	go func() {
		streamErr <- streamEvents(ctx, a.daemon.client(), a.daemon.baseURL(), onInbound)
	}()

	select {
	case <-ctx.Done():
		return channel.Classified(channel.ReasonConnectionLost, ctx.Err())
	case err := <-a.daemon.Exited():
		return channel.Classified(channel.ReasonConnectionLost,
			fmt.Errorf("%w (exit: %v): %s", ErrCrashed, err, a.daemon.StderrTail()))
	case err := <-streamErr:
		if ctx.Err() != nil {
			return channel.Classified(channel.ReasonConnectionLost, ctx.Err())
		}
		return channel.Classified(channel.ReasonConnectionLost, err)
	}
}

// Deliver sends one message through the daemon's JSON-RPC API. Signal
// has no inline formatting, so markdown is stripped to plain text.
func (a *Adapter) Deliver(ctx context.Context, env channel.EgressEnvelope) (channel.DeliveryResult, error) {
	text := markdown.Render(env.Text, markdown.Options{Dialect: markdown.Signal})

	params := sendParams{Message: text}
	if strings.HasPrefix(env.ConversationID, "+") {
		params.Recipient = []string{env.ConversationID}
	} else {
		params.GroupID = env.ConversationID
	}

	start := time.Now()
	raw, err := rpcCall(ctx, a.daemon.client(), a.daemon.baseURL(), "send", params)
	if err != nil {
		a.logger.Warn("send failed",
			"conversationId", env.ConversationID,
			"duration", time.Since(start),
			"error", err,
		)
		return channel.DeliveryResult{
			Success:   false,
			Error:     err.Error(),
			Retryable: channel.Retryable(err.Error()),
		}, nil
	}

	var result sendResult
	if jsonErr := unmarshalResult(raw, &result); jsonErr != nil {
		a.logger.Debug("send result parse failed", "error", jsonErr)
	}
	return channel.DeliveryResult{
		Success:           true,
		PlatformMessageID: fmt.Sprintf("%d", result.Timestamp),
	}, nil
}

func (a *Adapter) Status() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

func (a *Adapter) setStatus(s string) {
	a.mu.Lock()
	a.status = s
	a.mu.Unlock()
}

// Logout delegates credential removal to signal-cli, which owns the
// account store.
func (a *Adapter) Logout(ctx context.Context) error {
	args := []string{}
	if a.daemon.ConfigDir != "" {
		args = append(args, "--config", a.daemon.ConfigDir)
	}
	if a.daemon.Account != "" {
		args = append(args, "-a", a.daemon.Account)
	}
	args = append(args, "deleteLocalAccountData", "--ignore-registered")

	out, err := exec.CommandContext(ctx, a.daemon.binary(), args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("delete account data: %w: %s", err, out)
	}
	a.logger.Info("account data removed")
	return nil
}
