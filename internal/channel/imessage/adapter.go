package imessage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/myndhyve/myndhyve-cli/internal/channel"
	"github.com/myndhyve/myndhyve-cli/internal/markdown"
)

// Adapter is the iMessage channel plugin. There is no login handshake:
// the host's Messages.app session is the identity, and access reduces
// to two macOS permissions (Automation for sending, Full Disk Access
// for reading chat.db).
type Adapter struct {
	logger *slog.Logger
	poller *Poller

	// osascriptBin overrides the osascript binary in tests.
	osascriptBin string

	mu     sync.Mutex
	status string
}

// New wires the adapter. dbPath may be empty for the standard
// ~/Library/Messages/chat.db location.
func New(dbPath string, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("channel", "imessage")

	if dbPath == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dbPath = filepath.Join(home, "Library", "Messages", "chat.db")
		}
	}
	return &Adapter{
		logger:       logger,
		poller:       &Poller{DBPath: dbPath, Logger: logger},
		osascriptBin: "osascript",
		status:       channel.StatusDisconnected,
	}
}

func (a *Adapter) Channel() channel.Name { return channel.IMessage }
func (a *Adapter) DisplayName() string   { return "iMessage" }

// Supported: Messages.app exists only on macOS.
func (a *Adapter) Supported() (bool, string) {
	if runtime.GOOS != "darwin" {
		return false, "iMessage requires macOS"
	}
	return true, ""
}

// IsAuthenticated checks that chat.db is readable, which is the whole
// credential story on this platform.
func (a *Adapter) IsAuthenticated() bool {
	f, err := os.Open(a.poller.DBPath)
	if err != nil {
		return false
	}
	f.Close()
	return true
}

// Login verifies database access and tells the user which permission
// to grant when it is missing. There is nothing to hand out; the OS
// permission dialogs are the flow.
func (a *Adapter) Login(ctx context.Context) error {
	if ok, reason := a.Supported(); !ok {
		return fmt.Errorf("%s", reason)
	}
	if a.IsAuthenticated() {
		fmt.Fprintln(os.Stderr, "iMessage access confirmed.")
		return nil
	}
	fmt.Fprintln(os.Stderr, "Cannot read the Messages database.")
	fmt.Fprintln(os.Stderr, "Grant this terminal Full Disk Access in System Settings > Privacy & Security, then retry.")
	return fmt.Errorf("no access to %s", a.poller.DBPath)
}

// Start runs the chat.db poller until ctx ends.
func (a *Adapter) Start(ctx context.Context, onInbound channel.InboundFunc) error {
	if ok, reason := a.Supported(); !ok {
		return channel.Classified(channel.ReasonLoggedOut, fmt.Errorf("%s", reason))
	}
	if !a.IsAuthenticated() {
		return channel.Classified(channel.ReasonLoggedOut,
			fmt.Errorf("no access to %s", a.poller.DBPath))
	}

	a.setStatus(channel.StatusConnected)
	defer a.setStatus(channel.StatusDisconnected)

	if err := a.poller.Run(ctx, onInbound); err != nil {
		return channel.Classified(channel.ReasonConnectionLost, err)
	}
	return channel.Classified(channel.ReasonConnectionLost, nil)
}

// Deliver sends through Messages.app via osascript. Markdown is
// stripped to plain text; iMessage renders literals verbatim.
func (a *Adapter) Deliver(ctx context.Context, env channel.EgressEnvelope) (channel.DeliveryResult, error) {
	text := markdown.Render(env.Text, markdown.Options{Dialect: markdown.Plain})
	script := sendScript(env.ConversationID, text)

	start := time.Now()
	out, err := exec.CommandContext(ctx, a.osascriptBin, "-e", script).CombinedOutput()
	if err != nil {
		msg := fmt.Sprintf("osascript: %v: %s", err, out)
		a.logger.Warn("send failed",
			"conversationId", env.ConversationID,
			"duration", time.Since(start),
			"error", msg,
		)
		return channel.DeliveryResult{
			Success:   false,
			Error:     msg,
			Retryable: channel.Retryable(msg),
		}, nil
	}

	return channel.DeliveryResult{Success: true}, nil
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

// Logout is a no-op: the adapter holds no credentials of its own.
func (a *Adapter) Logout(ctx context.Context) error {
	return nil
}
