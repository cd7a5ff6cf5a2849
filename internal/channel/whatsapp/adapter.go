package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/myndhyve/myndhyve-cli/internal/channel"
	"github.com/myndhyve/myndhyve-cli/internal/markdown"
)

// Engine is the protocol layer the adapter drives: session handshake,
// message crypto, and event decoding on top of the socket shell. The
// production engine binds the platform protocol library; tests
// substitute fakes.
type Engine interface {
	// Pair runs the QR linking flow, emitting pairing codes on codes
	// until the phone links, ctx ends, or the flow fails. The engine
	// mutates the store's credentials as pairing progresses.
	Pair(ctx context.Context, store *Store, codes chan<- string) error

	// Run connects and pumps decoded inbound messages on events until
	// ctx ends or the session dies. The returned error is classified.
	// Run owns events: it closes the channel before returning, after
	// every goroutine that sends on it has stopped. The adapter drains
	// until close and never closes events itself.
	Run(ctx context.Context, store *Store, events chan<- channel.IngressEnvelope) error

	// Send delivers one rendered text message and returns the platform
	// message id.
	Send(ctx context.Context, conversationID, text string) (string, error)
}

// Adapter is the WhatsApp channel plugin.
type Adapter struct {
	store  *Store
	engine Engine
	logger *slog.Logger

	credDir string
	qrOut   *os.File // stderr unless overridden

	convLocks keyedMutex

	mu     sync.Mutex
	status string
}

// New wires the adapter over a credential directory and an engine.
func New(credDir string, engine Engine, logger *slog.Logger) (*Adapter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("channel", "whatsapp")

	store, err := NewStore(credDir, logger)
	if err != nil {
		return nil, fmt.Errorf("open credential store: %w", err)
	}

	return &Adapter{
		store:   store,
		engine:  engine,
		logger:  logger,
		credDir: credDir,
		qrOut:   os.Stderr,
		status:  channel.StatusDisconnected,
	}, nil
}

func (a *Adapter) Channel() channel.Name { return channel.WhatsApp }
func (a *Adapter) DisplayName() string   { return "WhatsApp" }

// Supported: the protocol runs anywhere Go does.
func (a *Adapter) Supported() (bool, string) { return true, "" }

func (a *Adapter) IsAuthenticated() bool { return a.store.Paired() }

// Login runs the QR pairing flow, rendering each code to stderr and as
// a PNG in the credential directory.
func (a *Adapter) Login(ctx context.Context) error {
	if a.store.Paired() {
		return nil
	}

	saveCtx, saveCancel := context.WithCancel(ctx)
	saverDone := make(chan struct{})
	go func() {
		defer close(saverDone)
		a.store.Run(saveCtx)
	}()
	defer func() {
		saveCancel()
		<-saverDone
	}()

	codes := make(chan string, 1)
	renderDone := make(chan struct{})
	go func() {
		defer close(renderDone)
		for code := range codes {
			if err := renderQR(a.qrOut, a.credDir, code); err != nil {
				a.logger.Warn("QR PNG render failed", "error", err)
			}
		}
	}()

	err := a.engine.Pair(ctx, a.store, codes)
	close(codes)
	<-renderDone
	if err != nil {
		return fmt.Errorf("pairing: %w", err)
	}

	// Flush the linked credentials before reporting success.
	a.store.RequestSave()
	saveCancel()
	<-saverDone
	a.logger.Info("device linked")
	return nil
}

// Start connects and blocks, forwarding decoded inbound messages to
// onInbound. Runs the credential save actor for the lifetime of the
// session.
func (a *Adapter) Start(ctx context.Context, onInbound channel.InboundFunc) error {
	if !a.store.Paired() {
		return channel.Classified(channel.ReasonLoggedOut, fmt.Errorf("not logged in"))
	}
	a.setStatus(channel.StatusConnecting)
	defer a.setStatus(channel.StatusDisconnected)

	runCtx, cancel := context.WithCancel(ctx)
	saverDone := make(chan struct{})
	go func() {
		defer close(saverDone)
		a.store.Run(runCtx)
	}()
	defer func() {
		cancel()
		<-saverDone
	}()

	events := make(chan channel.IngressEnvelope, 64)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		// Ends when the engine closes events; see the Engine contract.
		for env := range events {
			if err := onInbound(runCtx, env); err != nil {
				a.logger.Warn("inbound handler failed",
					"messageId", env.MessageID,
					"error", err,
				)
			}
		}
	}()

	a.setStatus(channel.StatusConnected)
	err := a.engine.Run(runCtx, a.store, events)
	wg.Wait()

	if err != nil {
		return err
	}
	return channel.Classified(channel.ReasonConnectionLost, nil)
}

// Deliver renders the envelope text into the WhatsApp dialect and
// sends it. Concurrent delivers to the same conversation serialize on
// a per-conversation lock; the platform rejects out-of-order sends
// within a chat.
func (a *Adapter) Deliver(ctx context.Context, env channel.EgressEnvelope) (channel.DeliveryResult, error) {
	text := markdown.Render(env.Text, markdown.Options{
		Dialect:          markdown.WhatsApp,
		CompatBoldItalic: true,
	})

	a.convLocks.Lock(env.ConversationID)
	defer a.convLocks.Unlock(env.ConversationID)

	start := time.Now()
	msgID, err := a.engine.Send(ctx, env.ConversationID, text)
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

	return channel.DeliveryResult{
		Success:           true,
		PlatformMessageID: msgID,
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

// Logout scrubs the persisted credentials; the phone-side unlink is the
// user's step.
func (a *Adapter) Logout(ctx context.Context) error {
	if err := a.store.Scrub(); err != nil {
		return err
	}
	// The engine keeps its session database next to the credentials;
	// remove it too so a later login starts from a clean pairing.
	for _, name := range []string{sessionDBName, sessionDBName + "-wal", sessionDBName + "-shm"} {
		if err := os.Remove(filepath.Join(a.credDir, name)); err != nil && !os.IsNotExist(err) {
			a.logger.Warn("session store cleanup failed", "file", name, "error", err)
		}
	}
	a.logger.Info("credentials removed")
	return nil
}
