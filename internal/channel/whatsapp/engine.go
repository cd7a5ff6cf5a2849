package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	waStore "go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waEvents "go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	_ "modernc.org/sqlite"

	"github.com/myndhyve/myndhyve-cli/internal/channel"
)

// sessionDBName is the protocol session store, kept next to creds.json
// in the channel credential directory.
const sessionDBName = "session.db"

// LiveEngine is the production protocol engine, backed by whatsmeow's
// multidevice implementation. whatsmeow owns the session crypto in
// session.db; the adapter's credential store keeps the relay-side
// pairing marker that gates Start.
type LiveEngine struct {
	credDir string
	logger  *slog.Logger

	mu     sync.Mutex
	client *whatsmeow.Client
}

// NewLiveEngine builds the engine over a credential directory.
func NewLiveEngine(credDir string, logger *slog.Logger) *LiveEngine {
	if logger == nil {
		logger = slog.Default()
	}
	waStore.DeviceProps.Os = proto.String("MyndHyve Relay")
	return &LiveEngine{
		credDir: credDir,
		logger:  logger.With("component", "engine"),
	}
}

// newClient opens the session store and binds a client to the first
// (only) device in it.
func (e *LiveEngine) newClient(ctx context.Context) (*whatsmeow.Client, error) {
	dsn := "file:" + filepath.Join(e.credDir, sessionDBName) + "?_pragma=foreign_keys(1)"
	container, err := sqlstore.New(ctx, "sqlite", dsn, waLog.Noop)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("load device: %w", err)
	}
	return whatsmeow.NewClient(device, &slogWALogger{l: e.logger}), nil
}

// Pair runs the QR linking flow. Codes stream out as the server rotates
// them; on success the credential store is marked paired.
func (e *LiveEngine) Pair(ctx context.Context, store *Store, codes chan<- string) error {
	client, err := e.newClient(ctx)
	if err != nil {
		return err
	}
	defer client.Disconnect()

	if client.Store.ID != nil {
		// Session store already holds a linked device (e.g. a previous
		// pairing that crashed before the marker was written).
		return markPaired(store, client)
	}

	qrChan, err := client.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("open pairing channel: %w", err)
	}
	if err := client.Connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case item, ok := <-qrChan:
			if !ok {
				return fmt.Errorf("pairing channel closed before the phone linked")
			}
			switch item.Event {
			case whatsmeow.QRChannelEventCode:
				select {
				case codes <- item.Code:
				case <-ctx.Done():
					return ctx.Err()
				}
			case whatsmeow.QRChannelSuccess.Event:
				return markPaired(store, client)
			case whatsmeow.QRChannelTimeout.Event:
				return fmt.Errorf("pairing timed out before the phone linked")
			default:
				if item.Error != nil {
					return fmt.Errorf("pairing: %w", item.Error)
				}
				return fmt.Errorf("pairing ended: %s", item.Event)
			}
		}
	}
}

func markPaired(store *Store, client *whatsmeow.Client) error {
	id := client.Store.ID
	if id == nil {
		return fmt.Errorf("pairing finished without a device id")
	}
	store.Update(func(c *Credentials) {
		c.DeviceID = id.String()
		c.PairedAt = time.Now().UTC()
	})
	store.RequestSave()
	return nil
}

// Run connects the linked session and pumps decoded inbound messages
// until ctx ends or the session dies. The supervisor owns reconnects,
// so whatsmeow's own auto-reconnect is disabled and every terminal
// condition surfaces as a classified error.
func (e *LiveEngine) Run(ctx context.Context, store *Store, sink chan<- channel.IngressEnvelope) error {
	// The engine owns sink. Event handlers can outlive RemoveEventHandler
	// by one in-flight call, so every send goes through emit, and sink is
	// closed only once the closed flag is visible to any such straggler.
	var sinkMu sync.Mutex
	sinkClosed := false
	emit := func(env channel.IngressEnvelope) {
		sinkMu.Lock()
		defer sinkMu.Unlock()
		if sinkClosed {
			return
		}
		select {
		case sink <- env:
		case <-ctx.Done():
		}
	}
	defer func() {
		sinkMu.Lock()
		sinkClosed = true
		sinkMu.Unlock()
		close(sink)
	}()

	client, err := e.newClient(ctx)
	if err != nil {
		return channel.Classified(channel.ReasonConnectionLost, err)
	}
	if client.Store.ID == nil {
		return channel.Classified(channel.ReasonLoggedOut,
			fmt.Errorf("session store has no linked device"))
	}
	client.EnableAutoReconnect = false

	fatal := make(chan error, 1)
	fail := func(err error) {
		select {
		case fatal <- err:
		default:
		}
	}

	handlerID := client.AddEventHandler(func(evt interface{}) {
		switch v := evt.(type) {
		case *waEvents.Message:
			env, ok := envelopeFromMessage(v)
			if !ok {
				return
			}
			emit(env)
		case *waEvents.LoggedOut:
			fail(channel.Classified(channel.ReasonLoggedOut,
				fmt.Errorf("platform logged this device out (reason %v)", v.Reason)))
		case *waEvents.StreamReplaced:
			fail(channel.Classified(channel.ReasonReplaced,
				fmt.Errorf("another client took over the session")))
		case *waEvents.Disconnected:
			fail(channel.Classified(channel.ReasonConnectionLost,
				fmt.Errorf("server closed the stream")))
		case *waEvents.ConnectFailure:
			fail(channel.Classified(channel.ReasonConnectionLost,
				fmt.Errorf("connect failure (reason %v)", v.Reason)))
		}
	})
	defer client.RemoveEventHandler(handlerID)

	if err := client.Connect(); err != nil {
		return ClassifyClose(err)
	}
	defer client.Disconnect()

	e.mu.Lock()
	e.client = client
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.client = nil
		e.mu.Unlock()
	}()

	select {
	case <-ctx.Done():
		return channel.Classified(channel.ReasonConnectionLost, ctx.Err())
	case err := <-fatal:
		return err
	}
}

// Send delivers one rendered text message through the live session.
func (e *LiveEngine) Send(ctx context.Context, conversationID, text string) (string, error) {
	e.mu.Lock()
	client := e.client
	e.mu.Unlock()
	if client == nil || !client.IsConnected() {
		return "", fmt.Errorf("%s: no active session", channel.TagNetworkFailure)
	}

	jid, err := conversationJID(conversationID)
	if err != nil {
		return "", err
	}
	resp, err := client.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(text)})
	if err != nil {
		return "", fmt.Errorf("send: %w", err)
	}
	return string(resp.ID), nil
}

// conversationJID resolves a conversation id into a JID. Full JIDs pass
// through; bare numbers address the user server.
func conversationJID(conversationID string) (types.JID, error) {
	if strings.Contains(conversationID, "@") {
		jid, err := types.ParseJID(conversationID)
		if err != nil {
			return types.EmptyJID, fmt.Errorf("parse conversation id %q: %w", conversationID, err)
		}
		return jid, nil
	}
	user := strings.TrimPrefix(conversationID, "+")
	if user == "" {
		return types.EmptyJID, fmt.Errorf("empty conversation id")
	}
	return types.NewJID(user, types.DefaultUserServer), nil
}

// envelopeFromMessage normalizes one decoded platform message. Own
// messages and empty payloads are dropped.
func envelopeFromMessage(evt *waEvents.Message) (channel.IngressEnvelope, bool) {
	info := evt.Info
	if info.IsFromMe {
		return channel.IngressEnvelope{}, false
	}

	msg := evt.Message
	text := msg.GetConversation()
	if text == "" {
		text = msg.GetExtendedTextMessage().GetText()
	}

	var media []channel.Media
	switch {
	case msg.GetImageMessage() != nil:
		m := msg.GetImageMessage()
		media = append(media, channel.Media{
			Kind:      channel.MediaImage,
			Reference: m.GetDirectPath(),
			MimeType:  m.GetMimetype(),
			Size:      int64(m.GetFileLength()),
		})
		if text == "" {
			text = m.GetCaption()
		}
	case msg.GetVideoMessage() != nil:
		m := msg.GetVideoMessage()
		media = append(media, channel.Media{
			Kind:      channel.MediaVideo,
			Reference: m.GetDirectPath(),
			MimeType:  m.GetMimetype(),
			Size:      int64(m.GetFileLength()),
		})
		if text == "" {
			text = m.GetCaption()
		}
	case msg.GetAudioMessage() != nil:
		m := msg.GetAudioMessage()
		media = append(media, channel.Media{
			Kind:      channel.MediaAudio,
			Reference: m.GetDirectPath(),
			MimeType:  m.GetMimetype(),
			Size:      int64(m.GetFileLength()),
		})
	case msg.GetDocumentMessage() != nil:
		m := msg.GetDocumentMessage()
		media = append(media, channel.Media{
			Kind:      channel.MediaDocument,
			Reference: m.GetDirectPath(),
			MimeType:  m.GetMimetype(),
			FileName:  m.GetFileName(),
			Size:      int64(m.GetFileLength()),
		})
		if text == "" {
			text = m.GetCaption()
		}
	}

	if text == "" && len(media) == 0 {
		return channel.IngressEnvelope{}, false
	}

	ctxInfo := msg.GetExtendedTextMessage().GetContextInfo()
	return channel.IngressEnvelope{
		Channel:        channel.WhatsApp,
		MessageID:      info.ID,
		ConversationID: info.Chat.String(),
		PeerID:         info.Sender.ToNonAD().String(),
		PeerName:       info.PushName,
		Text:           text,
		Media:          media,
		IsGroup:        info.IsGroup,
		Timestamp:      info.Timestamp,
		ReplyToID:      ctxInfo.GetStanzaID(),
		Mentions:       ctxInfo.GetMentionedJID(),
	}, true
}

// slogWALogger adapts the protocol library's logger to slog.
type slogWALogger struct {
	l *slog.Logger
}

func (w *slogWALogger) Errorf(msg string, args ...interface{}) {
	w.l.Error(fmt.Sprintf(msg, args...))
}
func (w *slogWALogger) Warnf(msg string, args ...interface{}) {
	w.l.Warn(fmt.Sprintf(msg, args...))
}
func (w *slogWALogger) Infof(msg string, args ...interface{}) {
	w.l.Debug(fmt.Sprintf(msg, args...))
}
func (w *slogWALogger) Debugf(msg string, args ...interface{}) {
	w.l.Debug(fmt.Sprintf(msg, args...))
}
func (w *slogWALogger) Sub(module string) waLog.Logger {
	return &slogWALogger{l: w.l.With("module", module)}
}
