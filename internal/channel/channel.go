// Package channel defines the contract between the relay supervisor and
// the chat platform adapters. A plugin owns everything platform-specific
// (wire protocol, credentials, process management); the supervisor only
// sees this interface plus the classified errors in errors.go.
package channel

import (
	"context"
	"time"
)

// Name identifies a chat platform.
type Name string

// The closed set of supported channels.
const (
	WhatsApp Name = "whatsapp"
	Signal   Name = "signal"
	IMessage Name = "imessage"
)

// Known reports whether name is a supported channel.
func Known(name Name) bool {
	switch name {
	case WhatsApp, Signal, IMessage:
		return true
	}
	return false
}

// Connection status strings reported by Plugin.Status.
const (
	StatusConnecting    = "connecting"
	StatusConnected     = "connected"
	StatusReconnecting  = "reconnecting"
	StatusDisconnecting = "disconnecting"
	StatusDisconnected  = "disconnected"
	StatusAuthenticated = "authenticated"
)

// MediaKind values accepted in a media descriptor.
const (
	MediaImage    = "image"
	MediaVideo    = "video"
	MediaAudio    = "audio"
	MediaDocument = "document"
)

// Media describes one attachment by reference. The relay never holds
// attachment bytes; adapters resolve references at delivery time and
// the cloud resolves them at ingress time.
type Media struct {
	Kind      string `json:"kind"`
	Reference string `json:"reference"`
	MimeType  string `json:"mimeType,omitempty"`
	FileName  string `json:"fileName,omitempty"`
	Size      int64  `json:"size,omitempty"`
}

// IngressEnvelope is an inbound platform message normalized to the
// common shape. Text has already been converted to the common markdown
// dialect by the adapter. The envelope is ephemeral: it exists from
// adapter receipt until the ingress post is acknowledged.
type IngressEnvelope struct {
	Channel        Name      `json:"channel"`
	MessageID      string    `json:"messageId"`
	ConversationID string    `json:"conversationId"`
	ThreadID       string    `json:"threadId,omitempty"`
	PeerID         string    `json:"peerId"`
	PeerName       string    `json:"peerName,omitempty"`
	Text           string    `json:"text"`
	Media          []Media   `json:"media,omitempty"`
	IsGroup        bool      `json:"isGroup,omitempty"`
	GroupName      string    `json:"groupName,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	ReplyToID      string    `json:"replyToId,omitempty"`
	Mentions       []string  `json:"mentions,omitempty"`
}

// EgressEnvelope is an outbound message bound for one conversation.
// Text is common markdown; adapters render it into the platform
// dialect before sending.
type EgressEnvelope struct {
	Channel        Name    `json:"channel"`
	ConversationID string  `json:"conversationId"`
	ThreadID       string  `json:"threadId,omitempty"`
	Text           string  `json:"text"`
	Media          []Media `json:"media,omitempty"`
	ReplyToID      string  `json:"replyToId,omitempty"`
}

// DeliveryResult is the adapter's verdict on one deliver call.
// DurationMs is filled in by the outbound poller, not the adapter.
type DeliveryResult struct {
	Success           bool   `json:"success"`
	PlatformMessageID string `json:"platformMessageId,omitempty"`
	Error             string `json:"error,omitempty"`
	Retryable         bool   `json:"retryable,omitempty"`
	DurationMs        int64  `json:"durationMs"`
}

// InboundFunc receives normalized inbound messages from an adapter.
// Implementations post to the cloud and may block for the duration of
// that post; adapters must tolerate that.
type InboundFunc func(ctx context.Context, env IngressEnvelope) error

// Plugin is the capability set every chat platform adapter implements.
//
// Start opens the platform connection, binds the inbound handler, and
// blocks until ctx cancels or a fatal condition occurs. Fatal
// conditions are returned as a *Error carrying the classified reason.
//
// Deliver is at-most-once. It is safe to call concurrently only for
// distinct conversations; if the platform requires per-conversation
// serialization, that is the plugin's responsibility.
type Plugin interface {
	// Channel returns the platform name.
	Channel() Name

	// DisplayName returns the human-readable platform name.
	DisplayName() string

	// Supported reports whether the adapter can run on this host, and
	// if not, why.
	Supported() (bool, string)

	// Login runs the interactive authentication flow. May print to
	// stderr (QR codes, prompts).
	Login(ctx context.Context) error

	// IsAuthenticated checks persisted credentials without touching
	// the network.
	IsAuthenticated() bool

	// Start connects and blocks. See the type comment.
	Start(ctx context.Context, onInbound InboundFunc) error

	// Deliver sends one egress envelope. A non-nil error means the
	// adapter could not produce a verdict (treated as a retryable
	// failure by the poller); a verdict with Success=false is returned
	// with a nil error.
	Deliver(ctx context.Context, env EgressEnvelope) (DeliveryResult, error)

	// Status returns one of the Status* strings.
	Status() string

	// Logout scrubs persisted credentials.
	Logout(ctx context.Context) error
}
