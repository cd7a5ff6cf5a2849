package cloud

import (
	"time"

	"github.com/myndhyve/myndhyve-cli/internal/channel"
)

// RegisterRequest exchanges a one-time pairing code for relay credentials.
type RegisterRequest struct {
	Code     string `json:"code"`
	Channel  string `json:"channel"`
	Hostname string `json:"hostname,omitempty"`
}

// RegisterResponse carries the assigned identity.
type RegisterResponse struct {
	RelayID     string    `json:"relayId"`
	DeviceToken string    `json:"deviceToken"`
	ExpiresAt   time.Time `json:"expiresAt"`
	UserID      string    `json:"userId,omitempty"`
}

// HeartbeatRequest reports relay presence.
type HeartbeatRequest struct {
	PlatformStatus string `json:"platformStatus"`
	UptimeSeconds  int64  `json:"uptimeSeconds"`
}

// HeartbeatResponse may steer the client: a non-zero interval replaces
// the local heartbeat period, and HasPendingOutbound hints that an
// immediate outbound poll would not be wasted.
type HeartbeatResponse struct {
	HeartbeatIntervalSeconds int  `json:"heartbeatIntervalSeconds,omitempty"`
	HasPendingOutbound       bool `json:"hasPendingOutbound,omitempty"`
}

// OutboundMessage is one queued egress envelope. The server re-queues
// an id until it is acknowledged with success=true or a non-retryable
// failure.
type OutboundMessage struct {
	ID       string                 `json:"id"`
	Envelope channel.EgressEnvelope `json:"envelope"`
	QueuedAt time.Time              `json:"queuedAt"`
	Priority int                    `json:"priority,omitempty"`
	Attempts int                    `json:"attempts,omitempty"`
}

// refreshRequest and refreshResponse are the device-token rotation wire
// shapes. The old token authenticates the call.
type refreshRequest struct {
	RelayID string `json:"relayId"`
}

type refreshResponse struct {
	DeviceToken string    `json:"deviceToken"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// BridgeSession is the server-side sync session for one project root.
type BridgeSession struct {
	SessionID      string   `json:"sessionId"`
	ProjectID      string   `json:"projectId"`
	ProjectRoot    string   `json:"projectRoot"`
	IgnorePatterns []string `json:"ignorePatterns,omitempty"`
}

// FileChange is the watcher push payload. Hash is empty for deletions.
type FileChange struct {
	RelativePath string `json:"relativePath"`
	Kind         string `json:"kind"` // created, modified, deleted
	Hash         string `json:"hash,omitempty"`
}

// RemoteChange is one change pulled from the cloud. Content carries the
// full new file bytes for created/modified and is absent for deleted.
type RemoteChange struct {
	RelativePath string `json:"relativePath"`
	Kind         string `json:"kind"`
	Content      []byte `json:"content,omitempty"`
}

// PullResponse is a page of remote changes plus the cursor for the
// next pull.
type PullResponse struct {
	Changes []RemoteChange `json:"changes"`
	Cursor  string         `json:"cursor"`
}

// Build record status values.
const (
	BuildQueued  = "queued"
	BuildRunning = "running"
	BuildSuccess = "success"
	BuildFailed  = "failed"
)

// BuildIssue is one parsed diagnostic from build output.
type BuildIssue struct {
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// BuildRecord mirrors the server-side build document. The local
// executor is a pure state-transition source: it moves the record
// through running into success or failed and attaches diagnostics.
type BuildRecord struct {
	ID           string            `json:"id"`
	Command      string            `json:"command"`
	Env          map[string]string `json:"env,omitempty"`
	Status       string            `json:"status"`
	ExitCode     int               `json:"exitCode"`
	StartedAt    time.Time         `json:"startedAt,omitzero"`
	CompletedAt  time.Time         `json:"completedAt,omitzero"`
	DurationMs   int64             `json:"durationMs,omitempty"`
	Errors       []BuildIssue      `json:"errors,omitempty"`
	Warnings     []BuildIssue      `json:"warnings,omitempty"`
	ErrorCount   int               `json:"errorCount"`
	WarningCount int               `json:"warningCount"`
}

// BuildChunk is one slice of captured build output. ChunkID is a
// six-digit zero-padded serial, monotonically increasing per build
// across both streams.
type BuildChunk struct {
	ChunkID   string    `json:"chunkId"`
	Stream    string    `json:"stream"` // stdout, stderr
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}
