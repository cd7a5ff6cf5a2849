package imessage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/myndhyve/myndhyve-cli/internal/backoff"
	"github.com/myndhyve/myndhyve-cli/internal/channel"
)

const defaultPollInterval = 2 * time.Second

// groupChatStyle is the chat.style value Messages uses for group chats.
const groupChatStyle = 43

// Poller tails the Messages chat.db for new inbound rows. It keeps a
// ROWID high-water mark: rows at or below the mark at startup are
// history, everything above is live traffic.
type Poller struct {
	// DBPath is the chat.db location.
	DBPath string
	// Driver overrides the sql driver name (tests use the pure-Go one).
	Driver string
	// Interval overrides the poll period; default 2s.
	Interval time.Duration
	// Logger receives poll diagnostics.
	Logger *slog.Logger

	lastRowID int64
}

func (p *Poller) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

func (p *Poller) interval() time.Duration {
	if p.Interval > 0 {
		return p.Interval
	}
	return defaultPollInterval
}

func (p *Poller) driver() string {
	if p.Driver != "" {
		return p.Driver
	}
	return defaultDriver
}

// Run polls until ctx ends. Every new inbound row is normalized and
// handed to onInbound; rows we sent ourselves are skipped but still
// advance the mark.
func (p *Poller) Run(ctx context.Context, onInbound channel.InboundFunc) error {
	db, err := sql.Open(p.driver(), "file:"+p.DBPath+"?mode=ro")
	if err != nil {
		return fmt.Errorf("open chat.db: %w", err)
	}
	defer db.Close()

	if err := db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(ROWID), 0) FROM message`).Scan(&p.lastRowID); err != nil {
		return fmt.Errorf("read message high-water mark: %w", err)
	}
	p.logger().Debug("chat.db poller started", "highWater", p.lastRowID)

	for {
		if !backoff.Sleep(ctx, p.interval()) {
			return nil
		}
		if err := p.poll(ctx, db, onInbound); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.logger().Warn("chat.db poll failed", "error", err)
		}
	}
}

const pollQuery = `
SELECT m.ROWID, m.guid, COALESCE(m.text, ''), m.date, m.is_from_me,
       COALESCE(h.id, ''),
       COALESCE(c.chat_identifier, ''), COALESCE(c.display_name, ''), COALESCE(c.style, 0)
FROM message m
LEFT JOIN handle h ON h.ROWID = m.handle_id
LEFT JOIN chat_message_join cmj ON cmj.message_id = m.ROWID
LEFT JOIN chat c ON c.ROWID = cmj.chat_id
WHERE m.ROWID > ?
ORDER BY m.ROWID`

func (p *Poller) poll(ctx context.Context, db *sql.DB, onInbound channel.InboundFunc) error {
	rows, err := db.QueryContext(ctx, pollQuery, p.lastRowID)
	if err != nil {
		return fmt.Errorf("query new messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			rowID, date        int64
			isFromMe, style    int
			guid, text, handle string
			chatID, chatName   string
		)
		if err := rows.Scan(&rowID, &guid, &text, &date, &isFromMe,
			&handle, &chatID, &chatName, &style); err != nil {
			return fmt.Errorf("scan message row: %w", err)
		}
		p.lastRowID = rowID

		if isFromMe == 1 || text == "" {
			continue
		}

		env := channel.IngressEnvelope{
			Channel:        channel.IMessage,
			MessageID:      guid,
			ConversationID: chatID,
			PeerID:         handle,
			Text:           text,
			Timestamp:      fromAppleTime(date),
			IsGroup:        style == groupChatStyle,
		}
		if env.ConversationID == "" {
			env.ConversationID = handle
		}
		if env.IsGroup {
			env.GroupName = chatName
		}
		if env.MessageID == "" {
			env.MessageID = strconv.FormatInt(rowID, 10)
		}

		if err := onInbound(ctx, env); err != nil {
			return fmt.Errorf("inbound handler: %w", err)
		}
	}
	return rows.Err()
}
