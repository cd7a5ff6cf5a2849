package signalcli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/myndhyve/myndhyve-cli/internal/channel"
)

// signal-cli event wire shapes, trimmed to the fields the relay needs.
type eventPayload struct {
	Account  string        `json:"account"`
	Envelope signalEnvelope `json:"envelope"`
}

type signalEnvelope struct {
	Source      string       `json:"source"`
	SourceName  string       `json:"sourceName"`
	Timestamp   int64        `json:"timestamp"` // ms epoch
	DataMessage *dataMessage `json:"dataMessage"`
}

type dataMessage struct {
	Message     string          `json:"message"`
	Timestamp   int64           `json:"timestamp"`
	GroupInfo   *groupInfo      `json:"groupInfo"`
	Quote       *quoteInfo      `json:"quote"`
	Attachments []attachmentRef `json:"attachments"`
}

type groupInfo struct {
	GroupID   string `json:"groupId"`
	GroupName string `json:"groupName"`
}

type quoteInfo struct {
	ID     int64  `json:"id"`
	Author string `json:"author"`
}

type attachmentRef struct {
	ID          string `json:"id"`
	ContentType string `json:"contentType"`
	Filename    string `json:"filename"`
	Size        int64  `json:"size"`
}

// streamEvents consumes the daemon's /api/v1/events SSE feed, handing
// each decoded data message to onInbound until ctx ends or the stream
// breaks. Events without a data message (receipts, typing, sync) are
// skipped.
func streamEvents(ctx context.Context, httpc *http.Client, baseURL string, onInbound channel.InboundFunc) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/v1/events", nil)
	if err != nil {
		return fmt.Errorf("create events request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	// The stream is long-lived; the per-request client timeout must not
	// apply.
	streamClient := &http.Client{Transport: httpc.Transport}
	resp, err := streamClient.Do(req)
	if err != nil {
		return fmt.Errorf("open event stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("event stream status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		payload := bytes.TrimSpace(line[len("data:"):])
		if len(payload) == 0 {
			continue
		}

		var ev eventPayload
		if err := json.Unmarshal(payload, &ev); err != nil {
			// Unknown event shapes are expected across signal-cli
			// versions; skip rather than kill the stream.
			continue
		}
		env, ok := normalize(ev)
		if !ok {
			continue
		}
		if err := onInbound(ctx, env); err != nil {
			return fmt.Errorf("inbound handler: %w", err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("event stream read: %w", err)
	}
	return fmt.Errorf("event stream closed")
}

// normalize maps a signal-cli envelope into the common ingress shape.
func normalize(ev eventPayload) (channel.IngressEnvelope, bool) {
	dm := ev.Envelope.DataMessage
	if dm == nil || (dm.Message == "" && len(dm.Attachments) == 0) {
		return channel.IngressEnvelope{}, false
	}

	ts := dm.Timestamp
	if ts == 0 {
		ts = ev.Envelope.Timestamp
	}

	env := channel.IngressEnvelope{
		Channel:        channel.Signal,
		MessageID:      ev.Envelope.Source + ":" + strconv.FormatInt(ts, 10),
		ConversationID: ev.Envelope.Source,
		PeerID:         ev.Envelope.Source,
		PeerName:       ev.Envelope.SourceName,
		Text:           dm.Message,
		Timestamp:      time.UnixMilli(ts).UTC(),
	}
	if dm.GroupInfo != nil && dm.GroupInfo.GroupID != "" {
		env.ConversationID = dm.GroupInfo.GroupID
		env.IsGroup = true
		env.GroupName = dm.GroupInfo.GroupName
	}
	if dm.Quote != nil {
		env.ReplyToID = dm.Quote.Author + ":" + strconv.FormatInt(dm.Quote.ID, 10)
	}
	for _, att := range dm.Attachments {
		env.Media = append(env.Media, channel.Media{
			Kind:      mediaKind(att.ContentType),
			Reference: att.ID,
			MimeType:  att.ContentType,
			FileName:  att.Filename,
			Size:      att.Size,
		})
	}
	return env, true
}

func mediaKind(contentType string) string {
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return channel.MediaImage
	case strings.HasPrefix(contentType, "video/"):
		return channel.MediaVideo
	case strings.HasPrefix(contentType, "audio/"):
		return channel.MediaAudio
	default:
		return channel.MediaDocument
	}
}
