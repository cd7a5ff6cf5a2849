package cloud

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// streamTimeout bounds a single chat proxy call end to end. The server
// streams tokens for long generations; anything past this is treated
// as a hung stream.
const streamTimeout = 120 * time.Second

// StreamEvent is one parsed server-sent event from the chat proxy.
// Fields mirror the wire shape; zero values mean the field was absent.
type StreamEvent struct {
	Content string `json:"content,omitempty"` // full accumulated text
	Delta   string `json:"delta,omitempty"`   // incremental text
	Done    bool   `json:"done,omitempty"`
	Error   string `json:"error,omitempty"`
	Status  string `json:"status,omitempty"`
	Blocked bool   `json:"blocked,omitempty"`
}

// StreamReader pulls parsed events off a line-delimited "data:" stream.
// It buffers partial lines across reads, so a consumer can fold over
// Next without caring about network framing.
type StreamReader struct {
	scanner *bufio.Scanner
	closer  io.Closer
}

// NewStreamReader wraps an SSE response body.
func NewStreamReader(body io.ReadCloser) *StreamReader {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	return &StreamReader{scanner: scanner, closer: body}
}

// Next returns the next event. io.EOF signals a clean end of stream;
// any other error is a transport or parse failure. Non-event lines
// (blank keepalives, comments) are skipped.
func (r *StreamReader) Next() (StreamEvent, error) {
	for r.scanner.Scan() {
		line := bytes.TrimSpace(r.scanner.Bytes())
		if len(line) == 0 || !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		payload := bytes.TrimSpace(line[len("data:"):])
		if len(payload) == 0 {
			continue
		}

		var ev StreamEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			return StreamEvent{}, fmt.Errorf("parse stream event: %w", err)
		}
		return ev, nil
	}
	if err := r.scanner.Err(); err != nil {
		return StreamEvent{}, err
	}
	return StreamEvent{}, io.EOF
}

// Close releases the underlying response body.
func (r *StreamReader) Close() error { return r.closer.Close() }

// ChatProxyRequest is the chat proxy call payload.
type ChatProxyRequest struct {
	ConversationID string `json:"conversationId"`
	Text           string `json:"text"`
}

// ProxyChat streams a chat completion through the cloud. onDelta is
// invoked for each incremental fragment as it arrives. The returned
// string is the complete response: the server's final content when the
// stream ends with a done event, otherwise the concatenation of every
// delta seen before EOF.
//
// Cancellation is composite: the parent ctx, the caller's abort (just
// cancel ctx), and a 120 second overall timeout all tear the stream
// down.
func (c *Client) ProxyChat(ctx context.Context, req ChatProxyRequest, onDelta func(string)) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, streamTimeout)
	defer cancel()

	payload, err := json.Marshal(req)
	if err != nil {
		return "", &APIError{Code: CodeAPIError, Message: "encode chat request", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/chat/proxy", bytes.NewReader(payload))
	if err != nil {
		return "", &APIError{Code: CodeAPIError, Message: "create chat request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if token := c.Token(); token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
	httpReq.Header.Set("X-Request-Id", uuid.NewString())

	resp, err := c.streamc.Do(httpReq)
	if err != nil {
		return "", &APIError{Code: CodeNetworkError, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body := readBody(resp.Body, errorBodyLimit)
		return "", &APIError{Code: CodeAPIError, Status: resp.StatusCode, Message: body}
	}

	reader := NewStreamReader(resp.Body)
	defer reader.Close()

	var deltas strings.Builder
	for {
		ev, err := reader.Next()
		if errors.Is(err, io.EOF) {
			// Stream ended without a done event. Fall back to what we
			// accumulated rather than losing the partial response.
			return deltas.String(), nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return "", &APIError{Code: CodeNetworkError, Message: "chat stream cancelled", Err: ctx.Err()}
			}
			return "", &APIError{Code: CodeNetworkError, Message: "chat stream read failed", Err: err}
		}

		switch {
		case ev.Error != "":
			return "", &APIError{Code: CodeAPIError, Message: ev.Error}
		case ev.Delta != "":
			deltas.WriteString(ev.Delta)
			if onDelta != nil {
				onDelta(ev.Delta)
			}
		}

		if ev.Done {
			if ev.Content != "" {
				return ev.Content, nil
			}
			return deltas.String(), nil
		}
	}
}

// readBody reads up to limit bytes and closes rc.
func readBody(rc io.ReadCloser, limit int64) string {
	data, _ := io.ReadAll(io.LimitReader(rc, limit))
	rc.Close()
	return string(data)
}
