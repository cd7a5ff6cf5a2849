package whatsapp

import (
	"errors"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/myndhyve/myndhyve-cli/internal/channel"
)

// ClassifyClose maps a websocket close error from the protocol
// library's transport into a classified channel error. The server
// signals a session takeover with a "conflict" close and a revoked
// session with a 401-class close; everything else is a recoverable
// transport failure.
func ClassifyClose(err error) *channel.Error {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		text := strings.ToLower(closeErr.Text)
		switch {
		case strings.Contains(text, "conflict"), closeErr.Code == 4409:
			return channel.Classified(channel.ReasonReplaced, err)
		case closeErr.Code == 4401, strings.Contains(text, "unauthorized"), strings.Contains(text, "logged out"):
			return channel.Classified(channel.ReasonLoggedOut, err)
		}
	}
	return channel.Classified(channel.ReasonConnectionLost, err)
}
