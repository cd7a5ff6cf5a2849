package whatsapp

import (
	"errors"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/myndhyve/myndhyve-cli/internal/channel"
)

func TestClassifyClose(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want channel.Reason
	}{
		{
			"conflict text means takeover",
			&websocket.CloseError{Code: websocket.ClosePolicyViolation, Text: "Stream Errored (conflict)"},
			channel.ReasonReplaced,
		},
		{
			"4409 means takeover",
			&websocket.CloseError{Code: 4409},
			channel.ReasonReplaced,
		},
		{
			"4401 means logged out",
			&websocket.CloseError{Code: 4401},
			channel.ReasonLoggedOut,
		},
		{
			"unauthorized text means logged out",
			&websocket.CloseError{Code: websocket.CloseNormalClosure, Text: "unauthorized"},
			channel.ReasonLoggedOut,
		},
		{
			"logged out text",
			&websocket.CloseError{Code: websocket.CloseNormalClosure, Text: "device logged out"},
			channel.ReasonLoggedOut,
		},
		{
			"abnormal close is transient",
			&websocket.CloseError{Code: websocket.CloseAbnormalClosure},
			channel.ReasonConnectionLost,
		},
		{
			"plain transport error is transient",
			errors.New("read tcp: connection reset by peer"),
			channel.ReasonConnectionLost,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ClassifyClose(tt.err)
			if got.Reason != tt.want {
				t.Errorf("reason = %s, want %s", got.Reason, tt.want)
			}
			if !errors.Is(got, tt.err) && got.Err != tt.err {
				t.Error("classified error does not wrap the original")
			}
		})
	}
}
