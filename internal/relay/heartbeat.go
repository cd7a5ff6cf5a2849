package relay

import (
	"context"
	"log/slog"
	"time"

	"github.com/myndhyve/myndhyve-cli/internal/backoff"
	"github.com/myndhyve/myndhyve-cli/internal/cloud"
)

// heartbeatLoop posts presence to the cloud until ctx cancels.
//
// The first beat fires immediately so the cloud learns about a fresh
// connection without waiting a full interval. Every successful beat is
// signalled on onBeat (non-blocking); the supervisor uses that both to
// reset its reconnect counter and to feed the watchdog. A response
// carrying a new interval replaces the local period from the next tick
// on. Errors are logged and swallowed — presence is advisory and must
// never take the session down.
type heartbeatLoop struct {
	client   CloudAPI
	interval time.Duration
	status   func() string
	uptime   func() time.Duration
	onBeat   chan<- struct{}
	kick     chan<- struct{}
	logger   *slog.Logger
}

func (h *heartbeatLoop) run(ctx context.Context) {
	interval := h.interval
	for {
		resp, err := h.client.Heartbeat(ctx, cloud.HeartbeatRequest{
			PlatformStatus: h.status(),
			UptimeSeconds:  int64(h.uptime().Seconds()),
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			h.logger.Warn("heartbeat failed", "error", err)
		} else {
			signal(h.onBeat)

			if secs := resp.HeartbeatIntervalSeconds; secs > 0 {
				next := time.Duration(secs) * time.Second
				if next != interval {
					h.logger.Debug("heartbeat interval adjusted by server",
						"old", interval.String(),
						"new", next.String(),
					)
					interval = next
				}
			}
			if resp.HasPendingOutbound {
				signal(h.kick)
			}
		}

		if !backoff.Sleep(ctx, interval) {
			return
		}
	}
}

// signal performs a non-blocking send on a capacity-1 channel. A full
// channel means the receiver already has an un-consumed signal, which
// is equivalent.
func signal(ch chan<- struct{}) {
	if ch == nil {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}
