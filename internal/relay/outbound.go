package relay

import (
	"context"
	"log/slog"
	"time"

	"github.com/myndhyve/myndhyve-cli/internal/backoff"
	"github.com/myndhyve/myndhyve-cli/internal/channel"
	"github.com/myndhyve/myndhyve-cli/internal/cloud"
)

// outboundPoller drains the cloud's queued egress messages and hands
// them to the platform adapter, one batch per tick, sequentially in
// server order.
//
// Delivery is at-most-once: an id that reached Deliver is recorded in
// the delivered set before its ack is attempted, so if the ack fails
// and the server re-queues the id, the next poll re-acks instead of
// re-sending. A DEVICE_TOKEN_EXPIRED poll error is fatal and returned
// classified as logged-out; every other error is logged and the loop
// keeps going.
type outboundPoller struct {
	client    CloudAPI
	deliver   func(context.Context, channel.EgressEnvelope) (channel.DeliveryResult, error)
	interval  time.Duration
	maxPoll   int
	kick      <-chan struct{}
	delivered *deliveredSet
	logger    *slog.Logger

	// onDelivered, when set, is called once per successful delivery.
	onDelivered func()
}

func (p *outboundPoller) run(ctx context.Context) error {
	if p.delivered == nil {
		p.delivered = newDeliveredSet()
	}
	for {
		msgs, err := p.client.PollOutbound(ctx, p.maxPoll)
		switch {
		case err == nil:
			for _, msg := range msgs {
				if ctx.Err() != nil {
					return nil
				}
				p.process(ctx, msg)
			}
		case cloud.IsCode(err, cloud.CodeDeviceTokenExpired):
			return channel.Classified(channel.ReasonLoggedOut, err)
		case ctx.Err() != nil:
			return nil
		default:
			p.logger.Warn("outbound poll failed", "error", err)
		}

		if !p.sleep(ctx) {
			return nil
		}
	}
}

// process handles one queued message: duplicate check, deliver, ack.
func (p *outboundPoller) process(ctx context.Context, msg cloud.OutboundMessage) {
	if p.delivered.Has(msg.ID) {
		// Delivered on a previous poll but the ack never landed. Re-ack
		// without touching the platform.
		p.logger.Debug("re-acking already delivered message", "id", msg.ID)
		p.ack(ctx, msg.ID, channel.DeliveryResult{Success: true})
		return
	}

	t0 := time.Now()
	result, err := p.deliver(ctx, msg.Envelope)
	result.DurationMs = time.Since(t0).Milliseconds()

	if err != nil {
		// The adapter failed to produce a verdict. Retryable by
		// definition: nothing proves the platform accepted the send.
		result = channel.DeliveryResult{
			Success:    false,
			Error:      err.Error(),
			Retryable:  true,
			DurationMs: time.Since(t0).Milliseconds(),
		}
		p.logger.Warn("deliver failed", "id", msg.ID, "error", err)
		p.ack(ctx, msg.ID, result)
		return
	}

	if result.Success {
		// Record before acking: if the ack fails now, the next poll
		// must not deliver this id a second time.
		p.delivered.Add(msg.ID)
		if p.onDelivered != nil {
			p.onDelivered()
		}
	}
	p.ack(ctx, msg.ID, result)
}

// ack is best-effort; a failure is logged and the loop continues. The
// delivered set covers the redelivery the server will attempt.
func (p *outboundPoller) ack(ctx context.Context, id string, result channel.DeliveryResult) {
	if err := p.client.AckOutbound(ctx, id, result); err != nil {
		p.logger.Warn("ack failed, server will re-queue", "id", id, "error", err)
	}
}

// sleep waits out the poll interval, waking early on a pending-outbound
// kick from the heartbeat loop. Returns false when ctx fired.
func (p *outboundPoller) sleep(ctx context.Context) bool {
	if p.kick == nil {
		return backoff.Sleep(ctx, p.interval)
	}
	timer := time.NewTimer(p.interval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-p.kick:
		return true
	case <-timer.C:
		return true
	}
}
