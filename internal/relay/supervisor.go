// Package relay implements the long-lived supervisor that keeps one
// chat platform connected to the cloud: the reconnect state machine,
// the heartbeat loop, and the outbound delivery poller.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/myndhyve/myndhyve-cli/internal/backoff"
	"github.com/myndhyve/myndhyve-cli/internal/channel"
	"github.com/myndhyve/myndhyve-cli/internal/cloud"
	"github.com/myndhyve/myndhyve-cli/internal/config"
)

// CloudAPI is the slice of the cloud client the relay loops need.
// Narrow on purpose so tests can fake it without standing up HTTP.
type CloudAPI interface {
	Heartbeat(ctx context.Context, req cloud.HeartbeatRequest) (*cloud.HeartbeatResponse, error)
	PostIngress(ctx context.Context, env channel.IngressEnvelope) error
	PollOutbound(ctx context.Context, max int) ([]cloud.OutboundMessage, error)
	AckOutbound(ctx context.Context, messageID string, result channel.DeliveryResult) error
}

// ErrUnsupported is returned by Run when the configured channel's
// adapter cannot operate on this host. The command layer maps it to
// the unauthorized exit code.
var ErrUnsupported = errors.New("channel not supported on this host")

// ingressRetries is how many times an inbound post is retried on
// transient network failure before the message is abandoned to the
// platform's own redelivery.
const ingressRetries = 3

// Supervisor owns one relay session: the channel plugin, the loops
// that surround it, and the reconnect schedule between attempts.
type Supervisor struct {
	cfg      *config.RelayConfig
	client   CloudAPI
	registry *channel.Registry
	logger   *slog.Logger

	// policy is derived from cfg.Reconnect; tests override it to avoid
	// real delays.
	policy backoff.Policy

	// ingressDelay is the base pause between ingress post retries.
	ingressDelay time.Duration

	started time.Time

	delivered atomic.Int64

	mu        sync.Mutex
	lastBeat  time.Time
	fatalErr  error
	connected bool
}

// New builds a supervisor around a configured relay.
func New(cfg *config.RelayConfig, client CloudAPI, registry *channel.Registry, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		cfg:      cfg,
		client:   client,
		registry: registry,
		logger:   logger.With("component", "relay"),
		policy: backoff.Policy{
			InitialDelay: time.Duration(cfg.Reconnect.InitialDelayMs) * time.Millisecond,
			MaxDelay:     time.Duration(cfg.Reconnect.MaxDelayMs) * time.Millisecond,
			MaxAttempts:  cfg.Reconnect.MaxAttempts,
		},
		ingressDelay: time.Second,
		started:      time.Now(),
	}
}

// Run connects the configured channel and keeps it connected until ctx
// cancels or a fatal condition ends the session.
//
// Transient failures (connection lost, unclassified errors) re-enter
// the connect loop with exponential backoff; the attempt counter resets
// every time the session proves healthy via a successful heartbeat.
// Fatal failures (logged out, session replaced, token expired) stop
// the supervisor and are returned to the caller.
func (s *Supervisor) Run(ctx context.Context) error {
	plugin, err := s.registry.Get(channel.Name(s.cfg.Channel))
	if err != nil {
		return err
	}
	if ok, reason := plugin.Supported(); !ok {
		return fmt.Errorf("%w: %s: %s", ErrUnsupported, plugin.DisplayName(), reason)
	}

	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		if s.policy.Exhausted(attempt) {
			return fmt.Errorf("reconnect attempts exhausted after %d tries", attempt)
		}

		healthy, err := s.runAttempt(ctx, plugin)
		if ctx.Err() != nil {
			return nil
		}

		reason := channel.Classify(err)
		if reason.Fatal() {
			s.logger.Error("relay session ended fatally",
				"reason", string(reason),
				"error", err,
			)
			s.mu.Lock()
			s.fatalErr = err
			s.mu.Unlock()
			return err
		}

		if healthy {
			attempt = 0
		}
		delay := s.policy.Delay(attempt)
		s.logger.Warn("connection lost, reconnecting",
			"reason", string(reason),
			"attempt", attempt,
			"delay", delay.String(),
			"error", err,
		)
		if !backoff.Sleep(ctx, delay) {
			return nil
		}
		attempt++
	}
}

// runAttempt runs one connection attempt: the plugin, the heartbeat
// loop, the outbound poller, and the watchdog, all under a shared
// child scope. The first of them to finish cancels the siblings; the
// plugin's (or poller's) error is what gets classified. healthy
// reports whether at least one heartbeat succeeded, which resets the
// reconnect counter.
func (s *Supervisor) runAttempt(ctx context.Context, plugin channel.Plugin) (healthy bool, err error) {
	childCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	onBeat := make(chan struct{}, 1)
	kick := make(chan struct{}, 1)
	errs := make(chan error, 2)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		errs <- plugin.Start(childCtx, s.onInbound)
		cancel()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		hb := &heartbeatLoop{
			client:   s.client,
			interval: s.cfg.HeartbeatInterval(),
			status:   plugin.Status,
			uptime:   s.Uptime,
			onBeat:   onBeat,
			kick:     kick,
			logger:   s.logger,
		}
		hb.run(childCtx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		poller := &outboundPoller{
			client:      s.client,
			deliver:     plugin.Deliver,
			interval:    s.cfg.PollInterval(),
			maxPoll:     s.cfg.Outbound.MaxPerPoll,
			kick:        kick,
			delivered:   newDeliveredSet(),
			logger:      s.logger,
			onDelivered: func() { s.delivered.Add(1) },
		}
		if perr := poller.run(childCtx); perr != nil {
			errs <- perr
			cancel()
		}
	}()

	// Watchdog: a session that cannot land a heartbeat for the whole
	// watchdog window is wedged even if the platform socket looks
	// alive. Force a reconnect.
	var sawBeat bool
	watchdog := time.NewTimer(s.cfg.WatchdogTimeout())
	defer watchdog.Stop()

wait:
	for {
		select {
		case <-childCtx.Done():
			break wait
		case <-onBeat:
			sawBeat = true
			s.mu.Lock()
			s.lastBeat = time.Now()
			s.connected = true
			s.mu.Unlock()
			if !watchdog.Stop() {
				select {
				case <-watchdog.C:
				default:
				}
			}
			watchdog.Reset(s.cfg.WatchdogTimeout())
		case <-watchdog.C:
			s.logger.Warn("watchdog expired with no successful heartbeat, forcing reconnect",
				"timeout", s.cfg.WatchdogTimeout().String(),
			)
			cancel()
			break wait
		}
	}

	cancel()
	wg.Wait()
	close(errs)

	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()

	// Prefer a classified fatal error over anything else in the drain.
	var first error
	for e := range errs {
		if e == nil {
			continue
		}
		if first == nil {
			first = e
		}
		if channel.Classify(e).Fatal() {
			return sawBeat, e
		}
	}
	return sawBeat, first
}

// onInbound is the ingress fan-in invoked by the adapter for every
// normalized platform message. The post is retried on transient
// network failure; after that the message is dropped and the
// platform's own redelivery is the recovery path (inbound messages are
// never buffered to disk).
func (s *Supervisor) onInbound(ctx context.Context, env channel.IngressEnvelope) error {
	var err error
	for i := 0; i < ingressRetries; i++ {
		err = s.client.PostIngress(ctx, env)
		if err == nil {
			return nil
		}
		if !cloud.IsCode(err, cloud.CodeNetworkError) {
			break
		}
		if !backoff.Sleep(ctx, time.Duration(i+1)*s.ingressDelay) {
			return ctx.Err()
		}
	}
	s.logger.Error("ingress post failed, relying on platform redelivery",
		"channel", string(env.Channel),
		"messageId", env.MessageID,
		"error", err,
	)
	return err
}

// Uptime returns how long this supervisor has existed.
func (s *Supervisor) Uptime() time.Duration {
	return time.Since(s.started)
}

// Delivered returns how many outbound messages this supervisor has
// successfully delivered since it started.
func (s *Supervisor) Delivered() int {
	return int(s.delivered.Load())
}

// Connected reports whether the current attempt has a proven-healthy
// session (at least one heartbeat landed and the attempt is live).
func (s *Supervisor) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}
