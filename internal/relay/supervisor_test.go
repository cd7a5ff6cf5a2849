package relay

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/myndhyve/myndhyve-cli/internal/backoff"
	"github.com/myndhyve/myndhyve-cli/internal/channel"
	"github.com/myndhyve/myndhyve-cli/internal/cloud"
	"github.com/myndhyve/myndhyve-cli/internal/config"
)

func testConfig() *config.RelayConfig {
	cfg := config.Default()
	cfg.Channel = config.ChannelWhatsApp
	cfg.RelayID = "relay-1"
	cfg.DeviceToken = "tok"
	return cfg
}

func newTestSupervisor(fc *fakeCloud, plugin channel.Plugin) *Supervisor {
	s := New(testConfig(), fc, channel.NewRegistry(plugin), discardLogger())
	// Collapse reconnect delays so transient-path tests run instantly.
	s.policy = backoff.Policy{InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	s.ingressDelay = time.Millisecond
	return s
}

func TestSupervisorFatalOnLoggedOut(t *testing.T) {
	plugin := newFakePlugin()
	s := newTestSupervisor(&fakeCloud{}, plugin)

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	plugin.fail <- channel.Classified(channel.ReasonLoggedOut, errors.New("device unlinked"))

	select {
	case err := <-done:
		if channel.Classify(err) != channel.ReasonLoggedOut {
			t.Errorf("Run returned %v, want logged-out classification", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not stop on fatal error")
	}
}

func TestSupervisorFatalOnReplaced(t *testing.T) {
	plugin := newFakePlugin()
	s := newTestSupervisor(&fakeCloud{}, plugin)

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	plugin.fail <- channel.Classified(channel.ReasonReplaced, errors.New("another relay took over"))

	select {
	case err := <-done:
		if channel.Classify(err) != channel.ReasonReplaced {
			t.Errorf("Run returned %v, want replaced classification", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not stop on fatal error")
	}
}

func TestSupervisorReconnectsOnTransient(t *testing.T) {
	plugin := newFakePlugin()
	var starts atomic.Int32
	// Wrap the plugin so we can count connection attempts.
	wrapped := &countingPlugin{fakePlugin: plugin, starts: &starts}
	s := newTestSupervisor(&fakeCloud{}, wrapped)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	// Two transient drops, then clean shutdown.
	plugin.fail <- channel.Classified(channel.ReasonConnectionLost, errors.New("socket closed"))
	waitForStarts(t, &starts, 2)
	plugin.fail <- errors.New("untagged weirdness") // classifies unknown, still transient
	waitForStarts(t, &starts, 3)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v after root cancellation, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not exit after cancellation")
	}
	if n := starts.Load(); n != 3 {
		t.Errorf("connection attempts = %d, want 3", n)
	}
}

func TestSupervisorFatalFromPoller(t *testing.T) {
	plugin := newFakePlugin()
	fc := &fakeCloud{
		pollFn: func(n int) ([]cloud.OutboundMessage, error) {
			return nil, &cloud.APIError{Code: cloud.CodeDeviceTokenExpired}
		},
	}
	cfg := testConfig()
	cfg.Outbound.PollIntervalSeconds = 1
	s := New(cfg, fc, channel.NewRegistry(plugin), discardLogger())
	s.policy = backoff.Policy{InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	select {
	case err := <-done:
		if channel.Classify(err) != channel.ReasonLoggedOut {
			t.Errorf("Run returned %v, want logged-out from expired token", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not stop on token expiry")
	}
}

func TestSupervisorUnsupportedChannel(t *testing.T) {
	plugin := newFakePlugin()
	plugin.supported = false
	plugin.reason = "requires macOS"
	s := newTestSupervisor(&fakeCloud{}, plugin)

	err := s.Run(context.Background())
	if !errors.Is(err, ErrUnsupported) {
		t.Fatalf("Run = %v, want ErrUnsupported", err)
	}
}

func TestSupervisorExhaustsAttempts(t *testing.T) {
	plugin := newFakePlugin()
	s := newTestSupervisor(&fakeCloud{}, plugin)
	s.policy.MaxAttempts = 1

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()
	plugin.fail <- channel.Classified(channel.ReasonConnectionLost, errors.New("drop"))

	select {
	case err := <-done:
		if err == nil {
			t.Error("Run = nil, want exhaustion error")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not stop after exhausting attempts")
	}
}

func TestOnInboundRetriesTransientNetwork(t *testing.T) {
	var posts atomic.Int32
	fc := &fakeCloud{
		ingressFn: func(env channel.IngressEnvelope) error {
			if posts.Add(1) < 3 {
				return &cloud.APIError{Code: cloud.CodeNetworkError}
			}
			return nil
		},
	}
	s := newTestSupervisor(fc, newFakePlugin())

	err := s.onInbound(context.Background(), channel.IngressEnvelope{
		Channel:   channel.WhatsApp,
		MessageID: "in-1",
	})
	if err != nil {
		t.Fatalf("onInbound = %v, want success after retries", err)
	}
	if posts.Load() != 3 {
		t.Errorf("posts = %d, want 3", posts.Load())
	}
}

func TestOnInboundDoesNotRetryNonNetwork(t *testing.T) {
	var posts atomic.Int32
	fc := &fakeCloud{
		ingressFn: func(env channel.IngressEnvelope) error {
			posts.Add(1)
			return &cloud.APIError{Code: cloud.CodeAPIError, Status: 422}
		},
	}
	s := newTestSupervisor(fc, newFakePlugin())

	if err := s.onInbound(context.Background(), channel.IngressEnvelope{}); err == nil {
		t.Fatal("expected error")
	}
	if posts.Load() != 1 {
		t.Errorf("posts = %d, want 1 (no retry on non-network error)", posts.Load())
	}
}

// countingPlugin decorates fakePlugin to count Start invocations.
type countingPlugin struct {
	*fakePlugin
	starts *atomic.Int32
}

func (p *countingPlugin) Start(ctx context.Context, onInbound channel.InboundFunc) error {
	p.starts.Add(1)
	return p.fakePlugin.Start(ctx, onInbound)
}

func waitForStarts(t *testing.T, starts *atomic.Int32, want int32) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for starts.Load() < want {
		if time.Now().After(deadline) {
			t.Fatalf("starts = %d, want %d", starts.Load(), want)
		}
		time.Sleep(time.Millisecond)
	}
}
