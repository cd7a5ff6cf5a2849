package relay

import (
	"context"
	"sync"

	"github.com/myndhyve/myndhyve-cli/internal/channel"
	"github.com/myndhyve/myndhyve-cli/internal/cloud"
)

// fakeCloud scripts the CloudAPI surface for loop tests. Zero-value
// fields mean "succeed with empty results".
type fakeCloud struct {
	mu sync.Mutex

	heartbeatFn func(int) (*cloud.HeartbeatResponse, error)
	pollFn      func(int) ([]cloud.OutboundMessage, error)
	ackFn       func(string, channel.DeliveryResult) error
	ingressFn   func(channel.IngressEnvelope) error

	heartbeats int
	polls      int
	acks       []ackCall
	ingress    []channel.IngressEnvelope
}

type ackCall struct {
	ID     string
	Result channel.DeliveryResult
}

func (f *fakeCloud) Heartbeat(ctx context.Context, req cloud.HeartbeatRequest) (*cloud.HeartbeatResponse, error) {
	f.mu.Lock()
	f.heartbeats++
	n := f.heartbeats
	fn := f.heartbeatFn
	f.mu.Unlock()
	if fn != nil {
		return fn(n)
	}
	return &cloud.HeartbeatResponse{}, nil
}

func (f *fakeCloud) PostIngress(ctx context.Context, env channel.IngressEnvelope) error {
	f.mu.Lock()
	f.ingress = append(f.ingress, env)
	fn := f.ingressFn
	f.mu.Unlock()
	if fn != nil {
		return fn(env)
	}
	return nil
}

func (f *fakeCloud) PollOutbound(ctx context.Context, max int) ([]cloud.OutboundMessage, error) {
	f.mu.Lock()
	f.polls++
	n := f.polls
	fn := f.pollFn
	f.mu.Unlock()
	if fn != nil {
		return fn(n)
	}
	return nil, nil
}

func (f *fakeCloud) AckOutbound(ctx context.Context, id string, result channel.DeliveryResult) error {
	f.mu.Lock()
	f.acks = append(f.acks, ackCall{ID: id, Result: result})
	fn := f.ackFn
	f.mu.Unlock()
	if fn != nil {
		return fn(id, result)
	}
	return nil
}

func (f *fakeCloud) ackCalls() []ackCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ackCall(nil), f.acks...)
}

func (f *fakeCloud) heartbeatCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.heartbeats
}

// fakePlugin blocks in Start until its ctx cancels or a scripted error
// is injected through fail.
type fakePlugin struct {
	name      channel.Name
	supported bool
	reason    string
	fail      chan error

	mu       sync.Mutex
	delivers []channel.EgressEnvelope
	result   channel.DeliveryResult
	err      error
}

func newFakePlugin() *fakePlugin {
	return &fakePlugin{
		name:      channel.WhatsApp,
		supported: true,
		fail:      make(chan error, 1),
		result:    channel.DeliveryResult{Success: true, PlatformMessageID: "p1"},
	}
}

func (p *fakePlugin) Channel() channel.Name      { return p.name }
func (p *fakePlugin) DisplayName() string        { return "Fake" }
func (p *fakePlugin) Supported() (bool, string)  { return p.supported, p.reason }
func (p *fakePlugin) Login(context.Context) error { return nil }
func (p *fakePlugin) IsAuthenticated() bool      { return true }
func (p *fakePlugin) Status() string             { return channel.StatusConnected }
func (p *fakePlugin) Logout(context.Context) error { return nil }

func (p *fakePlugin) Start(ctx context.Context, onInbound channel.InboundFunc) error {
	select {
	case <-ctx.Done():
		return nil
	case err := <-p.fail:
		return err
	}
}

func (p *fakePlugin) Deliver(ctx context.Context, env channel.EgressEnvelope) (channel.DeliveryResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.delivers = append(p.delivers, env)
	return p.result, p.err
}

func (p *fakePlugin) deliverCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.delivers)
}
