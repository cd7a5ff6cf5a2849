package channel

import (
	"context"
	"testing"
)

// stubPlugin satisfies Plugin for registry tests.
type stubPlugin struct {
	name Name
}

func (s *stubPlugin) Channel() Name { return s.name }

func (s *stubPlugin) DisplayName() string { return string(s.name) }

func (s *stubPlugin) Supported() (bool, string) { return true, "" }

func (s *stubPlugin) Login(context.Context) error { return nil }

func (s *stubPlugin) IsAuthenticated() bool { return false }

func (s *stubPlugin) Start(context.Context, InboundFunc) error { return nil }

func (s *stubPlugin) Deliver(context.Context, EgressEnvelope) (DeliveryResult, error) {
	return DeliveryResult{}, nil
}

func (s *stubPlugin) Status() string { return StatusDisconnected }

func (s *stubPlugin) Logout(context.Context) error { return nil }

func TestRegistryGet(t *testing.T) {
	r := NewRegistry(&stubPlugin{name: Signal}, &stubPlugin{name: WhatsApp})

	p, err := r.Get(Signal)
	if err != nil {
		t.Fatalf("Get(signal) error: %v", err)
	}
	if p.Channel() != Signal {
		t.Errorf("Get(signal) returned %q", p.Channel())
	}

	if _, err := r.Get(IMessage); err == nil {
		t.Error("Get(imessage) on registry without it succeeded")
	}
}

func TestRegistryNamesSorted(t *testing.T) {
	r := NewRegistry(&stubPlugin{name: WhatsApp}, &stubPlugin{name: IMessage}, &stubPlugin{name: Signal})

	got := r.Names()
	want := []Name{IMessage, Signal, WhatsApp}
	if len(got) != len(want) {
		t.Fatalf("Names() = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Names()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestRegistryDuplicatePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("duplicate registration did not panic")
		}
	}()
	NewRegistry(&stubPlugin{name: Signal}, &stubPlugin{name: Signal})
}
