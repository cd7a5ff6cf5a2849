package presence

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/myndhyve/myndhyve-cli/internal/config"
)

func TestInstanceIDPersists(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("LoadOrCreateInstanceID: %v", err)
	}
	if first == "" {
		t.Fatal("empty instance id")
	}

	second, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if second != first {
		t.Errorf("instance id changed across loads: %q then %q", first, second)
	}

	info, err := os.Stat(filepath.Join(dir, "instance_id"))
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("instance id mode = %o, want 600", perm)
	}
}

func TestTopicLayout(t *testing.T) {
	p := New(config.MQTTConfig{}, "relay-1", "inst", "1.0.0", nil, nil)
	if got := p.availabilityTopic(); got != "myndhyve/relay-1/availability" {
		t.Errorf("availability topic = %q", got)
	}
	if got := p.statusTopic(); got != "myndhyve/relay-1/status" {
		t.Errorf("status topic = %q", got)
	}

	p = New(config.MQTTConfig{TopicPrefix: "home/relays"}, "relay-1", "inst", "1.0.0", nil, nil)
	if got := p.availabilityTopic(); got != "home/relays/relay-1/availability" {
		t.Errorf("prefixed availability topic = %q", got)
	}
}

func TestStatusPayloadShape(t *testing.T) {
	payload := statusPayload{
		PlatformStatus: "connected",
		UptimeSeconds:  int64((90 * time.Second).Seconds()),
		Delivered:      7,
		Version:        "1.2.3",
	}
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded["platformStatus"] != "connected" {
		t.Errorf("platformStatus = %v", decoded["platformStatus"])
	}
	if decoded["uptimeSeconds"] != float64(90) {
		t.Errorf("uptimeSeconds = %v", decoded["uptimeSeconds"])
	}
}
