package imessage

import (
	"testing"
	"time"
)

func TestFromAppleTimeNanoseconds(t *testing.T) {
	// Modern rows carry nanoseconds since the Apple epoch.
	raw := int64(720_038_000) * int64(time.Second)
	got := fromAppleTime(raw)
	want := appleEpoch.Add(720_038_000 * time.Second)
	if !got.Equal(want) {
		t.Errorf("fromAppleTime(ns) = %v, want %v", got, want)
	}
}

func TestFromAppleTimeLegacySeconds(t *testing.T) {
	got := fromAppleTime(86_400)
	want := appleEpoch.Add(24 * time.Hour)
	if !got.Equal(want) {
		t.Errorf("fromAppleTime(s) = %v, want %v", got, want)
	}
}

func TestAppleTimeRoundTrip(t *testing.T) {
	orig := time.Date(2024, time.June, 1, 12, 30, 45, 0, time.UTC)
	if got := fromAppleTime(toAppleTime(orig)); !got.Equal(orig) {
		t.Errorf("round trip = %v, want %v", got, orig)
	}
}

func TestEpochOrigin(t *testing.T) {
	if got := fromAppleTime(0); !got.Equal(appleEpoch) {
		t.Errorf("fromAppleTime(0) = %v, want the epoch", got)
	}
}
