package voice

import (
	"context"
	"errors"
	"testing"
)

func TestFailoverPrefersPrimary(t *testing.T) {
	primary := NewMockSynthesis()
	fallback := NewMockSynthesis()
	p := NewFailoverSynthesis(primary, fallback)

	stream, err := p.StartStream(context.Background(), "turn-1")
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	defer stream.Close()
	if primary.LastStream() == nil {
		t.Fatalf("primary was not used")
	}
	if fallback.LastStream() != nil {
		t.Fatalf("fallback used while primary is healthy")
	}
}

func TestFailoverSwitchesAndSticks(t *testing.T) {
	primary := NewMockSynthesis()
	fallback := NewMockSynthesis()
	p := NewFailoverSynthesis(primary, fallback)

	primary.FailNextStart()
	stream, err := p.StartStream(context.Background(), "turn-1")
	if err != nil {
		t.Fatalf("StartStream with failing primary: %v", err)
	}
	stream.Close()
	if fallback.LastStream() == nil {
		t.Fatalf("fallback not engaged after primary failure")
	}

	// Fallback stays active for the next turn without touching primary.
	before := len(primary.streams)
	stream, err = p.StartStream(context.Background(), "turn-2")
	if err != nil {
		t.Fatalf("StartStream on sticky fallback: %v", err)
	}
	stream.Close()
	if len(primary.streams) != before {
		t.Fatalf("primary retried while fallback was healthy")
	}
}

func TestFailoverRecoversToPrimary(t *testing.T) {
	primary := NewMockSynthesis()
	fallback := NewMockSynthesis()
	p := NewFailoverSynthesis(primary, fallback)

	primary.FailNextStart()
	stream, err := p.StartStream(context.Background(), "turn-1")
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	stream.Close()

	// When fallback fails too, primary gets another chance.
	fallback.FailNextStart()
	stream, err = p.StartStream(context.Background(), "turn-2")
	if err != nil {
		t.Fatalf("StartStream after fallback failure: %v", err)
	}
	stream.Close()
	if len(primary.streams) != 1 {
		t.Fatalf("primary not retried after fallback failure")
	}
	if p.(DegradedReporter).Degraded() {
		t.Fatalf("recovered provider still reports degraded")
	}
}

func TestFailoverDegradedTracksActiveBackend(t *testing.T) {
	asset := testAsset(t)
	static, err := NewStaticProvider(asset)
	if err != nil {
		t.Fatalf("static provider: %v", err)
	}
	primary := NewMockSynthesis()
	p := NewFailoverSynthesis(primary, static)

	if p.(DegradedReporter).Degraded() {
		t.Fatalf("degraded before any failure")
	}
	primary.FailNextStart()
	stream, err := p.StartStream(context.Background(), "turn-1")
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	stream.Close()
	if !p.(DegradedReporter).Degraded() {
		t.Fatalf("static fallback active but not reported degraded")
	}
}

func TestFailoverBothFailing(t *testing.T) {
	primary := NewMockSynthesis()
	fallback := NewMockSynthesis()
	p := NewFailoverSynthesis(primary, fallback)

	primary.FailNextStart()
	fallback.FailNextStart()
	_, err := p.StartStream(context.Background(), "turn-1")
	if err == nil {
		t.Fatalf("expected error when both backends fail")
	}
	if !errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("error = %v, want ErrBackendUnavailable", err)
	}
}
