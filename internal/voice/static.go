package voice

import (
	"context"
	"errors"
	"os"
	"sync"

	"github.com/dmoralesf/conserje/internal/audio"
)

// StaticProvider serves one pre-rendered utterance instead of live
// synthesis. It is the last rung of the synthesis ladder: sessions keep
// their tts capability and receive the asset bytes exactly as rendered,
// regardless of what text the turn asked for.
type StaticProvider struct {
	asset  []byte
	format string
}

// NewStaticProvider validates and retains the pre-rendered asset. Only
// linear PCM mono WAV assets are accepted so downstream playback never has
// to guess the encoding.
func NewStaticProvider(wav []byte) (*StaticProvider, error) {
	if _, _, err := audio.DecodeWAVPCM16LE(wav); err != nil {
		return nil, err
	}
	asset := make([]byte, len(wav))
	copy(asset, wav)
	return &StaticProvider{asset: asset, format: "wav"}, nil
}

func NewStaticProviderFromFile(path string) (*StaticProvider, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return NewStaticProvider(raw)
}

func (p *StaticProvider) Degraded() bool { return true }

func (p *StaticProvider) StartStream(_ context.Context, _ string) (SynthStream, error) {
	return &staticStream{provider: p, events: make(chan SynthEvent, 2)}, nil
}

type staticStream struct {
	provider *StaticProvider

	mu     sync.Mutex
	closed bool
	done   bool

	events chan SynthEvent
}

func (s *staticStream) SendText(_ context.Context, _ string) error { return nil }

func (s *staticStream) CloseInput(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.done {
		return nil
	}
	s.done = true
	s.events <- SynthEvent{Type: SynthEventAudio, Audio: s.provider.asset, Format: s.provider.format}
	s.events <- SynthEvent{Type: SynthEventFinal}
	return nil
}

func (s *staticStream) Events() <-chan SynthEvent { return s.events }

func (s *staticStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.events)
	return nil
}

// ErrNoAsset reports a synthesis ladder configured without a usable
// pre-rendered fallback.
var ErrNoAsset = errors.New("voice: no static fallback asset configured")
