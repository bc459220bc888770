package voice

import (
	"context"
	"strings"
	"sync"
)

// MockTranscription is a local recognition backend used when Deepgram is not
// configured and in tests. Audio is never inspected: scripts drive what the
// stream reports, via the injection helpers on mockSTTStream.
type MockTranscription struct {
	mu      sync.Mutex
	streams []*MockSTTStream
	failed  bool
}

func NewMockTranscription() *MockTranscription { return &MockTranscription{} }

// FailNextStart makes the next StartStream call fail, for degradation tests.
func (p *MockTranscription) FailNextStart() {
	p.mu.Lock()
	p.failed = true
	p.mu.Unlock()
}

func (p *MockTranscription) StartStream(_ context.Context, _ string) (STTStream, <-chan STTEvent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failed {
		p.failed = false
		return nil, nil, ErrMockUnavailable
	}
	events := make(chan STTEvent, 64)
	s := &MockSTTStream{events: events}
	p.streams = append(p.streams, s)
	return s, events, nil
}

// LastStream returns the most recently opened stream, for scripting.
func (p *MockTranscription) LastStream() *MockSTTStream {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.streams) == 0 {
		return nil
	}
	return p.streams[len(p.streams)-1]
}

type MockSTTStream struct {
	mu     sync.Mutex
	events chan STTEvent
	closed bool
	sent   int
}

func (s *MockSTTStream) SendAudio(_ context.Context, pcm []byte, _ int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if len(pcm) > 0 {
		s.sent++
	}
	return nil
}

// SentFrames reports how many non-empty frames the orchestrator forwarded.
func (s *MockSTTStream) SentFrames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent
}

// Emit injects a recognition event as if the backend produced it.
func (s *MockSTTStream) Emit(evt STTEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.events <- evt
}

// EmitFinal injects a final transcript, optionally utterance-closing.
func (s *MockSTTStream) EmitFinal(text string, speechFinal bool) {
	s.Emit(STTEvent{Type: STTEventTranscript, Transcript: Transcript{
		Text:        text,
		IsFinal:     true,
		SpeechFinal: speechFinal,
		Confidence:  0.92,
	}})
}

// EmitInterim injects an interim transcript.
func (s *MockSTTStream) EmitInterim(text string) {
	s.Emit(STTEvent{Type: STTEventTranscript, Transcript: Transcript{Text: text, Confidence: 0.5}})
}

// EmitSpeechStarted injects a voice-activity onset.
func (s *MockSTTStream) EmitSpeechStarted() {
	s.Emit(STTEvent{Type: STTEventSpeechStarted})
}

func (s *MockSTTStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.events)
	return nil
}

// MockResponder replies to every request with a fixed script of text
// increments, split on whitespace so sentence assembly gets exercised.
type MockResponder struct {
	Script string
}

func NewMockResponder(script string) *MockResponder {
	if strings.TrimSpace(script) == "" {
		script = "Claro, ahora mismo le ayudo con eso."
	}
	return &MockResponder{Script: script}
}

func (p *MockResponder) StreamReply(ctx context.Context, _ []ReplyTurn) (<-chan ResponseEvent, error) {
	events := make(chan ResponseEvent, 64)
	go func() {
		defer close(events)
		for _, word := range strings.Fields(p.Script) {
			select {
			case events <- ResponseEvent{Type: ResponseEventDelta, TextDelta: word + " "}:
			case <-ctx.Done():
				return
			}
		}
		select {
		case events <- ResponseEvent{Type: ResponseEventDone}:
		case <-ctx.Done():
		}
	}()
	return events, nil
}

// MockSynthesis turns each text increment into one audio chunk holding the
// text's bytes, so tests can assert on what was synthesized and in what
// order without decoding audio.
type MockSynthesis struct {
	mu      sync.Mutex
	streams []*MockSynthStream
	failed  bool
}

func NewMockSynthesis() *MockSynthesis { return &MockSynthesis{} }

func (p *MockSynthesis) FailNextStart() {
	p.mu.Lock()
	p.failed = true
	p.mu.Unlock()
}

func (p *MockSynthesis) StartStream(_ context.Context, contextID string) (SynthStream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failed {
		p.failed = false
		return nil, ErrMockUnavailable
	}
	s := &MockSynthStream{contextID: contextID, events: make(chan SynthEvent, 128)}
	p.streams = append(p.streams, s)
	return s, nil
}

func (p *MockSynthesis) LastStream() *MockSynthStream {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.streams) == 0 {
		return nil
	}
	return p.streams[len(p.streams)-1]
}

type MockSynthStream struct {
	contextID string

	mu        sync.Mutex
	events    chan SynthEvent
	closed    bool
	holdFinal bool
	sent      []string
}

// HoldFinal suppresses the completion event after CloseInput, for finalize
// timeout tests.
func (s *MockSynthStream) HoldFinal() {
	s.mu.Lock()
	s.holdFinal = true
	s.mu.Unlock()
}

// SentText returns the text increments received so far, in order.
func (s *MockSynthStream) SentText() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.sent))
	copy(out, s.sent)
	return out
}

func (s *MockSynthStream) SendText(_ context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if strings.TrimSpace(text) == "" {
		return nil
	}
	s.sent = append(s.sent, text)
	s.events <- SynthEvent{Type: SynthEventAudio, Audio: []byte(text), Format: "mock_text_bytes"}
	return nil
}

func (s *MockSynthStream) CloseInput(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.holdFinal {
		return nil
	}
	s.events <- SynthEvent{Type: SynthEventFinal}
	return nil
}

func (s *MockSynthStream) Events() <-chan SynthEvent { return s.events }

func (s *MockSynthStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.events)
	return nil
}

// ErrMockUnavailable simulates a backend that refuses stream startup.
var ErrMockUnavailable = errInjected("mock backend unavailable")

type errInjected string

func (e errInjected) Error() string { return string(e) }
