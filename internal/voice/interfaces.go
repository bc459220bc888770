package voice

import (
	"context"
	"errors"
)

// ErrBackendUnavailable marks a provider error where no backend, primary or
// fallback, could serve the request.
var ErrBackendUnavailable = errors.New("voice backend unavailable")

// Transcript is one recognition result from the transcription backend.
// IsFinal marks a confirmed segment; SpeechFinal marks the utterance
// boundary that closes a user turn. Interim results (IsFinal=false) are UI
// hints only.
type Transcript struct {
	Text        string
	IsFinal     bool
	SpeechFinal bool
	Confidence  float64
}

type STTEventType string

const (
	STTEventTranscript    STTEventType = "transcript"
	STTEventSpeechStarted STTEventType = "speech_started"
	STTEventError         STTEventType = "error"
)

type STTEvent struct {
	Type       STTEventType
	Transcript Transcript
	Code       string
	Detail     string
	Retryable  bool
}

// STTStream is one live recognition stream. Frames must be sent in capture
// order; the stream preserves that order toward the backend.
type STTStream interface {
	SendAudio(ctx context.Context, pcm []byte, sampleRate int) error
	Close() error
}

// TranscriptionProvider opens one recognition stream per session. The event
// channel closes when the backend connection ends for any reason.
type TranscriptionProvider interface {
	StartStream(ctx context.Context, sessionID string) (STTStream, <-chan STTEvent, error)
}

// ReplyTurn is one prior conversation turn passed as context to the
// response backend.
type ReplyTurn struct {
	Role string // "user" or "assistant"
	Text string
}

type ResponseEventType string

const (
	ResponseEventDelta ResponseEventType = "delta"
	ResponseEventDone  ResponseEventType = "done"
	ResponseEventError ResponseEventType = "error"
)

type ResponseEvent struct {
	Type      ResponseEventType
	TextDelta string
	Code      string
	Detail    string
	Retryable bool
}

// ResponseProvider streams a generated reply as text increments. Cancelling
// ctx abandons the request at the next increment boundary; increments
// buffered but unread after cancellation are discarded by the caller.
type ResponseProvider interface {
	StreamReply(ctx context.Context, turns []ReplyTurn) (<-chan ResponseEvent, error)
}

type SynthEventType string

const (
	SynthEventAudio SynthEventType = "audio"
	SynthEventFinal SynthEventType = "final"
	SynthEventError SynthEventType = "error"
)

type SynthEvent struct {
	Type      SynthEventType
	Audio     []byte
	Format    string
	Code      string
	Detail    string
	Retryable bool
}

// SynthStream is one synthesis turn. Text increments are sent as they become
// available; CloseInput marks the end of the turn's text. The backend must
// deliver an explicit SynthEventFinal when the last chunk has been emitted;
// completion is never inferred from timing.
type SynthStream interface {
	SendText(ctx context.Context, text string) error
	CloseInput(ctx context.Context) error
	Events() <-chan SynthEvent
	Close() error
}

// SynthesisProvider opens one synthesis stream per assistant turn, tagged
// with a context identifier correlating increments to one audio stream.
type SynthesisProvider interface {
	StartStream(ctx context.Context, contextID string) (SynthStream, error)
}

// DegradedReporter is implemented by providers that serve pre-rendered audio
// instead of live synthesis. Sessions report this as "falling back", not as
// a missing capability.
type DegradedReporter interface {
	Degraded() bool
}
