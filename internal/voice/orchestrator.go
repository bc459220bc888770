package voice

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dmoralesf/conserje/internal/observability"
	"github.com/dmoralesf/conserje/internal/protocol"
	"github.com/dmoralesf/conserje/internal/reliability"
	"github.com/dmoralesf/conserje/internal/session"
)

// Turn phases, reported through session event metrics. interrupted is a
// cross-cutting transition back to listening, not a resting state.
const (
	phaseIdle        = "idle"
	phaseListening   = "listening"
	phaseGenerating  = "generating_response"
	phaseSpeaking    = "speaking"
	phaseInterrupted = "interrupted"
)

const (
	historyTurnLimit    = 12
	criticalSendTimeout = 2 * time.Second
	audioSendTimeout    = 250 * time.Millisecond
)

var errFinalizeTimeout = errors.New("synthesis finalization timeout")

type Orchestrator struct {
	sessions        *session.Manager
	stt             TranscriptionProvider
	responder       ResponseProvider
	synth           SynthesisProvider
	metrics         *observability.Metrics
	finalizeTimeout time.Duration
	greetingText    string
}

func NewOrchestrator(
	sessions *session.Manager,
	stt TranscriptionProvider,
	responder ResponseProvider,
	synth SynthesisProvider,
	metrics *observability.Metrics,
	finalizeTimeout time.Duration,
	greetingText string,
) *Orchestrator {
	if finalizeTimeout <= 0 {
		finalizeTimeout = 10 * time.Second
	}
	return &Orchestrator{
		sessions:        sessions,
		stt:             stt,
		responder:       responder,
		synth:           synth,
		metrics:         metrics,
		finalizeTimeout: finalizeTimeout,
		greetingText:    strings.TrimSpace(greetingText),
	}
}

// RunConnection drives one session lifecycle: recognition events in, turn
// goroutines out. It returns when ctx is cancelled or inbound closes; a
// recognition backend failure degrades the session instead of ending it.
func (o *Orchestrator) RunConnection(ctx context.Context, s *session.Session, inbound <-chan protocol.Inbound, outbound chan<- protocol.Envelope) error {
	var (
		sttStream STTStream
		sttEvents <-chan STTEvent
	)
	sttOK := true
	if stream, events, err := o.stt.StartStream(ctx, s.ID); err != nil {
		sttOK = false
		o.metrics.ProviderErrors.WithLabelValues("stt", "connect_failed").Inc()
		o.send(outbound, protocol.MustWrap(protocol.RouteSystem, protocol.ActionError, protocol.ErrorPayload{
			Code:      "stt_connect_failed",
			Source:    "stt",
			Retryable: true,
			Detail:    err.Error(),
		}))
		o.send(outbound, protocol.MustWrap(protocol.RouteSystem, protocol.ActionCapabilities, protocol.CapabilitiesUpdate{
			Capabilities: protocol.Capabilities{STT: false, TTS: true},
			Degraded:     true,
			Reason:       "stt_unavailable",
		}))
	} else {
		sttStream = stream
		sttEvents = events
	}
	defer func() {
		if sttStream != nil {
			_ = sttStream.Close()
		}
	}()

	var (
		turnMu       sync.Mutex
		turnCancel   context.CancelFunc
		activeTurnID string
		activeToken  int64
		nextToken    int64
		phase        = phaseIdle

		pendingUserText strings.Builder

		historyMu sync.Mutex
		history   []ReplyTurn
	)

	setPhase := func(p string) {
		turnMu.Lock()
		if phase != p {
			phase = p
			o.metrics.SessionEvents.WithLabelValues("phase_" + p).Inc()
		}
		turnMu.Unlock()
	}

	appendHistory := func(role, text string) []ReplyTurn {
		historyMu.Lock()
		defer historyMu.Unlock()
		if text = strings.TrimSpace(text); text != "" {
			history = append(history, ReplyTurn{Role: role, Text: text})
			if len(history) > historyTurnLimit {
				history = history[len(history)-historyTurnLimit:]
			}
		}
		out := make([]ReplyTurn, len(history))
		copy(out, history)
		return out
	}

	// stillActive is the turn-token guard: a cancelled turn may still have
	// synthesized chunks in flight, and none of them may reach the wire
	// after the clear command went out.
	stillActive := func(token int64) bool {
		turnMu.Lock()
		defer turnMu.Unlock()
		return activeToken == token
	}

	cancelActiveTurn := func(reason string) {
		turnMu.Lock()
		cancel := turnCancel
		turnID := activeTurnID
		turnCancel = nil
		activeTurnID = ""
		activeToken = 0
		turnMu.Unlock()

		if cancel == nil {
			return
		}
		cancel()
		o.send(outbound, protocol.MustWrap(protocol.RouteSystem, protocol.ActionClear, nil))
		o.send(outbound, protocol.MustWrap(protocol.RouteConserje, protocol.ActionTurnEnd, protocol.TurnEnd{
			TurnID: turnID,
			Reason: reason,
		}))
	}

	busy := func() bool {
		turnMu.Lock()
		defer turnMu.Unlock()
		return turnCancel != nil
	}

	// bargeIn cancels the assistant mid-turn. The interrupting utterance
	// keeps transcribing; only generation and playback are abandoned.
	bargeIn := func() {
		if !busy() {
			return
		}
		o.metrics.BargeIns.Inc()
		_ = o.sessions.Interrupt(s.ID)
		setPhase(phaseInterrupted)
		cancelActiveTurn("interrupted")
		setPhase(phaseListening)
	}

	startTurn := func(userText, scripted string) {
		// A late commit can race a barge-in that already started a new
		// exchange; the newest turn always wins.
		if busy() {
			bargeIn()
		}

		turnID := uuid.NewString()
		turnCtx, cancel := context.WithCancel(ctx)

		turnMu.Lock()
		nextToken++
		token := nextToken
		turnCancel = cancel
		activeTurnID = turnID
		activeToken = token
		turnMu.Unlock()
		setPhase(phaseGenerating)

		turns := appendHistory("user", userText)

		go func() {
			defer func() {
				// Release the turn context even when the turn finished on
				// its own; barge-in already called cancel and calling it
				// again is a no-op.
				cancel()
				turnMu.Lock()
				if activeToken == token {
					turnCancel = nil
					activeTurnID = ""
					activeToken = 0
				}
				turnMu.Unlock()
			}()

			finalText, err := o.runAssistantTurn(turnCtx, turnID, token, turns, scripted, stillActive, setPhase, outbound)
			if finalText != "" {
				appendHistory("assistant", finalText)
			}
			if err == nil {
				setPhase(phaseIdle)
				return
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				// Interrupted turns already got their turn_end from the
				// cancel path; this is a normal transition.
				return
			}
			reason := "failed"
			if errors.Is(err, errFinalizeTimeout) {
				reason = "finalize_timeout"
			} else {
				retryable := false
				var statusErr *BackendStatusError
				if errors.As(err, &statusErr) {
					retryable = reliability.IsRetryableHTTPStatus(statusErr.Status)
				}
				o.send(outbound, protocol.MustWrap(protocol.RouteSystem, protocol.ActionError, protocol.ErrorPayload{
					Code:      "assistant_turn_failed",
					Source:    "orchestrator",
					Detail:    err.Error(),
					Retryable: retryable,
				}))
			}
			if stillActive(token) {
				o.send(outbound, protocol.MustWrap(protocol.RouteConserje, protocol.ActionTurnEnd, protocol.TurnEnd{
					TurnID: turnID,
					Reason: reason,
				}))
			}
			setPhase(phaseIdle)
		}()
	}

	capabilities := func() protocol.Capabilities {
		return protocol.Capabilities{STT: sttOK, TTS: true}
	}

	degradeSTT := func(reason string) {
		if !sttOK {
			return
		}
		sttOK = false
		o.metrics.SessionEvents.WithLabelValues("stt_degraded").Inc()
		o.send(outbound, protocol.MustWrap(protocol.RouteSystem, protocol.ActionCapabilities, protocol.CapabilitiesUpdate{
			Capabilities: capabilities(),
			Degraded:     true,
			Reason:       reason,
		}))
	}

	for {
		select {
		case <-ctx.Done():
			cancelActiveTurn("connection_closed")
			return nil

		case in, ok := <-inbound:
			if !ok {
				cancelActiveTurn("connection_closed")
				return nil
			}
			o.metrics.WSMessages.WithLabelValues("in", in.Route+"/"+in.Action).Inc()

			switch {
			case in.Route == protocol.RouteSystem && in.Action == protocol.ActionPing:
				_ = o.sessions.Touch(s.ID)
				o.send(outbound, protocol.MustWrap(protocol.RouteSystem, protocol.ActionConnectionEstablished, protocol.ConnectionEstablished{
					SessionID:    s.ID,
					Capabilities: capabilities(),
				}))
				if rep, ok := o.synth.(DegradedReporter); ok && rep.Degraded() {
					o.send(outbound, protocol.MustWrap(protocol.RouteSystem, protocol.ActionCapabilities, protocol.CapabilitiesUpdate{
						Capabilities: capabilities(),
						Degraded:     true,
						Reason:       "synthesis_fallback",
					}))
				}

			case in.Route == protocol.RouteAudio && in.Action == protocol.ActionSTT && in.Audio != nil:
				_ = o.sessions.Touch(s.ID)
				if sttStream == nil || !sttOK {
					continue
				}
				pcm, err := base64.StdEncoding.DecodeString(in.Audio.Audio)
				if err != nil {
					o.send(outbound, protocol.MustWrap(protocol.RouteSystem, protocol.ActionError, protocol.ErrorPayload{
						Code:      "bad_audio_encoding",
						Source:    "client",
						Retryable: false,
						Detail:    err.Error(),
					}))
					continue
				}
				if err := sttStream.SendAudio(ctx, pcm, in.Audio.SampleRate); err != nil {
					o.metrics.ProviderErrors.WithLabelValues("stt", "send_audio_failed").Inc()
					o.send(outbound, protocol.MustWrap(protocol.RouteSystem, protocol.ActionError, protocol.ErrorPayload{
						Code:      "stt_send_audio_failed",
						Source:    "stt",
						Retryable: true,
						Detail:    err.Error(),
					}))
				}

			case in.Route == protocol.RouteConserje && in.Action == protocol.ActionMessage && in.Message != nil:
				_ = o.sessions.Touch(s.ID)
				switch in.Message.Type {
				case "ready":
					if o.greetingText == "" || busy() {
						continue
					}
					startTurn("", o.greetingText)
				default:
					o.metrics.SessionEvents.WithLabelValues("conserje_message_ignored").Inc()
				}
			}

		case evt, ok := <-sttEvents:
			if !ok {
				sttEvents = nil
				degradeSTT("stt_stream_closed")
				continue
			}

			switch evt.Type {
			case STTEventSpeechStarted:
				bargeIn()
				setPhase(phaseListening)

			case STTEventTranscript:
				text := strings.TrimSpace(evt.Transcript.Text)
				if !evt.Transcript.IsFinal {
					if text == "" {
						continue
					}
					// Fresh speech while the assistant talks is a
					// barge-in even when the VAD event was missed.
					bargeIn()
					setPhase(phaseListening)
					o.send(outbound, protocol.MustWrap(protocol.RouteConserje, protocol.ActionTranscript, protocol.TranscriptUpdate{
						Text:       text,
						Confidence: evt.Transcript.Confidence,
					}))
					continue
				}

				if text != "" {
					if pendingUserText.Len() > 0 {
						pendingUserText.WriteByte(' ')
					}
					pendingUserText.WriteString(text)
					o.send(outbound, protocol.MustWrap(protocol.RouteConserje, protocol.ActionTranscript, protocol.TranscriptUpdate{
						Text:        text,
						IsFinal:     true,
						SpeechFinal: evt.Transcript.SpeechFinal,
						Confidence:  evt.Transcript.Confidence,
					}))
				}
				if !evt.Transcript.SpeechFinal {
					continue
				}
				utterance := strings.TrimSpace(pendingUserText.String())
				pendingUserText.Reset()
				if utterance == "" {
					// Endpointing can fire twice around a pause; an empty
					// accumulator means this boundary was already taken.
					o.metrics.SessionEvents.WithLabelValues("empty_utterance_ignored").Inc()
					continue
				}
				o.metrics.SessionEvents.WithLabelValues("user_turn_committed").Inc()
				startTurn(utterance, "")

			case STTEventError:
				o.metrics.ProviderErrors.WithLabelValues("stt", evt.Code).Inc()
				o.send(outbound, protocol.MustWrap(protocol.RouteSystem, protocol.ActionError, protocol.ErrorPayload{
					Code:      evt.Code,
					Source:    "stt",
					Retryable: evt.Retryable,
					Detail:    evt.Detail,
				}))
			}
		}
	}
}

// runAssistantTurn streams one reply: response text in sentence-sized
// increments into synthesis, synthesized audio out as sequenced chunks. A
// non-empty scripted text bypasses the response backend and feeds the same
// synthesis path; the greeting uses this.
func (o *Orchestrator) runAssistantTurn(
	ctx context.Context,
	turnID string,
	token int64,
	turns []ReplyTurn,
	scripted string,
	stillActive func(int64) bool,
	setPhase func(string),
	outbound chan<- protocol.Envelope,
) (string, error) {
	start := time.Now()

	type synthStartResult struct {
		stream SynthStream
		err    error
	}
	synthResCh := make(chan synthStartResult, 1)
	go func() {
		stream, err := o.synth.StartStream(ctx, turnID)
		synthResCh <- synthStartResult{stream: stream, err: err}
	}()

	var (
		synthStream SynthStream
		synthErr    error
		synthReady  bool
		synthDone   chan struct{}
	)
	defer func() {
		if synthStream != nil {
			_ = synthStream.Close()
		}
	}()

	firstAudioObserved := false
	startForwarder := func(stream SynthStream) {
		if synthDone != nil || stream == nil {
			return
		}
		synthDone = make(chan struct{})
		go func() {
			defer close(synthDone)
			seq := 0
			for {
				select {
				case <-ctx.Done():
					// Stop forwarding immediately on interruption; the
					// backend may still flush buffered chunks but the
					// client has already pivoted.
					return
				case evt, ok := <-stream.Events():
					if !ok {
						return
					}
					switch evt.Type {
					case SynthEventAudio:
						if len(evt.Audio) == 0 {
							continue
						}
						if !stillActive(token) {
							return
						}
						if !firstAudioObserved {
							firstAudioObserved = true
							setPhase(phaseSpeaking)
							o.metrics.ObserveFirstAudioLatency(time.Since(start))
						}
						seq++
						o.send(outbound, protocol.MustWrap(protocol.RouteAudio, protocol.ActionTTS, protocol.OutboundAudio{
							Audio:  base64.StdEncoding.EncodeToString(evt.Audio),
							Format: evt.Format,
							TurnID: turnID,
							Seq:    seq,
						}))
					case SynthEventError:
						o.metrics.ProviderErrors.WithLabelValues("tts", evt.Code).Inc()
						o.send(outbound, protocol.MustWrap(protocol.RouteSystem, protocol.ActionError, protocol.ErrorPayload{
							Code:      evt.Code,
							Source:    "tts",
							Retryable: evt.Retryable,
							Detail:    evt.Detail,
						}))
					case SynthEventFinal:
						return
					}
				}
			}
		}()
	}

	adoptSynth := func() bool {
		if synthReady {
			return true
		}
		var res synthStartResult
		select {
		case <-ctx.Done():
			return false
		case res = <-synthResCh:
		}
		synthReady = true
		synthStream = res.stream
		synthErr = res.err
		if synthErr != nil {
			o.metrics.ProviderErrors.WithLabelValues("tts", "start_failed").Inc()
			o.send(outbound, protocol.MustWrap(protocol.RouteSystem, protocol.ActionError, protocol.ErrorPayload{
				Code:      "tts_start_failed",
				Source:    "tts",
				Retryable: true,
				Detail:    synthErr.Error(),
			}))
			return true
		}
		startForwarder(synthStream)
		return true
	}

	// The first sentence waits for the synthesis stream to come up; later
	// ones find it ready. A start failure drops speech but keeps text
	// flowing to the client.
	queueSentence := func(sentence string) error {
		sentence = strings.TrimSpace(sentence)
		if sentence == "" {
			return nil
		}
		if !adoptSynth() {
			return ctx.Err()
		}
		if synthErr != nil || synthStream == nil {
			return nil
		}
		return synthStream.SendText(ctx, sentence)
	}

	var replyOut strings.Builder
	sentences := sentenceBuffer{}
	handleDelta := func(delta string) error {
		if delta == "" {
			return nil
		}
		replyOut.WriteString(delta)
		o.send(outbound, protocol.MustWrap(protocol.RouteConserje, protocol.ActionMessage, protocol.ConserjeMessage{
			Type: "assistant_text",
			Text: delta,
		}))
		for _, sentence := range sentences.Push(delta) {
			if err := queueSentence(sentence); err != nil {
				return err
			}
		}
		return nil
	}

	if scripted != "" {
		if err := handleDelta(scripted); err != nil {
			return replyOut.String(), err
		}
	} else {
		events, err := o.responder.StreamReply(ctx, turns)
		if err != nil {
			return "", err
		}
	stream:
		for {
			select {
			case <-ctx.Done():
				return replyOut.String(), ctx.Err()
			case evt, ok := <-events:
				if !ok {
					break stream
				}
				switch evt.Type {
				case ResponseEventDelta:
					if err := handleDelta(evt.TextDelta); err != nil {
						return replyOut.String(), err
					}
				case ResponseEventDone:
					break stream
				case ResponseEventError:
					o.metrics.ProviderErrors.WithLabelValues("response", evt.Code).Inc()
					o.send(outbound, protocol.MustWrap(protocol.RouteSystem, protocol.ActionError, protocol.ErrorPayload{
						Code:      evt.Code,
						Source:    "response",
						Retryable: evt.Retryable,
						Detail:    evt.Detail,
					}))
					if replyOut.Len() == 0 {
						return "", errors.New("response stream failed before any text")
					}
					break stream
				}
			}
		}
	}

	if tail := sentences.Flush(); tail != "" {
		if err := queueSentence(tail); err != nil {
			return replyOut.String(), err
		}
	}
	if !adoptSynth() {
		return replyOut.String(), ctx.Err()
	}
	if synthErr == nil && synthStream != nil {
		if err := synthStream.CloseInput(ctx); err != nil {
			return replyOut.String(), err
		}

		// The backend owes an explicit completion signal; the timeout only
		// bounds a backend that never sends one.
		select {
		case <-ctx.Done():
			return replyOut.String(), ctx.Err()
		case <-synthDone:
		case <-time.After(o.finalizeTimeout):
			o.metrics.SessionEvents.WithLabelValues("synth_finalize_timeout").Inc()
			return replyOut.String(), errFinalizeTimeout
		}
	}

	if stillActive(token) {
		o.send(outbound, protocol.MustWrap(protocol.RouteConserje, protocol.ActionTurnEnd, protocol.TurnEnd{
			TurnID: turnID,
			Reason: "completed",
		}))
	}
	return replyOut.String(), nil
}

// send delivers one envelope to the connection writer with a bounded wait.
// Audio chunks get a short budget and are droppable; everything else gets a
// longer one because clear and turn_end carry protocol state.
func (o *Orchestrator) send(outbound chan<- protocol.Envelope, env protocol.Envelope) bool {
	timeout := criticalSendTimeout
	if env.Route == protocol.RouteAudio {
		timeout = audioSendTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case outbound <- env:
		o.metrics.WSMessages.WithLabelValues("out", env.Route+"/"+env.Action).Inc()
		return true
	case <-timer.C:
		o.metrics.SessionEvents.WithLabelValues("outbound_send_timeout").Inc()
		if env.Route == protocol.RouteAudio {
			o.metrics.FramesDropped.Inc()
		}
		return false
	}
}
