package voice

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dmoralesf/conserje/internal/audio"
	"github.com/dmoralesf/conserje/internal/observability"
	"github.com/dmoralesf/conserje/internal/protocol"
	"github.com/dmoralesf/conserje/internal/session"
)

func testMetrics(t *testing.T) *observability.Metrics {
	t.Helper()
	return observability.NewMetrics(fmt.Sprintf("conserje_test_%d", time.Now().UnixNano()))
}

// gatedResponder opens one channel per reply request and hands it to the
// test, so the test controls reply pacing per turn.
type gatedResponder struct {
	streams chan chan ResponseEvent
}

func newGatedResponder() *gatedResponder {
	return &gatedResponder{streams: make(chan chan ResponseEvent, 4)}
}

func (g *gatedResponder) StreamReply(_ context.Context, _ []ReplyTurn) (<-chan ResponseEvent, error) {
	events := make(chan ResponseEvent, 16)
	g.streams <- events
	return events, nil
}

func (g *gatedResponder) nextStream(t *testing.T) chan ResponseEvent {
	t.Helper()
	select {
	case events := <-g.streams:
		return events
	case <-time.After(2 * time.Second):
		t.Fatalf("no reply request reached the responder")
		return nil
	}
}

type failingSynth struct{}

func (failingSynth) StartStream(context.Context, string) (SynthStream, error) {
	return nil, ErrMockUnavailable
}

type orchHarness struct {
	t        *testing.T
	stt      *MockTranscription
	inbound  chan protocol.Inbound
	outbound chan protocol.Envelope
	done     chan error
	sess     *session.Session
}

func startHarnessWith(t *testing.T, o *Orchestrator, sessions *session.Manager, stt *MockTranscription) *orchHarness {
	t.Helper()
	sess := sessions.Create("client-1", session.Format{SampleRate: 16000, Channels: 1, Encoding: "pcm16"})
	if err := sessions.Activate(sess.ID); err != nil {
		t.Fatalf("activate session: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &orchHarness{
		t:        t,
		stt:      stt,
		inbound:  make(chan protocol.Inbound, 16),
		outbound: make(chan protocol.Envelope, 256),
		done:     make(chan error, 1),
		sess:     sess,
	}
	go func() {
		h.done <- o.RunConnection(ctx, sess, h.inbound, h.outbound)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.done:
		case <-time.After(2 * time.Second):
			t.Errorf("RunConnection did not return after cancel")
		}
	})
	return h
}

func startHarness(t *testing.T, responder ResponseProvider, synth SynthesisProvider, greeting string) *orchHarness {
	t.Helper()
	sessions := session.NewManager(time.Minute)
	stt := NewMockTranscription()
	o := NewOrchestrator(sessions, stt, responder, synth, testMetrics(t), 5*time.Second, greeting)
	return startHarnessWith(t, o, sessions, stt)
}

// awaitSTTStream waits for RunConnection to open its recognition stream.
func (h *orchHarness) awaitSTTStream() *MockSTTStream {
	h.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s := h.stt.LastStream(); s != nil {
			return s
		}
		time.Sleep(5 * time.Millisecond)
	}
	h.t.Fatalf("recognition stream never opened")
	return nil
}

func (h *orchHarness) next(timeout time.Duration) (protocol.Envelope, bool) {
	select {
	case env := <-h.outbound:
		return env, true
	case <-time.After(timeout):
		return protocol.Envelope{}, false
	}
}

// await reads envelopes until route/action matches, returning everything seen
// before the match.
func (h *orchHarness) await(route, action string) (protocol.Envelope, []protocol.Envelope) {
	h.t.Helper()
	var before []protocol.Envelope
	deadline := time.After(3 * time.Second)
	for {
		select {
		case env := <-h.outbound:
			if env.Route == route && env.Action == action {
				return env, before
			}
			before = append(before, env)
		case <-deadline:
			h.t.Fatalf("no %s/%s envelope (saw %d others)", route, action, len(before))
		}
	}
}

func decodePayload[T any](t *testing.T, env protocol.Envelope) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(env.Payload, &v); err != nil {
		t.Fatalf("decode %s/%s payload: %v", env.Route, env.Action, err)
	}
	return v
}

func TestGreetingTurnProducesAudio(t *testing.T) {
	h := startHarness(t, newGatedResponder(), NewMockSynthesis(), "Hola, soy el conserje.")

	h.inbound <- protocol.Inbound{
		Route: protocol.RouteConserje, Action: protocol.ActionMessage,
		Message: &protocol.ConserjeMessage{Type: "ready"},
	}

	audioEnv, _ := h.await(protocol.RouteAudio, protocol.ActionTTS)
	chunk := decodePayload[protocol.OutboundAudio](t, audioEnv)
	raw, err := base64.StdEncoding.DecodeString(chunk.Audio)
	if err != nil {
		t.Fatalf("decode audio chunk: %v", err)
	}
	if len(raw) == 0 {
		t.Fatalf("greeting audio chunk is empty")
	}
	if chunk.TurnID == "" || chunk.Seq != 1 {
		t.Fatalf("unexpected chunk metadata: turn=%q seq=%d", chunk.TurnID, chunk.Seq)
	}

	endEnv, _ := h.await(protocol.RouteConserje, protocol.ActionTurnEnd)
	end := decodePayload[protocol.TurnEnd](t, endEnv)
	if end.Reason != "completed" {
		t.Fatalf("greeting turn ended with reason %q", end.Reason)
	}
}

func TestSpeechFinalCommitsExactlyOnce(t *testing.T) {
	responder := newGatedResponder()
	h := startHarness(t, responder, NewMockSynthesis(), "")

	stream := h.awaitSTTStream()
	stream.EmitFinal("quisiera reservar", false)
	stream.EmitFinal("una mesa para dos", true)

	events := responder.nextStream(t)
	events <- ResponseEvent{Type: ResponseEventDelta, TextDelta: "Por supuesto. "}
	events <- ResponseEvent{Type: ResponseEventDone}

	endEnv, before := h.await(protocol.RouteConserje, protocol.ActionTurnEnd)
	end := decodePayload[protocol.TurnEnd](t, endEnv)
	if end.Reason != "completed" {
		t.Fatalf("turn ended with reason %q", end.Reason)
	}
	finals := 0
	for _, env := range before {
		if env.Route == protocol.RouteConserje && env.Action == protocol.ActionTranscript {
			if decodePayload[protocol.TranscriptUpdate](t, env).IsFinal {
				finals++
			}
		}
	}
	if finals != 2 {
		t.Fatalf("expected 2 final transcript updates, got %d", finals)
	}

	// A trailing endpointing boundary with nothing accumulated must not
	// start a second turn.
	stream.Emit(STTEvent{Type: STTEventTranscript, Transcript: Transcript{IsFinal: true, SpeechFinal: true}})
	if env, ok := h.next(300 * time.Millisecond); ok {
		t.Fatalf("unexpected envelope after empty boundary: %s/%s", env.Route, env.Action)
	}
}

func TestInterimsWithoutBoundaryStartNoTurn(t *testing.T) {
	h := startHarness(t, newGatedResponder(), NewMockSynthesis(), "")

	stream := h.awaitSTTStream()
	for i := 0; i < 5; i++ {
		stream.EmitInterim(fmt.Sprintf("quisiera reservar %d", i))
	}

	for i := 0; i < 5; i++ {
		env, ok := h.next(time.Second)
		if !ok {
			t.Fatalf("missing transcript update %d", i)
		}
		if env.Route != protocol.RouteConserje || env.Action != protocol.ActionTranscript {
			t.Fatalf("expected transcript update, got %s/%s", env.Route, env.Action)
		}
	}
	if env, ok := h.next(300 * time.Millisecond); ok {
		t.Fatalf("unexpected envelope without a speech boundary: %s/%s", env.Route, env.Action)
	}
}

func TestBargeInClearsBeforeFurtherAudio(t *testing.T) {
	responder := newGatedResponder()
	synth := NewMockSynthesis()
	h := startHarness(t, responder, synth, "")

	stream := h.awaitSTTStream()
	stream.EmitFinal("cuenteme sobre el hotel", true)

	events := responder.nextStream(t)
	events <- ResponseEvent{Type: ResponseEventDelta, TextDelta: "El hotel tiene cien habitaciones. "}

	audioEnv, _ := h.await(protocol.RouteAudio, protocol.ActionTTS)
	first := decodePayload[protocol.OutboundAudio](t, audioEnv)

	// Fresh speech while the assistant is talking.
	stream.EmitSpeechStarted()

	h.await(protocol.RouteSystem, protocol.ActionClear)
	endEnv, _ := h.await(protocol.RouteConserje, protocol.ActionTurnEnd)
	end := decodePayload[protocol.TurnEnd](t, endEnv)
	if end.Reason != "interrupted" {
		t.Fatalf("barge-in turn ended with reason %q", end.Reason)
	}
	if end.TurnID != first.TurnID {
		t.Fatalf("turn_end names turn %q, audio came from %q", end.TurnID, first.TurnID)
	}

	// No audio from the cancelled turn may follow the clear command, even
	// when the backend flushes late chunks.
	_ = synth.LastStream().SendText(context.Background(), "late chunk after cancel")
	select {
	case env := <-h.outbound:
		if env.Route == protocol.RouteAudio && env.Action == protocol.ActionTTS {
			chunk := decodePayload[protocol.OutboundAudio](t, env)
			if chunk.TurnID == first.TurnID {
				t.Fatalf("audio from cancelled turn %q sent after clear", chunk.TurnID)
			}
		}
	case <-time.After(300 * time.Millisecond):
	}
}

func TestLateFinalAfterBargeInStartsNewTurn(t *testing.T) {
	responder := newGatedResponder()
	h := startHarness(t, responder, NewMockSynthesis(), "")

	stream := h.awaitSTTStream()
	stream.EmitFinal("primera pregunta", true)
	firstEvents := responder.nextStream(t)
	firstEvents <- ResponseEvent{Type: ResponseEventDelta, TextDelta: "Respondiendo. "}
	h.await(protocol.RouteAudio, protocol.ActionTTS)

	// The interrupting utterance arrives as interim then final.
	stream.EmitInterim("espera")
	endEnv, _ := h.await(protocol.RouteConserje, protocol.ActionTurnEnd)
	if decodePayload[protocol.TurnEnd](t, endEnv).Reason != "interrupted" {
		t.Fatalf("expected interrupted turn end")
	}

	stream.EmitFinal("espera otra cosa", true)
	events := responder.nextStream(t)
	events <- ResponseEvent{Type: ResponseEventDelta, TextDelta: "Claro. "}
	events <- ResponseEvent{Type: ResponseEventDone}

	endEnv, _ = h.await(protocol.RouteConserje, protocol.ActionTurnEnd)
	if reason := decodePayload[protocol.TurnEnd](t, endEnv).Reason; reason != "completed" {
		t.Fatalf("second turn ended with reason %q", reason)
	}
}

func TestSTTStartFailureDegradesSession(t *testing.T) {
	sessions := session.NewManager(time.Minute)
	stt := NewMockTranscription()
	stt.FailNextStart()
	o := NewOrchestrator(sessions, stt, newGatedResponder(), NewMockSynthesis(), testMetrics(t), 5*time.Second, "Hola.")
	h := startHarnessWith(t, o, sessions, stt)

	capsEnv, _ := h.await(protocol.RouteSystem, protocol.ActionCapabilities)
	update := decodePayload[protocol.CapabilitiesUpdate](t, capsEnv)
	if update.Capabilities.STT || !update.Capabilities.TTS {
		t.Fatalf("expected stt=false tts=true, got %+v", update.Capabilities)
	}
	if !update.Degraded {
		t.Fatalf("degradation not flagged")
	}

	// The session still answers pings and still speaks.
	h.inbound <- protocol.Inbound{Route: protocol.RouteSystem, Action: protocol.ActionPing}
	est, _ := h.await(protocol.RouteSystem, protocol.ActionConnectionEstablished)
	ce := decodePayload[protocol.ConnectionEstablished](t, est)
	if ce.SessionID != h.sess.ID || ce.Capabilities.STT {
		t.Fatalf("unexpected connection_established payload: %+v", ce)
	}

	h.inbound <- protocol.Inbound{
		Route: protocol.RouteConserje, Action: protocol.ActionMessage,
		Message: &protocol.ConserjeMessage{Type: "ready"},
	}
	h.await(protocol.RouteAudio, protocol.ActionTTS)
}

func TestStaticFallbackServesAssetUnchanged(t *testing.T) {
	pcm := make([]byte, 640)
	for i := 0; i < len(pcm)/2; i++ {
		binary.LittleEndian.PutUint16(pcm[2*i:], uint16(int16(i*7)))
	}
	asset, err := audio.EncodeWAVPCM16LE(pcm, 16000)
	if err != nil {
		t.Fatalf("encode asset: %v", err)
	}
	static, err := NewStaticProvider(asset)
	if err != nil {
		t.Fatalf("static provider: %v", err)
	}
	synth := NewFailoverSynthesis(failingSynth{}, static)
	h := startHarness(t, newGatedResponder(), synth, "Un momento, por favor.")

	h.inbound <- protocol.Inbound{
		Route: protocol.RouteConserje, Action: protocol.ActionMessage,
		Message: &protocol.ConserjeMessage{Type: "ready"},
	}

	audioEnv, _ := h.await(protocol.RouteAudio, protocol.ActionTTS)
	chunk := decodePayload[protocol.OutboundAudio](t, audioEnv)
	raw, err := base64.StdEncoding.DecodeString(chunk.Audio)
	if err != nil {
		t.Fatalf("decode chunk: %v", err)
	}
	if string(raw) != string(asset) {
		t.Fatalf("fallback asset altered in transit: %d bytes in, %d bytes out", len(asset), len(raw))
	}
	if !synth.(DegradedReporter).Degraded() {
		t.Fatalf("failover should report degraded while static fallback is active")
	}

	endEnv, _ := h.await(protocol.RouteConserje, protocol.ActionTurnEnd)
	if reason := decodePayload[protocol.TurnEnd](t, endEnv).Reason; reason != "completed" {
		t.Fatalf("fallback turn ended with reason %q", reason)
	}

	// Capability stays tts=true: fallback is degraded, not broken.
	h.inbound <- protocol.Inbound{Route: protocol.RouteSystem, Action: protocol.ActionPing}
	est, _ := h.await(protocol.RouteSystem, protocol.ActionConnectionEstablished)
	if !decodePayload[protocol.ConnectionEstablished](t, est).Capabilities.TTS {
		t.Fatalf("tts capability dropped while falling back")
	}
}

// ctxCaptureSynth records the context each synthesis stream was started
// with, so tests can observe the turn context's lifetime.
type ctxCaptureSynth struct {
	inner *MockSynthesis

	mu   sync.Mutex
	ctxs []context.Context
}

func (c *ctxCaptureSynth) StartStream(ctx context.Context, contextID string) (SynthStream, error) {
	c.mu.Lock()
	c.ctxs = append(c.ctxs, ctx)
	c.mu.Unlock()
	return c.inner.StartStream(ctx, contextID)
}

func (c *ctxCaptureSynth) lastCtx() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.ctxs) == 0 {
		return nil
	}
	return c.ctxs[len(c.ctxs)-1]
}

func TestCompletedTurnReleasesItsContext(t *testing.T) {
	synth := &ctxCaptureSynth{inner: NewMockSynthesis()}
	h := startHarness(t, newGatedResponder(), synth, "Hola, soy el conserje.")

	h.inbound <- protocol.Inbound{
		Route: protocol.RouteConserje, Action: protocol.ActionMessage,
		Message: &protocol.ConserjeMessage{Type: "ready"},
	}
	endEnv, _ := h.await(protocol.RouteConserje, protocol.ActionTurnEnd)
	if reason := decodePayload[protocol.TurnEnd](t, endEnv).Reason; reason != "completed" {
		t.Fatalf("greeting turn ended with reason %q", reason)
	}

	// The turn finished on its own, without a barge-in; its context must
	// still be cancelled rather than held until the session ends.
	ctx := synth.lastCtx()
	if ctx == nil {
		t.Fatalf("no synthesis stream was started")
	}
	deadline := time.Now().Add(2 * time.Second)
	for ctx.Err() == nil && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if ctx.Err() == nil {
		t.Fatalf("turn context still live after the turn completed")
	}
}

func TestFinalizeTimeoutBoundsMissingCompletion(t *testing.T) {
	sessions := session.NewManager(time.Minute)
	stt := NewMockTranscription()
	synth := NewMockSynthesis()
	responder := newGatedResponder()
	o := NewOrchestrator(sessions, stt, responder, synth, testMetrics(t), 200*time.Millisecond, "")
	h := startHarnessWith(t, o, sessions, stt)

	h.awaitSTTStream().EmitFinal("hola", true)
	events := responder.nextStream(t)
	events <- ResponseEvent{Type: ResponseEventDelta, TextDelta: "Buenas tardes. "}
	h.await(protocol.RouteAudio, protocol.ActionTTS)
	synth.LastStream().HoldFinal()
	events <- ResponseEvent{Type: ResponseEventDone}

	endEnv, _ := h.await(protocol.RouteConserje, protocol.ActionTurnEnd)
	if reason := decodePayload[protocol.TurnEnd](t, endEnv).Reason; reason != "finalize_timeout" {
		t.Fatalf("expected finalize_timeout, got %q", reason)
	}
}
