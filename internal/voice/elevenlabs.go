package voice

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/dmoralesf/conserje/internal/reliability"
)

type ElevenLabsConfig struct {
	APIKey       string
	WSBaseURL    string
	VoiceID      string
	ModelID      string
	OutputFormat string
}

// ElevenLabsProvider synthesizes speech over the stream-input websocket
// protocol: text increments flow in tagged with the turn's context id, binary
// audio chunks flow back out-of-band, and the backend signals completion
// with an explicit isFinal message.
type ElevenLabsProvider struct {
	cfg ElevenLabsConfig
}

func NewElevenLabsProvider(cfg ElevenLabsConfig) *ElevenLabsProvider {
	if strings.TrimSpace(cfg.WSBaseURL) == "" {
		cfg.WSBaseURL = "wss://api.elevenlabs.io"
	}
	if strings.TrimSpace(cfg.ModelID) == "" {
		cfg.ModelID = "eleven_multilingual_v2"
	}
	if strings.TrimSpace(cfg.OutputFormat) == "" {
		cfg.OutputFormat = "pcm_24000"
	}
	return &ElevenLabsProvider{cfg: cfg}
}

func (p *ElevenLabsProvider) StartStream(ctx context.Context, contextID string) (SynthStream, error) {
	if strings.TrimSpace(p.cfg.VoiceID) == "" {
		return nil, fmt.Errorf("voice id is required")
	}

	u, err := url.Parse(strings.TrimRight(p.cfg.WSBaseURL, "/") + "/v1/text-to-speech/" + url.PathEscape(p.cfg.VoiceID) + "/stream-input")
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("model_id", p.cfg.ModelID)
	q.Set("output_format", p.cfg.OutputFormat)
	q.Set("auto_mode", "true")
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("xi-api-key", p.cfg.APIKey)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		return nil, fmt.Errorf("dial tts websocket: %w", err)
	}

	s := &elevenStream{
		conn:      conn,
		contextID: contextID,
		format:    p.cfg.OutputFormat,
		events:    make(chan SynthEvent, 512),
	}
	go s.readLoop()
	// Prime the stream as the stream-input protocol requires.
	if err := s.writeJSON(map[string]any{
		"text":       " ",
		"context_id": contextID,
	}); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("prime tts stream: %w", err)
	}
	return s, nil
}

type elevenStream struct {
	conn      *websocket.Conn
	contextID string
	format    string
	writeMu   sync.Mutex
	connOnce  sync.Once

	mu     sync.Mutex
	closed bool
	events chan SynthEvent
}

func (s *elevenStream) SendText(_ context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	return s.writeJSON(map[string]any{
		"text":                   text,
		"context_id":             s.contextID,
		"try_trigger_generation": true,
	})
}

// CloseInput ends the turn's text. The backend flushes remaining audio and
// then reports isFinal; the caller must keep reading Events until then.
func (s *elevenStream) CloseInput(_ context.Context) error {
	return s.writeJSON(map[string]any{
		"text":       "",
		"context_id": s.contextID,
	})
}

func (s *elevenStream) Events() <-chan SynthEvent { return s.events }

// Close tears down the backend connection. Only readLoop closes the event
// channel; Close just stops further emits and unblocks the read.
func (s *elevenStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	var retErr error
	s.connOnce.Do(func() {
		retErr = s.conn.Close()
	})
	return retErr
}

// emit delivers an event unless the stream is closed. The send happens under
// the same mutex that orders the closed flag against the channel close, and
// never blocks: a full buffer means the consumer abandoned the turn, so the
// event is dropped.
func (s *elevenStream) emit(evt SynthEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- evt:
	default:
	}
}

func (s *elevenStream) writeJSON(payload map[string]any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(payload)
}

func (s *elevenStream) readLoop() {
	defer func() {
		s.mu.Lock()
		s.closed = true
		close(s.events)
		s.mu.Unlock()
	}()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var raw map[string]any
		if err := json.Unmarshal(data, &raw); err != nil {
			continue
		}

		if encoded, _ := raw["audio"].(string); encoded != "" {
			chunk, err := base64.StdEncoding.DecodeString(encoded)
			if err == nil && len(chunk) > 0 {
				s.emit(SynthEvent{Type: SynthEventAudio, Audio: chunk, Format: s.format})
			}
		}
		if isFinal(raw) {
			s.emit(SynthEvent{Type: SynthEventFinal})
			return
		}
		if errMsg, _ := raw["error"].(string); errMsg != "" {
			code, _ := raw["message_type"].(string)
			s.emit(SynthEvent{
				Type:      SynthEventError,
				Code:      code,
				Detail:    errMsg,
				Retryable: reliability.IsRetryableProviderCode(code),
			})
		}
	}
}

func isFinal(raw map[string]any) bool {
	if b, ok := raw["isFinal"].(bool); ok && b {
		return true
	}
	if b, ok := raw["is_final"].(bool); ok && b {
		return true
	}
	return false
}
