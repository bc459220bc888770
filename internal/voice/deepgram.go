package voice

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

type DeepgramConfig struct {
	APIKey        string
	WSBaseURL     string
	Model         string
	Language      string
	SampleRate    int
	EndpointingMS int
	KeepAlive     time.Duration
}

// DeepgramProvider streams audio to a Deepgram-compatible realtime
// recognition endpoint and surfaces interim/final transcripts plus VAD
// speech-start events.
type DeepgramProvider struct {
	cfg DeepgramConfig
}

func NewDeepgramProvider(cfg DeepgramConfig) *DeepgramProvider {
	if strings.TrimSpace(cfg.WSBaseURL) == "" {
		cfg.WSBaseURL = "wss://api.deepgram.com"
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = "nova-2"
	}
	if strings.TrimSpace(cfg.Language) == "" {
		cfg.Language = "es"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.EndpointingMS <= 0 {
		cfg.EndpointingMS = 250
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 5 * time.Second
	}
	return &DeepgramProvider{cfg: cfg}
}

func (p *DeepgramProvider) StartStream(ctx context.Context, _ string) (STTStream, <-chan STTEvent, error) {
	u, err := url.Parse(strings.TrimRight(p.cfg.WSBaseURL, "/") + "/v1/listen")
	if err != nil {
		return nil, nil, err
	}
	q := u.Query()
	q.Set("model", p.cfg.Model)
	q.Set("language", p.cfg.Language)
	q.Set("punctuate", "true")
	q.Set("interim_results", "true")
	q.Set("endpointing", strconv.Itoa(p.cfg.EndpointingMS))
	q.Set("vad_events", "true")
	q.Set("no_delay", "true")
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(p.cfg.SampleRate))
	q.Set("channels", "1")
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.cfg.APIKey)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		return nil, nil, fmt.Errorf("dial stt websocket: %w", err)
	}

	events := make(chan STTEvent, 256)
	s := &deepgramStream{conn: conn, events: events, keepAliveStop: make(chan struct{})}
	go s.readLoop()
	go s.keepAliveLoop(p.cfg.KeepAlive)
	return s, events, nil
}

type deepgramStream struct {
	conn          *websocket.Conn
	writeMu       sync.Mutex
	connOnce      sync.Once
	keepAliveStop chan struct{}

	mu     sync.Mutex
	closed bool
	events chan STTEvent
}

// emit delivers an event unless the stream is closed. The send is ordered
// against the channel close by the same mutex and never blocks; a full
// buffer means the session stopped consuming.
func (s *deepgramStream) emit(evt STTEvent) {
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

func (s *deepgramStream) SendAudio(_ context.Context, pcm []byte, _ int) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.BinaryMessage, pcm)
}

// keepAliveLoop prevents the backend from dropping the connection during
// user silence.
func (s *deepgramStream) keepAliveLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.keepAliveStop:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := s.conn.WriteJSON(map[string]string{"type": "KeepAlive"})
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

type deepgramResult struct {
	Type        string `json:"type"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`
	Channel     struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
	Description string `json:"description"`
}

func (s *deepgramStream) readLoop() {
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
		var msg deepgramResult
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "Results":
			if len(msg.Channel.Alternatives) == 0 {
				continue
			}
			alt := msg.Channel.Alternatives[0]
			// speech_final with empty text still closes the utterance;
			// anything else with empty text is noise.
			if strings.TrimSpace(alt.Transcript) == "" && !msg.SpeechFinal {
				continue
			}
			s.emit(STTEvent{
				Type: STTEventTranscript,
				Transcript: Transcript{
					Text:        alt.Transcript,
					IsFinal:     msg.IsFinal,
					SpeechFinal: msg.SpeechFinal,
					Confidence:  alt.Confidence,
				},
			})
		case "SpeechStarted":
			s.emit(STTEvent{Type: STTEventSpeechStarted})
		case "Metadata", "UtteranceEnd", "":
			// control traffic
		case "Error":
			// Deepgram error frames carry no machine code; the connection
			// survives them, so a later attempt may succeed.
			s.emit(STTEvent{
				Type:      STTEventError,
				Code:      "deepgram_error",
				Detail:    msg.Description,
				Retryable: true,
			})
		}
	}
}

// Close stops the stream. Only readLoop closes the event channel; Close
// stops further emits and shuts the connection down, which unblocks the read.
func (s *deepgramStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	var retErr error
	s.connOnce.Do(func() {
		close(s.keepAliveStop)
		s.writeMu.Lock()
		_ = s.conn.WriteJSON(map[string]string{"type": "CloseStream"})
		s.writeMu.Unlock()
		retErr = s.conn.Close()
	})
	return retErr
}
