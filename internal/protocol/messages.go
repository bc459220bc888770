package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Routes and actions recognized on the session websocket. Every message in
// either direction is an Envelope with a route, an action and a payload.
const (
	RouteSystem   = "system"
	RouteAudio    = "audio"
	RouteConserje = "conserje"

	ActionPing                  = "ping"
	ActionConnectionEstablished = "connection_established"
	ActionCapabilities          = "capabilities"
	ActionClear                 = "clear"
	ActionSTT                   = "stt"
	ActionTTS                   = "tts"
	ActionMessage               = "message"
	ActionTurnEnd               = "turn_end"
	ActionTranscript            = "transcript"
	ActionError                 = "error"
)

var ErrUnsupportedMessage = errors.New("unsupported route/action")

// Envelope is the outer frame for every websocket message.
type Envelope struct {
	Route   string          `json:"route"`
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Capabilities reports which backends the session can currently reach.
// TTS stays true while the static fallback is serving audio; Degraded marks
// that condition for the client UI.
type Capabilities struct {
	STT bool `json:"stt"`
	TTS bool `json:"tts"`
}

// ConnectionEstablished is the response to system/ping.
type ConnectionEstablished struct {
	SessionID    string       `json:"session_id"`
	Capabilities Capabilities `json:"capabilities"`
}

// CapabilitiesUpdate is pushed when a backend degrades mid-session.
type CapabilitiesUpdate struct {
	Capabilities Capabilities `json:"capabilities"`
	Degraded     bool         `json:"degraded"`
	Reason       string       `json:"reason,omitempty"`
}

// InboundAudio carries one captured audio frame (audio/stt).
type InboundAudio struct {
	Audio      string `json:"audio"`
	Format     string `json:"format"`
	MimeType   string `json:"mimeType"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
	Seq        int    `json:"seq"`
}

// OutboundAudio carries one synthesized audio chunk (audio/tts).
type OutboundAudio struct {
	Audio  string `json:"audio"`
	Format string `json:"format"`
	TurnID string `json:"turn_id"`
	Seq    int    `json:"seq"`
}

// ConserjeMessage is a control message on the conserje route.
type ConserjeMessage struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// TranscriptUpdate mirrors recognition progress to the client. Interim
// updates are UI hints only.
type TranscriptUpdate struct {
	Text        string  `json:"text"`
	IsFinal     bool    `json:"is_final"`
	SpeechFinal bool    `json:"speech_final"`
	Confidence  float64 `json:"confidence,omitempty"`
}

// TurnEnd closes an assistant turn on the wire.
type TurnEnd struct {
	TurnID string `json:"turn_id"`
	Reason string `json:"reason"`
}

// ErrorPayload reports a non-fatal session error.
type ErrorPayload struct {
	Code      string `json:"code"`
	Source    string `json:"source"`
	Retryable bool   `json:"retryable"`
	Detail    string `json:"detail,omitempty"`
}

// Inbound is a parsed client message.
type Inbound struct {
	Route  string
	Action string

	Audio   *InboundAudio
	Message *ConserjeMessage
}

// ParseInbound decodes and validates one client envelope. Unknown
// route/action pairs return ErrUnsupportedMessage so the caller can log and
// ignore them while keeping the connection open.
func ParseInbound(raw []byte) (Inbound, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Inbound{}, fmt.Errorf("invalid envelope: %w", err)
	}

	in := Inbound{Route: env.Route, Action: env.Action}
	switch {
	case env.Route == RouteSystem && env.Action == ActionPing:
		return in, nil
	case env.Route == RouteAudio && env.Action == ActionSTT:
		var msg InboundAudio
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			return Inbound{}, fmt.Errorf("invalid audio/stt payload: %w", err)
		}
		if msg.Audio == "" || msg.SampleRate <= 0 {
			return Inbound{}, errors.New("invalid audio/stt payload: missing audio or sample rate")
		}
		in.Audio = &msg
		return in, nil
	case env.Route == RouteConserje && env.Action == ActionMessage:
		var msg ConserjeMessage
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			return Inbound{}, fmt.Errorf("invalid conserje/message payload: %w", err)
		}
		if msg.Type == "" {
			return Inbound{}, errors.New("invalid conserje/message payload: missing type")
		}
		in.Message = &msg
		return in, nil
	default:
		return Inbound{}, ErrUnsupportedMessage
	}
}

// Wrap builds an Envelope around a payload struct.
func Wrap(route, action string, payload any) (Envelope, error) {
	if payload == nil {
		return Envelope{Route: route, Action: action}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s/%s payload: %w", route, action, err)
	}
	return Envelope{Route: route, Action: action, Payload: raw}, nil
}

// MustWrap is Wrap for payload types the caller controls.
func MustWrap(route, action string, payload any) Envelope {
	env, err := Wrap(route, action, payload)
	if err != nil {
		panic(err)
	}
	return env
}
