package main

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gordonklaus/portaudio"
	"github.com/gorilla/websocket"

	"github.com/dmoralesf/conserje/internal/audio"
	"github.com/dmoralesf/conserje/internal/protocol"
)

// conserje-mic is a terminal client for the voice gateway: microphone in,
// speaker out. It exists for manual end-to-end testing against a running
// server, not for production use.

const (
	captureRate     = 16000
	playbackRate    = 24000
	framesPerBuffer = 1024
)

func main() {
	serverURL := flag.String("server", "http://localhost:8080", "gateway base URL")
	clientID := flag.String("client-id", "mic-client", "client id for token issuance")
	flag.Parse()

	if err := run(*serverURL, *clientID); err != nil {
		log.Fatalf("error: %v", err)
	}
}

func run(serverURL, clientID string) error {
	token, err := fetchToken(serverURL, clientID)
	if err != nil {
		return fmt.Errorf("fetch token: %w", err)
	}

	wsEndpoint, err := websocketURL(serverURL, token)
	if err != nil {
		return err
	}
	conn, _, err := websocket.DefaultDialer.Dial(wsEndpoint, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", wsEndpoint, err)
	}
	defer conn.Close()
	log.Printf("connected to %s", serverURL)

	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("portaudio init: %w", err)
	}
	defer portaudio.Terminate()

	framer := audio.NewFramer(audio.DefaultFrameSamples, captureRate, 1, 32)
	playback := audio.NewPlaybackBuffer()

	inStream, err := portaudio.OpenDefaultStream(1, 0, float64(captureRate), framesPerBuffer, func(in []int16) {
		framer.Push(in)
	})
	if err != nil {
		return fmt.Errorf("open capture stream: %w", err)
	}
	defer inStream.Close()

	outStream, err := portaudio.OpenDefaultStream(0, 1, float64(playbackRate), framesPerBuffer, func(out []int16) {
		playback.ReadSamples(out)
	})
	if err != nil {
		return fmt.Errorf("open playback stream: %w", err)
	}
	defer outStream.Close()

	if err := inStream.Start(); err != nil {
		return fmt.Errorf("start capture: %w", err)
	}
	defer inStream.Stop()
	if err := outStream.Start(); err != nil {
		return fmt.Errorf("start playback: %w", err)
	}
	defer outStream.Stop()

	done := make(chan struct{})
	go readServer(conn, playback, done)

	if err := conn.WriteJSON(protocol.MustWrap(protocol.RouteSystem, protocol.ActionPing, nil)); err != nil {
		return fmt.Errorf("write ping: %w", err)
	}
	ready := protocol.MustWrap(protocol.RouteConserje, protocol.ActionMessage, protocol.ConserjeMessage{Type: "ready"})
	if err := conn.WriteJSON(ready); err != nil {
		return fmt.Errorf("write ready: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	log.Printf("listening, speak into the microphone (ctrl-c to quit)")
	for {
		select {
		case <-sigCh:
			log.Printf("shutting down (%d capture frames dropped)", framer.Dropped())
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			select {
			case <-done:
			case <-time.After(2 * time.Second):
			}
			return nil
		case <-done:
			return fmt.Errorf("server closed the connection")
		case frame := <-framer.Frames():
			env := protocol.MustWrap(protocol.RouteAudio, protocol.ActionSTT, protocol.InboundAudio{
				Audio:      base64.StdEncoding.EncodeToString(pcm16Bytes(frame.PCM16)),
				Format:     "pcm16",
				MimeType:   "audio/pcm",
				SampleRate: frame.SampleRate,
				Channels:   frame.Channels,
				Seq:        frame.Seq,
			})
			if err := conn.WriteJSON(env); err != nil {
				return fmt.Errorf("send audio frame: %w", err)
			}
		}
	}
}

func fetchToken(serverURL, clientID string) (string, error) {
	body, _ := json.Marshal(map[string]string{"client_id": clientID})
	res, err := http.Post(strings.TrimRight(serverURL, "/")+"/v1/voice/token", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("token endpoint returned %d", res.StatusCode)
	}
	var payload struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		return "", err
	}
	if payload.Token == "" {
		return "", fmt.Errorf("empty token in response")
	}
	return payload.Token, nil
}

func websocketURL(serverURL, token string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = "/v1/voice/ws"
	u.RawQuery = "token=" + url.QueryEscape(token)
	return u.String(), nil
}

// readServer drains the websocket: synthesized audio into the playback
// queue, clears on barge-in, transcripts and errors to the console.
func readServer(conn *websocket.Conn, playback *audio.PlaybackBuffer, done chan<- struct{}) {
	defer close(done)
	for {
		var env protocol.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		switch {
		case env.Route == protocol.RouteSystem && env.Action == protocol.ActionClear:
			playback.Clear()
		case env.Route == protocol.RouteAudio && env.Action == protocol.ActionTTS:
			var msg protocol.OutboundAudio
			if err := json.Unmarshal(env.Payload, &msg); err != nil {
				log.Printf("bad tts payload: %v", err)
				continue
			}
			raw, err := base64.StdEncoding.DecodeString(msg.Audio)
			if err != nil {
				log.Printf("bad tts audio encoding: %v", err)
				continue
			}
			pcm, err := decodeChunk(raw, msg.Format)
			if err != nil {
				log.Printf("unplayable tts chunk (%s): %v", msg.Format, err)
				continue
			}
			playback.Enqueue(audio.Chunk{PCM16: pcm, TurnID: msg.TurnID})
		case env.Route == protocol.RouteConserje && env.Action == protocol.ActionTranscript:
			var msg protocol.TranscriptUpdate
			if err := json.Unmarshal(env.Payload, &msg); err == nil && msg.IsFinal {
				log.Printf("you: %s", msg.Text)
			}
		case env.Route == protocol.RouteConserje && env.Action == protocol.ActionTurnEnd:
			var msg protocol.TurnEnd
			if err := json.Unmarshal(env.Payload, &msg); err == nil {
				log.Printf("turn %s ended: %s", msg.TurnID, msg.Reason)
			}
		case env.Route == protocol.RouteSystem && env.Action == protocol.ActionError:
			var msg protocol.ErrorPayload
			if err := json.Unmarshal(env.Payload, &msg); err == nil {
				log.Printf("server error [%s] %s", msg.Code, msg.Detail)
			}
		}
	}
}

// decodeChunk converts one synthesized chunk into playable samples. Raw
// pcm_* chunks are little-endian 16-bit mono; wav chunks carry a header.
func decodeChunk(raw []byte, format string) ([]int16, error) {
	if format == "wav" {
		pcm, _, err := audio.DecodeWAVPCM16LE(raw)
		return pcm, err
	}
	if !strings.HasPrefix(format, "pcm") {
		return nil, fmt.Errorf("unsupported format")
	}
	if len(raw)%2 != 0 {
		raw = raw[:len(raw)-1]
	}
	pcm := make([]int16, len(raw)/2)
	for i := range pcm {
		pcm[i] = int16(binary.LittleEndian.Uint16(raw[2*i:]))
	}
	return pcm, nil
}

func pcm16Bytes(samples []int16) []byte {
	out := make([]byte, 2*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(s))
	}
	return out
}
