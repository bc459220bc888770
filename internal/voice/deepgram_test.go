package voice

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestDeepgramCloseWhileBackendFlushes(t *testing.T) {
	upgrader := websocket.Upgrader{}
	flushed := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		result := map[string]any{
			"type":     "Results",
			"is_final": true,
			"channel": map[string]any{
				"alternatives": []map[string]any{{"transcript": "hola", "confidence": 0.9}},
			},
		}
		for i := 0; i < 1000; i++ {
			if err := conn.WriteJSON(result); err != nil {
				return
			}
		}
		close(flushed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	p := NewDeepgramProvider(DeepgramConfig{
		APIKey:    "test-key",
		WSBaseURL: "ws" + strings.TrimPrefix(srv.URL, "http"),
		KeepAlive: time.Minute,
	})
	stream, events, err := p.StartStream(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}

	// Leave events undrained so the backend overruns the buffer.
	select {
	case <-flushed:
	case <-time.After(3 * time.Second):
		t.Fatalf("backend never finished flushing")
	}

	if err := stream.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatalf("event channel not closed after Close")
		}
	}
}
