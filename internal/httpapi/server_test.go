package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dmoralesf/conserje/internal/auth"
	"github.com/dmoralesf/conserje/internal/config"
	"github.com/dmoralesf/conserje/internal/observability"
	"github.com/dmoralesf/conserje/internal/protocol"
	"github.com/dmoralesf/conserje/internal/ratelimit"
	"github.com/dmoralesf/conserje/internal/session"
)

// stubOrchestrator answers pings and otherwise drains the connection. The
// full conversation loop has its own tests in internal/voice.
type stubOrchestrator struct{}

func (stubOrchestrator) RunConnection(ctx context.Context, s *session.Session, inbound <-chan protocol.Inbound, outbound chan<- protocol.Envelope) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case in, ok := <-inbound:
			if !ok {
				return nil
			}
			if in.Route == protocol.RouteSystem && in.Action == protocol.ActionPing {
				outbound <- protocol.MustWrap(protocol.RouteSystem, protocol.ActionConnectionEstablished, map[string]string{
					"session_id": s.ID,
				})
			}
		}
	}
}

func newTestServer(t *testing.T, rateLimit int) *httptest.Server {
	t.Helper()

	cfg := config.Config{SampleRate: 16000}
	sessions := session.NewManager(2 * time.Minute)
	gatekeeper := auth.NewGatekeeper(time.Minute)
	limiter := ratelimit.NewLimiter(rateLimit, time.Minute, time.Hour)
	metrics := observability.NewMetrics(fmt.Sprintf("conserje_httpapi_%d", time.Now().UnixNano()))

	srv := New(cfg, sessions, gatekeeper, limiter, stubOrchestrator{}, metrics)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

func issueToken(t *testing.T, ts *httptest.Server, clientID string) string {
	t.Helper()

	body, _ := json.Marshal(map[string]string{"client_id": clientID})
	res, err := http.Post(ts.URL+"/v1/voice/token", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("token request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("token status = %d, want %d", res.StatusCode, http.StatusCreated)
	}
	var payload tokenResponse
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode token response: %v", err)
	}
	if payload.Token == "" {
		t.Fatalf("empty token in response")
	}
	if !payload.ExpiresAt.After(time.Now()) {
		t.Fatalf("token already expired: %v", payload.ExpiresAt)
	}
	return payload.Token
}

func wsURL(ts *httptest.Server, token string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/voice/ws?token=" + token
}

func TestIssueTokenAndConnect(t *testing.T) {
	ts := newTestServer(t, 10)
	token := issueToken(t, ts, "client-1")

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, token), nil)
	if err != nil {
		t.Fatalf("dial error = %v", err)
	}
	defer conn.Close()

	ping := protocol.MustWrap(protocol.RouteSystem, protocol.ActionPing, nil)
	if err := conn.WriteJSON(ping); err != nil {
		t.Fatalf("write ping: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env protocol.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read pong: %v", err)
	}
	if env.Route != protocol.RouteSystem || env.Action != protocol.ActionConnectionEstablished {
		t.Fatalf("got %s/%s, want system/connection_established", env.Route, env.Action)
	}
}

func TestWSRejectsMissingOrInvalidToken(t *testing.T) {
	ts := newTestServer(t, 10)

	for _, token := range []string{"", "not-a-real-token"} {
		_, res, err := websocket.DefaultDialer.Dial(wsURL(ts, token), nil)
		if err == nil {
			t.Fatalf("dial with token %q succeeded, want rejection", token)
		}
		if res == nil || res.StatusCode != http.StatusUnauthorized {
			t.Fatalf("token %q: status = %v, want %d", token, res, http.StatusUnauthorized)
		}
	}
}

func TestTokenIsSingleUse(t *testing.T) {
	ts := newTestServer(t, 10)
	token := issueToken(t, ts, "client-1")

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, token), nil)
	if err != nil {
		t.Fatalf("first dial error = %v", err)
	}
	conn.Close()

	_, res, err := websocket.DefaultDialer.Dial(wsURL(ts, token), nil)
	if err == nil {
		t.Fatalf("second dial with same token succeeded, want rejection")
	}
	if res == nil || res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("reused token status = %v, want %d", res, http.StatusUnauthorized)
	}
}

func TestRateLimitRejectsWithRetryAfter(t *testing.T) {
	ts := newTestServer(t, 1)

	first, _, err := websocket.DefaultDialer.Dial(wsURL(ts, issueToken(t, ts, "client-1")), nil)
	if err != nil {
		t.Fatalf("first dial error = %v", err)
	}
	defer first.Close()

	_, res, err := websocket.DefaultDialer.Dial(wsURL(ts, issueToken(t, ts, "client-1")), nil)
	if err == nil {
		t.Fatalf("second dial succeeded, want rate limit rejection")
	}
	if res == nil || res.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %v, want %d", res, http.StatusTooManyRequests)
	}
	if res.Header.Get("Retry-After") == "" {
		t.Fatalf("missing Retry-After header on 429 response")
	}
}

func TestLimitsEndpoint(t *testing.T) {
	ts := newTestServer(t, 10)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, issueToken(t, ts, "client-7")), nil)
	if err != nil {
		t.Fatalf("dial error = %v", err)
	}
	conn.Close()

	res, err := http.Get(ts.URL + "/v1/voice/limits?client_id=client-7")
	if err != nil {
		t.Fatalf("limits request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("limits status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	var stats ratelimit.ClientStats
	if err := json.NewDecoder(res.Body).Decode(&stats); err != nil {
		t.Fatalf("decode limits response: %v", err)
	}
	if stats.ClientID != "client-7" || stats.WindowCount < 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	aggRes, err := http.Get(ts.URL + "/v1/voice/limits")
	if err != nil {
		t.Fatalf("aggregate request error = %v", err)
	}
	defer aggRes.Body.Close()
	var agg ratelimit.AggregateStats
	if err := json.NewDecoder(aggRes.Body).Decode(&agg); err != nil {
		t.Fatalf("decode aggregate response: %v", err)
	}
	if agg.TrackedClients < 1 {
		t.Fatalf("aggregate tracked_clients = %d, want >= 1", agg.TrackedClients)
	}

	unknownRes, err := http.Get(ts.URL + "/v1/voice/limits?client_id=never-seen")
	if err != nil {
		t.Fatalf("unknown client request error = %v", err)
	}
	defer unknownRes.Body.Close()
	if unknownRes.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown client status = %d, want %d", unknownRes.StatusCode, http.StatusNotFound)
	}
}

func TestMalformedClientMessageKeepsConnection(t *testing.T) {
	ts := newTestServer(t, 10)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, issueToken(t, ts, "client-1")), nil)
	if err != nil {
		t.Fatalf("dial error = %v", err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write garbage: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var errEnv protocol.Envelope
	if err := conn.ReadJSON(&errEnv); err != nil {
		t.Fatalf("read error envelope: %v", err)
	}
	if errEnv.Route != protocol.RouteSystem || errEnv.Action != protocol.ActionError {
		t.Fatalf("got %s/%s, want system/error", errEnv.Route, errEnv.Action)
	}

	// The connection survives the bad frame.
	if err := conn.WriteJSON(protocol.MustWrap(protocol.RouteSystem, protocol.ActionPing, nil)); err != nil {
		t.Fatalf("write ping after garbage: %v", err)
	}
	var env protocol.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read after garbage: %v", err)
	}
	if env.Action != protocol.ActionConnectionEstablished {
		t.Fatalf("action = %s, want connection_established", env.Action)
	}
}

func TestHealthAndReady(t *testing.T) {
	ts := newTestServer(t, 10)

	for _, path := range []string{"/healthz", "/readyz"} {
		res, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s error = %v", path, err)
		}
		res.Body.Close()
		if res.StatusCode != http.StatusOK {
			t.Fatalf("GET %s status = %d, want %d", path, res.StatusCode, http.StatusOK)
		}
	}
}
