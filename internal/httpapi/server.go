package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/dmoralesf/conserje/internal/auth"
	"github.com/dmoralesf/conserje/internal/config"
	"github.com/dmoralesf/conserje/internal/observability"
	"github.com/dmoralesf/conserje/internal/protocol"
	"github.com/dmoralesf/conserje/internal/ratelimit"
	"github.com/dmoralesf/conserje/internal/session"
)

type Orchestrator interface {
	RunConnection(ctx context.Context, s *session.Session, inbound <-chan protocol.Inbound, outbound chan<- protocol.Envelope) error
}

type Server struct {
	cfg          config.Config
	sessions     *session.Manager
	gatekeeper   *auth.Gatekeeper
	limiter      *ratelimit.Limiter
	orchestrator Orchestrator
	metrics      *observability.Metrics
	upgrader     websocket.Upgrader
}

func New(
	cfg config.Config,
	sessions *session.Manager,
	gatekeeper *auth.Gatekeeper,
	limiter *ratelimit.Limiter,
	orchestrator Orchestrator,
	metrics *observability.Metrics,
) *Server {
	return &Server{
		cfg:          cfg,
		sessions:     sessions,
		gatekeeper:   gatekeeper,
		limiter:      limiter,
		orchestrator: orchestrator,
		metrics:      metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Same-origin only for browsers; non-browser clients omit
				// Origin and are allowed through. The token check is the
				// real gate.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/voice/token", s.handleIssueToken)
	r.Get("/v1/voice/ws", s.handleVoiceWS)
	r.Get("/v1/voice/limits", s.handleLimits)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"active_sessions": s.sessions.ActiveCount(),
	})
}

type tokenRequest struct {
	ClientID string `json:"client_id"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ClientID  string    `json:"client_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.ClientID) == "" {
		req.ClientID = "anonymous"
	}

	token, expiresAt, err := s.gatekeeper.Issue(req.ClientID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "token_issue_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, tokenResponse{
		Token:     token,
		ClientID:  req.ClientID,
		ExpiresAt: expiresAt,
	})
}

func (s *Server) handleLimits(w http.ResponseWriter, r *http.Request) {
	clientID := strings.TrimSpace(r.URL.Query().Get("client_id"))
	if clientID == "" {
		respondJSON(w, http.StatusOK, s.limiter.Aggregate())
		return
	}
	stats, ok := s.limiter.StatsFor(clientID)
	if !ok {
		respondError(w, http.StatusNotFound, "client_not_tracked", "no admission history for client")
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

// handleVoiceWS admits one realtime session: token, then rate limit, then
// session creation, then the upgrade. Anything unverifiable is rejected
// before the socket exists.
func (s *Server) handleVoiceWS(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		s.metrics.AdmissionRejected.WithLabelValues("auth", "missing_token").Inc()
		respondError(w, http.StatusUnauthorized, "missing_token", "query parameter token is required")
		return
	}

	clientID, err := s.gatekeeper.Validate(token)
	if err != nil {
		reason := "invalid_token"
		switch {
		case errors.Is(err, auth.ErrTokenExpired):
			reason = "token_expired"
		case errors.Is(err, auth.ErrTokenAlreadyUsed):
			reason = "token_already_used"
		}
		s.metrics.AdmissionRejected.WithLabelValues("auth", reason).Inc()
		respondError(w, http.StatusUnauthorized, reason, err.Error())
		return
	}

	decision := s.limiter.Check(clientID)
	if !decision.Allowed {
		s.metrics.AdmissionRejected.WithLabelValues("ratelimit", decision.Reason).Inc()
		retryAfter := int(decision.RetryAfter.Seconds() + 0.5)
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		respondError(w, http.StatusTooManyRequests, decision.Reason, "connection rate limit exceeded")
		return
	}

	sess := s.sessions.Create(clientID, session.Format{
		SampleRate: s.cfg.SampleRate,
		Channels:   1,
		Encoding:   "pcm16",
	})
	if err := s.sessions.Activate(sess.ID); err != nil {
		respondError(w, http.StatusInternalServerError, "session_activate_failed", err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		_, _ = s.sessions.Close(sess.ID)
		return
	}
	defer conn.Close()

	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()
	defer func() {
		_, _ = s.sessions.Close(sess.ID)
		s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
		s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbound := make(chan protocol.Inbound, 256)
	outbound := make(chan protocol.Envelope, 256)
	runDone := make(chan struct{})

	go func() {
		defer close(runDone)
		_ = s.orchestrator.RunConnection(ctx, sess, inbound, outbound)
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case env, ok := <-outbound:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(env); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	conn.SetReadLimit(2 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseInbound(data)
		if err != nil {
			// Malformed traffic never tears the connection down.
			s.metrics.SessionEvents.WithLabelValues("invalid_client_message").Inc()
			if !errors.Is(err, protocol.ErrUnsupportedMessage) {
				log.Printf("session %s: dropping client message: %v", sess.ID, err)
			}
			errEnv := protocol.MustWrap(protocol.RouteSystem, protocol.ActionError, protocol.ErrorPayload{
				Code:      "invalid_client_message",
				Source:    "gateway",
				Retryable: false,
				Detail:    err.Error(),
			})
			select {
			case outbound <- errEnv:
			default:
				// Keep websocket writes single-threaded; drop when the
				// outbound queue is saturated.
			}
			continue
		}

		select {
		case <-ctx.Done():
			break readLoop
		case inbound <- parsed:
		}
	}

	cancel()
	_ = s.sessions.Drain(sess.ID)
	close(inbound)
	<-runDone
	<-writerDone
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
