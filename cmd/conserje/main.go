package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/dmoralesf/conserje/internal/auth"
	"github.com/dmoralesf/conserje/internal/config"
	"github.com/dmoralesf/conserje/internal/httpapi"
	"github.com/dmoralesf/conserje/internal/observability"
	"github.com/dmoralesf/conserje/internal/ratelimit"
	"github.com/dmoralesf/conserje/internal/session"
	"github.com/dmoralesf/conserje/internal/voice"
)

func main() {
	// Local development keys live in .env; absence is not an error.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	var stt voice.TranscriptionProvider
	if cfg.DeepgramAPIKey != "" {
		stt = voice.NewDeepgramProvider(voice.DeepgramConfig{
			APIKey:        cfg.DeepgramAPIKey,
			WSBaseURL:     cfg.DeepgramWSBaseURL,
			Model:         cfg.DeepgramModel,
			Language:      cfg.Language,
			SampleRate:    cfg.SampleRate,
			EndpointingMS: cfg.EndpointingMS,
			KeepAlive:     cfg.KeepAlivePause,
		})
		log.Printf("transcription provider: deepgram (%s)", cfg.DeepgramModel)
	} else {
		stt = voice.NewMockTranscription()
		log.Printf("transcription provider: mock (DEEPGRAM_API_KEY not set)")
	}

	var responder voice.ResponseProvider
	if cfg.ResponseAPIKey != "" {
		responder = voice.NewChatProvider(voice.ChatConfig{
			APIKey:       cfg.ResponseAPIKey,
			BaseURL:      cfg.ResponseBaseURL,
			Model:        cfg.ResponseModel,
			SystemPrompt: cfg.ResponsePrompt,
		})
		log.Printf("response provider: chat (%s)", cfg.ResponseModel)
	} else {
		responder = voice.NewMockResponder("Claro, con mucho gusto le ayudo con eso.")
		log.Printf("response provider: mock (RESPONSE_API_KEY not set)")
	}

	synth := buildSynthesis(cfg)

	sessions := session.NewManager(2 * time.Minute)
	sessions.SetExpireHook(func(_ *session.Session) {
		metrics.SessionEvents.WithLabelValues("expired").Inc()
		metrics.ActiveSessions.Set(float64(sessions.ActiveCount()))
	})

	gatekeeper := auth.NewGatekeeper(cfg.TokenTTL)
	limiter := ratelimit.NewLimiter(cfg.RateLimitPerWindow, cfg.RateLimitWindow, cfg.RateLimitIdlePurge)

	orchestrator := voice.NewOrchestrator(
		sessions,
		stt,
		responder,
		synth,
		metrics,
		cfg.SynthFinalizeTimeout,
		cfg.GreetingText,
	)

	api := httpapi.New(cfg, sessions, gatekeeper, limiter, orchestrator, metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	sessions.StartJanitor(runCtx, 5*time.Second)
	gatekeeper.StartJanitor(runCtx, 30*time.Second)
	limiter.StartJanitor(runCtx, time.Minute)

	go func() {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}

// buildSynthesis resolves the primary speech backend and wraps it with the
// static fallback asset when one is available on disk.
func buildSynthesis(cfg config.Config) voice.SynthesisProvider {
	var primary voice.SynthesisProvider

	tryElevenLabs := func() bool {
		if cfg.ElevenLabsAPIKey == "" {
			return false
		}
		primary = voice.NewElevenLabsProvider(voice.ElevenLabsConfig{
			APIKey:       cfg.ElevenLabsAPIKey,
			WSBaseURL:    cfg.ElevenLabsWSBaseURL,
			VoiceID:      cfg.ElevenLabsVoice,
			ModelID:      cfg.ElevenLabsModel,
			OutputFormat: cfg.ElevenLabsOutputFormat,
		})
		log.Printf("synthesis provider: elevenlabs stream-input (%s)", cfg.ElevenLabsModel)
		return true
	}

	mode := strings.ToLower(strings.TrimSpace(cfg.SynthProvider))
	switch mode {
	case "elevenlabs":
		if !tryElevenLabs() {
			log.Fatalf("SYNTH_PROVIDER=elevenlabs but ELEVENLABS_API_KEY is not set")
		}
	case "polly":
		primary = voice.NewPollyProvider(voice.PollyConfig{
			Region:  cfg.PollyRegion,
			VoiceID: cfg.PollyVoice,
			Engine:  cfg.PollyEngine,
		})
		log.Printf("synthesis provider: polly (%s, %s)", cfg.PollyVoice, cfg.PollyRegion)
	case "mock":
		primary = voice.NewMockSynthesis()
		log.Printf("synthesis provider: mock")
	case "auto", "":
		if tryElevenLabs() {
			break
		}
		primary = voice.NewMockSynthesis()
		log.Printf("synthesis provider: mock (no elevenlabs key)")
	default:
		log.Fatalf("invalid SYNTH_PROVIDER: %q (expected auto|elevenlabs|polly|mock)", cfg.SynthProvider)
	}

	fallback, err := voice.NewStaticProviderFromFile(cfg.FallbackWAV)
	if err != nil {
		log.Printf("static fallback unavailable (%s): %v", cfg.FallbackWAV, err)
		return primary
	}
	log.Printf("static fallback asset loaded from %s", cfg.FallbackWAV)
	return voice.NewFailoverSynthesis(primary, fallback)
}
