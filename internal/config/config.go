package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the conserje voice gateway.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	TokenTTL             time.Duration
	RateLimitPerWindow   int
	RateLimitWindow      time.Duration
	RateLimitIdlePurge   time.Duration
	SynthFinalizeTimeout time.Duration

	Language       string
	SampleRate     int
	TTSSampleRate  int
	GreetingText   string
	FallbackWAV    string
	EndpointingMS  int
	KeepAlivePause time.Duration

	SynthProvider string

	DeepgramAPIKey    string
	DeepgramWSBaseURL string
	DeepgramModel     string

	ElevenLabsAPIKey       string
	ElevenLabsWSBaseURL    string
	ElevenLabsVoice        string
	ElevenLabsModel        string
	ElevenLabsOutputFormat string

	PollyRegion string
	PollyVoice  string
	PollyEngine string

	ResponseAPIKey  string
	ResponseBaseURL string
	ResponseModel   string
	ResponsePrompt  string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "conserje"),
		AllowAnyOrigin:   false,

		TokenTTL:             5 * time.Minute,
		RateLimitPerWindow:   60,
		RateLimitWindow:      time.Minute,
		RateLimitIdlePurge:   time.Hour,
		SynthFinalizeTimeout: 10 * time.Second,

		Language:       envOrDefault("APP_LANGUAGE", "es"),
		SampleRate:     16000,
		TTSSampleRate:  24000,
		GreetingText:   envOrDefault("APP_GREETING_TEXT", "Hola, soy el conserje. ¿En qué puedo ayudarte?"),
		FallbackWAV:    envOrDefault("APP_FALLBACK_WAV", "assets/fallback.wav"),
		EndpointingMS:  250,
		KeepAlivePause: 5 * time.Second,

		SynthProvider: envOrDefault("SYNTH_PROVIDER", "auto"),

		DeepgramAPIKey:    trimEnv("DEEPGRAM_API_KEY"),
		DeepgramWSBaseURL: envOrDefault("DEEPGRAM_WS_BASE_URL", "wss://api.deepgram.com"),
		DeepgramModel:     envOrDefault("DEEPGRAM_MODEL", "nova-2"),

		ElevenLabsAPIKey:    trimEnv("ELEVENLABS_API_KEY"),
		ElevenLabsWSBaseURL: envOrDefault("ELEVENLABS_WS_BASE_URL", "wss://api.elevenlabs.io"),
		ElevenLabsVoice:     envOrDefault("ELEVENLABS_TTS_VOICE_ID", "cgSgspJ2msm6clMCkdW9"),
		ElevenLabsModel:     envOrDefault("ELEVENLABS_TTS_MODEL_ID", "eleven_multilingual_v2"),
		// Low-latency linear PCM keeps the playback path container-free.
		ElevenLabsOutputFormat: envOrDefault("ELEVENLABS_TTS_OUTPUT_FORMAT", "pcm_24000"),

		PollyRegion: envOrDefault("POLLY_REGION", envOrDefault("AWS_REGION", "us-east-1")),
		PollyVoice:  envOrDefault("POLLY_VOICE_ID", "Lucia"),
		PollyEngine: envOrDefault("POLLY_ENGINE", "neural"),

		ResponseAPIKey:  trimEnv("RESPONSE_API_KEY"),
		ResponseBaseURL: envOrDefault("RESPONSE_BASE_URL", "https://api.openai.com"),
		ResponseModel:   envOrDefault("RESPONSE_MODEL", "gpt-4o-mini"),
		ResponsePrompt:  envOrDefault("RESPONSE_SYSTEM_PROMPT", "You are a hotel concierge. Keep replies short and speakable."),

		ShutdownTimeout: 15 * time.Second,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.TokenTTL, err = durationFromEnv("APP_TOKEN_TTL", cfg.TokenTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.RateLimitWindow, err = durationFromEnv("APP_RATE_LIMIT_WINDOW", cfg.RateLimitWindow)
	if err != nil {
		return Config{}, err
	}
	cfg.RateLimitPerWindow, err = intFromEnv("APP_RATE_LIMIT_PER_WINDOW", cfg.RateLimitPerWindow)
	if err != nil {
		return Config{}, err
	}
	cfg.RateLimitIdlePurge, err = durationFromEnv("APP_RATE_LIMIT_IDLE_PURGE", cfg.RateLimitIdlePurge)
	if err != nil {
		return Config{}, err
	}
	cfg.SynthFinalizeTimeout, err = durationFromEnv("APP_SYNTH_FINALIZE_TIMEOUT", cfg.SynthFinalizeTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SampleRate, err = intFromEnv("APP_SAMPLE_RATE", cfg.SampleRate)
	if err != nil {
		return Config{}, err
	}
	cfg.TTSSampleRate, err = intFromEnv("APP_TTS_SAMPLE_RATE", cfg.TTSSampleRate)
	if err != nil {
		return Config{}, err
	}
	cfg.EndpointingMS, err = intFromEnv("APP_ENDPOINTING_MS", cfg.EndpointingMS)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if cfg.TokenTTL < 10*time.Second {
		return Config{}, fmt.Errorf("APP_TOKEN_TTL must be at least 10s")
	}
	if cfg.RateLimitPerWindow <= 0 {
		return Config{}, fmt.Errorf("APP_RATE_LIMIT_PER_WINDOW must be positive")
	}
	if cfg.RateLimitWindow < time.Second {
		return Config{}, fmt.Errorf("APP_RATE_LIMIT_WINDOW must be at least 1s")
	}
	if cfg.SampleRate <= 0 {
		return Config{}, fmt.Errorf("APP_SAMPLE_RATE must be positive")
	}
	if cfg.TTSSampleRate <= 0 {
		return Config{}, fmt.Errorf("APP_TTS_SAMPLE_RATE must be positive")
	}
	if cfg.EndpointingMS <= 0 {
		return Config{}, fmt.Errorf("APP_ENDPOINTING_MS must be positive")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func trimEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimEnv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := trimEnv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(trimEnv(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
