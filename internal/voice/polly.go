package voice

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/polly"
	pollytypes "github.com/aws/aws-sdk-go-v2/service/polly/types"
	"github.com/aws/smithy-go"

	"github.com/dmoralesf/conserje/internal/reliability"
)

type PollyConfig struct {
	Region     string
	VoiceID    string
	Engine     string
	SampleRate string
}

type pollyClient interface {
	SynthesizeSpeech(ctx context.Context, params *polly.SynthesizeSpeechInput, optFns ...func(*polly.Options)) (*polly.SynthesizeSpeechOutput, error)
}

// PollyProvider is a non-incremental synthesis backend: text increments are
// accumulated and synthesized in one request when the turn's input closes,
// then streamed out as fixed-size chunks. Higher first-audio latency than a
// streaming backend, but a usable alternative where Polly is the approved
// vendor.
type PollyProvider struct {
	mu     sync.Mutex
	client pollyClient
	cfg    PollyConfig
}

func NewPollyProvider(cfg PollyConfig) *PollyProvider {
	if strings.TrimSpace(cfg.Region) == "" {
		cfg.Region = "us-east-1"
	}
	if strings.TrimSpace(cfg.VoiceID) == "" {
		cfg.VoiceID = "Lucia"
	}
	if strings.TrimSpace(cfg.Engine) == "" {
		cfg.Engine = "neural"
	}
	if strings.TrimSpace(cfg.SampleRate) == "" {
		cfg.SampleRate = "16000"
	}
	return &PollyProvider{cfg: cfg}
}

// NewPollyProviderWithClient injects a synthesizer client, for tests.
func NewPollyProviderWithClient(cfg PollyConfig, client pollyClient) *PollyProvider {
	p := NewPollyProvider(cfg)
	p.client = client
	return p
}

func (p *PollyProvider) StartStream(_ context.Context, contextID string) (SynthStream, error) {
	return &pollyStream{
		provider:  p,
		contextID: contextID,
		events:    make(chan SynthEvent, 64),
	}, nil
}

func (p *PollyProvider) resolveClient(ctx context.Context) (pollyClient, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		return p.client, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(p.cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	p.client = polly.NewFromConfig(awsCfg)
	return p.client, nil
}

const pollyChunkBytes = 32 * 1024

type pollyStream struct {
	provider  *PollyProvider
	contextID string

	mu        sync.Mutex
	text      strings.Builder
	closed    bool
	finalized bool

	events chan SynthEvent
}

func (s *pollyStream) SendText(_ context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.finalized {
		return nil
	}
	if s.text.Len() > 0 && !strings.HasSuffix(s.text.String(), " ") {
		s.text.WriteByte(' ')
	}
	s.text.WriteString(strings.TrimSpace(text))
	return nil
}

func (s *pollyStream) CloseInput(ctx context.Context) error {
	s.mu.Lock()
	if s.closed || s.finalized {
		s.mu.Unlock()
		return nil
	}
	s.finalized = true
	text := strings.TrimSpace(s.text.String())
	s.mu.Unlock()

	go s.synthesize(ctx, text)
	return nil
}

func (s *pollyStream) synthesize(ctx context.Context, text string) {
	emit := s.emit

	if text == "" {
		emit(SynthEvent{Type: SynthEventFinal})
		return
	}

	client, err := s.provider.resolveClient(ctx)
	if err != nil {
		emit(SynthEvent{Type: SynthEventError, Code: "polly_config", Detail: err.Error()})
		emit(SynthEvent{Type: SynthEventFinal})
		return
	}

	engine := pollytypes.EngineStandard
	if strings.EqualFold(s.provider.cfg.Engine, "neural") {
		engine = pollytypes.EngineNeural
	}

	out, err := client.SynthesizeSpeech(ctx, &polly.SynthesizeSpeechInput{
		Engine:       engine,
		OutputFormat: pollytypes.OutputFormatPcm,
		SampleRate:   &s.provider.cfg.SampleRate,
		Text:         &text,
		TextType:     pollytypes.TextTypeText,
		VoiceId:      pollytypes.VoiceId(s.provider.cfg.VoiceID),
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		emit(SynthEvent{Type: SynthEventError, Code: pollyErrorCode(err), Detail: err.Error(), Retryable: pollyRetryable(err)})
		emit(SynthEvent{Type: SynthEventFinal})
		return
	}
	if out == nil || out.AudioStream == nil {
		emit(SynthEvent{Type: SynthEventError, Code: "polly_empty_audio", Retryable: true})
		emit(SynthEvent{Type: SynthEventFinal})
		return
	}
	defer out.AudioStream.Close()

	buf := make([]byte, pollyChunkBytes)
	for {
		if ctx.Err() != nil {
			return
		}
		n, err := out.AudioStream.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			emit(SynthEvent{Type: SynthEventAudio, Audio: chunk, Format: "pcm_" + s.provider.cfg.SampleRate})
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			emit(SynthEvent{Type: SynthEventError, Code: "polly_stream_read", Detail: err.Error(), Retryable: true})
			break
		}
	}
	emit(SynthEvent{Type: SynthEventFinal})
}

// emit checks the closed flag and sends under the same lock Close uses,
// so a late synthesis goroutine can never write to a closed channel. The
// send is non-blocking; the channel is deep enough for a full turn and a
// reader that stopped draining has already torn the stream down.
func (s *pollyStream) emit(evt SynthEvent) {
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

func (s *pollyStream) Events() <-chan SynthEvent { return s.events }

func (s *pollyStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.events)
	return nil
}

func pollyErrorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return "polly_transport"
}

func pollyRetryable(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return reliability.IsRetryableProviderCode(apiErr.ErrorCode())
	}
	return true
}
