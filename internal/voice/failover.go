package voice

import (
	"context"
	"fmt"
	"sync/atomic"
)

// NewFailoverSynthesis builds a synthesis provider that prefers the primary
// backend and switches to fallback when primary stream startup fails. Once
// fallback succeeds it stays active until fallback fails; then primary is
// retried. Degraded() reflects whichever backend is currently active, so a
// session on the static fallback rung reports degraded while one that
// recovered to a live backend does not.
func NewFailoverSynthesis(primary, fallback SynthesisProvider) SynthesisProvider {
	return &failoverSynthProvider{primary: primary, fallback: fallback}
}

type failoverSynthProvider struct {
	primary        SynthesisProvider
	fallback       SynthesisProvider
	fallbackActive atomic.Bool
}

func (p *failoverSynthProvider) StartStream(ctx context.Context, contextID string) (SynthStream, error) {
	if p.fallbackActive.Load() {
		stream, fbErr := p.fallback.StartStream(ctx, contextID)
		if fbErr == nil {
			return stream, nil
		}
		// Fallback failed after being active; try primary again.
		stream, prErr := p.primary.StartStream(ctx, contextID)
		if prErr == nil {
			p.fallbackActive.Store(false)
			return stream, nil
		}
		return nil, fmt.Errorf("%w: fallback failed: %v; primary failed: %v", ErrBackendUnavailable, fbErr, prErr)
	}

	stream, prErr := p.primary.StartStream(ctx, contextID)
	if prErr == nil {
		return stream, nil
	}
	stream, fbErr := p.fallback.StartStream(ctx, contextID)
	if fbErr != nil {
		return nil, fmt.Errorf("%w: primary failed: %v; fallback failed: %v", ErrBackendUnavailable, prErr, fbErr)
	}
	p.fallbackActive.Store(true)
	return stream, nil
}

func (p *failoverSynthProvider) Degraded() bool {
	var active SynthesisProvider = p.primary
	if p.fallbackActive.Load() {
		active = p.fallback
	}
	if rep, ok := active.(DegradedReporter); ok {
		return rep.Degraded()
	}
	return false
}
