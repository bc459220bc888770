package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrTokenNotFound    = errors.New("token not found")
	ErrTokenExpired     = errors.New("token expired")
	ErrTokenAlreadyUsed = errors.New("token already used")
)

type tokenRecord struct {
	clientID  string
	expiresAt time.Time
	used      bool
}

// Gatekeeper issues short-lived, single-use session tokens and validates
// them at websocket upgrade time. Tokens are the only admission credential;
// a failed validation rejects the upgrade before any audio is accepted.
type Gatekeeper struct {
	mu     sync.Mutex
	tokens map[string]*tokenRecord
	ttl    time.Duration

	issued    uint64
	validated uint64
	rejected  uint64
}

func NewGatekeeper(ttl time.Duration) *Gatekeeper {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Gatekeeper{
		tokens: make(map[string]*tokenRecord),
		ttl:    ttl,
	}
}

// Issue creates a token owned by clientID, valid for one use within the TTL.
func (g *Gatekeeper) Issue(clientID string) (token string, expiresAt time.Time, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", time.Time{}, fmt.Errorf("generate token: %w", err)
	}
	token = hex.EncodeToString(buf)
	expiresAt = time.Now().Add(g.ttl)

	g.mu.Lock()
	g.tokens[token] = &tokenRecord{clientID: clientID, expiresAt: expiresAt}
	g.issued++
	g.mu.Unlock()
	return token, expiresAt, nil
}

// Validate consumes a token. Check and mark-used happen under one lock so
// two concurrent upgrades with the same token cannot both be admitted.
func (g *Gatekeeper) Validate(token string) (clientID string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.tokens[token]
	if !ok {
		g.rejected++
		return "", ErrTokenNotFound
	}
	if time.Now().After(rec.expiresAt) {
		g.rejected++
		return "", ErrTokenExpired
	}
	if rec.used {
		g.rejected++
		return "", ErrTokenAlreadyUsed
	}
	rec.used = true
	g.validated++
	return rec.clientID, nil
}

// StartJanitor deletes expired token records on an interval to bound memory.
// Expired-but-unused tokens are collected the same as consumed ones.
func (g *Gatekeeper) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.collectExpired()
			}
		}
	}()
}

func (g *Gatekeeper) collectExpired() {
	now := time.Now()
	g.mu.Lock()
	defer g.mu.Unlock()
	for token, rec := range g.tokens {
		if now.After(rec.expiresAt) {
			delete(g.tokens, token)
		}
	}
}

// Stats reports issue/validate counters for observability.
type Stats struct {
	Outstanding int
	Issued      uint64
	Validated   uint64
	Rejected    uint64
}

func (g *Gatekeeper) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Stats{
		Outstanding: len(g.tokens),
		Issued:      g.issued,
		Validated:   g.validated,
		Rejected:    g.rejected,
	}
}
