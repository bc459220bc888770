package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
	Reason     string
}

type clientRecord struct {
	events       []time.Time
	blockedUntil time.Time
	lastSeen     time.Time
}

// Limiter applies per-client sliding-window admission control. Once a client
// exceeds the window limit it enters a hard cool-down: every request is
// rejected until blockedUntil passes, even if the window would have cleared.
type Limiter struct {
	mu      sync.Mutex
	clients map[string]*clientRecord

	limit     int
	window    time.Duration
	idlePurge time.Duration

	now func() time.Time
}

func NewLimiter(limit int, window, idlePurge time.Duration) *Limiter {
	if limit <= 0 {
		limit = 60
	}
	if window <= 0 {
		window = time.Minute
	}
	if idlePurge <= 0 {
		idlePurge = time.Hour
	}
	return &Limiter{
		clients:   make(map[string]*clientRecord),
		limit:     limit,
		window:    window,
		idlePurge: idlePurge,
		now:       time.Now,
	}
}

// Check records one admission-worthy event for clientID and decides whether
// it is allowed.
func (l *Limiter) Check(clientID string) Decision {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.clients[clientID]
	if !ok {
		rec = &clientRecord{}
		l.clients[clientID] = rec
	}
	rec.lastSeen = now

	if now.Before(rec.blockedUntil) {
		return Decision{
			Allowed:    false,
			RetryAfter: rec.blockedUntil.Sub(now),
			Reason:     "blocked",
		}
	}
	rec.blockedUntil = time.Time{}

	cutoff := now.Add(-l.window)
	kept := rec.events[:0]
	for _, ts := range rec.events {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	rec.events = kept

	if len(rec.events) >= l.limit {
		rec.blockedUntil = now.Add(l.window)
		return Decision{
			Allowed:    false,
			RetryAfter: l.window,
			Reason:     "limit_exceeded",
		}
	}

	rec.events = append(rec.events, now)
	return Decision{
		Allowed:   true,
		Remaining: l.limit - len(rec.events),
	}
}

// StartJanitor periodically removes records for clients idle longer than the
// purge threshold. Active clients are untouched.
func (l *Limiter) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.purgeIdle()
			}
		}
	}()
}

func (l *Limiter) purgeIdle() {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, rec := range l.clients {
		if now.Sub(rec.lastSeen) > l.idlePurge {
			delete(l.clients, id)
		}
	}
}

// ClientStats is a read-only view of one client's window.
type ClientStats struct {
	ClientID     string    `json:"client_id"`
	WindowCount  int       `json:"window_count"`
	Blocked      bool      `json:"blocked"`
	BlockedUntil time.Time `json:"blocked_until,omitempty"`
	LastSeen     time.Time `json:"last_seen"`
}

// AggregateStats summarizes limiter state across clients.
type AggregateStats struct {
	TrackedClients int `json:"tracked_clients"`
	BlockedClients int `json:"blocked_clients"`
}

func (l *Limiter) StatsFor(clientID string) (ClientStats, bool) {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.clients[clientID]
	if !ok {
		return ClientStats{}, false
	}
	count := 0
	cutoff := now.Add(-l.window)
	for _, ts := range rec.events {
		if ts.After(cutoff) {
			count++
		}
	}
	blocked := now.Before(rec.blockedUntil)
	stats := ClientStats{
		ClientID:    clientID,
		WindowCount: count,
		Blocked:     blocked,
		LastSeen:    rec.lastSeen,
	}
	if blocked {
		stats.BlockedUntil = rec.blockedUntil
	}
	return stats, true
}

func (l *Limiter) Aggregate() AggregateStats {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	stats := AggregateStats{TrackedClients: len(l.clients)}
	for _, rec := range l.clients {
		if now.Before(rec.blockedUntil) {
			stats.BlockedClients++
		}
	}
	return stats
}
