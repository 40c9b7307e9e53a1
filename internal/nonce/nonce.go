// Package nonce issues and consumes single-use anti-replay tokens for
// host attestation. A nonce handed out via the HTTP surface must come
// back inside a Play Integrity payload's requestHash; consuming it on
// first sight is what makes a replayed attestation detectable.
package nonce

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/screenstream/relay/internal/ratelimit"
)

const (
	// TTL matches the window a host app has between fetching a nonce and
	// presenting the attestation built from it.
	TTL = 5 * time.Minute

	// SweepPeriod is how often expired entries are purged regardless of use.
	SweepPeriod = 5 * time.Minute

	// MaxEntries bounds memory under nonce-fetch floods. When the store
	// is full even after dropping expired entries, issuance fails.
	MaxEntries = 1000

	nonceBytes = 32
)

// ErrBusy is returned when the store is at capacity.
var ErrBusy = errors.New("nonce store at capacity")

type Store struct {
	clock ratelimit.Clock

	mu      sync.Mutex
	entries map[string]time.Time // nonce -> expiry
}

func NewStore(clock ratelimit.Clock) *Store {
	if clock == nil {
		clock = ratelimit.RealClock{}
	}
	return &Store{
		clock:   clock,
		entries: make(map[string]time.Time),
	}
}

// Issue mints a fresh single-use nonce.
func (s *Store) Issue() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var token string
	for {
		var buf [nonceBytes]byte
		if _, err := rand.Read(buf[:]); err != nil {
			return "", fmt.Errorf("generate nonce: %w", err)
		}
		token = base64.RawURLEncoding.EncodeToString(buf[:])
		if _, exists := s.entries[token]; !exists {
			break
		}
	}

	now := s.clock.Now()
	s.entries[token] = now.Add(TTL)

	if len(s.entries) >= MaxEntries {
		s.sweepLocked(now)
		if len(s.entries) >= MaxEntries {
			return "", ErrBusy
		}
	}
	return token, nil
}

// Consume reports whether the nonce was live, removing it either way.
// It returns true at most once per issued token.
func (s *Store) Consume(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	expiry, present := s.entries[token]
	delete(s.entries, token)
	return present && s.clock.Now().Before(expiry)
}

// Len reports the number of stored entries, expired or not.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Sweep drops expired entries.
func (s *Store) Sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked(s.clock.Now())
}

func (s *Store) sweepLocked(now time.Time) {
	for token, expiry := range s.entries {
		if !now.Before(expiry) {
			delete(s.entries, token)
		}
	}
}

// Run sweeps periodically until ctx is cancelled.
func (s *Store) Run(ctx context.Context) {
	ticker := time.NewTicker(SweepPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}
