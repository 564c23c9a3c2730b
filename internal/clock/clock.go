// Package clock provides an injectable notion of time and identity minting
// (C10) so every component that needs "now" or a new id gets it through an
// interface instead of calling time.Now/uuid.New directly.
package clock

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Clock returns the current time. Production code uses Real; tests pin a
// Fake so reaper/heartbeat/breaker timing is deterministic.
type Clock interface {
	Now() time.Time
}

// Real is the production Clock backed by the system wall clock, in UTC
// (UTC() drops Go's monotonic reading from the returned time).
type Real struct{}

func (Real) Now() time.Time { return time.Now().UTC() }

// Fake is a settable Clock for tests.
type Fake struct {
	mu sync.Mutex
	t  time.Time
}

// NewFake returns a Fake pinned at t.
func NewFake(t time.Time) *Fake {
	return &Fake{t: t.UTC()}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

// Advance moves the fake clock forward by d and returns the new time.
func (f *Fake) Advance(d time.Duration) time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t = f.t.Add(d)
	return f.t
}

// Set pins the fake clock to t.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t = t.UTC()
}

// IDGenerator mints collision-resistant identifiers.
type IDGenerator interface {
	NewID() string
}

// UUIDGenerator mints time-ordered (v7) UUIDs when available, falling back
// to random (v4) ones — both are 128-bit and collision-resistant per §4.9.
type UUIDGenerator struct{}

func (UUIDGenerator) NewID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}

// SequentialIDs is a deterministic IDGenerator for tests: it hands out
// <prefix>-<n> in call order, n starting at 1 and zero-padded to four
// digits (e.g. "cap-0001").
type SequentialIDs struct {
	mu     sync.Mutex
	prefix string
	next   int
}

// NewSequentialIDs returns a SequentialIDs generator with the given prefix.
func NewSequentialIDs(prefix string) *SequentialIDs {
	return &SequentialIDs{prefix: prefix}
}

func (s *SequentialIDs) NewID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	return fmt.Sprintf("%s-%04d", s.prefix, s.next)
}
