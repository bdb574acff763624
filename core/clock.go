package core

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SystemClock is the production Clock backed by time.Now.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// UUIDGenerator is the production IDGenerator backed by random UUIDs.
type UUIDGenerator struct{}

func (UUIDGenerator) NewID() string { return uuid.New().String() }

// FakeClock is a manually advanced clock for tests.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeClock creates a FakeClock starting at the given instant.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// SequenceIDGenerator produces deterministic IDs for tests.
type SequenceIDGenerator struct {
	mu     sync.Mutex
	prefix string
	next   int
}

// NewSequenceIDGenerator creates a generator emitting "<prefix>-1", "<prefix>-2", ...
func NewSequenceIDGenerator(prefix string) *SequenceIDGenerator {
	return &SequenceIDGenerator{prefix: prefix}
}

func (g *SequenceIDGenerator) NewID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	return fmt.Sprintf("%s-%d", g.prefix, g.next)
}
