package core

import (
	"context"
	"time"
)

// Logger interface - minimal structured logging interface shared by all
// components. Implementations must be safe for concurrent use.
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})
}

// Clock abstracts the time source so schedulers, rate limiters and the
// circuit breaker can be tested deterministically.
type Clock interface {
	Now() time.Time
}

// IDGenerator produces unique identifiers for workflows, events and
// recommendations. Injectable for tests.
type IDGenerator interface {
	NewID() string
}

// Memory interface for TTL'd key-value state storage.
type Memory interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}

// NoOpLogger provides a no-op logger implementation
type NoOpLogger struct{}

func (n *NoOpLogger) Info(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Error(msg string, fields map[string]interface{}) {}
func (n *NoOpLogger) Warn(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Debug(msg string, fields map[string]interface{}) {}
