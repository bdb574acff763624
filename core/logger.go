// Package core provides the shared primitives of the orchestration
// substrate: logging, errors, configuration, the time/ID sources and the
// Redis client used by every distributed component.
package core

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// ProductionLogger is the default Logger implementation.
//
// Output format is auto-detected: JSON when running in Kubernetes (for log
// aggregation), human-readable text otherwise. Error logs are rate limited
// so a failing dependency cannot flood the log stream.
//
// Configuration priority:
//  1. Explicit options (highest)
//  2. Environment variables (LOG_LEVEL, LOG_FORMAT, DEBUG)
//  3. Auto-detection (Kubernetes environment)
//  4. Defaults (lowest)
type ProductionLogger struct {
	level       string
	debug       bool
	serviceName string
	format      string
	output      io.Writer
	mu          sync.Mutex

	// Rate limiting to prevent log flooding during failures
	errorInterval time.Duration
	lastError     time.Time
}

// NewProductionLogger creates a logger for the given service name.
func NewProductionLogger(serviceName string) *ProductionLogger {
	level := os.Getenv("LOG_LEVEL")
	if level == "" {
		level = "INFO"
	}

	debug := os.Getenv("DEBUG") == "true" || strings.EqualFold(level, "DEBUG")

	format := "text"
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		format = "json" // Use JSON in K8s for log aggregation
	}
	if envFormat := os.Getenv("LOG_FORMAT"); envFormat != "" {
		format = envFormat
	}

	return &ProductionLogger{
		level:         strings.ToUpper(level),
		debug:         debug,
		serviceName:   serviceName,
		format:        format,
		output:        os.Stdout,
		errorInterval: time.Second, // Max 1 error log per second
	}
}

// SetOutput redirects log output, used by tests.
func (l *ProductionLogger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.output = w
}

// Info logs informational messages
func (l *ProductionLogger) Info(msg string, fields map[string]interface{}) {
	l.log("INFO", msg, fields)
}

// Warn logs warning messages
func (l *ProductionLogger) Warn(msg string, fields map[string]interface{}) {
	l.log("WARN", msg, fields)
}

// Error logs error messages with rate limiting
func (l *ProductionLogger) Error(msg string, fields map[string]interface{}) {
	l.mu.Lock()
	now := time.Now()
	if now.Sub(l.lastError) < l.errorInterval {
		l.mu.Unlock()
		return
	}
	l.lastError = now
	l.mu.Unlock()

	l.log("ERROR", msg, fields)
}

// Debug logs debug messages (only when debug mode is enabled)
func (l *ProductionLogger) Debug(msg string, fields map[string]interface{}) {
	if !l.debug {
		return
	}
	l.log("DEBUG", msg, fields)
}

func (l *ProductionLogger) log(level, msg string, fields map[string]interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ts := time.Now().UTC().Format(time.RFC3339Nano)

	if l.format == "json" {
		entry := map[string]interface{}{
			"timestamp": ts,
			"level":     level,
			"service":   l.serviceName,
			"message":   msg,
		}
		for k, v := range fields {
			if err, ok := v.(error); ok {
				entry[k] = err.Error()
				continue
			}
			entry[k] = v
		}
		data, err := json.Marshal(entry)
		if err != nil {
			fmt.Fprintf(l.output, "%s %s [%s] %s (marshal error: %v)\n", ts, level, l.serviceName, msg, err)
			return
		}
		fmt.Fprintln(l.output, string(data))
		return
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %-5s [%s] %s", ts, level, l.serviceName, msg)
	if len(fields) > 0 {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&sb, " %s=%v", k, fields[k])
		}
	}
	fmt.Fprintln(l.output, sb.String())
}
