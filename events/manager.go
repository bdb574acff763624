package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/liteshperumalla/Powering-AI-Infrastructure-at-Scale-sub008/core"
	"github.com/liteshperumalla/Powering-AI-Infrastructure-at-Scale-sub008/telemetry"
)

const historyKey = "event_history"

// Callback handles one delivered event. Panics are isolated per callback.
type Callback func(Event)

// Manager is the event bus. With a Redis client it publishes to
// `events:<type>` channels and keeps a trimmed `event_history` list; with a
// nil client it runs in local in-memory mode (development only).
type Manager struct {
	redis   *core.RedisClient
	cfg     core.EventsConfig
	clock   core.Clock
	ids     core.IDGenerator
	logger  core.Logger
	metrics *telemetry.Metrics

	mu        sync.RWMutex
	subs      map[EventType]map[int]Callback
	nextSub   int
	connected bool
	started   bool
	cancel    context.CancelFunc
	pubsub    *redis.PubSub
	wg        sync.WaitGroup

	memHistory []Event
}

// NewManager creates the bus. redis may be nil for in-memory mode.
func NewManager(redisClient *core.RedisClient, cfg core.EventsConfig, clock core.Clock, ids core.IDGenerator, logger core.Logger, metrics *telemetry.Metrics) *Manager {
	if clock == nil {
		clock = core.SystemClock{}
	}
	if ids == nil {
		ids = core.UUIDGenerator{}
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 1000
	}
	if cfg.ReconnectMaxAttempts <= 0 {
		cfg.ReconnectMaxAttempts = 5
	}
	if cfg.ReconnectBaseDelay <= 0 {
		cfg.ReconnectBaseDelay = time.Second
	}
	return &Manager{
		redis:   redisClient,
		cfg:     cfg,
		clock:   clock,
		ids:     ids,
		logger:  logger,
		metrics: metrics,
		subs:    make(map[EventType]map[int]Callback),
	}
}

// Start connects the listener. In distributed mode it blocks until the
// pattern subscription is confirmed, so a publish immediately after Start
// is observable on this instance.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return core.ErrAlreadyStarted
	}
	m.started = true
	listenCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancel = cancel
	m.mu.Unlock()

	if m.redis == nil {
		m.setConnected(true)
		m.logger.Warn("Event manager running in-memory; events will not cross instances", nil)
		return nil
	}

	pubsub := m.redis.PSubscribe(listenCtx, "events:*")
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		cancel()
		m.mu.Lock()
		m.started = false
		m.mu.Unlock()
		return fmt.Errorf("event bus subscribe failed: %w", core.ErrConnectionFailed)
	}
	m.setConnected(true)
	m.mu.Lock()
	m.pubsub = pubsub
	m.mu.Unlock()

	m.wg.Add(1)
	go m.listen(listenCtx, pubsub)
	m.logger.Info("Event manager connected", map[string]interface{}{
		"history_limit": m.cfg.HistoryLimit,
	})
	return nil
}

// Stop tears the listener down and waits for it to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	pubsub := m.pubsub
	m.started = false
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if pubsub != nil {
		_ = pubsub.Close()
	}
	m.wg.Wait()
	m.setConnected(false)
}

func (m *Manager) setConnected(v bool) {
	m.mu.Lock()
	m.connected = v
	m.mu.Unlock()
}

// Connected reports whether the bus can currently deliver.
func (m *Manager) Connected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// listen consumes the pattern subscription and dispatches locally. On
// channel loss it reconnects with exponential backoff, giving up after the
// configured attempts; from then on Publish reports ErrNotConnected.
func (m *Manager) listen(ctx context.Context, pubsub *redis.PubSub) {
	defer m.wg.Done()

	for {
		for msg := range pubsub.Channel() {
			m.handleMessage(msg)
		}
		_ = pubsub.Close()
		m.setConnected(false)
		if ctx.Err() != nil {
			return
		}

		var reconnected bool
		for attempt := 1; attempt <= m.cfg.ReconnectMaxAttempts; attempt++ {
			delay := m.cfg.ReconnectBaseDelay * time.Duration(1<<(attempt-1))
			m.logger.Warn("Event bus disconnected, reconnecting", map[string]interface{}{
				"attempt": attempt,
				"delay":   delay.String(),
			})
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}

			pubsub = m.redis.PSubscribe(ctx, "events:*")
			if _, err := pubsub.Receive(ctx); err == nil {
				m.setConnected(true)
				m.mu.Lock()
				m.pubsub = pubsub
				m.mu.Unlock()
				reconnected = true
				break
			}
			_ = pubsub.Close()
		}
		if !reconnected {
			m.logger.Error("Event bus reconnect attempts exhausted", map[string]interface{}{
				"attempts": m.cfg.ReconnectMaxAttempts,
			})
			return
		}
	}
}

func (m *Manager) handleMessage(msg *redis.Message) {
	var ev Event
	if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
		m.logger.Warn("Dropping undecodable event", map[string]interface{}{
			"channel": msg.Channel,
			"error":   err.Error(),
		})
		if m.metrics != nil {
			m.metrics.EventsDropped.Inc()
		}
		return
	}
	m.dispatch(ev)
}

// dispatch runs every callback registered for the event's type. A panic in
// one callback never reaches the others.
func (m *Manager) dispatch(ev Event) {
	m.mu.RLock()
	callbacks := make([]Callback, 0, len(m.subs[ev.Type]))
	for _, cb := range m.subs[ev.Type] {
		callbacks = append(callbacks, cb)
	}
	m.mu.RUnlock()

	for _, cb := range callbacks {
		m.invoke(cb, ev)
	}
}

func (m *Manager) invoke(cb Callback, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Event callback panicked", map[string]interface{}{
				"event_type": string(ev.Type),
				"event_id":   ev.ID,
				"panic":      fmt.Sprintf("%v", r),
			})
		}
	}()
	cb(ev)
}

// Subscribe registers a callback for one event type and returns a
// subscription id for Unsubscribe.
func (m *Manager) Subscribe(t EventType, cb Callback) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSub++
	if m.subs[t] == nil {
		m.subs[t] = make(map[int]Callback)
	}
	m.subs[t][m.nextSub] = cb
	return m.nextSub
}

// SubscribeMany registers one callback for several types.
func (m *Manager) SubscribeMany(types []EventType, cb Callback) []int {
	ids := make([]int, 0, len(types))
	for _, t := range types {
		ids = append(ids, m.Subscribe(t, cb))
	}
	return ids
}

// Unsubscribe removes a subscription by id.
func (m *Manager) Unsubscribe(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for t, subs := range m.subs {
		if _, ok := subs[id]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(m.subs, t)
			}
			return
		}
	}
}

// Publish sends a fully formed event to the bus and appends it to the
// bounded history. While disconnected it returns ErrNotConnected and the
// caller treats delivery as best-effort.
func (m *Manager) Publish(ctx context.Context, ev Event) error {
	if ev.Type == "" {
		return fmt.Errorf("event type is required: %w", core.ErrValidation)
	}
	if ev.ID == "" {
		ev.ID = m.ids.NewID()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = m.clock.Now()
	}

	if !m.Connected() {
		return fmt.Errorf("event bus unavailable for %s: %w", ev.Type, core.ErrNotConnected)
	}

	if m.metrics != nil {
		m.metrics.EventsPublished.WithLabelValues(string(ev.Type)).Inc()
	}

	if m.redis == nil {
		m.appendMemHistory(ev)
		m.dispatch(ev)
		return nil
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	if err := m.redis.Publish(ctx, "events:"+string(ev.Type), payload); err != nil {
		m.setConnected(false)
		return fmt.Errorf("publishing %s: %w", ev.Type, core.ErrNotConnected)
	}
	if err := m.redis.LPush(ctx, historyKey, payload); err == nil {
		_ = m.redis.LTrim(ctx, historyKey, 0, int64(m.cfg.HistoryLimit-1))
	}
	return nil
}

// Emit builds and publishes an event in one step.
func (m *Manager) Emit(ctx context.Context, t EventType, source string, data, metadata map[string]interface{}) error {
	return m.Publish(ctx, Event{
		Type:     t,
		Source:   source,
		Data:     data,
		Metadata: metadata,
	})
}

func (m *Manager) appendMemHistory(ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.memHistory = append([]Event{ev}, m.memHistory...)
	if len(m.memHistory) > m.cfg.HistoryLimit {
		m.memHistory = m.memHistory[:m.cfg.HistoryLimit]
	}
}

// GetHistory returns up to limit recent events, newest first.
func (m *Manager) GetHistory(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 || limit > m.cfg.HistoryLimit {
		limit = m.cfg.HistoryLimit
	}

	if m.redis == nil {
		m.mu.RLock()
		defer m.mu.RUnlock()
		if limit > len(m.memHistory) {
			limit = len(m.memHistory)
		}
		out := make([]Event, limit)
		copy(out, m.memHistory[:limit])
		return out, nil
	}

	raw, err := m.redis.LRange(ctx, historyKey, 0, int64(limit-1))
	if err != nil {
		return nil, fmt.Errorf("reading event history: %w", err)
	}
	out := make([]Event, 0, len(raw))
	for _, item := range raw {
		var ev Event
		if err := json.Unmarshal([]byte(item), &ev); err != nil {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

// ClearHistory wipes the history store.
func (m *Manager) ClearHistory(ctx context.Context) error {
	if m.redis == nil {
		m.mu.Lock()
		m.memHistory = nil
		m.mu.Unlock()
		return nil
	}
	return m.redis.Del(ctx, historyKey)
}

// TypeFromChannel extracts the event type from a raw channel name.
func TypeFromChannel(channel string) EventType {
	if idx := strings.LastIndex(channel, "events:"); idx >= 0 {
		return EventType(channel[idx+len("events:"):])
	}
	return EventType(channel)
}
