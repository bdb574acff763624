// Package gateway pushes live progress to connected clients over
// websockets. Sessions join a per-user set and, when an assessment id is
// presented, a per-assessment room. Broadcast is best-effort: slow
// sessions lose frames rather than blocking publishers.
package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/liteshperumalla/Powering-AI-Infrastructure-at-Scale-sub008/core"
	"github.com/liteshperumalla/Powering-AI-Infrastructure-at-Scale-sub008/events"
	"github.com/liteshperumalla/Powering-AI-Infrastructure-at-Scale-sub008/storage"
	"github.com/liteshperumalla/Powering-AI-Infrastructure-at-Scale-sub008/telemetry"
)

const writeWait = 10 * time.Second

// Frame is the JSON wire shape in both directions.
type Frame struct {
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	UserID    string                 `json:"user_id,omitempty"`
	SessionID string                 `json:"session_id,omitempty"`
}

// Client frame types.
const (
	frameHeartbeat  = "heartbeat"
	frameCursor     = "cursor_update"
	frameForm       = "form_update"
	frameConnected  = "connection_established"
	frameUserJoined = "user_joined"
	frameUserLeft   = "user_left"
	frameError      = "error"
)

// pushedTypes are the bus events forwarded to sessions.
var pushedTypes = []events.EventType{
	events.WorkflowProgress,
	events.AgentStatus,
	events.StepCompleted,
	events.Notification,
	events.Alert,
	events.MetricsUpdate,
}

type session struct {
	id           string
	principalID  string
	assessmentID string
	conn         *websocket.Conn
	send         chan Frame

	mu       sync.Mutex
	lastSeen time.Time
	closed   bool
}

func (s *session) touch(now time.Time) {
	s.mu.Lock()
	s.lastSeen = now
	s.mu.Unlock()
}

func (s *session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// close is safe to call from any goroutine, once or many times.
func (s *session) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	close(s.send)
	_ = s.conn.Close()
}

// Hub owns every live session and the room/user indexes.
type Hub struct {
	cfg         core.GatewayConfig
	bus         *events.Manager
	assessments storage.AssessmentRepository
	clock       core.Clock
	ids         core.IDGenerator
	logger      core.Logger
	metrics     *telemetry.Metrics
	upgrader    websocket.Upgrader

	mu       sync.RWMutex
	rooms    map[string]map[*session]struct{}
	byUser   map[string]map[*session]struct{}
	sessions map[string]*session

	subIDs  []int
	cancel  context.CancelFunc
	started bool
	wg      sync.WaitGroup
}

// NewHub creates the gateway hub. bus may be nil (no live events, e.g.
// snapshot-only tests); metrics may be nil.
func NewHub(cfg core.GatewayConfig, bus *events.Manager, assessments storage.AssessmentRepository, clock core.Clock, ids core.IDGenerator, logger core.Logger, metrics *telemetry.Metrics) *Hub {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.HeartbeatTimeout <= cfg.HeartbeatInterval {
		cfg.HeartbeatTimeout = 2 * cfg.HeartbeatInterval
	}
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = 64
	}
	if clock == nil {
		clock = core.SystemClock{}
	}
	if ids == nil {
		ids = core.UUIDGenerator{}
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Hub{
		cfg:         cfg,
		bus:         bus,
		assessments: assessments,
		clock:       clock,
		ids:         ids,
		logger:      logger,
		metrics:     metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		rooms:    make(map[string]map[*session]struct{}),
		byUser:   make(map[string]map[*session]struct{}),
		sessions: make(map[string]*session),
	}
}

// Start subscribes to the event bus and launches the idle sweeper.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		return core.ErrAlreadyStarted
	}
	h.started = true
	sweepCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h.cancel = cancel
	h.mu.Unlock()

	if h.bus != nil {
		h.subIDs = h.bus.SubscribeMany(pushedTypes, h.routeEvent)
	}

	h.wg.Add(1)
	go h.sweepLoop(sweepCtx)
	return nil
}

// Stop unsubscribes, closes every session and waits for the sweeper.
func (h *Hub) Stop() {
	h.mu.Lock()
	cancel := h.cancel
	h.started = false
	all := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		all = append(all, s)
	}
	h.mu.Unlock()

	if h.bus != nil {
		for _, id := range h.subIDs {
			h.bus.Unsubscribe(id)
		}
	}
	for _, s := range all {
		s.close()
	}
	if cancel != nil {
		cancel()
	}
	h.wg.Wait()
}

// Handler upgrades a connection. The principal id arrives verified by the
// outer auth layer; an assessment id joins that room.
func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principalID := r.URL.Query().Get("principal_id")
		if principalID == "" {
			http.Error(w, "principal_id is required", http.StatusBadRequest)
			return
		}
		assessmentID := r.URL.Query().Get("assessment_id")

		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		s := &session{
			id:           h.ids.NewID(),
			principalID:  principalID,
			assessmentID: assessmentID,
			conn:         conn,
			send:         make(chan Frame, h.cfg.SendBufferSize),
			lastSeen:     h.clock.Now(),
		}
		h.register(s)

		go h.writePump(s)
		go h.readPump(s)

		h.sendSnapshot(r.Context(), s)
		if assessmentID != "" {
			h.broadcastExcept(assessmentID, s, Frame{
				Type:      frameUserJoined,
				Data:      map[string]interface{}{"user_id": principalID, "assessment_id": assessmentID},
				Timestamp: h.clock.Now(),
				UserID:    principalID,
			})
		}
	}
}

func (h *Hub) register(s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[s.id] = s
	if h.byUser[s.principalID] == nil {
		h.byUser[s.principalID] = make(map[*session]struct{})
	}
	h.byUser[s.principalID][s] = struct{}{}
	if s.assessmentID != "" {
		if h.rooms[s.assessmentID] == nil {
			h.rooms[s.assessmentID] = make(map[*session]struct{})
		}
		h.rooms[s.assessmentID][s] = struct{}{}
	}
	if h.metrics != nil {
		h.metrics.GatewaySessions.Inc()
	}
}

func (h *Hub) unregister(s *session) {
	h.mu.Lock()
	_, known := h.sessions[s.id]
	if known {
		delete(h.sessions, s.id)
		if set := h.byUser[s.principalID]; set != nil {
			delete(set, s)
			if len(set) == 0 {
				delete(h.byUser, s.principalID)
			}
		}
		if s.assessmentID != "" {
			if room := h.rooms[s.assessmentID]; room != nil {
				delete(room, s)
				if len(room) == 0 {
					delete(h.rooms, s.assessmentID)
				}
			}
		}
	}
	h.mu.Unlock()
	if !known {
		return
	}

	if h.metrics != nil {
		h.metrics.GatewaySessions.Dec()
	}
	s.close()
	if s.assessmentID != "" {
		h.broadcastExcept(s.assessmentID, s, Frame{
			Type:      frameUserLeft,
			Data:      map[string]interface{}{"user_id": s.principalID, "assessment_id": s.assessmentID},
			Timestamp: h.clock.Now(),
			UserID:    s.principalID,
		})
	}
}

// sendSnapshot delivers the initial progress state and room roster.
func (h *Hub) sendSnapshot(ctx context.Context, s *session) {
	data := map[string]interface{}{"session_id": s.id}
	if s.assessmentID != "" {
		data["assessment_id"] = s.assessmentID
		data["roster"] = h.Roster(s.assessmentID)
		if h.assessments != nil {
			if a, err := h.assessments.Get(ctx, s.assessmentID); err == nil {
				data["status"] = string(a.Status)
				data["completion_percentage"] = a.CompletionPercentage
				data["current_step"] = a.Progress.CurrentStep
			}
		}
	}
	h.trySend(s, Frame{Type: frameConnected, Data: data, Timestamp: h.clock.Now(), SessionID: s.id})
}

// Roster lists distinct principal ids present in a room.
func (h *Hub) Roster(assessmentID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	seen := map[string]struct{}{}
	var out []string
	for s := range h.rooms[assessmentID] {
		if _, dup := seen[s.principalID]; dup {
			continue
		}
		seen[s.principalID] = struct{}{}
		out = append(out, s.principalID)
	}
	return out
}

// SessionCount reports live sessions (API introspection).
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// routeEvent forwards a bus event: room-scoped when the event carries a
// room id, otherwise to every session.
func (h *Hub) routeEvent(ev events.Event) {
	frame := Frame{
		Type:      string(ev.Type),
		Data:      ev.Data,
		Timestamp: ev.Timestamp,
	}
	if room := ev.RoomID(); room != "" {
		h.Broadcast(room, frame)
		return
	}
	h.mu.RLock()
	targets := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		targets = append(targets, s)
	}
	h.mu.RUnlock()
	for _, s := range targets {
		h.trySend(s, frame)
	}
}

// Broadcast pushes a frame to every session in a room.
func (h *Hub) Broadcast(assessmentID string, f Frame) {
	h.broadcastExcept(assessmentID, nil, f)
}

func (h *Hub) broadcastExcept(assessmentID string, except *session, f Frame) {
	h.mu.RLock()
	targets := make([]*session, 0, len(h.rooms[assessmentID]))
	for s := range h.rooms[assessmentID] {
		if s != except {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()
	for _, s := range targets {
		h.trySend(s, f)
	}
}

// trySend never blocks: a full buffer means the session is too slow and
// the frame is dropped. Reports whether the frame was queued.
func (h *Hub) trySend(s *session, f Frame) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	defer s.mu.Unlock()
	select {
	case s.send <- f:
		return true
	default:
		if h.metrics != nil {
			h.metrics.GatewayDropped.Inc()
		}
		h.logger.Debug("Dropped frame to slow session", map[string]interface{}{
			"session_id": s.id,
			"frame_type": f.Type,
		})
		return false
	}
}

func (h *Hub) writePump(s *session) {
	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		h.unregister(s)
	}()

	for {
		select {
		case f, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteJSON(f); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) readPump(s *session) {
	defer h.unregister(s)

	_ = s.conn.SetReadDeadline(time.Now().Add(h.cfg.HeartbeatTimeout))
	s.conn.SetPongHandler(func(string) error {
		s.touch(h.clock.Now())
		return s.conn.SetReadDeadline(time.Now().Add(h.cfg.HeartbeatTimeout))
	})

	for {
		var f Frame
		if err := s.conn.ReadJSON(&f); err != nil {
			return
		}
		s.touch(h.clock.Now())
		_ = s.conn.SetReadDeadline(time.Now().Add(h.cfg.HeartbeatTimeout))

		switch f.Type {
		case frameHeartbeat:
			// lastSeen already refreshed above.
		case frameCursor, frameForm:
			if s.assessmentID == "" {
				continue
			}
			f.UserID = s.principalID
			f.SessionID = s.id
			f.Timestamp = h.clock.Now()
			h.broadcastExcept(s.assessmentID, s, f)
		default:
			h.trySend(s, Frame{
				Type:      frameError,
				Data:      map[string]interface{}{"message": "unknown frame type: " + f.Type},
				Timestamp: h.clock.Now(),
			})
		}
	}
}

// sweepLoop closes sessions that stop answering heartbeats.
func (h *Hub) sweepLoop(ctx context.Context) {
	defer h.wg.Done()
	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := h.clock.Now().Add(-h.cfg.HeartbeatTimeout)
			h.mu.RLock()
			stale := make([]*session, 0)
			for _, s := range h.sessions {
				if s.idleSince().Before(cutoff) {
					stale = append(stale, s)
				}
			}
			h.mu.RUnlock()
			for _, s := range stale {
				h.logger.Info("Closing idle gateway session", map[string]interface{}{
					"session_id": s.id,
					"principal":  s.principalID,
				})
				h.unregister(s)
			}
		}
	}
}
