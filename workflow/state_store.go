package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/liteshperumalla/Powering-AI-Infrastructure-at-Scale-sub008/core"
	"github.com/liteshperumalla/Powering-AI-Infrastructure-at-Scale-sub008/domain"
	"github.com/liteshperumalla/Powering-AI-Infrastructure-at-Scale-sub008/storage"
)

func snapshotKey(workflowID string) string { return "workflow_state:" + workflowID }

// StateStore checkpoints workflow state to the document store
// (authoritative) and mirrors a snapshot into Redis under a short TTL for
// fast re-reads by the API and the gateway.
type StateStore struct {
	repo   storage.WorkflowStateRepository
	redis  *core.RedisClient
	ttl    time.Duration
	clock  core.Clock
	logger core.Logger
}

// NewStateStore creates a state store. redis may be nil (tests, local runs
// without a snapshot cache).
func NewStateStore(repo storage.WorkflowStateRepository, redis *core.RedisClient, ttl time.Duration, clock core.Clock, logger core.Logger) *StateStore {
	if clock == nil {
		clock = core.SystemClock{}
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &StateStore{repo: repo, redis: redis, ttl: ttl, clock: clock, logger: logger}
}

// Save checkpoints the state. The authoritative write is retried once on
// failure; the snapshot write is best-effort.
func (s *StateStore) Save(ctx context.Context, w *domain.WorkflowState) error {
	w.UpdatedAt = s.clock.Now()

	err := s.repo.Save(ctx, w)
	if err != nil {
		s.logger.Warn("Checkpoint write failed, retrying once", map[string]interface{}{
			"workflow_id": w.ID,
			"error":       err.Error(),
		})
		err = s.repo.Save(ctx, w)
	}
	if err != nil {
		return fmt.Errorf("checkpointing workflow %s: %w", w.ID, err)
	}

	s.writeSnapshot(ctx, w)
	return nil
}

func (s *StateStore) writeSnapshot(ctx context.Context, w *domain.WorkflowState) {
	if s.redis == nil {
		return
	}
	payload, err := json.Marshal(w)
	if err != nil {
		return
	}
	if err := s.redis.Set(ctx, snapshotKey(w.ID), payload, s.ttl); err != nil {
		s.logger.Debug("Snapshot write failed", map[string]interface{}{
			"workflow_id": w.ID,
			"error":       err.Error(),
		})
	}
}

// Load reads a workflow state, preferring the Redis snapshot.
func (s *StateStore) Load(ctx context.Context, workflowID string) (*domain.WorkflowState, error) {
	if s.redis != nil {
		if raw, err := s.redis.Get(ctx, snapshotKey(workflowID)); err == nil {
			var w domain.WorkflowState
			if uerr := json.Unmarshal([]byte(raw), &w); uerr == nil {
				return &w, nil
			}
		}
	}
	return s.repo.Get(ctx, workflowID)
}

// Evict drops the Redis snapshot (terminal cleanup).
func (s *StateStore) Evict(ctx context.Context, workflowID string) {
	if s.redis == nil {
		return
	}
	_ = s.redis.Del(ctx, snapshotKey(workflowID))
}

// Cleanup removes terminal workflow records older than maxAge and evicts
// their snapshots. Returns how many were removed.
func (s *StateStore) Cleanup(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := s.clock.Now().Add(-maxAge)
	ids, err := s.repo.DeleteTerminalOlderThan(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		s.Evict(ctx, id)
	}
	if len(ids) > 0 {
		s.logger.Info("Workflow cleanup removed terminal records", map[string]interface{}{
			"removed": len(ids),
			"cutoff":  cutoff.Format(time.RFC3339),
		})
	}
	return len(ids), nil
}
