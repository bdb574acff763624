package events

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"

	"github.com/liteshperumalla/Powering-AI-Infrastructure-at-Scale-sub008/core"
)

func testEventsConfig() core.EventsConfig {
	return core.EventsConfig{
		HistoryLimit:         5,
		ReconnectMaxAttempts: 5,
		ReconnectBaseDelay:   10 * time.Millisecond,
	}
}

func newBusOn(t *testing.T, mr *miniredis.Miniredis) *Manager {
	t.Helper()
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	rc := core.NewRedisClientFromExisting(client, "test", &core.NoOpLogger{})
	m := NewManager(rc, testEventsConfig(), nil, nil, &core.NoOpLogger{}, nil)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(m.Stop)
	return m
}

func TestPublishDeliversToSubscriber(t *testing.T) {
	mr := miniredis.RunT(t)
	m := newBusOn(t, mr)
	ctx := context.Background()

	received := make(chan Event, 4)
	m.Subscribe(WorkflowStarted, func(ev Event) { received <- ev })

	require.NoError(t, m.Emit(ctx, WorkflowStarted, "engine",
		map[string]interface{}{"assessment_id": "a-1"},
		map[string]interface{}{"workflow_id": "wf-1"}))

	select {
	case ev := <-received:
		require.Equal(t, WorkflowStarted, ev.Type)
		require.Equal(t, "engine", ev.Source)
		require.Equal(t, "wf-1", ev.WorkflowID())
		require.NotEmpty(t, ev.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}

	// Exactly once: no duplicate delivery.
	select {
	case <-received:
		t.Fatal("event delivered twice")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCrossInstanceDelivery(t *testing.T) {
	mr := miniredis.RunT(t)
	a := newBusOn(t, mr)
	b := newBusOn(t, mr)
	ctx := context.Background()

	received := make(chan Event, 4)
	b.Subscribe(WorkflowCompleted, func(ev Event) { received <- ev })

	require.NoError(t, a.Emit(ctx, WorkflowCompleted, "engine", nil,
		map[string]interface{}{"workflow_id": "wf-9"}))

	var delivered Event
	select {
	case delivered = <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("event did not cross instances")
	}

	// Both instances read the same history entry with the same id.
	for _, m := range []*Manager{a, b} {
		hist, err := m.GetHistory(ctx, 10)
		require.NoError(t, err)
		require.Len(t, hist, 1)
		require.Equal(t, delivered.ID, hist[0].ID)
	}
}

func TestHistoryBounded(t *testing.T) {
	mr := miniredis.RunT(t)
	m := newBusOn(t, mr)
	ctx := context.Background()

	for i := 0; i < 12; i++ {
		require.NoError(t, m.Emit(ctx, DataUpdated, "test", nil, nil))
	}
	hist, err := m.GetHistory(ctx, 100)
	require.NoError(t, err)
	require.Len(t, hist, 5)
}

func TestClearHistory(t *testing.T) {
	mr := miniredis.RunT(t)
	m := newBusOn(t, mr)
	ctx := context.Background()

	require.NoError(t, m.Emit(ctx, Notification, "test", nil, nil))
	require.NoError(t, m.ClearHistory(ctx))
	hist, err := m.GetHistory(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, hist)
}

func TestCallbackPanicDoesNotBlockOthers(t *testing.T) {
	mr := miniredis.RunT(t)
	m := newBusOn(t, mr)
	ctx := context.Background()

	received := make(chan Event, 4)
	m.Subscribe(Alert, func(Event) { panic("boom") })
	m.Subscribe(Alert, func(ev Event) { received <- ev })

	require.NoError(t, m.Emit(ctx, Alert, "test", nil, nil))

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("second subscriber starved by panicking callback")
	}
}

func TestPublishBeforeStartNotConnected(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	rc := core.NewRedisClientFromExisting(client, "test", &core.NoOpLogger{})
	m := NewManager(rc, testEventsConfig(), nil, nil, &core.NoOpLogger{}, nil)

	err := m.Emit(context.Background(), Notification, "test", nil, nil)
	require.ErrorIs(t, err, core.ErrNotConnected)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	mr := miniredis.RunT(t)
	m := newBusOn(t, mr)
	ctx := context.Background()

	received := make(chan Event, 4)
	id := m.Subscribe(Notification, func(ev Event) { received <- ev })
	m.Unsubscribe(id)

	require.NoError(t, m.Emit(ctx, Notification, "test", nil, nil))
	select {
	case <-received:
		t.Fatal("delivered after unsubscribe")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestInMemoryMode(t *testing.T) {
	m := NewManager(nil, testEventsConfig(), nil, nil, &core.NoOpLogger{}, nil)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(m.Stop)
	ctx := context.Background()

	var got []Event
	m.Subscribe(ReportGenerated, func(ev Event) { got = append(got, ev) })

	require.NoError(t, m.Emit(ctx, ReportGenerated, "reports", map[string]interface{}{"n": 1}, nil))
	require.Len(t, got, 1)

	hist, err := m.GetHistory(ctx, 10)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	require.Equal(t, got[0].ID, hist[0].ID)
}
