package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/liteshperumalla/Powering-AI-Infrastructure-at-Scale-sub008/core"
)

func testHealthConfig() core.HealthConfig {
	return core.HealthConfig{
		CheckInterval:        time.Second,
		CheckTimeout:         time.Second,
		FailureThreshold:     3,
		AutoRecovery:         false,
		RecoveryCooldown:     5 * time.Minute,
		FailoverCooldown:     5 * time.Minute,
		FailbackHealthChecks: 3,
		ResponseTimeLimit:    2 * time.Second,
		ErrorRateLimit:       0.5,
		HistoryLimit:         5,
	}
}

func newTestManager(t *testing.T) (*Manager, *core.FakeClock) {
	t.Helper()
	clock := core.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	return NewManager(testHealthConfig(), clock, &core.NoOpLogger{}, nil), clock
}

func TestUnhealthyRequiresConsecutiveFailures(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	fail := true
	require.NoError(t, m.Register("redis", true, func(context.Context) error {
		if fail {
			return errors.New("connection refused")
		}
		return nil
	}))

	for i := 0; i < 2; i++ {
		snap, err := m.CheckNow(ctx, "redis")
		require.NoError(t, err)
		require.Equal(t, StatusDegraded, snap.Status, "check %d", i)
	}

	snap, err := m.CheckNow(ctx, "redis")
	require.NoError(t, err)
	require.Equal(t, StatusUnhealthy, snap.Status)
	require.Equal(t, 3, snap.ConsecutiveFailures)

	// A single success restores the component.
	fail = false
	snap, err = m.CheckNow(ctx, "redis")
	require.NoError(t, err)
	require.Equal(t, StatusHealthy, snap.Status)
	require.Equal(t, 0, snap.ConsecutiveFailures)
	require.Empty(t, snap.LastError)
}

func TestSystemWorstOfCritical(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Register("mongo", true, func(context.Context) error { return nil }))
	require.NoError(t, m.Register("pricing", false, func(context.Context) error {
		return errors.New("down")
	}))

	_, err := m.CheckNow(ctx, "mongo")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err = m.CheckNow(ctx, "pricing")
		require.NoError(t, err)
	}

	sys := m.System()
	require.Equal(t, StatusUnhealthy, sys.Components["pricing"].Status)
	// A non-critical outage degrades the system but does not fail it.
	require.Equal(t, StatusDegraded, sys.Status)
}

func TestSystemCriticalOutageIsUnhealthy(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Register("mongo", true, func(context.Context) error {
		return errors.New("down")
	}))
	for i := 0; i < 3; i++ {
		_, err := m.CheckNow(ctx, "mongo")
		require.NoError(t, err)
	}
	require.Equal(t, StatusUnhealthy, m.System().Status)
}

func TestHistoryCapped(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Register("svc", false, func(context.Context) error { return nil }))
	for i := 0; i < 8; i++ {
		_, err := m.CheckNow(ctx, "svc")
		require.NoError(t, err)
	}
	hist, err := m.History("svc")
	require.NoError(t, err)
	require.Len(t, hist, 5)
}

func TestStatusListenerFires(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	var transitions []string
	m.OnStatusChange(func(name string, from, to Status) {
		transitions = append(transitions, name+":"+string(from)+"->"+string(to))
	})

	require.NoError(t, m.Register("svc", true, func(context.Context) error {
		return errors.New("down")
	}))
	for i := 0; i < 3; i++ {
		_, err := m.CheckNow(ctx, "svc")
		require.NoError(t, err)
	}

	require.Equal(t, []string{
		"svc:UNKNOWN->DEGRADED",
		"svc:DEGRADED->UNHEALTHY",
	}, transitions)
}

func TestRecoveryCooldown(t *testing.T) {
	m, clock := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Register("svc", true, func(context.Context) error { return nil }))
	calls := 0
	m.RegisterRecovery("svc", func(context.Context, error) (map[string]interface{}, error) {
		calls++
		return map[string]interface{}{"recovered": true}, nil
	})

	result, err := m.AttemptRecovery(ctx, "svc", errors.New("boom"))
	require.NoError(t, err)
	require.Equal(t, 1, calls)
	require.Equal(t, "HEALTHY", result["post_recovery_status"])

	// Within the cooldown the strategy must not run again.
	result, err = m.AttemptRecovery(ctx, "svc", errors.New("boom"))
	require.NoError(t, err)
	require.Equal(t, 1, calls)
	require.Equal(t, true, result["skipped"])

	clock.Advance(6 * time.Minute)
	_, err = m.AttemptRecovery(ctx, "svc", errors.New("boom"))
	require.NoError(t, err)
	require.Equal(t, 2, calls)

	stats := m.RecoveryStats()["svc"]
	require.Equal(t, 2, stats.Attempts)
	require.Equal(t, 2, stats.Successes)
}

func TestRecoveryStrategiesRunInOrder(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Register("svc", true, func(context.Context) error { return nil }))

	var ran []string
	m.RegisterRecovery("svc", func(context.Context, error) (map[string]interface{}, error) {
		ran = append(ran, "restart")
		return nil, errors.New("restart refused")
	})
	m.RegisterRecovery("svc", func(context.Context, error) (map[string]interface{}, error) {
		ran = append(ran, "reconnect")
		return map[string]interface{}{"action": "reconnect"}, nil
	})

	result, err := m.AttemptRecovery(ctx, "svc", errors.New("down"))
	require.NoError(t, err)
	require.Equal(t, []string{"restart", "reconnect"}, ran)
	require.Equal(t, "reconnect", result["action"])

	stats := m.RecoveryStats()["svc"]
	require.Equal(t, 1, stats.Attempts)
	require.Equal(t, 1, stats.Successes)
	require.Zero(t, stats.Failures)
}

func TestRecoveryStrategiesExhausted(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Register("svc", true, func(context.Context) error { return nil }))

	calls := 0
	for i := 0; i < 2; i++ {
		m.RegisterRecovery("svc", func(context.Context, error) (map[string]interface{}, error) {
			calls++
			return nil, errors.New("still down")
		})
	}

	_, err := m.AttemptRecovery(ctx, "svc", errors.New("down"))
	require.Error(t, err)
	require.Equal(t, 2, calls)

	stats := m.RecoveryStats()["svc"]
	require.Equal(t, 1, stats.Attempts)
	require.Equal(t, 1, stats.Failures)
}

func TestRecoveryUnknownComponent(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.AttemptRecovery(context.Background(), "ghost", nil)
	require.ErrorIs(t, err, core.ErrNotFound)
}

func newTestFailover(t *testing.T) (*FailoverOrchestrator, *core.FakeClock) {
	t.Helper()
	clock := core.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	return NewFailoverOrchestrator(testHealthConfig(), clock, &core.NoOpLogger{}, nil, nil), clock
}

func TestActivePassiveFailoverAndFailback(t *testing.T) {
	o, clock := newTestFailover(t)

	require.NoError(t, o.RegisterGroup("pricing", StrategyActivePassive, []Endpoint{
		{Name: "primary", URL: "https://pricing-a", Priority: 1},
		{Name: "secondary", URL: "https://pricing-b", Priority: 2},
	}))

	ep, err := o.Pick("pricing")
	require.NoError(t, err)
	require.Equal(t, "primary", ep.Name)

	// Three consecutive failures on the active endpoint trigger failover.
	for i := 0; i < 3; i++ {
		o.ReportFailure("pricing", "primary")
	}
	ep, err = o.Pick("pricing")
	require.NoError(t, err)
	require.Equal(t, "secondary", ep.Name)
	require.True(t, o.Status()["pricing"].FailedOver)

	// Primary recovers; after the configured streak traffic moves back.
	clock.Advance(time.Minute)
	for i := 0; i < 3; i++ {
		o.ReportSuccess("pricing", "primary", 20*time.Millisecond)
	}
	ep, err = o.Pick("pricing")
	require.NoError(t, err)
	require.Equal(t, "primary", ep.Name)
	require.False(t, o.Status()["pricing"].FailedOver)
}

func TestActivePassivePrefersLowestPriorityHealthy(t *testing.T) {
	o, _ := newTestFailover(t)

	// Registration order deliberately disagrees with priority order.
	require.NoError(t, o.RegisterGroup("svc", StrategyActivePassive, []Endpoint{
		{Name: "tertiary", URL: "https://c", Priority: 3},
		{Name: "primary", URL: "https://a", Priority: 1},
		{Name: "secondary", URL: "https://b", Priority: 2},
	}))

	ep, err := o.Pick("svc")
	require.NoError(t, err)
	require.Equal(t, "primary", ep.Name)
	require.Equal(t, "primary", o.Status()["svc"].Active)

	for i := 0; i < 3; i++ {
		o.ReportFailure("svc", "primary")
	}
	ep, err = o.Pick("svc")
	require.NoError(t, err)
	require.Equal(t, "secondary", ep.Name)

	for i := 0; i < 3; i++ {
		o.ReportFailure("svc", "secondary")
	}
	ep, err = o.Pick("svc")
	require.NoError(t, err)
	require.Equal(t, "tertiary", ep.Name)
}

func TestResponseTimeBreachTriggersFailover(t *testing.T) {
	o, _ := newTestFailover(t)

	require.NoError(t, o.RegisterGroup("svc", StrategyActivePassive, []Endpoint{
		{Name: "a", URL: "https://a", Priority: 1},
		{Name: "b", URL: "https://b", Priority: 2},
	}))

	// Successful but slower than the configured limit.
	o.ReportSuccess("svc", "a", 3*time.Second)

	st := o.Status()["svc"]
	require.True(t, st.FailedOver)
	require.Equal(t, "b", st.Active)
	ep, err := o.Pick("svc")
	require.NoError(t, err)
	require.Equal(t, "b", ep.Name)
}

func TestErrorRateBreachTriggersFailover(t *testing.T) {
	o, _ := newTestFailover(t)

	require.NoError(t, o.RegisterGroup("svc", StrategyActivePassive, []Endpoint{
		{Name: "a", URL: "https://a", Priority: 1},
		{Name: "b", URL: "https://b", Priority: 2},
	}))

	// Interleaved successes keep the failure streak below the threshold;
	// the window still breaches the 0.5 error-rate limit on sample five.
	o.ReportSuccess("svc", "a", 10*time.Millisecond)
	o.ReportFailure("svc", "a")
	o.ReportSuccess("svc", "a", 10*time.Millisecond)
	o.ReportFailure("svc", "a")
	o.ReportFailure("svc", "a")

	st := o.Status()["svc"]
	require.True(t, st.FailedOver)
	require.Equal(t, "b", st.Active)
	ep, err := o.Pick("svc")
	require.NoError(t, err)
	require.Equal(t, "b", ep.Name)
}

func TestFailoverCooldownBlocksRepeat(t *testing.T) {
	o, clock := newTestFailover(t)

	require.NoError(t, o.RegisterGroup("svc", StrategyActivePassive, []Endpoint{
		{Name: "a", Priority: 1},
		{Name: "b", Priority: 2},
		{Name: "c", Priority: 3},
	}))

	require.NoError(t, o.TriggerFailover(context.Background(), "svc", "drill"))
	err := o.TriggerFailover(context.Background(), "svc", "drill again")
	require.ErrorIs(t, err, core.ErrConflict)

	clock.Advance(6 * time.Minute)
	require.NoError(t, o.TriggerFailover(context.Background(), "svc", "post cooldown"))
}

func TestRoundRobinSkipsUnhealthy(t *testing.T) {
	o, _ := newTestFailover(t)

	require.NoError(t, o.RegisterGroup("svc", StrategyRoundRobin, []Endpoint{
		{Name: "a"},
		{Name: "b"},
		{Name: "c"},
	}))
	for i := 0; i < 3; i++ {
		o.ReportFailure("svc", "b")
	}

	seen := map[string]int{}
	for i := 0; i < 6; i++ {
		ep, err := o.Pick("svc")
		require.NoError(t, err)
		seen[ep.Name]++
	}
	require.Equal(t, 3, seen["a"])
	require.Equal(t, 3, seen["c"])
	require.Zero(t, seen["b"])
}

func TestWeightedSamplesProportionally(t *testing.T) {
	o, _ := newTestFailover(t)

	require.NoError(t, o.RegisterGroup("svc", StrategyWeighted, []Endpoint{
		{Name: "light", Weight: 1},
		{Name: "heavy", Weight: 10},
	}))

	// Every healthy endpoint must be drawn; the heavy one roughly ten
	// times as often. 2000 draws keep the assertion far from the noise.
	seen := map[string]int{}
	for i := 0; i < 2000; i++ {
		ep, err := o.Pick("svc")
		require.NoError(t, err)
		seen[ep.Name]++
	}
	require.Positive(t, seen["light"])
	require.Positive(t, seen["heavy"])
	require.Greater(t, seen["heavy"], seen["light"]*4)
}

func TestWeightedExcludesUnhealthy(t *testing.T) {
	o, _ := newTestFailover(t)

	require.NoError(t, o.RegisterGroup("svc", StrategyWeighted, []Endpoint{
		{Name: "light", Weight: 1},
		{Name: "heavy", Weight: 10},
	}))

	for i := 0; i < 3; i++ {
		o.ReportFailure("svc", "heavy")
	}
	for i := 0; i < 50; i++ {
		ep, err := o.Pick("svc")
		require.NoError(t, err)
		require.Equal(t, "light", ep.Name)
	}
}

func TestRouteAndReportOutcome(t *testing.T) {
	o, _ := newTestFailover(t)

	require.NoError(t, o.RegisterGroup("svc", StrategyActivePassive, []Endpoint{
		{Name: "a", URL: "https://a", Priority: 1},
		{Name: "b", URL: "https://b", Priority: 2},
	}))

	name, url, err := o.Route("svc")
	require.NoError(t, err)
	require.Equal(t, "a", name)
	require.Equal(t, "https://a", url)

	for i := 0; i < 3; i++ {
		o.ReportOutcome("svc", "a", 10*time.Millisecond, errors.New("connection refused"))
	}
	name, _, err = o.Route("svc")
	require.NoError(t, err)
	require.Equal(t, "b", name)

	_, _, err = o.Route("ghost")
	require.ErrorIs(t, err, core.ErrNotFound)
}

func TestManualTriggerUnknownService(t *testing.T) {
	o, _ := newTestFailover(t)
	err := o.TriggerFailover(context.Background(), "ghost", "")
	require.ErrorIs(t, err, core.ErrNotFound)
}
