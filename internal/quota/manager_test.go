package quota

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nimasrn/message-dispatch/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, quotas model.Quotas) (*Manager, *model.Tenant) {
	t.Helper()
	store := NewMemoryStore()
	tenant, err := store.Create(context.Background(), &model.Tenant{
		APIKey: "key-" + t.Name(),
		Plan:   model.PlanBasic,
		Status: model.TenantActive,
		Quotas: quotas,
	})
	require.NoError(t, err)

	m := NewManager(store)
	return m, tenant
}

func TestManager_CanSend(t *testing.T) {
	ctx := context.Background()

	t.Run("allows within limits and consumes nothing", func(t *testing.T) {
		m, tenant := newTestManager(t, model.Quotas{DailyLimit: 10, MonthlyLimit: 100})

		d, err := m.CanSend(ctx, tenant.ID, 10)
		require.NoError(t, err)
		assert.True(t, d.Allowed)

		// Probe again with the same count: nothing was consumed.
		d, err = m.CanSend(ctx, tenant.ID, 10)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	})

	t.Run("denies over daily limit", func(t *testing.T) {
		m, tenant := newTestManager(t, model.Quotas{DailyLimit: 5, MonthlyLimit: 100})

		d, err := m.CanSend(ctx, tenant.ID, 6)
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.Equal(t, ReasonDailyLimit, d.Reason)
	})

	t.Run("denies over monthly limit", func(t *testing.T) {
		m, tenant := newTestManager(t, model.Quotas{DailyLimit: 100, MonthlyLimit: 5})

		d, err := m.CanSend(ctx, tenant.ID, 6)
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.Equal(t, ReasonMonthlyLimit, d.Reason)
	})

	t.Run("denies suspended tenant regardless of quota", func(t *testing.T) {
		m, tenant := newTestManager(t, model.Quotas{DailyLimit: 100, MonthlyLimit: 100})
		require.NoError(t, m.ChangeStatus(ctx, tenant.ID, model.TenantSuspended))

		d, err := m.CanSend(ctx, tenant.ID, 1)
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.Equal(t, ReasonSuspended, d.Reason)
	})

	t.Run("unknown tenant", func(t *testing.T) {
		m, _ := newTestManager(t, model.Quotas{DailyLimit: 1, MonthlyLimit: 1})
		_, err := m.CanSend(ctx, 9999, 1)
		assert.ErrorIs(t, err, model.ErrTenantNotFound)
	})
}

func TestManager_Reserve(t *testing.T) {
	ctx := context.Background()

	t.Run("consumes both windows", func(t *testing.T) {
		m, tenant := newTestManager(t, model.Quotas{DailyLimit: 10, MonthlyLimit: 100})

		d, err := m.Reserve(ctx, tenant.ID, 4)
		require.NoError(t, err)
		assert.True(t, d.Allowed)

		got, err := m.Tenant(ctx, tenant.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(4), got.Usage.Daily.Count)
		assert.Equal(t, int64(4), got.Usage.Monthly.Count)
	})

	t.Run("denial leaves usage untouched", func(t *testing.T) {
		m, tenant := newTestManager(t, model.Quotas{DailyLimit: 3, MonthlyLimit: 100})

		d, err := m.Reserve(ctx, tenant.ID, 3)
		require.NoError(t, err)
		require.True(t, d.Allowed)

		d, err = m.Reserve(ctx, tenant.ID, 1)
		require.NoError(t, err)
		assert.False(t, d.Allowed)

		got, err := m.Tenant(ctx, tenant.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(3), got.Usage.Daily.Count)
	})

	t.Run("last unit goes to exactly one of two racers", func(t *testing.T) {
		m, tenant := newTestManager(t, model.Quotas{DailyLimit: 1, MonthlyLimit: 100})

		const racers = 16
		allowed := make([]bool, racers)
		var wg sync.WaitGroup
		for i := 0; i < racers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				d, err := m.Reserve(ctx, tenant.ID, 1)
				assert.NoError(t, err)
				allowed[i] = d.Allowed
			}(i)
		}
		wg.Wait()

		wins := 0
		for _, ok := range allowed {
			if ok {
				wins++
			}
		}
		assert.Equal(t, 1, wins)

		got, err := m.Tenant(ctx, tenant.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(1), got.Usage.Daily.Count)
	})
}

func TestManager_Release(t *testing.T) {
	ctx := context.Background()

	t.Run("gives back both windows", func(t *testing.T) {
		m, tenant := newTestManager(t, model.Quotas{DailyLimit: 10, MonthlyLimit: 100})

		d, err := m.Reserve(ctx, tenant.ID, 4)
		require.NoError(t, err)
		require.True(t, d.Allowed)

		require.NoError(t, m.Release(ctx, tenant.ID, 4))

		got, err := m.Tenant(ctx, tenant.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(0), got.Usage.Daily.Count)
		assert.Equal(t, int64(0), got.Usage.Monthly.Count)
	})

	t.Run("released quota is reservable again", func(t *testing.T) {
		m, tenant := newTestManager(t, model.Quotas{DailyLimit: 1, MonthlyLimit: 100})

		d, err := m.Reserve(ctx, tenant.ID, 1)
		require.NoError(t, err)
		require.True(t, d.Allowed)

		require.NoError(t, m.Release(ctx, tenant.ID, 1))

		d, err = m.Reserve(ctx, tenant.ID, 1)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	})

	t.Run("never goes below zero", func(t *testing.T) {
		m, tenant := newTestManager(t, model.Quotas{DailyLimit: 10, MonthlyLimit: 100})

		require.NoError(t, m.Release(ctx, tenant.ID, 5))

		got, err := m.Tenant(ctx, tenant.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(0), got.Usage.Daily.Count)
		assert.Equal(t, int64(0), got.Usage.Monthly.Count)
	})

	t.Run("unknown tenant", func(t *testing.T) {
		m, _ := newTestManager(t, model.Quotas{DailyLimit: 1, MonthlyLimit: 1})
		assert.ErrorIs(t, m.Release(ctx, 9999, 1), model.ErrTenantNotFound)
	})
}

func TestManager_WindowRollover(t *testing.T) {
	ctx := context.Background()
	m, tenant := newTestManager(t, model.Quotas{DailyLimit: 5, MonthlyLimit: 8})

	day1 := mustParse(t, "2026-08-30T12:00:00Z")
	m.SetClock(func() time.Time { return day1 })

	d, err := m.Reserve(ctx, tenant.ID, 5)
	require.NoError(t, err)
	require.True(t, d.Allowed)

	d, err = m.Reserve(ctx, tenant.ID, 1)
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Equal(t, ReasonDailyLimit, d.Reason)

	// Next day: the daily window resets, the monthly one keeps counting.
	day2 := mustParse(t, "2026-08-31T00:00:01Z")
	m.SetClock(func() time.Time { return day2 })

	d, err = m.Reserve(ctx, tenant.ID, 3)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = m.Reserve(ctx, tenant.ID, 1)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonMonthlyLimit, d.Reason)

	// New month clears the monthly counter too.
	month2 := mustParse(t, "2026-09-01T00:00:01Z")
	m.SetClock(func() time.Time { return month2 })

	d, err = m.Reserve(ctx, tenant.ID, 5)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestManager_ChangePlan(t *testing.T) {
	ctx := context.Background()
	m, tenant := newTestManager(t, QuotasForPlan(model.PlanBasic))

	d, err := m.Reserve(ctx, tenant.ID, 100)
	require.NoError(t, err)
	require.True(t, d.Allowed)

	require.NoError(t, m.ChangePlan(ctx, tenant.ID, model.PlanPremium))

	got, err := m.Tenant(ctx, tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PlanPremium, got.Plan)
	assert.Equal(t, QuotasForPlan(model.PlanPremium), got.Quotas)
	// Usage survives the tier change.
	assert.Equal(t, int64(100), got.Usage.Daily.Count)
}

func TestManager_ResetUsage(t *testing.T) {
	ctx := context.Background()
	m, tenant := newTestManager(t, model.Quotas{DailyLimit: 100, MonthlyLimit: 100})

	d, err := m.Reserve(ctx, tenant.ID, 50)
	require.NoError(t, err)
	require.True(t, d.Allowed)

	require.NoError(t, m.ResetUsage(ctx, tenant.ID, ResetDaily))
	got, err := m.Tenant(ctx, tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.Usage.Daily.Count)
	assert.Equal(t, int64(50), got.Usage.Monthly.Count)

	require.NoError(t, m.ResetUsage(ctx, tenant.ID, ResetBoth))
	got, err = m.Tenant(ctx, tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.Usage.Monthly.Count)

	err = m.ResetUsage(ctx, tenant.ID, ResetScope("weekly"))
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestQuotasForPlan(t *testing.T) {
	assert.Equal(t, int64(1_000), QuotasForPlan(model.PlanBasic).DailyLimit)
	assert.Equal(t, int64(10_000), QuotasForPlan(model.PlanPremium).DailyLimit)
	assert.Equal(t, int64(100_000), QuotasForPlan(model.PlanEnterprise).DailyLimit)
	assert.Equal(t, QuotasForPlan(model.PlanBasic), QuotasForPlan(model.Plan("bogus")))
}

func mustParse(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	require.NoError(t, err)
	return ts
}
