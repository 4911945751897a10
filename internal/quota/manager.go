package quota

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/nimasrn/message-dispatch/internal/model"
	"github.com/nimasrn/message-dispatch/pkg/logger"
)

const lockStripes = 64

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

const (
	ReasonSuspended    = "tenant suspended"
	ReasonDailyLimit   = "daily limit reached"
	ReasonMonthlyLimit = "monthly limit reached"
)

// ResetScope selects which usage windows ResetUsage zeroes.
type ResetScope string

const (
	ResetDaily   ResetScope = "daily"
	ResetMonthly ResetScope = "monthly"
	ResetBoth    ResetScope = "both"
)

// Manager enforces per-tenant send quotas. Usage counters are read and
// written from many queue workers concurrently, so every check-and-increment
// runs under a per-tenant striped mutex: two sends racing for the last unit
// of quota can never both pass.
type Manager struct {
	store TenantStore
	locks [lockStripes]sync.Mutex
	now   func() time.Time
}

func NewManager(store TenantStore) *Manager {
	return &Manager{store: store, now: time.Now}
}

// SetClock overrides the time source; window rollover tests use it.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

func (m *Manager) lock(tenantID int64) *sync.Mutex {
	h := fnv.New32a()
	fmt.Fprintf(h, "%d", tenantID)
	return &m.locks[h.Sum32()%lockStripes]
}

func (m *Manager) Tenant(ctx context.Context, id int64) (*model.Tenant, error) {
	return m.store.Get(ctx, id)
}

func (m *Manager) TenantByAPIKey(ctx context.Context, apiKey string) (*model.Tenant, error) {
	return m.store.GetByAPIKey(ctx, apiKey)
}

// CanSend answers whether count messages would be admitted right now,
// without consuming quota. A denial leaves usage untouched; a stale window
// is still rolled over, since rollover is lazily triggered by the first
// check of a new day or month.
func (m *Manager) CanSend(ctx context.Context, tenantID int64, count int64) (Decision, error) {
	mu := m.lock(tenantID)
	mu.Lock()
	defer mu.Unlock()

	tenant, err := m.store.Get(ctx, tenantID)
	if err != nil {
		return Decision{}, err
	}
	d, rolled := m.evaluate(tenant, count)
	if rolled {
		if err := m.store.Save(ctx, tenant); err != nil {
			return Decision{}, err
		}
	}
	return d, nil
}

// Reserve atomically checks and consumes quota for count messages. This is
// the admission path the dispatch engine uses; the check and the increment
// happen under the same tenant lock.
func (m *Manager) Reserve(ctx context.Context, tenantID int64, count int64) (Decision, error) {
	mu := m.lock(tenantID)
	mu.Lock()
	defer mu.Unlock()

	tenant, err := m.store.Get(ctx, tenantID)
	if err != nil {
		return Decision{}, err
	}
	d, rolled := m.evaluate(tenant, count)
	if !d.Allowed {
		if rolled {
			if err := m.store.Save(ctx, tenant); err != nil {
				return Decision{}, err
			}
		}
		return d, nil
	}

	tenant.Usage.Daily.Count += count
	tenant.Usage.Monthly.Count += count
	if err := m.store.Save(ctx, tenant); err != nil {
		return Decision{}, err
	}
	return d, nil
}

// Release gives back quota consumed by a Reserve whose work was never
// queued. Counters never go below zero; a window that rolled since the
// Reserve simply absorbs the release.
func (m *Manager) Release(ctx context.Context, tenantID int64, count int64) error {
	mu := m.lock(tenantID)
	mu.Lock()
	defer mu.Unlock()

	tenant, err := m.store.Get(ctx, tenantID)
	if err != nil {
		return err
	}
	tenant.RolloverUsage(m.now())
	if tenant.Usage.Daily.Count -= count; tenant.Usage.Daily.Count < 0 {
		tenant.Usage.Daily.Count = 0
	}
	if tenant.Usage.Monthly.Count -= count; tenant.Usage.Monthly.Count < 0 {
		tenant.Usage.Monthly.Count = 0
	}
	return m.store.Save(ctx, tenant)
}

// UpdateUsage increments both windows by count after rollover, without an
// admission check. Administrative/backfill path; normal sends go through
// Reserve.
func (m *Manager) UpdateUsage(ctx context.Context, tenantID int64, count int64) error {
	mu := m.lock(tenantID)
	mu.Lock()
	defer mu.Unlock()

	tenant, err := m.store.Get(ctx, tenantID)
	if err != nil {
		return err
	}
	tenant.RolloverUsage(m.now())
	tenant.Usage.Daily.Count += count
	tenant.Usage.Monthly.Count += count
	return m.store.Save(ctx, tenant)
}

// evaluate rolls stale windows and checks status + both limits, in that
// order. Caller holds the tenant lock.
func (m *Manager) evaluate(tenant *model.Tenant, count int64) (Decision, bool) {
	rolled := tenant.RolloverUsage(m.now())

	if tenant.Status == model.TenantSuspended {
		return Decision{Allowed: false, Reason: ReasonSuspended}, rolled
	}
	if tenant.Usage.Daily.Count+count > tenant.Quotas.DailyLimit {
		return Decision{Allowed: false, Reason: ReasonDailyLimit}, rolled
	}
	if tenant.Usage.Monthly.Count+count > tenant.Quotas.MonthlyLimit {
		return Decision{Allowed: false, Reason: ReasonMonthlyLimit}, rolled
	}
	return Decision{Allowed: true}, rolled
}

// ChangePlan swaps the tenant's quotas to the new tier's defaults. Current
// usage is preserved as-is.
func (m *Manager) ChangePlan(ctx context.Context, tenantID int64, plan model.Plan) error {
	mu := m.lock(tenantID)
	mu.Lock()
	defer mu.Unlock()

	tenant, err := m.store.Get(ctx, tenantID)
	if err != nil {
		return err
	}
	tenant.Plan = plan
	tenant.Quotas = QuotasForPlan(plan)
	if err := m.store.Save(ctx, tenant); err != nil {
		return err
	}
	logger.Info("tenant plan changed", "tenant_id", tenantID, "plan", string(plan))
	return nil
}

// ChangeStatus toggles the tenant gate. Suspension takes effect on the very
// next admission check.
func (m *Manager) ChangeStatus(ctx context.Context, tenantID int64, status model.TenantStatus) error {
	mu := m.lock(tenantID)
	mu.Lock()
	defer mu.Unlock()

	tenant, err := m.store.Get(ctx, tenantID)
	if err != nil {
		return err
	}
	tenant.Status = status
	if err := m.store.Save(ctx, tenant); err != nil {
		return err
	}
	logger.Info("tenant status changed", "tenant_id", tenantID, "status", string(status))
	return nil
}

// ResetUsage zeroes counters outside the normal rollover path.
func (m *Manager) ResetUsage(ctx context.Context, tenantID int64, scope ResetScope) error {
	mu := m.lock(tenantID)
	mu.Lock()
	defer mu.Unlock()

	tenant, err := m.store.Get(ctx, tenantID)
	if err != nil {
		return err
	}
	now := m.now()
	switch scope {
	case ResetDaily:
		tenant.Usage.Daily = model.UsageWindow{Window: now.Format(model.DayWindowLayout)}
	case ResetMonthly:
		tenant.Usage.Monthly = model.UsageWindow{Window: now.Format(model.MonthWindowLayout)}
	case ResetBoth:
		tenant.Usage.Daily = model.UsageWindow{Window: now.Format(model.DayWindowLayout)}
		tenant.Usage.Monthly = model.UsageWindow{Window: now.Format(model.MonthWindowLayout)}
	default:
		return fmt.Errorf("%w: unknown reset scope %q", model.ErrValidation, scope)
	}
	return m.store.Save(ctx, tenant)
}
