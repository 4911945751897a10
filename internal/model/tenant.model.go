package model

import "time"

type Plan string

const (
	PlanBasic      Plan = "basic"
	PlanPremium    Plan = "premium"
	PlanEnterprise Plan = "enterprise"
)

type TenantStatus string

const (
	TenantActive    TenantStatus = "active"
	TenantSuspended TenantStatus = "suspended"
	TenantTrial     TenantStatus = "trial"
)

type Quotas struct {
	DailyLimit   int64 `json:"daily_limit"`
	MonthlyLimit int64 `json:"monthly_limit"`
}

// UsageWindow is one rolling counter. Window is the day ("2006-01-02") or
// month ("2006-01") the count belongs to; a mismatch with the current window
// means the counter is stale and must be zeroed before any increment.
type UsageWindow struct {
	Count  int64  `json:"count"`
	Window string `json:"window"`
}

type Usage struct {
	Daily   UsageWindow `json:"daily"`
	Monthly UsageWindow `json:"monthly"`
}

// Tenant is one API customer. Usage counters only ever grow except via the
// lazy window rollover or an explicit administrative reset.
type Tenant struct {
	ID     int64        `json:"id"`
	APIKey string       `json:"api_key"`
	Plan   Plan         `json:"plan"`
	Status TenantStatus `json:"status"`
	Quotas Quotas       `json:"quotas"`
	Usage  Usage        `json:"usage"`
}

const (
	DayWindowLayout   = "2006-01-02"
	MonthWindowLayout = "2006-01"
)

// RolloverUsage lazily resets stale windows against now. Returns true when
// either window was reset.
func (t *Tenant) RolloverUsage(now time.Time) bool {
	changed := false
	if day := now.Format(DayWindowLayout); t.Usage.Daily.Window != day {
		t.Usage.Daily = UsageWindow{Count: 0, Window: day}
		changed = true
	}
	if month := now.Format(MonthWindowLayout); t.Usage.Monthly.Window != month {
		t.Usage.Monthly = UsageWindow{Count: 0, Window: month}
		changed = true
	}
	return changed
}
