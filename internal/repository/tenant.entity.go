package repository

import (
	"github.com/nimasrn/message-dispatch/internal/model"
)

type TenantEntity struct {
	ID            int64  `db:"id"             gorm:"primaryKey;autoIncrement;column:id"`
	APIKey        string `db:"api_key"        gorm:"column:api_key;not null;unique"`
	Plan          string `db:"plan"           gorm:"column:plan;not null;default:basic"`
	Status        string `db:"status"         gorm:"column:status;not null;default:active"`
	DailyLimit    int64  `db:"daily_limit"    gorm:"column:daily_limit;not null;default:0"`
	MonthlyLimit  int64  `db:"monthly_limit"  gorm:"column:monthly_limit;not null;default:0"`
	DailyCount    int64  `db:"daily_count"    gorm:"column:daily_count;not null;default:0"`
	DailyWindow   string `db:"daily_window"   gorm:"column:daily_window"`
	MonthlyCount  int64  `db:"monthly_count"  gorm:"column:monthly_count;not null;default:0"`
	MonthlyWindow string `db:"monthly_window" gorm:"column:monthly_window"`
}

func (TenantEntity) TableName() string {
	return "tenants"
}

func toTenantEntity(m *model.Tenant) *TenantEntity {
	if m == nil {
		return nil
	}
	return &TenantEntity{
		ID:            m.ID,
		APIKey:        m.APIKey,
		Plan:          string(m.Plan),
		Status:        string(m.Status),
		DailyLimit:    m.Quotas.DailyLimit,
		MonthlyLimit:  m.Quotas.MonthlyLimit,
		DailyCount:    m.Usage.Daily.Count,
		DailyWindow:   m.Usage.Daily.Window,
		MonthlyCount:  m.Usage.Monthly.Count,
		MonthlyWindow: m.Usage.Monthly.Window,
	}
}

func toTenantModel(e *TenantEntity) *model.Tenant {
	if e == nil {
		return nil
	}
	return &model.Tenant{
		ID:     e.ID,
		APIKey: e.APIKey,
		Plan:   model.Plan(e.Plan),
		Status: model.TenantStatus(e.Status),
		Quotas: model.Quotas{
			DailyLimit:   e.DailyLimit,
			MonthlyLimit: e.MonthlyLimit,
		},
		Usage: model.Usage{
			Daily:   model.UsageWindow{Count: e.DailyCount, Window: e.DailyWindow},
			Monthly: model.UsageWindow{Count: e.MonthlyCount, Window: e.MonthlyWindow},
		},
	}
}

func toTenantModels(entities []*TenantEntity) []*model.Tenant {
	if entities == nil {
		return nil
	}
	models := make([]*model.Tenant, len(entities))
	for i, e := range entities {
		models[i] = toTenantModel(e)
	}
	return models
}
