package repository

import (
	"context"
	"errors"

	"github.com/nimasrn/message-dispatch/internal/model"
	"github.com/nimasrn/message-dispatch/pkg/pg"
	"gorm.io/gorm"
)

var ErrDuplicateAPIKey = errors.New("api key already exists")

// TenantRepository is the gorm-backed quota.TenantStore. Lookup reads go to
// the read replica; Get serves the quota read-modify-write cycle and must
// see the primary, or replication lag would let a tenant re-spend usage the
// replica has not caught up with. Callers that need several operations in
// one transaction wrap them with WithinTransaction.
type TenantRepository struct {
	*pg.DB
}

func NewTenantRepository(db *pg.DB) *TenantRepository {
	return &TenantRepository{
		db,
	}
}

func (r *TenantRepository) Get(ctx context.Context, id int64) (*model.Tenant, error) {
	var entity TenantEntity
	err := r.Write(ctx).WithContext(ctx).
		Where("id = ?", id).
		First(&entity).
		Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, model.ErrTenantNotFound
		}
		return nil, err
	}
	return toTenantModel(&entity), nil
}

func (r *TenantRepository) GetByAPIKey(ctx context.Context, apiKey string) (*model.Tenant, error) {
	var entity TenantEntity
	err := r.Read(ctx).WithContext(ctx).
		Where("api_key = ?", apiKey).
		First(&entity).
		Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, model.ErrInvalidAPIKey
		}
		return nil, err
	}
	return toTenantModel(&entity), nil
}

func (r *TenantRepository) Save(ctx context.Context, t *model.Tenant) error {
	entity := toTenantEntity(t)
	result := r.Write(ctx).WithContext(ctx).
		Model(&TenantEntity{}).
		Where("id = ?", entity.ID).
		Updates(map[string]interface{}{
			"api_key":        entity.APIKey,
			"plan":           entity.Plan,
			"status":         entity.Status,
			"daily_limit":    entity.DailyLimit,
			"monthly_limit":  entity.MonthlyLimit,
			"daily_count":    entity.DailyCount,
			"daily_window":   entity.DailyWindow,
			"monthly_count":  entity.MonthlyCount,
			"monthly_window": entity.MonthlyWindow,
		})

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return model.ErrTenantNotFound
	}
	return nil
}

func (r *TenantRepository) Create(ctx context.Context, t *model.Tenant) (*model.Tenant, error) {
	var existing TenantEntity
	err := r.Write(ctx).WithContext(ctx).
		Where("api_key = ?", t.APIKey).
		First(&existing).
		Error
	if err == nil {
		return nil, ErrDuplicateAPIKey
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	entity := toTenantEntity(t)
	if err := r.Write(ctx).WithContext(ctx).Create(entity).Error; err != nil {
		return nil, err
	}
	return toTenantModel(entity), nil
}

func (r *TenantRepository) List(ctx context.Context, limit, offset int) ([]*model.Tenant, error) {
	var entities []*TenantEntity
	err := r.Read(ctx).WithContext(ctx).
		Order("id ASC").
		Limit(limit).
		Offset(offset).
		Find(&entities).
		Error

	if err != nil {
		return nil, err
	}
	return toTenantModels(entities), nil
}

func (r *TenantRepository) Delete(ctx context.Context, id int64) error {
	result := r.Write(ctx).WithContext(ctx).
		Where("id = ?", id).
		Delete(&TenantEntity{})

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return model.ErrTenantNotFound
	}
	return nil
}
