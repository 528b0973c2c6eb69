package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNoOrder is returned when an instrument has no open order record.
var ErrNoOrder = errors.New("no open order recorded")

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// Orders

func (r *Repository) SaveOrder(ctx context.Context, order *OrderRecord) error {
	return r.db.WithContext(ctx).Create(order).Error
}

// GetOpenOrder returns the newest pending or active order of instrument.
func (r *Repository) GetOpenOrder(ctx context.Context, instrument string) (*OrderRecord, error) {
	var order OrderRecord
	err := r.db.WithContext(ctx).
		Where("instrument = ? AND status IN ?", instrument, []string{OrderPending, OrderActive}).
		Order("created_at DESC").First(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNoOrder
	}
	if err != nil {
		return nil, fmt.Errorf("get open order %s: %w", instrument, err)
	}
	return &order, nil
}

func (r *Repository) ListOpenOrders(ctx context.Context) ([]OrderRecord, error) {
	var orders []OrderRecord
	err := r.db.WithContext(ctx).
		Where("status IN ?", []string{OrderPending, OrderActive}).
		Order("created_at ASC").Find(&orders).Error
	return orders, err
}

func (r *Repository) GetRecentOrders(ctx context.Context, limit int) ([]OrderRecord, error) {
	var orders []OrderRecord
	err := r.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&orders).Error
	return orders, err
}

// ActivateOrder marks a pending order as filled.
func (r *Repository) ActivateOrder(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).Model(&OrderRecord{}).
		Where("id = ? AND status = ?", id, OrderPending).
		Update("status", OrderActive).Error
}

// FinishOrder moves an open order to closed or cancelled.
func (r *Repository) FinishOrder(ctx context.Context, id uint, status, reason string, pnl float64, at time.Time) error {
	if status != OrderClosed && status != OrderCancelled {
		return fmt.Errorf("finish order %d: invalid status %q", id, status)
	}
	return r.db.WithContext(ctx).Model(&OrderRecord{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":       status,
			"close_reason": reason,
			"pnl":          pnl,
			"closed_at":    at,
		}).Error
}

func (r *Repository) GetTodayPnL(ctx context.Context, since time.Time) (float64, error) {
	var total float64
	err := r.db.WithContext(ctx).Model(&OrderRecord{}).
		Where("status = ? AND closed_at >= ?", OrderClosed, since).
		Select("COALESCE(SUM(pnl), 0)").Scan(&total).Error
	return total, err
}

// Analysis Logs

func (r *Repository) SaveAnalysisLog(ctx context.Context, log *AnalysisLog) error {
	return r.db.WithContext(ctx).Create(log).Error
}

func (r *Repository) GetAnalysisLogs(ctx context.Context, instrument string, limit int) ([]AnalysisLog, error) {
	var logs []AnalysisLog
	q := r.db.WithContext(ctx).Order("created_at DESC").Limit(limit)
	if instrument != "" {
		q = q.Where("instrument = ?", instrument)
	}
	err := q.Find(&logs).Error
	return logs, err
}

// Breaker

// GetBreaker returns the breaker row of day, zero-valued when absent.
func (r *Repository) GetBreaker(ctx context.Context, day string) (*BreakerState, error) {
	var st BreakerState
	err := r.db.WithContext(ctx).Where("day = ?", day).Take(&st).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &BreakerState{Day: day}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get breaker %s: %w", day, err)
	}
	return &st, nil
}

func (r *Repository) SaveBreaker(ctx context.Context, st *BreakerState) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "day"}},
		DoUpdates: clause.AssignmentColumns([]string{"updated_at", "consecutive_losses", "tripped"}),
	}).Create(st).Error
}

// Settings

func (r *Repository) GetSetting(ctx context.Context, key, def string) (string, error) {
	var s Setting
	err := r.db.WithContext(ctx).Where("name = ?", key).Take(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return def, nil
	}
	if err != nil {
		return def, fmt.Errorf("get setting %s: %w", key, err)
	}
	return s.Value, nil
}

func (r *Repository) SetSetting(ctx context.Context, key, value string) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"updated_at", "value"}),
	}).Create(&Setting{Name: key, Value: value}).Error
}

func (r *Repository) GetBool(ctx context.Context, key string, def bool) (bool, error) {
	d := "false"
	if def {
		d = "true"
	}
	v, err := r.GetSetting(ctx, key, d)
	return v == "true", err
}

func (r *Repository) SetBool(ctx context.Context, key string, v bool) error {
	if v {
		return r.SetSetting(ctx, key, "true")
	}
	return r.SetSetting(ctx, key, "false")
}
