package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/camuig/po3-trader/internal/po3"
)

// ErrLocked is returned by Reset when a stage run holds the context.
var ErrLocked = errors.New("context is locked by a running stage")

// ContextStore persists one po3.Context per instrument and trading day.
type ContextStore struct {
	db  *gorm.DB
	loc *time.Location
	now func() time.Time
}

func NewContextStore(db *gorm.DB, loc *time.Location) *ContextStore {
	if loc == nil {
		loc = time.UTC
	}
	return &ContextStore{db: db, loc: loc, now: time.Now}
}

// WithClock replaces the wall clock; used by tests and replays.
func (s *ContextStore) WithClock(now func() time.Time) *ContextStore {
	s.now = now
	return s
}

func (s *ContextStore) Today() string {
	return po3.TradingDay(s.now(), s.loc)
}

// Get returns today's context for instrument, creating a fresh one on the
// first access of a trading day. Contexts of earlier days are never returned.
func (s *ContextStore) Get(ctx context.Context, instrument string) (*po3.Context, error) {
	day := s.Today()

	rec, err := s.load(ctx, instrument, day)
	if err == nil {
		return rec.toDomain()
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("load context %s: %w", instrument, err)
	}

	fresh, err := fromDomain(po3.NewContext(instrument, day))
	if err != nil {
		return nil, err
	}
	// Concurrent first readers race on the insert; the loser keeps the winner's row.
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(fresh).Error; err != nil {
		return nil, fmt.Errorf("create context %s: %w", instrument, err)
	}

	rec, err = s.load(ctx, instrument, day)
	if err != nil {
		return nil, fmt.Errorf("reload context %s: %w", instrument, err)
	}
	return rec.toDomain()
}

// Save overwrites the stored context keyed by instrument and trading day.
func (s *ContextStore) Save(ctx context.Context, c *po3.Context) error {
	if c.TradingDay == "" {
		return fmt.Errorf("save context %s: trading day is empty", c.Instrument)
	}
	rec, err := fromDomain(c)
	if err != nil {
		return err
	}
	rec.UpdatedAt = s.now()

	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "instrument"}, {Name: "trading_day"}},
		DoUpdates: clause.AssignmentColumns([]string{"updated_at", "status", "locked", "trade_state", "error_log", "bias", "manipulation", "entry"}),
	}).Create(rec).Error
	if err != nil {
		return fmt.Errorf("save context %s: %w", c.Instrument, err)
	}
	return nil
}

// TryLock sets the lock and moves the status from -> enter in one statement.
// It reports false when another run holds the lock or the status moved on
// since the caller read it.
func (s *ContextStore) TryLock(ctx context.Context, instrument, day string, from, enter po3.Status) (bool, error) {
	res := s.db.WithContext(ctx).Model(&ContextRecord{}).
		Where("instrument = ? AND trading_day = ? AND locked = ? AND status = ?", instrument, day, false, string(from)).
		Updates(map[string]any{
			"locked":     true,
			"status":     string(enter),
			"updated_at": s.now(),
		})
	if res.Error != nil {
		return false, fmt.Errorf("lock context %s: %w", instrument, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// Unlock clears the lock flag only; the fallback when a full Save fails.
func (s *ContextStore) Unlock(ctx context.Context, instrument, day string) error {
	err := s.db.WithContext(ctx).Model(&ContextRecord{}).
		Where("instrument = ? AND trading_day = ?", instrument, day).
		Updates(map[string]any{"locked": false, "updated_at": s.now()}).Error
	if err != nil {
		return fmt.Errorf("unlock context %s: %w", instrument, err)
	}
	return nil
}

// CompareAndSetStatus moves an unlocked context from one status to another.
func (s *ContextStore) CompareAndSetStatus(ctx context.Context, instrument, day string, from, to po3.Status) (bool, error) {
	res := s.db.WithContext(ctx).Model(&ContextRecord{}).
		Where("instrument = ? AND trading_day = ? AND locked = ? AND status = ?", instrument, day, false, string(from)).
		Updates(map[string]any{"status": string(to), "updated_at": s.now()})
	if res.Error != nil {
		return false, fmt.Errorf("set status %s: %w", instrument, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// Reset replaces today's context with a fresh one. A locked context is only
// reset with force, which is how an operator recovers a stuck lock.
func (s *ContextStore) Reset(ctx context.Context, instrument string, force bool) (*po3.Context, error) {
	cur, err := s.Get(ctx, instrument)
	if err != nil {
		return nil, err
	}
	if cur.Locked && !force {
		return nil, ErrLocked
	}
	fresh := po3.NewContext(instrument, cur.TradingDay)
	if err := s.Save(ctx, fresh); err != nil {
		return nil, err
	}
	fresh.UpdatedAt = s.now()
	return fresh, nil
}

// List returns today's context of every instrument, in the given order.
func (s *ContextStore) List(ctx context.Context, instruments []string) ([]*po3.Context, error) {
	out := make([]*po3.Context, 0, len(instruments))
	for _, inst := range instruments {
		c, err := s.Get(ctx, inst)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// ReleaseStaleLocks clears locks left by a process that died mid-run. Only
// safe at startup, before any runner exists.
func (s *ContextStore) ReleaseStaleLocks(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).Model(&ContextRecord{}).
		Where("locked = ?", true).
		Updates(map[string]any{
			"locked":     false,
			"error_log":  "lock released at startup",
			"updated_at": s.now(),
		})
	if res.Error != nil {
		return 0, fmt.Errorf("release stale locks: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// History returns stored contexts of an instrument, newest day first.
func (s *ContextStore) History(ctx context.Context, instrument string, limit int) ([]*po3.Context, error) {
	var recs []ContextRecord
	err := s.db.WithContext(ctx).Where("instrument = ?", instrument).
		Order("trading_day DESC").Limit(limit).Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("context history %s: %w", instrument, err)
	}
	out := make([]*po3.Context, 0, len(recs))
	for i := range recs {
		c, err := recs[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *ContextStore) load(ctx context.Context, instrument, day string) (*ContextRecord, error) {
	var rec ContextRecord
	err := s.db.WithContext(ctx).
		Where("instrument = ? AND trading_day = ?", instrument, day).
		Take(&rec).Error
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func fromDomain(c *po3.Context) (*ContextRecord, error) {
	rec := &ContextRecord{
		Instrument: c.Instrument,
		TradingDay: c.TradingDay,
		Status:     string(c.Status),
		Locked:     c.Locked,
		TradeState: string(c.TradeState),
		ErrorLog:   c.ErrorLog,
		UpdatedAt:  c.UpdatedAt,
	}
	if rec.TradeState == "" {
		rec.TradeState = string(po3.TradeNone)
	}
	var err error
	if rec.Bias, err = marshalOutput(c.Bias); err != nil {
		return nil, fmt.Errorf("encode bias: %w", err)
	}
	if rec.Manipulation, err = marshalOutput(c.Manipulation); err != nil {
		return nil, fmt.Errorf("encode manipulation: %w", err)
	}
	if rec.Entry, err = marshalOutput(c.Entry); err != nil {
		return nil, fmt.Errorf("encode entry: %w", err)
	}
	return rec, nil
}

func (r *ContextRecord) toDomain() (*po3.Context, error) {
	c := &po3.Context{
		Instrument: r.Instrument,
		TradingDay: r.TradingDay,
		Status:     po3.Status(r.Status),
		Locked:     r.Locked,
		TradeState: po3.TradeState(r.TradeState),
		ErrorLog:   r.ErrorLog,
		UpdatedAt:  r.UpdatedAt,
	}
	if !c.Status.Valid() {
		return nil, fmt.Errorf("context %s/%s has unknown status %q", r.Instrument, r.TradingDay, r.Status)
	}
	if present(r.Bias) {
		c.Bias = &po3.BiasOutput{}
		if err := json.Unmarshal(r.Bias, c.Bias); err != nil {
			return nil, fmt.Errorf("decode bias: %w", err)
		}
	}
	if present(r.Manipulation) {
		c.Manipulation = &po3.ManipulationOutput{}
		if err := json.Unmarshal(r.Manipulation, c.Manipulation); err != nil {
			return nil, fmt.Errorf("decode manipulation: %w", err)
		}
	}
	if present(r.Entry) {
		c.Entry = &po3.EntryOutput{}
		if err := json.Unmarshal(r.Entry, c.Entry); err != nil {
			return nil, fmt.Errorf("decode entry: %w", err)
		}
	}
	return c, nil
}

// nullJSON keeps the columns non-NULL so scans always see text.
var nullJSON = datatypes.JSON("null")

func marshalOutput[T any](v *T) (datatypes.JSON, error) {
	if v == nil {
		return nullJSON, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(b), nil
}

func present(j datatypes.JSON) bool {
	return len(j) > 0 && string(j) != string(nullJSON)
}
