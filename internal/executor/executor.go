package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/camuig/po3-trader/internal/breaker"
	"github.com/camuig/po3-trader/internal/broker"
	"github.com/camuig/po3-trader/internal/config"
	"github.com/camuig/po3-trader/internal/logger"
	"github.com/camuig/po3-trader/internal/metrics"
	"github.com/camuig/po3-trader/internal/po3"
	"github.com/camuig/po3-trader/internal/storage"
)

// Notifier delivers operator messages.
type Notifier interface {
	Broadcast(text string)
}

type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Result is what Route did with a decision. Message is meant for the
// operator; the stage runner folds it into the run notification. Notify
// asks for that notification even when the level is info and nothing changed.
type Result struct {
	Outcome po3.RouteOutcome
	Ticket  string
	Level   Level
	Message string
	Notify  bool
	Err     error
}

type Executor struct {
	broker   broker.Client
	repo     *storage.Repository
	breaker  *breaker.Breaker
	notifier Notifier
	config   *config.Config
	logger   *logger.Logger
	now      func() time.Time
}

func NewExecutor(
	bc broker.Client,
	repo *storage.Repository,
	brk *breaker.Breaker,
	notifier Notifier,
	cfg *config.Config,
	log *logger.Logger,
) *Executor {
	return &Executor{
		broker:   bc,
		repo:     repo,
		breaker:  brk,
		notifier: notifier,
		config:   cfg,
		logger:   log,
		now:      time.Now,
	}
}

type runIDKey struct{}

// WithRunID tags ctx with the stage run that produced the decision.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey{}, id)
}

func runID(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey{}).(string)
	return id
}

// Route maps a decision to broker actions. It never panics; failures come
// back as a FAILED result.
func (e *Executor) Route(ctx context.Context, instrument string, d po3.TradeDecision, c *po3.Context) (res Result) {
	log := e.logger.With("instrument", instrument, "decision", d.Label, "run_id", runID(ctx))

	defer func() {
		if r := recover(); r != nil {
			log.Error("panic in decision router", "panic", fmt.Sprint(r))
			res = Result{
				Outcome: po3.RouteFailed,
				Level:   LevelError,
				Err:     fmt.Errorf("panic routing %s: %v", d.Label, r),
			}
			res.Message = res.Err.Error()
		}
		metrics.RoutedDecisions.WithLabelValues(string(d.Label), string(res.Outcome)).Inc()
	}()

	switch {
	case d.Label.IsOpen():
		return e.open(ctx, log, instrument, d, c)
	case d.Label.IsClose():
		return e.closeInstrument(ctx, log, instrument, d)
	case d.Label.IsPassive():
		log.Info("no action", "reason", d.Reason)
		return Result{Outcome: po3.RouteNoAction, Level: LevelInfo, Message: fmt.Sprintf("%s: %s", d.Label, orDefault(d.Reason, "no reason given"))}
	default:
		log.Warn("unrecognized decision label", "reason", d.Reason)
		return Result{
			Outcome: po3.RouteIgnored,
			Level:   LevelWarn,
			Message: fmt.Sprintf("unrecognized decision %q ignored", d.Label),
		}
	}
}

func (e *Executor) open(ctx context.Context, log *logger.Logger, instrument string, d po3.TradeDecision, c *po3.Context) Result {
	dir, ok := d.EffectiveDirection()
	if !ok {
		return failed(fmt.Errorf("%s decision for %s has no direction", d.Label, instrument))
	}
	if err := validateStops(dir, d); err != nil {
		return failed(fmt.Errorf("%s %s: %w", dir, instrument, err))
	}

	existing, err := e.repo.GetOpenOrder(ctx, instrument)
	switch {
	case err == nil:
		log.Warn("entry blocked, order already open", "ticket", existing.Ticket)
		return Result{
			Outcome: po3.RouteBlocked,
			Ticket:  existing.Ticket,
			Level:   LevelWarn,
			Message: fmt.Sprintf("entry skipped: order %s already open for %s", existing.Ticket, instrument),
		}
	case !errors.Is(err, storage.ErrNoOrder):
		return failed(err)
	}

	if tripped, err := e.breaker.Tripped(ctx); err != nil {
		return failed(fmt.Errorf("check circuit breaker: %w", err))
	} else if tripped {
		log.Warn("entry blocked by circuit breaker")
		return Result{
			Outcome: po3.RouteBlocked,
			Level:   LevelWarn,
			Message: "entry skipped: circuit breaker tripped after consecutive losses",
		}
	}

	requestID := uuid.NewString()
	spec := broker.OrderSpec{
		Symbol:     instrument,
		Direction:  dir,
		Volume:     e.config.Trading.Volume,
		Price:      d.Price,
		StopLoss:   d.StopLoss,
		TakeProfit: d.TakeProfit,
		Comment:    "po3 " + requestID[:8],
		RequestID:  requestID,
	}

	h, err := e.broker.OpenOrder(ctx, spec)
	if err != nil {
		log.Error("open order failed", "error", err)
		return failed(fmt.Errorf("open %s %s: %w", dir, instrument, err))
	}
	if h == nil || strings.TrimSpace(h.Ticket) == "" {
		log.Error("broker accepted order without a ticket")
		return failed(fmt.Errorf("open %s %s: %w", dir, instrument, broker.ErrMissingHandle))
	}

	var day string
	if c != nil {
		day = c.TradingDay
	}
	status := storage.OrderActive
	if h.Pending {
		status = storage.OrderPending
	}
	rec := &storage.OrderRecord{
		RunID:        runID(ctx),
		Instrument:   instrument,
		TradingDay:   day,
		Ticket:       h.Ticket,
		Direction:    string(dir),
		OrderType:    h.OrderType,
		Volume:       spec.Volume,
		Price:        h.Price,
		StopLoss:     d.StopLoss,
		TakeProfit:   d.TakeProfit,
		StopOrderIDs: strings.Join(h.StopOrderIDs, ","),
		Status:       status,
	}

	msg := fmt.Sprintf("%s %s %s @ %.5f sl %.5f tp %.5f, ticket %s",
		status, dir, instrument, h.Price, d.StopLoss, d.TakeProfit, h.Ticket)
	res := Result{Outcome: po3.RouteOpened, Ticket: h.Ticket, Level: LevelInfo, Message: msg}

	if err := e.repo.SaveOrder(ctx, rec); err != nil {
		// The broker holds the order; losing the record must not hide it.
		log.Error("order placed but not recorded", "ticket", h.Ticket, "error", err)
		res.Level = LevelError
		res.Message = msg + fmt.Sprintf("\nWARNING: order record not saved (%v), track ticket %s manually", err, h.Ticket)
	}

	log.Info("order opened", "ticket", h.Ticket, "direction", dir, "status", status, "price", h.Price)
	return res
}

// validateStops rejects stops on the wrong side of a priced entry.
func validateStops(dir po3.Direction, d po3.TradeDecision) error {
	if d.Price <= 0 {
		return nil
	}
	if dir == po3.DirectionBuy {
		if d.StopLoss > 0 && d.StopLoss >= d.Price {
			return fmt.Errorf("stop loss %.5f not below entry %.5f", d.StopLoss, d.Price)
		}
		if d.TakeProfit > 0 && d.TakeProfit <= d.Price {
			return fmt.Errorf("take profit %.5f not above entry %.5f", d.TakeProfit, d.Price)
		}
		return nil
	}
	if d.StopLoss > 0 && d.StopLoss <= d.Price {
		return fmt.Errorf("stop loss %.5f not above entry %.5f", d.StopLoss, d.Price)
	}
	if d.TakeProfit > 0 && d.TakeProfit >= d.Price {
		return fmt.Errorf("take profit %.5f not below entry %.5f", d.TakeProfit, d.Price)
	}
	return nil
}

func (e *Executor) closeInstrument(ctx context.Context, log *logger.Logger, instrument string, d po3.TradeDecision) Result {
	rec, err := e.repo.GetOpenOrder(ctx, instrument)
	if errors.Is(err, storage.ErrNoOrder) {
		log.Info("close requested but no open order recorded")
		return Result{
			Outcome: po3.RouteNoAction,
			Level:   LevelInfo,
			Message: fmt.Sprintf("no open order recorded for %s, nothing to close", instrument),
			Notify:  true,
		}
	}
	if err != nil {
		return failed(err)
	}

	reason := string(d.Label)
	if d.Reason != "" {
		reason += ": " + d.Reason
	}
	closed, err := e.closeRecord(ctx, rec, reason)
	if err != nil {
		log.Error("close failed", "ticket", rec.Ticket, "error", err)
		return failed(fmt.Errorf("close %s ticket %s: %w", instrument, rec.Ticket, err))
	}
	return Result{Outcome: po3.RouteClosed, Ticket: rec.Ticket, Level: LevelInfo, Message: closed}
}

// closeRecord settles one open order at the broker and in the repository and
// returns an operator summary.
func (e *Executor) closeRecord(ctx context.Context, rec *storage.OrderRecord, reason string) (string, error) {
	ref := refOf(rec)
	now := e.now()

	if rec.Status == storage.OrderPending {
		err := e.broker.CancelPendingOrder(ctx, ref)
		if err == nil {
			if err := e.repo.FinishOrder(ctx, rec.ID, storage.OrderCancelled, reason, 0, now); err != nil {
				return "", fmt.Errorf("record cancel: %w", err)
			}
			return fmt.Sprintf("pending order %s on %s cancelled", rec.Ticket, rec.Instrument), nil
		}
		e.logger.Warn("cancel rejected, closing as position", "ticket", rec.Ticket, "error", err)
	}

	var pnl float64
	var pnlKnown bool
	if positions, err := e.broker.GetActivePositions(ctx); err == nil {
		if p := broker.FindPosition(positions, ref); p != nil {
			pnl, pnlKnown = p.Profit, true
		}
	}

	err := e.broker.ClosePosition(ctx, ref)
	switch {
	case errors.Is(err, broker.ErrOrderNotFound):
		if err := e.repo.FinishOrder(ctx, rec.ID, storage.OrderClosed, reason+" (already closed at broker)", 0, now); err != nil {
			return "", fmt.Errorf("record close: %w", err)
		}
		return fmt.Sprintf("%s ticket %s was already closed at the broker", rec.Instrument, rec.Ticket), nil
	case err != nil:
		return "", err
	}

	if err := e.repo.FinishOrder(ctx, rec.ID, storage.OrderClosed, reason, pnl, now); err != nil {
		return "", fmt.Errorf("record close: %w", err)
	}

	msg := fmt.Sprintf("%s %s ticket %s closed", rec.Direction, rec.Instrument, rec.Ticket)
	if pnlKnown {
		msg += fmt.Sprintf(", P&L %.2f", pnl)
		msg += e.recordResult(ctx, rec.Instrument, pnl)
	}
	return msg, nil
}

// recordResult feeds the breaker and returns a note when it trips.
func (e *Executor) recordResult(ctx context.Context, instrument string, pnl float64) string {
	tripped, err := e.breaker.Record(ctx, instrument, pnl)
	if err != nil {
		e.logger.Error("record trade result", "instrument", instrument, "error", err)
		return ""
	}
	if tripped {
		return "\ncircuit breaker tripped: no new entries today"
	}
	return ""
}

// CloseAll settles every open order record, used at end of day and on
// operator request.
func (e *Executor) CloseAll(ctx context.Context, reason string) (int, error) {
	orders, err := e.repo.ListOpenOrders(ctx)
	if err != nil {
		return 0, fmt.Errorf("list open orders: %w", err)
	}
	if len(orders) == 0 {
		e.logger.Info("close all: nothing open", "reason", reason)
		return 0, nil
	}

	var (
		closed int
		errs   []error
		lines  []string
	)
	for i := range orders {
		rec := &orders[i]
		msg, err := e.safeClose(ctx, rec, reason)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s %s: %w", rec.Instrument, rec.Ticket, err))
			lines = append(lines, fmt.Sprintf("FAILED %s %s: %v", rec.Instrument, rec.Ticket, err))
			continue
		}
		closed++
		lines = append(lines, msg)
	}

	e.notifier.Broadcast(fmt.Sprintf("Close all (%s): %d/%d settled\n%s", reason, closed, len(orders), strings.Join(lines, "\n")))
	e.logger.Info("close all finished", "reason", reason, "closed", closed, "total", len(orders))
	return closed, errors.Join(errs...)
}

func (e *Executor) safeClose(ctx context.Context, rec *storage.OrderRecord, reason string) (msg string, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("panic closing order", "ticket", rec.Ticket, "panic", fmt.Sprint(r))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return e.closeRecord(ctx, rec, reason)
}

// Reconcile syncs open order records with the broker: filled pending orders
// become active, and orders that disappeared (SL/TP hit, manual close,
// expiry) are finished.
func (e *Executor) Reconcile(ctx context.Context) error {
	orders, err := e.repo.ListOpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("list open orders: %w", err)
	}

	var errs []error
	open := 0
	for i := range orders {
		rec := &orders[i]
		stillOpen, err := e.reconcileOne(ctx, rec)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s %s: %w", rec.Instrument, rec.Ticket, err))
			open++
			continue
		}
		if stillOpen {
			open++
		}
	}
	metrics.OpenOrders.Set(float64(open))
	return errors.Join(errs...)
}

func (e *Executor) reconcileOne(ctx context.Context, rec *storage.OrderRecord) (bool, error) {
	now := e.now()
	st, err := e.broker.GetOrderStatus(ctx, refOf(rec))
	if errors.Is(err, broker.ErrOrderNotFound) {
		status := storage.OrderClosed
		if rec.Status == storage.OrderPending {
			status = storage.OrderCancelled
		}
		if err := e.repo.FinishOrder(ctx, rec.ID, status, "not found at broker", 0, now); err != nil {
			return true, err
		}
		e.notifier.Broadcast(fmt.Sprintf("%s ticket %s no longer exists at the broker, marked %s", rec.Instrument, rec.Ticket, status))
		return false, nil
	}
	if err != nil {
		return true, err
	}

	switch st.State {
	case broker.StatePending:
		return true, nil

	case broker.StateOpen:
		if rec.Status == storage.OrderPending {
			if err := e.repo.ActivateOrder(ctx, rec.ID); err != nil {
				return true, err
			}
			e.logger.Info("pending order filled", "instrument", rec.Instrument, "ticket", rec.Ticket)
			e.notifier.Broadcast(fmt.Sprintf("%s %s pending order %s filled", rec.Direction, rec.Instrument, rec.Ticket))
		}
		return true, nil

	case broker.StateClosed:
		if err := e.repo.FinishOrder(ctx, rec.ID, storage.OrderClosed, "closed at broker", st.Profit, now); err != nil {
			return true, err
		}
		msg := fmt.Sprintf("%s %s ticket %s closed at the broker (stop loss, take profit or manual)", rec.Direction, rec.Instrument, rec.Ticket)
		if st.ProfitKnown {
			msg += fmt.Sprintf(", P&L %.2f", st.Profit)
			msg += e.recordResult(ctx, rec.Instrument, st.Profit)
		}
		e.notifier.Broadcast(msg)
		return false, nil

	case broker.StateCancelled:
		if err := e.repo.FinishOrder(ctx, rec.ID, storage.OrderCancelled, "broker status "+st.Raw, 0, now); err != nil {
			return true, err
		}
		e.notifier.Broadcast(fmt.Sprintf("%s order %s %s at the broker", rec.Instrument, rec.Ticket, strings.ToLower(st.Raw)))
		return false, nil
	}
	return true, fmt.Errorf("unhandled broker state %q", st.State)
}

// OpenOrderFor returns the open order record of instrument or nil.
func (e *Executor) OpenOrderFor(ctx context.Context, instrument string) (*storage.OrderRecord, error) {
	rec, err := e.repo.GetOpenOrder(ctx, instrument)
	if errors.Is(err, storage.ErrNoOrder) {
		return nil, nil
	}
	return rec, err
}

// PositionFor returns the live broker position behind rec, if any.
func (e *Executor) PositionFor(ctx context.Context, rec *storage.OrderRecord) (*broker.Position, error) {
	positions, err := e.broker.GetActivePositions(ctx)
	if err != nil {
		return nil, err
	}
	return broker.FindPosition(positions, refOf(rec)), nil
}

func refOf(rec *storage.OrderRecord) broker.OrderRef {
	ref := broker.OrderRef{
		Ticket:    rec.Ticket,
		Symbol:    rec.Instrument,
		Direction: po3.Direction(rec.Direction),
		Volume:    rec.Volume,
	}
	if rec.StopOrderIDs != "" {
		ref.StopOrderIDs = strings.Split(rec.StopOrderIDs, ",")
	}
	return ref
}

func failed(err error) Result {
	return Result{Outcome: po3.RouteFailed, Level: LevelError, Message: err.Error(), Err: err}
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
