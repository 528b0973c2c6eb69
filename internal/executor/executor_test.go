package executor

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camuig/po3-trader/internal/breaker"
	"github.com/camuig/po3-trader/internal/broker"
	"github.com/camuig/po3-trader/internal/config"
	"github.com/camuig/po3-trader/internal/logger"
	"github.com/camuig/po3-trader/internal/po3"
	"github.com/camuig/po3-trader/internal/storage"
)

type fakeBroker struct {
	mu        sync.Mutex
	calls     []string
	handle    *broker.OrderHandle
	openErr   error
	closeErr  error
	cancelErr error
	positions []broker.Position
	statuses  map[string]*broker.OrderStatus
	specs     []broker.OrderSpec
}

func (f *fakeBroker) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeBroker) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeBroker) FetchCandles(context.Context, string, string, int) ([]broker.Candle, error) {
	f.record("candles")
	return nil, broker.ErrInsufficientData
}

func (f *fakeBroker) OpenOrder(_ context.Context, spec broker.OrderSpec) (*broker.OrderHandle, error) {
	f.record("open")
	f.specs = append(f.specs, spec)
	return f.handle, f.openErr
}

func (f *fakeBroker) ClosePosition(_ context.Context, ref broker.OrderRef) error {
	f.record("close " + ref.Ticket)
	return f.closeErr
}

func (f *fakeBroker) CancelPendingOrder(_ context.Context, ref broker.OrderRef) error {
	f.record("cancel " + ref.Ticket)
	return f.cancelErr
}

func (f *fakeBroker) GetOrderStatus(_ context.Context, ref broker.OrderRef) (*broker.OrderStatus, error) {
	f.record("status " + ref.Ticket)
	st, ok := f.statuses[ref.Ticket]
	if !ok {
		return nil, broker.ErrOrderNotFound
	}
	return st, nil
}

func (f *fakeBroker) GetActivePositions(context.Context) ([]broker.Position, error) {
	f.record("positions")
	return f.positions, nil
}

func (f *fakeBroker) Close() error { return nil }

type recorder struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recorder) Broadcast(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, text)
}

type fixture struct {
	exec     *Executor
	repo     *storage.Repository
	breaker  *breaker.Breaker
	broker   *fakeBroker
	notifier *recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := storage.NewDatabase(filepath.Join(t.TempDir(), "exec.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	repo := storage.NewRepository(db)
	brk := breaker.New(repo, 2, time.UTC, logger.Discard())
	fb := &fakeBroker{statuses: map[string]*broker.OrderStatus{}}
	rec := &recorder{}
	cfg := &config.Config{Trading: config.TradingConfig{Volume: 0.1}}

	return &fixture{
		exec:     NewExecutor(fb, repo, brk, rec, cfg, logger.Discard()),
		repo:     repo,
		breaker:  brk,
		broker:   fb,
		notifier: rec,
	}
}

func openDecision() po3.TradeDecision {
	return po3.TradeDecision{Label: po3.DecisionOpen, Direction: po3.DirectionBuy, Price: 1.10, StopLoss: 1.095, TakeProfit: 1.11}
}

func TestRouteOpenRecordsActiveOrder(t *testing.T) {
	f := newFixture(t)
	f.broker.handle = &broker.OrderHandle{Ticket: "5551", OrderType: "ORDER_TYPE_BUY", Price: 1.1001}
	ctx := WithRunID(context.Background(), "run-1")
	c := po3.NewContext("EURUSD", "2025-03-12")

	res := f.exec.Route(ctx, "EURUSD", openDecision(), c)
	require.NoError(t, res.Err)
	assert.Equal(t, po3.RouteOpened, res.Outcome)
	assert.Equal(t, "5551", res.Ticket)

	rec, err := f.repo.GetOpenOrder(ctx, "EURUSD")
	require.NoError(t, err)
	assert.Equal(t, "5551", rec.Ticket)
	assert.Equal(t, storage.OrderActive, rec.Status)
	assert.Equal(t, "run-1", rec.RunID)
	assert.Equal(t, "2025-03-12", rec.TradingDay)

	require.Len(t, f.broker.specs, 1)
	spec := f.broker.specs[0]
	assert.Equal(t, po3.DirectionBuy, spec.Direction)
	assert.InDelta(t, 0.1, spec.Volume, 1e-9)
	assert.NotEmpty(t, spec.RequestID)

	// the router does not broadcast run results itself
	assert.Empty(t, f.notifier.msgs)

	// a second OPEN is blocked instead of duplicating the order
	res = f.exec.Route(ctx, "EURUSD", openDecision(), c)
	assert.Equal(t, po3.RouteBlocked, res.Outcome)
	assert.Len(t, f.broker.specs, 1)
}

func TestRouteOpenPendingOrder(t *testing.T) {
	f := newFixture(t)
	f.broker.handle = &broker.OrderHandle{Ticket: "77", OrderType: "ORDER_TYPE_BUY_LIMIT", Price: 1.10, Pending: true}

	res := f.exec.Route(context.Background(), "EURUSD", openDecision(), po3.NewContext("EURUSD", "2025-03-12"))
	require.Equal(t, po3.RouteOpened, res.Outcome)

	rec, err := f.repo.GetOpenOrder(context.Background(), "EURUSD")
	require.NoError(t, err)
	assert.Equal(t, storage.OrderPending, rec.Status)
}

func TestRouteOpenWithoutTicketFails(t *testing.T) {
	f := newFixture(t)
	f.broker.handle = &broker.OrderHandle{}

	res := f.exec.Route(context.Background(), "EURUSD", openDecision(), po3.NewContext("EURUSD", "2025-03-12"))
	assert.Equal(t, po3.RouteFailed, res.Outcome)
	assert.ErrorIs(t, res.Err, broker.ErrMissingHandle)

	_, err := f.repo.GetOpenOrder(context.Background(), "EURUSD")
	assert.ErrorIs(t, err, storage.ErrNoOrder)
}

func TestRouteOpenBrokerError(t *testing.T) {
	f := newFixture(t)
	f.broker.openErr = errors.New("mt5 order: http 400: Invalid stops")

	res := f.exec.Route(context.Background(), "EURUSD", openDecision(), po3.NewContext("EURUSD", "2025-03-12"))
	assert.Equal(t, po3.RouteFailed, res.Outcome)
	assert.Equal(t, LevelError, res.Level)
	assert.Contains(t, res.Message, "Invalid stops")
}

func TestRouteOpenRejectsBadStopsAndMissingDirection(t *testing.T) {
	f := newFixture(t)
	c := po3.NewContext("EURUSD", "2025-03-12")

	bad := openDecision()
	bad.StopLoss = 1.12
	assert.Equal(t, po3.RouteFailed, f.exec.Route(context.Background(), "EURUSD", bad, c).Outcome)

	noDir := po3.TradeDecision{Label: po3.DecisionOpen}
	assert.Equal(t, po3.RouteFailed, f.exec.Route(context.Background(), "EURUSD", noDir, c).Outcome)

	assert.Empty(t, f.broker.Calls())
}

func TestRouteOpenBlockedByBreaker(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := f.breaker.Record(ctx, "GBPUSD", -5)
		require.NoError(t, err)
	}

	res := f.exec.Route(ctx, "EURUSD", openDecision(), po3.NewContext("EURUSD", "2025-03-12"))
	assert.Equal(t, po3.RouteBlocked, res.Outcome)
	assert.Contains(t, res.Message, "circuit breaker")
	assert.Empty(t, f.broker.Calls())
}

func TestRouteCloseWithoutOrderIsInformational(t *testing.T) {
	f := newFixture(t)

	res := f.exec.Route(context.Background(), "EURUSD", po3.TradeDecision{Label: po3.DecisionClose}, po3.NewContext("EURUSD", "2025-03-12"))
	assert.Equal(t, po3.RouteNoAction, res.Outcome)
	assert.Equal(t, LevelInfo, res.Level)
	assert.NoError(t, res.Err)
	assert.Contains(t, res.Message, "nothing to close")
	assert.True(t, res.Notify)
	assert.Empty(t, f.broker.Calls(), "no broker call without a recorded order")
}

func TestRouteCloseActiveOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.repo.SaveOrder(ctx, &storage.OrderRecord{Instrument: "EURUSD", Ticket: "10", Direction: "BUY", Volume: 0.1, Status: storage.OrderActive}))
	f.broker.positions = []broker.Position{{Ticket: "10", Symbol: "EURUSD", Profit: -4.5}}

	res := f.exec.Route(ctx, "EURUSD", po3.TradeDecision{Label: po3.DecisionCloseManual, Reason: "target reached"}, nil)
	require.NoError(t, res.Err)
	assert.Equal(t, po3.RouteClosed, res.Outcome)
	assert.Contains(t, res.Message, "P&L -4.50")
	assert.Contains(t, f.broker.Calls(), "close 10")

	_, err := f.repo.GetOpenOrder(ctx, "EURUSD")
	assert.ErrorIs(t, err, storage.ErrNoOrder)

	st, err := f.breaker.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.ConsecutiveLosses)
}

func TestRouteCloseAlreadyClosedAtBroker(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.repo.SaveOrder(ctx, &storage.OrderRecord{Instrument: "EURUSD", Ticket: "11", Direction: "SELL", Status: storage.OrderActive}))
	f.broker.closeErr = broker.ErrOrderNotFound

	res := f.exec.Route(ctx, "EURUSD", po3.TradeDecision{Label: po3.DecisionClose}, nil)
	assert.Equal(t, po3.RouteClosed, res.Outcome)
	assert.Contains(t, res.Message, "already closed")

	_, err := f.repo.GetOpenOrder(ctx, "EURUSD")
	assert.ErrorIs(t, err, storage.ErrNoOrder)
}

func TestRouteClosePendingCancelsThenFallsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.repo.SaveOrder(ctx, &storage.OrderRecord{Instrument: "EURUSD", Ticket: "12", Direction: "BUY", Status: storage.OrderPending}))

	res := f.exec.Route(ctx, "EURUSD", po3.TradeDecision{Label: po3.DecisionClose}, nil)
	assert.Equal(t, po3.RouteClosed, res.Outcome)
	assert.Equal(t, []string{"cancel 12"}, f.broker.Calls())

	require.NoError(t, f.repo.SaveOrder(ctx, &storage.OrderRecord{Instrument: "EURUSD", Ticket: "13", Direction: "BUY", Status: storage.OrderPending}))
	f.broker.cancelErr = errors.New("order already filled")
	res = f.exec.Route(ctx, "EURUSD", po3.TradeDecision{Label: po3.DecisionClose}, nil)
	assert.Equal(t, po3.RouteClosed, res.Outcome)
	assert.Contains(t, f.broker.Calls(), "close 13")
}

func TestRoutePassiveAndUnknownLabels(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res := f.exec.Route(ctx, "EURUSD", po3.TradeDecision{Label: po3.DecisionHold, Reason: "waiting for FVG"}, nil)
	assert.Equal(t, po3.RouteNoAction, res.Outcome)

	res = f.exec.Route(ctx, "EURUSD", po3.TradeDecision{Label: "SCALE_IN"}, nil)
	assert.Equal(t, po3.RouteIgnored, res.Outcome)
	assert.Equal(t, LevelWarn, res.Level)
	assert.Contains(t, res.Message, "SCALE_IN")

	assert.Empty(t, f.broker.Calls())
}

type panickingBroker struct{ fakeBroker }

func (p *panickingBroker) OpenOrder(context.Context, broker.OrderSpec) (*broker.OrderHandle, error) {
	panic("nil pointer in bridge client")
}

func TestRouteRecoversPanics(t *testing.T) {
	f := newFixture(t)
	f.exec.broker = &panickingBroker{}

	res := f.exec.Route(context.Background(), "EURUSD", openDecision(), po3.NewContext("EURUSD", "2025-03-12"))
	assert.Equal(t, po3.RouteFailed, res.Outcome)
	require.Error(t, res.Err)
	assert.Contains(t, res.Message, "panic")
}

func TestCloseAll(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.repo.SaveOrder(ctx, &storage.OrderRecord{Instrument: "EURUSD", Ticket: "1", Direction: "BUY", Status: storage.OrderActive}))
	require.NoError(t, f.repo.SaveOrder(ctx, &storage.OrderRecord{Instrument: "GBPUSD", Ticket: "2", Direction: "SELL", Status: storage.OrderPending}))

	n, err := f.exec.CloseAll(ctx, "end of day")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, f.notifier.msgs, 1)
	assert.Contains(t, f.notifier.msgs[0], "2/2")

	open, err := f.repo.ListOpenOrders(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestReconcile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	orders := []*storage.OrderRecord{
		{Instrument: "EURUSD", Ticket: "1", Direction: "BUY", Status: storage.OrderPending},
		{Instrument: "GBPUSD", Ticket: "2", Direction: "SELL", Status: storage.OrderActive},
		{Instrument: "USDJPY", Ticket: "3", Direction: "BUY", Status: storage.OrderPending},
		{Instrument: "XAUUSD", Ticket: "4", Direction: "BUY", Status: storage.OrderActive},
	}
	for _, o := range orders {
		require.NoError(t, f.repo.SaveOrder(ctx, o))
	}
	f.broker.statuses = map[string]*broker.OrderStatus{
		"1": {State: broker.StateOpen, Raw: "ACTIVE"},
		"2": {State: broker.StateClosed, Raw: "CLOSED", Profit: -8, ProfitKnown: true},
		"3": {State: broker.StateCancelled, Raw: "EXPIRED"},
	}

	require.NoError(t, f.exec.Reconcile(ctx))

	open, err := f.repo.ListOpenOrders(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "1", open[0].Ticket)
	assert.Equal(t, storage.OrderActive, open[0].Status)

	assert.Len(t, f.notifier.msgs, 4)

	st, err := f.breaker.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.ConsecutiveLosses)
}
