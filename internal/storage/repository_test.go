package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenOrderLifecycle(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(openTestDB(t))

	_, err := repo.GetOpenOrder(ctx, "EURUSD")
	assert.ErrorIs(t, err, ErrNoOrder)

	order := &OrderRecord{Instrument: "EURUSD", Ticket: "5001", Direction: "BUY", OrderType: "BUY_LIMIT", Price: 1.1, Status: OrderPending}
	require.NoError(t, repo.SaveOrder(ctx, order))

	got, err := repo.GetOpenOrder(ctx, "EURUSD")
	require.NoError(t, err)
	assert.Equal(t, "5001", got.Ticket)
	assert.True(t, got.Open())

	require.NoError(t, repo.ActivateOrder(ctx, order.ID))
	got, err = repo.GetOpenOrder(ctx, "EURUSD")
	require.NoError(t, err)
	assert.Equal(t, OrderActive, got.Status)

	closedAt := time.Now()
	require.NoError(t, repo.FinishOrder(ctx, order.ID, OrderClosed, "take profit", 12.5, closedAt))
	_, err = repo.GetOpenOrder(ctx, "EURUSD")
	assert.ErrorIs(t, err, ErrNoOrder)

	pnl, err := repo.GetTodayPnL(ctx, closedAt.Add(-time.Hour))
	require.NoError(t, err)
	assert.InDelta(t, 12.5, pnl, 1e-9)

	assert.Error(t, repo.FinishOrder(ctx, order.ID, OrderActive, "", 0, closedAt))
}

func TestListOpenOrders(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(openTestDB(t))

	require.NoError(t, repo.SaveOrder(ctx, &OrderRecord{Instrument: "EURUSD", Ticket: "1", Direction: "BUY", Status: OrderActive}))
	require.NoError(t, repo.SaveOrder(ctx, &OrderRecord{Instrument: "GBPUSD", Ticket: "2", Direction: "SELL", Status: OrderPending}))
	require.NoError(t, repo.SaveOrder(ctx, &OrderRecord{Instrument: "USDJPY", Ticket: "3", Direction: "SELL", Status: OrderClosed}))

	open, err := repo.ListOpenOrders(ctx)
	require.NoError(t, err)
	assert.Len(t, open, 2)

	recent, err := repo.GetRecentOrders(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, recent, 3)
}

func TestSettings(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(openTestDB(t))

	paused, err := repo.GetBool(ctx, "paused", false)
	require.NoError(t, err)
	assert.False(t, paused)

	require.NoError(t, repo.SetBool(ctx, "paused", true))
	paused, err = repo.GetBool(ctx, "paused", false)
	require.NoError(t, err)
	assert.True(t, paused)

	require.NoError(t, repo.SetBool(ctx, "paused", false))
	paused, err = repo.GetBool(ctx, "paused", true)
	require.NoError(t, err)
	assert.False(t, paused)
}

func TestBreakerState(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(openTestDB(t))

	st, err := repo.GetBreaker(ctx, "2025-03-12")
	require.NoError(t, err)
	assert.Zero(t, st.ConsecutiveLosses)

	st.ConsecutiveLosses = 2
	require.NoError(t, repo.SaveBreaker(ctx, st))
	st.ConsecutiveLosses = 3
	st.Tripped = true
	require.NoError(t, repo.SaveBreaker(ctx, st))

	got, err := repo.GetBreaker(ctx, "2025-03-12")
	require.NoError(t, err)
	assert.Equal(t, 3, got.ConsecutiveLosses)
	assert.True(t, got.Tripped)
}

func TestAnalysisLogs(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(openTestDB(t))

	require.NoError(t, repo.SaveAnalysisLog(ctx, &AnalysisLog{RunID: "a", Instrument: "EURUSD", Stage: 1}))
	require.NoError(t, repo.SaveAnalysisLog(ctx, &AnalysisLog{RunID: "b", Instrument: "GBPUSD", Stage: 2}))

	logs, err := repo.GetAnalysisLogs(ctx, "EURUSD", 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "a", logs[0].RunID)

	all, err := repo.GetAnalysisLogs(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
