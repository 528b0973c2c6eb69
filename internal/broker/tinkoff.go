package broker

import (
	"context"
	"fmt"
	"math"

	"github.com/russianinvestments/invest-api-go-sdk/investgo"

	"github.com/camuig/po3-trader/internal/config"
	"github.com/camuig/po3-trader/internal/logger"
	"github.com/camuig/po3-trader/internal/metrics"
	"github.com/camuig/po3-trader/internal/po3"
)

const (
	sandboxEndpoint = "sandbox-invest-public-api.tinkoff.ru:443"
	liveEndpoint    = "invest-public-api.tinkoff.ru:443"
)

// TinkoffClient trades through the T-Invest gRPC API. Entries are market
// orders with SL/TP placed as separate stop orders; positions have no ticket
// of their own and are addressed by instrument.
type TinkoffClient struct {
	client  *investgo.Client
	sandbox bool
	logger  *logger.Logger
}

func NewTinkoffClient(ctx context.Context, cfg *config.Config, log *logger.Logger) (*TinkoffClient, error) {
	endpoint := liveEndpoint
	if cfg.IsSandbox() {
		endpoint = sandboxEndpoint
	}

	client, err := investgo.NewClient(ctx, investgo.Config{
		EndPoint:  endpoint,
		Token:     cfg.Broker.Tinkoff.Token,
		AccountId: cfg.Broker.Tinkoff.AccountID,
		AppName:   "po3-trader",
	}, log)
	if err != nil {
		return nil, fmt.Errorf("create investgo client: %w", err)
	}

	tc := &TinkoffClient{client: client, sandbox: cfg.IsSandbox(), logger: log}

	if tc.sandbox && cfg.Broker.Tinkoff.AccountID == "" {
		if err := tc.fundSandbox(); err != nil {
			client.Stop()
			return nil, fmt.Errorf("setup sandbox: %w", err)
		}
	}
	return tc, nil
}

// fundSandbox tops up a fresh sandbox account with 1,000,000 RUB.
func (tc *TinkoffClient) fundSandbox() error {
	_, err := tc.client.NewSandboxServiceClient().SandboxPayIn(&investgo.SandboxPayInRequest{
		AccountId: tc.accountID(),
		Currency:  "RUB",
		Unit:      1000000,
	})
	if err != nil {
		return fmt.Errorf("sandbox pay in: %w", err)
	}
	tc.logger.Info("sandbox account funded", "account_id", tc.accountID())
	return nil
}

func (tc *TinkoffClient) accountID() string {
	return tc.client.Config.AccountId
}

func (tc *TinkoffClient) Close() error {
	return tc.client.Stop()
}

// lots converts the configured volume into whole lots, at least one.
func lots(volume float64) int64 {
	n := int64(math.Round(volume))
	if n < 1 {
		return 1
	}
	return n
}

func (tc *TinkoffClient) OpenOrder(ctx context.Context, spec OrderSpec) (h *OrderHandle, err error) {
	defer func() { metrics.BrokerCalls.WithLabelValues("order", metrics.Result(err)).Inc() }()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	uid, err := tc.resolveTicker(spec.Symbol)
	if err != nil {
		return nil, err
	}
	if spec.Price > 0 {
		tc.logger.Info("tinkoff entries are market orders, ignoring entry price",
			"symbol", spec.Symbol, "price", spec.Price)
	}

	n := lots(spec.Volume)
	res, err := tc.marketOrder(uid, spec.Direction, n)
	if err != nil {
		return nil, err
	}
	if res.OrderID == "" {
		return nil, fmt.Errorf("tinkoff order %s: %w", spec.Symbol, ErrMissingHandle)
	}

	h = &OrderHandle{Ticket: res.OrderID, OrderType: "MARKET", Price: res.ExecutedPrice}
	exit := opposite(spec.Direction)
	if spec.StopLoss > 0 {
		id, err := tc.placeExit(uid, exit, n, spec.StopLoss, stopLoss)
		if err != nil {
			tc.logger.Error("stop loss not placed", "symbol", spec.Symbol, "price", spec.StopLoss, "error", err)
		} else if id != "" {
			h.StopOrderIDs = append(h.StopOrderIDs, id)
		}
	}
	if spec.TakeProfit > 0 {
		id, err := tc.placeExit(uid, exit, n, spec.TakeProfit, takeProfit)
		if err != nil {
			tc.logger.Error("take profit not placed", "symbol", spec.Symbol, "price", spec.TakeProfit, "error", err)
		} else if id != "" {
			h.StopOrderIDs = append(h.StopOrderIDs, id)
		}
	}

	tc.logger.Info("tinkoff order executed",
		"symbol", spec.Symbol, "direction", spec.Direction, "lots", n,
		"order_id", res.OrderID, "price", res.ExecutedPrice, "request_id", spec.RequestID)
	return h, nil
}

// ClosePosition flattens the position with an opposite market order and
// drops its protective stop orders.
func (tc *TinkoffClient) ClosePosition(ctx context.Context, ref OrderRef) (err error) {
	defer func() { metrics.BrokerCalls.WithLabelValues("close", metrics.Result(err)).Inc() }()

	positions, err := tc.GetActivePositions(ctx)
	if err != nil {
		return err
	}
	pos := FindPosition(positions, ref)
	if pos == nil {
		tc.cancelStopOrders(ref.StopOrderIDs)
		return fmt.Errorf("close %s: %w", ref.Symbol, ErrOrderNotFound)
	}

	uid, err := tc.resolveTicker(pos.Symbol)
	if err != nil {
		return err
	}
	if _, err := tc.marketOrder(uid, opposite(pos.Direction), lots(ref.Volume)); err != nil {
		return fmt.Errorf("close %s: %w", ref.Symbol, err)
	}
	tc.cancelStopOrders(ref.StopOrderIDs)

	tc.logger.Info("tinkoff position closed", "symbol", ref.Symbol, "direction", pos.Direction)
	return nil
}

// CancelPendingOrder always reports ErrOrderNotFound: market entries never rest.
func (tc *TinkoffClient) CancelPendingOrder(_ context.Context, ref OrderRef) error {
	return fmt.Errorf("cancel %s: %w", ref.Ticket, ErrOrderNotFound)
}

// GetOrderStatus reports OPEN while the instrument still has a position.
func (tc *TinkoffClient) GetOrderStatus(ctx context.Context, ref OrderRef) (*OrderStatus, error) {
	positions, err := tc.GetActivePositions(ctx)
	if err != nil {
		return nil, err
	}
	if pos := FindPosition(positions, ref); pos != nil {
		return &OrderStatus{State: StateOpen, Raw: "POSITION", Profit: pos.Profit, ProfitKnown: true}, nil
	}
	return &OrderStatus{State: StateClosed, Raw: "NO_POSITION"}, nil
}

func opposite(d po3.Direction) po3.Direction {
	if d == po3.DirectionBuy {
		return po3.DirectionSell
	}
	return po3.DirectionBuy
}
