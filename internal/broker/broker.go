// Package broker places orders and reads market data through one of the
// supported providers: an MT5 REST bridge or the Tinkoff Invest API.
package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/camuig/po3-trader/internal/config"
	"github.com/camuig/po3-trader/internal/logger"
	"github.com/camuig/po3-trader/internal/po3"
)

var (
	// ErrOrderNotFound means the broker has no order or position under the ticket.
	ErrOrderNotFound = errors.New("order not found at broker")
	// ErrMissingHandle means the broker accepted an order but returned no ticket.
	ErrMissingHandle = errors.New("broker returned no order ticket")
	// ErrInsufficientData means the market data request came back empty.
	ErrInsufficientData = errors.New("no market data returned")
)

// Client is the broker surface used by the pipeline and the executor.
type Client interface {
	FetchCandles(ctx context.Context, symbol, timeframe string, count int) ([]Candle, error)
	OpenOrder(ctx context.Context, spec OrderSpec) (*OrderHandle, error)
	ClosePosition(ctx context.Context, ref OrderRef) error
	CancelPendingOrder(ctx context.Context, ref OrderRef) error
	GetOrderStatus(ctx context.Context, ref OrderRef) (*OrderStatus, error)
	GetActivePositions(ctx context.Context) ([]Position, error)
	Close() error
}

type Candle struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// OrderSpec describes an entry. A zero Price means a market order.
type OrderSpec struct {
	Symbol     string
	Direction  po3.Direction
	Volume     float64
	Price      float64
	StopLoss   float64
	TakeProfit float64
	Comment    string
	RequestID  string
}

// OrderHandle is what the broker returned for an accepted order.
type OrderHandle struct {
	Ticket       string
	OrderType    string
	Price        float64
	Pending      bool
	StopOrderIDs []string
}

// OrderRef addresses a previously opened order or its position.
type OrderRef struct {
	Ticket       string
	Symbol       string
	Direction    po3.Direction
	Volume       float64
	StopOrderIDs []string
}

type OrderState string

const (
	StatePending   OrderState = "PENDING"
	StateOpen      OrderState = "OPEN"
	StateClosed    OrderState = "CLOSED"
	StateCancelled OrderState = "CANCELLED"
)

type OrderStatus struct {
	State       OrderState
	Raw         string
	Profit      float64
	ProfitKnown bool
}

type Position struct {
	Ticket       string        `json:"ticket"`
	Symbol       string        `json:"symbol"`
	Direction    po3.Direction `json:"direction"`
	Volume       float64       `json:"volume"`
	OpenPrice    float64       `json:"open_price"`
	CurrentPrice float64       `json:"current_price"`
	StopLoss     float64       `json:"sl"`
	TakeProfit   float64       `json:"tp"`
	Profit       float64       `json:"profit"`
	OpenedAt     time.Time     `json:"opened_at"`
	Comment      string        `json:"comment"`
}

// FindPosition returns the position of ref, matched by ticket first and by
// symbol when the provider has no position tickets.
func FindPosition(positions []Position, ref OrderRef) *Position {
	for i := range positions {
		if ref.Ticket != "" && positions[i].Ticket == ref.Ticket {
			return &positions[i]
		}
	}
	for i := range positions {
		if positions[i].Ticket == "" && strings.EqualFold(positions[i].Symbol, ref.Symbol) {
			return &positions[i]
		}
	}
	return nil
}

// New connects the provider selected by broker.provider.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (Client, error) {
	switch cfg.Broker.Provider {
	case "mt5":
		return NewMT5Client(cfg.Broker.MT5, log), nil
	case "tinkoff":
		return NewTinkoffClient(ctx, cfg, log)
	default:
		return nil, fmt.Errorf("unknown broker provider %q", cfg.Broker.Provider)
	}
}
