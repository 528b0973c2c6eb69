package storage

import (
	"time"

	"gorm.io/datatypes"
)

// ContextRecord is one instrument's context for one trading day. Rows of past
// days are kept as history and never read back by the pipeline.
type ContextRecord struct {
	Instrument string    `gorm:"primaryKey;size:32" json:"instrument"`
	TradingDay string    `gorm:"primaryKey;size:10" json:"trading_day"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`

	Status     string `gorm:"not null;index" json:"status"`
	Locked     bool   `gorm:"not null" json:"locked"`
	TradeState string `gorm:"not null" json:"trade_state"`
	ErrorLog   string `gorm:"type:text" json:"error_log"`

	Bias         datatypes.JSON `json:"bias"`
	Manipulation datatypes.JSON `json:"manipulation"`
	Entry        datatypes.JSON `json:"entry"`
}

func (ContextRecord) TableName() string { return "instrument_contexts" }

const (
	OrderPending   = "pending"
	OrderActive    = "active"
	OrderClosed    = "closed"
	OrderCancelled = "cancelled"
)

type OrderRecord struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	RunID      string  `gorm:"index" json:"run_id"`
	Instrument string  `gorm:"index;not null" json:"instrument"`
	TradingDay string  `gorm:"index" json:"trading_day"`
	Ticket     string  `gorm:"index;not null" json:"ticket"`
	Direction  string  `gorm:"not null" json:"direction"` // BUY or SELL
	OrderType  string  `json:"order_type"`
	Volume     float64 `json:"volume"`
	Price      float64 `json:"price"`
	StopLoss   float64 `json:"stop_loss"`
	TakeProfit float64 `json:"take_profit"`

	StopOrderIDs string `json:"stop_order_ids"`

	Status      string     `gorm:"index;not null" json:"status"` // pending, active, closed, cancelled
	CloseReason string     `json:"close_reason"`
	PnL         float64    `gorm:"column:pnl" json:"pnl"`
	ClosedAt    *time.Time `json:"closed_at"`
}

// Open reports whether the broker may still hold the order or its position.
func (o *OrderRecord) Open() bool {
	return o.Status == OrderPending || o.Status == OrderActive
}

type AnalysisLog struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	RunID      string `gorm:"index" json:"run_id"`
	Instrument string `gorm:"index" json:"instrument"`
	TradingDay string `json:"trading_day"`
	Stage      int    `json:"stage"`
	Trigger    string `json:"trigger"`
	FromStatus string `json:"from_status"`
	ToStatus   string `json:"to_status"`
	Narrative  string `gorm:"type:text" json:"narrative"`
	Extraction string `gorm:"type:text" json:"extraction"`
	Error      string `json:"error"`
	DurationMS int64  `json:"duration_ms"`
}

// BreakerState counts consecutive losing trades for one trading day.
type BreakerState struct {
	Day               string    `gorm:"primaryKey;size:10" json:"day"`
	UpdatedAt         time.Time `json:"updated_at"`
	ConsecutiveLosses int       `gorm:"not null" json:"consecutive_losses"`
	Tripped           bool      `gorm:"not null" json:"tripped"`
}

type Setting struct {
	Name      string    `gorm:"primaryKey;size:64" json:"name"`
	UpdatedAt time.Time `json:"updated_at"`
	Value     string    `gorm:"not null" json:"value"`
}
