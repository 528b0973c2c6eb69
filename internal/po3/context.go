package po3

import (
	"fmt"
	"strings"
	"time"
)

// Context is the per-instrument, per-trading-day state record.
type Context struct {
	Instrument   string              `json:"instrument"`
	TradingDay   string              `json:"trading_day"`
	Status       Status              `json:"status"`
	Locked       bool                `json:"locked"`
	Bias         *BiasOutput         `json:"bias,omitempty"`
	Manipulation *ManipulationOutput `json:"manipulation,omitempty"`
	Entry        *EntryOutput        `json:"entry,omitempty"`
	TradeState   TradeState          `json:"trade_state"`
	ErrorLog     string              `json:"error_log,omitempty"`
	UpdatedAt    time.Time           `json:"updated_at"`
}

type BiasOutput struct {
	Bias          Bias    `json:"bias"`
	AsiaHigh      float64 `json:"asia_high,omitempty"`
	AsiaLow       float64 `json:"asia_low,omitempty"`
	HTFZoneTarget string  `json:"htf_zone_target,omitempty"`
	Narrative     string  `json:"narrative,omitempty"`
}

type ManipulationOutput struct {
	Detected    bool   `json:"detected"`
	Side        string `json:"side,omitempty"`
	HTFReaction bool   `json:"htf_reaction"`
	Narrative   string `json:"narrative,omitempty"`
}

// TradeDecision is the structured result of an entry or hold/close narrative.
type TradeDecision struct {
	Label      DecisionLabel `json:"label"`
	Direction  Direction     `json:"direction,omitempty"`
	Price      float64       `json:"price,omitempty"`
	StopLoss   float64       `json:"sl,omitempty"`
	TakeProfit float64       `json:"tp,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	Narrative  string        `json:"narrative,omitempty"`
}

// EffectiveDirection resolves BUY/SELL labels that carry their own direction.
func (d TradeDecision) EffectiveDirection() (Direction, bool) {
	switch d.Label {
	case DecisionBuy:
		return DirectionBuy, true
	case DecisionSell:
		return DirectionSell, true
	}
	if d.Direction == "" {
		return "", false
	}
	return d.Direction, true
}

type EntryOutput struct {
	Decision TradeDecision `json:"decision"`
	Ticket   string        `json:"ticket"`
	OpenedAt time.Time     `json:"opened_at"`
}

// NewContext returns the initial context of a trading day.
func NewContext(instrument, day string) *Context {
	return &Context{
		Instrument: instrument,
		TradingDay: day,
		Status:     StatusPendingBias,
		TradeState: TradeNone,
	}
}

// Clone returns a deep copy so callers can hand contexts across goroutines.
func (c *Context) Clone() *Context {
	if c == nil {
		return nil
	}
	cp := *c
	if c.Bias != nil {
		b := *c.Bias
		cp.Bias = &b
	}
	if c.Manipulation != nil {
		m := *c.Manipulation
		cp.Manipulation = &m
	}
	if c.Entry != nil {
		e := *c.Entry
		cp.Entry = &e
	}
	return &cp
}

// Summary renders a short operator-facing description.
func (c *Context) Summary() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s [%s] %s", c.Instrument, c.TradingDay, c.Status)
	if c.Locked {
		sb.WriteString(" (running)")
	}
	if c.Bias != nil {
		fmt.Fprintf(&sb, "\nbias: %s", c.Bias.Bias)
		if c.Bias.AsiaHigh > 0 || c.Bias.AsiaLow > 0 {
			fmt.Fprintf(&sb, " asia %.5f-%.5f", c.Bias.AsiaLow, c.Bias.AsiaHigh)
		}
		if c.Bias.HTFZoneTarget != "" {
			fmt.Fprintf(&sb, " target %s", c.Bias.HTFZoneTarget)
		}
	}
	if c.Manipulation != nil {
		fmt.Fprintf(&sb, "\nmanipulation: %t", c.Manipulation.Detected)
		if c.Manipulation.Side != "" {
			fmt.Fprintf(&sb, " side %s", c.Manipulation.Side)
		}
	}
	if c.Entry != nil {
		d := c.Entry.Decision
		fmt.Fprintf(&sb, "\nentry: %s %s @ %.5f sl %.5f tp %.5f ticket %s",
			d.Label, d.Direction, d.Price, d.StopLoss, d.TakeProfit, c.Entry.Ticket)
	}
	if c.TradeState != TradeNone && c.TradeState != "" {
		fmt.Fprintf(&sb, "\ntrade: %s", c.TradeState)
	}
	if c.ErrorLog != "" {
		fmt.Fprintf(&sb, "\nerror: %s", c.ErrorLog)
	}
	return sb.String()
}

// TradingDay returns the calendar date of now in loc.
func TradingDay(now time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return now.In(loc).Format("2006-01-02")
}

// Session names the forex session active at now.
func Session(now time.Time) string {
	h := now.UTC().Hour()
	switch {
	case h >= 13 && h < 16:
		return "London/New York overlap"
	case h >= 8 && h < 13:
		return "London"
	case h >= 1 && h < 8:
		return "Asia"
	case h >= 16 && h < 22:
		return "New York"
	default:
		return "Closed/Sydney"
	}
}
