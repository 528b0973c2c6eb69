package po3

import (
	"fmt"
	"strconv"
	"strings"
)

// Stage is one phase of the daily workflow for an instrument.
type Stage int

const (
	StageBias Stage = iota + 1
	StageManipulation
	StageEntry
	StageHoldClose
)

// Stages lists the stages in execution order.
var Stages = []Stage{StageBias, StageManipulation, StageEntry, StageHoldClose}

func (s Stage) String() string {
	switch s {
	case StageBias:
		return "bias"
	case StageManipulation:
		return "manipulation"
	case StageEntry:
		return "entry"
	case StageHoldClose:
		return "holdclose"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

func (s Stage) Valid() bool {
	return s >= StageBias && s <= StageHoldClose
}

// Precondition is the status a scheduled run of s expects to find.
func (s Stage) Precondition() Status {
	switch s {
	case StageBias:
		return StatusPendingBias
	case StageManipulation:
		return StatusPendingManipulation
	case StageEntry:
		return StatusPendingEntry
	case StageHoldClose:
		return StatusTradeOpened
	default:
		return ""
	}
}

// Failed is the terminal status a failed run of s resolves to.
func (s Stage) Failed() Status {
	switch s {
	case StageBias:
		return StatusFailedStage1
	case StageManipulation:
		return StatusFailedStage2
	case StageEntry:
		return StatusFailedStage3
	case StageHoldClose:
		return StatusFailedStage4
	default:
		return ""
	}
}

// ParseStage accepts "1", "stage1", "bias" and the like.
func ParseStage(v string) (Stage, error) {
	v = strings.ToLower(strings.TrimSpace(v))
	v = strings.TrimPrefix(v, "/")
	switch v {
	case "bias":
		return StageBias, nil
	case "manipulation":
		return StageManipulation, nil
	case "entry":
		return StageEntry, nil
	case "holdclose", "hold", "close", "stage4":
		return StageHoldClose, nil
	}
	n, err := strconv.Atoi(strings.TrimPrefix(v, "stage"))
	if err != nil || !Stage(n).Valid() {
		return 0, fmt.Errorf("unknown stage %q", v)
	}
	return Stage(n), nil
}

// Status is the position of an instrument's context in the daily state machine.
type Status string

const (
	StatusPendingBias         Status = "PENDING_BIAS"
	StatusPendingManipulation Status = "PENDING_MANIPULATION"
	StatusPendingEntry        Status = "PENDING_ENTRY"
	StatusTradeOpened         Status = "COMPLETE_TRADE_OPENED"
	StatusNoEntry             Status = "COMPLETE_NO_ENTRY"
	StatusNoManipulation      Status = "COMPLETE_NO_MANIPULATION"
	StatusFailedStage1        Status = "FAILED_STAGE_1"
	StatusFailedStage2        Status = "FAILED_STAGE_2"
	StatusFailedStage3        Status = "FAILED_STAGE_3"
	StatusFailedStage4        Status = "FAILED_STAGE_4"
)

func (s Status) Valid() bool {
	return s.reached() > 0
}

func (s Status) Terminal() bool {
	return strings.HasPrefix(string(s), "COMPLETE_") || strings.HasPrefix(string(s), "FAILED_")
}

func (s Status) Failed() bool {
	return strings.HasPrefix(string(s), "FAILED_")
}

// reached reports the highest stage whose precondition this status satisfies
// or has already passed. Zero for unknown values.
func (s Status) reached() Stage {
	switch s {
	case StatusPendingBias, StatusFailedStage1:
		return StageBias
	case StatusPendingManipulation, StatusFailedStage2, StatusNoManipulation:
		return StageManipulation
	case StatusPendingEntry, StatusFailedStage3, StatusNoEntry:
		return StageEntry
	case StatusTradeOpened, StatusFailedStage4:
		return StageHoldClose
	default:
		return 0
	}
}

// Trigger is the cause of a stage run attempt.
type Trigger string

const (
	TriggerScheduled Trigger = "SCHEDULED"
	TriggerForced    Trigger = "FORCED"
)

type TradeState string

const (
	TradeNone   TradeState = "NONE"
	TradeActive TradeState = "ACTIVE"
	TradeClosed TradeState = "CLOSED"
)

type Bias string

const (
	BiasBullish Bias = "BULLISH"
	BiasBearish Bias = "BEARISH"
	BiasNeutral Bias = "NEUTRAL"
)

type Direction string

const (
	DirectionBuy  Direction = "BUY"
	DirectionSell Direction = "SELL"
)

// ParseDirection normalizes broker and model spellings such as
// ORDER_TYPE_BUY_LIMIT, BUY_LIMIT, LONG or sell.
func ParseDirection(v string) (Direction, bool) {
	v = strings.ToUpper(strings.TrimSpace(v))
	v = strings.TrimPrefix(v, "ORDER_TYPE_")
	switch {
	case strings.HasPrefix(v, "BUY"), v == "LONG":
		return DirectionBuy, true
	case strings.HasPrefix(v, "SELL"), v == "SHORT":
		return DirectionSell, true
	default:
		return "", false
	}
}

// DecisionLabel is the action an entry or hold/close narrative resolved to.
type DecisionLabel string

const (
	DecisionOpen        DecisionLabel = "OPEN"
	DecisionBuy         DecisionLabel = "BUY"
	DecisionSell        DecisionLabel = "SELL"
	DecisionClose       DecisionLabel = "CLOSE"
	DecisionCloseManual DecisionLabel = "CLOSE_MANUAL"
	DecisionHold        DecisionLabel = "HOLD"
	DecisionWait        DecisionLabel = "WAIT"
	DecisionNoTrade     DecisionLabel = "NO_TRADE"
	DecisionNone        DecisionLabel = "NONE"
)

func (l DecisionLabel) IsOpen() bool {
	return l == DecisionOpen || l == DecisionBuy || l == DecisionSell
}

func (l DecisionLabel) IsClose() bool {
	return l == DecisionClose || l == DecisionCloseManual
}

func (l DecisionLabel) IsPassive() bool {
	switch l {
	case DecisionHold, DecisionWait, DecisionNoTrade, DecisionNone:
		return true
	}
	return false
}

// Known reports whether the router has a mapping for the label.
func (l DecisionLabel) Known() bool {
	return l.IsOpen() || l.IsClose() || l.IsPassive()
}

// RouteOutcome is what the decision router did with a decision.
type RouteOutcome string

const (
	RouteNoAction RouteOutcome = "NO_ACTION"
	RouteOpened   RouteOutcome = "OPENED"
	RouteClosed   RouteOutcome = "CLOSED"
	RouteBlocked  RouteOutcome = "BLOCKED"
	RouteIgnored  RouteOutcome = "IGNORED"
	RouteFailed   RouteOutcome = "FAILED"
)
