package po3

import (
	"fmt"
	"time"
)

type Action string

const (
	ActionAllow   Action = "ALLOW"
	ActionSkip    Action = "SKIP"
	ActionBlocked Action = "BLOCKED"
)

const ReasonInProgress = "stage in progress"

// Verdict is the gate's answer for a prospective stage run. From is the status
// observed at decision time, Enter the status the run starts from.
type Verdict struct {
	Action Action
	Reason string
	From   Status
	Enter  Status
}

func (v Verdict) Allowed() bool { return v.Action == ActionAllow }

// Outcome is what a stage run produced. Err marks the run as failed.
type Outcome struct {
	Stage        Stage
	Err          error
	Bias         *BiasOutput
	Manipulation *ManipulationOutput
	Decision     *TradeDecision
	Route        RouteOutcome
	Ticket       string
	Note         string
}

// Gate holds every status transition of the daily state machine.
// Cutoffs are wall-clock hours in Location; zero disables a cutoff.
type Gate struct {
	Stage2Cutoff int
	Stage3Cutoff int
	Location     *time.Location
}

// Decide is pure: it never mutates c.
func (g Gate) Decide(c *Context, stage Stage, trigger Trigger) Verdict {
	v := Verdict{From: c.Status}
	if !stage.Valid() {
		v.Action, v.Reason = ActionBlocked, fmt.Sprintf("unknown stage %d", int(stage))
		return v
	}
	if c.Locked {
		v.Action, v.Reason = ActionBlocked, ReasonInProgress
		return v
	}

	if trigger != TriggerForced {
		if c.Status != stage.Precondition() {
			v.Action, v.Reason = ActionSkip, fmt.Sprintf("status %s, %s waits for %s", c.Status, stage, stage.Precondition())
			return v
		}
		if stage == StageHoldClose && c.TradeState != TradeActive {
			v.Action, v.Reason = ActionSkip, "no active trade"
			return v
		}
		v.Action, v.Enter = ActionAllow, c.Status
		return v
	}

	reached := c.Status.reached()
	if reached < stage {
		v.Action, v.Reason = ActionBlocked, fmt.Sprintf("stage %d incomplete", int(reached))
		return v
	}
	if stage == StageHoldClose {
		if c.TradeState != TradeActive {
			v.Action, v.Reason = ActionBlocked, "no active trade"
			return v
		}
	} else if c.TradeState == TradeActive {
		v.Action, v.Reason = ActionBlocked, "trade active, close it before re-running entry stages"
		return v
	}
	v.Action, v.Enter = ActionAllow, stage.Precondition()
	return v
}

// Advance applies a finished run's outcome to c and returns the transition.
func (g Gate) Advance(c *Context, o Outcome, now time.Time) (from, to Status) {
	from = c.Status
	c.UpdatedAt = now

	if o.Err != nil {
		c.Status = o.Stage.Failed()
		c.ErrorLog = o.Err.Error()
		return from, c.Status
	}
	c.ErrorLog = ""

	switch o.Stage {
	case StageBias:
		c.Bias = o.Bias
		c.Manipulation = nil
		c.Entry = nil
		c.Status = StatusPendingManipulation

	case StageManipulation:
		c.Manipulation = o.Manipulation
		switch {
		case o.Manipulation != nil && o.Manipulation.Detected:
			c.Entry = nil
			c.Status = StatusPendingEntry
		case g.past(now, g.Stage2Cutoff):
			c.Status = StatusNoManipulation
		default:
			c.Status = StatusPendingManipulation
		}

	case StageEntry:
		switch o.Route {
		case RouteOpened:
			c.Entry = &EntryOutput{Ticket: o.Ticket, OpenedAt: now}
			if o.Decision != nil {
				c.Entry.Decision = *o.Decision
			}
			c.TradeState = TradeActive
			c.Status = StatusTradeOpened
		case RouteBlocked:
			c.ErrorLog = o.Note
			c.Status = StatusNoEntry
		default:
			if g.past(now, g.Stage3Cutoff) {
				c.Status = StatusNoEntry
			} else {
				c.Status = StatusPendingEntry
			}
		}

	case StageHoldClose:
		c.Status = StatusTradeOpened
		if o.Route == RouteClosed {
			c.TradeState = TradeClosed
		}
	}
	return from, c.Status
}

// Expire resolves a pending stage whose session cutoff has passed.
func (g Gate) Expire(c *Context, now time.Time) (Status, bool) {
	if c.Locked {
		return c.Status, false
	}
	switch {
	case c.Status == StatusPendingManipulation && g.past(now, g.Stage2Cutoff):
		return StatusNoManipulation, true
	case c.Status == StatusPendingEntry && g.past(now, g.Stage3Cutoff):
		return StatusNoEntry, true
	}
	return c.Status, false
}

func (g Gate) past(now time.Time, cutoff int) bool {
	if cutoff <= 0 {
		return false
	}
	loc := g.Location
	if loc == nil {
		loc = time.UTC
	}
	return now.In(loc).Hour() >= cutoff
}
