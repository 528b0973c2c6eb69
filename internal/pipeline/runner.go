// Package pipeline runs one stage of the daily workflow for one instrument
// under the context lock.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/camuig/po3-trader/internal/ai"
	"github.com/camuig/po3-trader/internal/broker"
	"github.com/camuig/po3-trader/internal/config"
	"github.com/camuig/po3-trader/internal/executor"
	"github.com/camuig/po3-trader/internal/logger"
	"github.com/camuig/po3-trader/internal/metrics"
	"github.com/camuig/po3-trader/internal/po3"
	"github.com/camuig/po3-trader/internal/storage"
)

type MarketData interface {
	FetchCandles(ctx context.Context, symbol, timeframe string, count int) ([]broker.Candle, error)
}

type Narrator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Router is the executor surface the runner needs.
type Router interface {
	Route(ctx context.Context, instrument string, d po3.TradeDecision, c *po3.Context) executor.Result
	OpenOrderFor(ctx context.Context, instrument string) (*storage.OrderRecord, error)
	PositionFor(ctx context.Context, rec *storage.OrderRecord) (*broker.Position, error)
}

type NewsSource interface {
	ForInstrument(ctx context.Context, instrument string) []string
}

type Notifier interface {
	Broadcast(text string)
}

// Report describes one Run call.
type Report struct {
	RunID      string
	Instrument string
	Stage      po3.Stage
	Trigger    po3.Trigger
	Verdict    po3.Verdict
	From       po3.Status
	To         po3.Status
	Err        error
	Message    string
	Notified   bool
}

// Ran reports whether the stage body executed under the lock.
func (r Report) Ran() bool { return r.RunID != "" }

type Runner struct {
	store     *storage.ContextStore
	repo      *storage.Repository
	gate      po3.Gate
	market    MarketData
	narrator  Narrator
	extractor ai.Extractor
	router    Router
	news      NewsSource
	notifier  Notifier
	config    *config.Config
	logger    *logger.Logger
	now       func() time.Time
}

type Deps struct {
	Store     *storage.ContextStore
	Repo      *storage.Repository
	Market    MarketData
	Narrator  Narrator
	Extractor ai.Extractor
	Router    Router
	News      NewsSource
	Notifier  Notifier
}

func NewRunner(d Deps, cfg *config.Config, log *logger.Logger) *Runner {
	return &Runner{
		store:     d.Store,
		repo:      d.Repo,
		market:    d.Market,
		narrator:  d.Narrator,
		extractor: d.Extractor,
		router:    d.Router,
		news:      d.News,
		notifier:  d.Notifier,
		config:    cfg,
		logger:    log,
		now:       time.Now,
		gate: po3.Gate{
			Stage2Cutoff: cfg.Trading.Stage2CutoffHour,
			Stage3Cutoff: cfg.Trading.Stage3CutoffHour,
			Location:     cfg.Location(),
		},
	}
}

// WithClock replaces the wall clock; used by tests.
func (r *Runner) WithClock(now func() time.Time) *Runner {
	r.now = now
	return r
}

// Run executes stage for instrument if the gate allows it. Scheduled skips
// are silent; every forced call and every state change yields exactly one
// notification. The lock taken here is released on every exit path.
func (r *Runner) Run(ctx context.Context, instrument string, stage po3.Stage, trigger po3.Trigger) (rep Report) {
	rep = Report{Instrument: instrument, Stage: stage, Trigger: trigger}
	log := r.logger.With("instrument", instrument, "stage", stage.String(), "trigger", trigger)

	c, err := r.store.Get(ctx, instrument)
	if err != nil {
		rep.Err = err
		rep.Message = fmt.Sprintf("%s %s: cannot load context: %v", instrument, stageLabel(stage), err)
		log.Error("load context", "error", err)
		r.notify(&rep)
		return rep
	}

	v := r.gate.Decide(c, stage, trigger)
	rep.Verdict, rep.From, rep.To = v, c.Status, c.Status
	metrics.GateVerdicts.WithLabelValues(stage.String(), string(trigger), string(v.Action)).Inc()

	switch v.Action {
	case po3.ActionSkip:
		log.Debug("stage skipped", "reason", v.Reason)
		return rep
	case po3.ActionBlocked:
		rep.Message = fmt.Sprintf("%s %s blocked: %s", instrument, stageLabel(stage), v.Reason)
		log.Info("stage blocked", "reason", v.Reason, "status", c.Status)
		if trigger == po3.TriggerForced {
			r.notify(&rep)
		}
		return rep
	}

	locked, err := r.store.TryLock(ctx, instrument, c.TradingDay, v.From, v.Enter)
	if err != nil {
		rep.Err = err
		rep.Message = fmt.Sprintf("%s %s: cannot lock context: %v", instrument, stageLabel(stage), err)
		log.Error("lock context", "error", err)
		r.notify(&rep)
		return rep
	}
	if !locked {
		rep.Verdict.Action, rep.Verdict.Reason = po3.ActionBlocked, po3.ReasonInProgress
		rep.Message = fmt.Sprintf("%s %s blocked: %s", instrument, stageLabel(stage), po3.ReasonInProgress)
		log.Info("lost lock race")
		if trigger == po3.TriggerForced {
			r.notify(&rep)
		}
		return rep
	}

	c.Locked, c.Status = true, v.Enter
	tradeBefore := c.TradeState
	rep.RunID = ulid.Make().String()
	log = log.With("run_id", rep.RunID)
	start := r.now()
	log.Info("stage started", "from", v.From, "enter", v.Enter)

	var (
		outcome   po3.Outcome
		narrative string
		routed    *executor.Result
	)
	defer func() {
		if p := recover(); p != nil {
			log.Error("panic in stage run", "panic", fmt.Sprint(p))
			outcome = po3.Outcome{Stage: stage, Err: fmt.Errorf("panic: %v", p)}
			r.gate.Advance(c, outcome, r.now())
		}
		c.Locked = false
		rep.To, rep.Err = c.Status, outcome.Err

		persistErr := r.persist(ctx, log, c)
		r.saveLog(ctx, log, rep, c, outcome, narrative, r.now().Sub(start))

		result := "advanced"
		switch {
		case outcome.Err != nil:
			result = "failed"
		case rep.From == rep.To && c.TradeState == tradeBefore:
			result = "unchanged"
		}
		metrics.StageRuns.WithLabelValues(stage.String(), result).Inc()
		metrics.StageDuration.WithLabelValues(stage.String()).Observe(r.now().Sub(start).Seconds())

		rep.Message = r.describe(rep, c, outcome, routed, persistErr)
		changed := rep.From != rep.To || c.TradeState != tradeBefore
		if trigger == po3.TriggerForced || changed || outcome.Err != nil || persistErr != nil || loud(routed) {
			r.notify(&rep)
		}
		log.Info("stage finished", "from", rep.From, "to", rep.To, "result", result, "duration", r.now().Sub(start).String())
	}()

	stageCtx, cancel := context.WithTimeout(executor.WithRunID(ctx, rep.RunID), r.config.StageTimeout())
	defer cancel()

	outcome, narrative, routed = r.execute(stageCtx, log, c, stage)
	r.gate.Advance(c, outcome, r.now())
	return rep
}

func loud(res *executor.Result) bool {
	return res != nil && (res.Notify || res.Level == executor.LevelWarn || res.Level == executor.LevelError)
}

// persist writes the released context. When the full save fails it falls
// back to clearing the lock alone so the instrument does not stay frozen.
func (r *Runner) persist(ctx context.Context, log *logger.Logger, c *po3.Context) error {
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	err := r.store.Save(saveCtx, c)
	if err == nil {
		return nil
	}
	log.Error("CONTEXT NOT SAVED, state may be inconsistent", "status", c.Status, "error", err)
	if uerr := r.store.Unlock(saveCtx, c.Instrument, c.TradingDay); uerr != nil {
		log.Error("LOCK NOT RELEASED, reset the instrument manually", "error", uerr)
		return errors.Join(err, uerr)
	}
	return err
}

func (r *Runner) saveLog(ctx context.Context, log *logger.Logger, rep Report, c *po3.Context, o po3.Outcome, narrative string, took time.Duration) {
	if r.repo == nil {
		return
	}
	extraction, _ := json.Marshal(struct {
		Bias         *po3.BiasOutput         `json:"bias,omitempty"`
		Manipulation *po3.ManipulationOutput `json:"manipulation,omitempty"`
		Decision     *po3.TradeDecision      `json:"decision,omitempty"`
		Route        po3.RouteOutcome        `json:"route,omitempty"`
		Ticket       string                  `json:"ticket,omitempty"`
	}{o.Bias, o.Manipulation, stripNarrative(o.Decision), o.Route, o.Ticket})

	entry := &storage.AnalysisLog{
		RunID:      rep.RunID,
		Instrument: c.Instrument,
		TradingDay: c.TradingDay,
		Stage:      int(rep.Stage),
		Trigger:    string(rep.Trigger),
		FromStatus: string(rep.From),
		ToStatus:   string(rep.To),
		Narrative:  narrative,
		Extraction: string(extraction),
		DurationMS: took.Milliseconds(),
	}
	if o.Err != nil {
		entry.Error = o.Err.Error()
	}

	logCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := r.repo.SaveAnalysisLog(logCtx, entry); err != nil {
		log.Error("save analysis log", "error", err)
	}
}

func stripNarrative(d *po3.TradeDecision) *po3.TradeDecision {
	if d == nil {
		return nil
	}
	cp := *d
	cp.Narrative = ""
	return &cp
}

// Expire resolves a pending stage 2 or 3 whose session cutoff has passed.
func (r *Runner) Expire(ctx context.Context, instrument string) (po3.Status, bool, error) {
	c, err := r.store.Get(ctx, instrument)
	if err != nil {
		return "", false, err
	}
	to, ok := r.gate.Expire(c, r.now())
	if !ok {
		return c.Status, false, nil
	}
	set, err := r.store.CompareAndSetStatus(ctx, instrument, c.TradingDay, c.Status, to)
	if err != nil || !set {
		return c.Status, false, err
	}

	r.logger.Info("session cutoff reached", "instrument", instrument, "from", c.Status, "to", to)
	r.broadcast(fmt.Sprintf("%s session cutoff: %s -> %s", instrument, c.Status, to))
	return to, true, nil
}

func (r *Runner) notify(rep *Report) {
	r.broadcast(rep.Message)
	rep.Notified = true
}

func (r *Runner) broadcast(text string) {
	if r.notifier == nil || text == "" {
		return
	}
	r.notifier.Broadcast(text)
}

func (r *Runner) describe(rep Report, c *po3.Context, o po3.Outcome, routed *executor.Result, persistErr error) string {
	var sb strings.Builder
	if o.Err != nil {
		fmt.Fprintf(&sb, "%s %s FAILED [%s]\n%s -> %s\nerror: %v", c.Instrument, stageLabel(rep.Stage), rep.Trigger, rep.From, rep.To, o.Err)
	} else {
		fmt.Fprintf(&sb, "%s %s done [%s]\n%s -> %s", c.Instrument, stageLabel(rep.Stage), rep.Trigger, rep.From, rep.To)
		if s := outcomeSummary(o); s != "" {
			sb.WriteString("\n" + s)
		}
	}
	if routed != nil && routed.Message != "" && o.Err == nil {
		sb.WriteString("\n" + routed.Message)
	}
	if persistErr != nil {
		fmt.Fprintf(&sb, "\nWARNING: context not saved: %v", persistErr)
	}
	return sb.String()
}

func outcomeSummary(o po3.Outcome) string {
	switch {
	case o.Bias != nil:
		s := fmt.Sprintf("bias: %s", o.Bias.Bias)
		if o.Bias.AsiaHigh > 0 || o.Bias.AsiaLow > 0 {
			s += fmt.Sprintf(", asia range %.5f-%.5f", o.Bias.AsiaLow, o.Bias.AsiaHigh)
		}
		if o.Bias.HTFZoneTarget != "" {
			s += ", target " + o.Bias.HTFZoneTarget
		}
		return s
	case o.Manipulation != nil:
		if !o.Manipulation.Detected {
			return "manipulation: not detected yet"
		}
		s := "manipulation: detected"
		if o.Manipulation.Side != "" {
			s += " " + o.Manipulation.Side
		}
		if o.Manipulation.HTFReaction {
			s += ", HTF reaction confirmed"
		}
		return s
	case o.Decision != nil:
		d := o.Decision
		s := fmt.Sprintf("decision: %s", d.Label)
		if d.Direction != "" {
			s += " " + string(d.Direction)
		}
		if d.Price > 0 {
			s += fmt.Sprintf(" @ %.5f sl %.5f tp %.5f", d.Price, d.StopLoss, d.TakeProfit)
		}
		if d.Reason != "" {
			s += "\nreason: " + d.Reason
		}
		return s
	}
	return o.Note
}

func stageLabel(s po3.Stage) string {
	return fmt.Sprintf("stage %d (%s)", int(s), s)
}
