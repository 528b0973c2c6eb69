package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/camuig/po3-trader/internal/ai"
	"github.com/camuig/po3-trader/internal/broker"
	"github.com/camuig/po3-trader/internal/executor"
	"github.com/camuig/po3-trader/internal/logger"
	"github.com/camuig/po3-trader/internal/po3"
)

var errMissingStageOutput = errors.New("previous stage output missing")

// execute runs the stage body. It returns the outcome for the gate, the raw
// narrative for the analysis log and the router result when one was produced.
func (r *Runner) execute(ctx context.Context, log *logger.Logger, c *po3.Context, stage po3.Stage) (po3.Outcome, string, *executor.Result) {
	out := po3.Outcome{Stage: stage}
	switch stage {
	case po3.StageBias:
		in, err := r.input(ctx, c, r.config.Trading.BiasTimeframe)
		if err != nil {
			out.Err = err
			return out, "", nil
		}
		narrative, err := r.narrator.Generate(ctx, ai.BuildBiasPrompt(in))
		if err != nil {
			out.Err = err
			return out, "", nil
		}
		bias := r.extractor.Bias(ctx, narrative)
		bias.Narrative = narrative
		out.Bias = &bias
		log.Info("bias extracted", "bias", bias.Bias, "asia_high", bias.AsiaHigh, "asia_low", bias.AsiaLow)
		return out, narrative, nil

	case po3.StageManipulation:
		if c.Bias == nil {
			out.Err = fmt.Errorf("stage 2 needs the daily bias: %w", errMissingStageOutput)
			return out, "", nil
		}
		in, err := r.input(ctx, c, r.config.Trading.ManipulationTimeframe)
		if err != nil {
			out.Err = err
			return out, "", nil
		}
		narrative, err := r.narrator.Generate(ctx, ai.BuildManipulationPrompt(in))
		if err != nil {
			out.Err = err
			return out, "", nil
		}
		m := r.extractor.Manipulation(ctx, narrative)
		m.Narrative = narrative
		out.Manipulation = &m
		log.Info("manipulation extracted", "detected", m.Detected, "side", m.Side, "htf_reaction", m.HTFReaction)
		return out, narrative, nil

	case po3.StageEntry:
		return r.entry(ctx, log, c)

	case po3.StageHoldClose:
		return r.holdClose(ctx, log, c)
	}

	out.Err = fmt.Errorf("unknown stage %d", int(stage))
	return out, "", nil
}

func (r *Runner) entry(ctx context.Context, log *logger.Logger, c *po3.Context) (po3.Outcome, string, *executor.Result) {
	out := po3.Outcome{Stage: po3.StageEntry}
	if c.Bias == nil || c.Manipulation == nil {
		out.Err = fmt.Errorf("stage 3 needs bias and manipulation: %w", errMissingStageOutput)
		return out, "", nil
	}
	in, err := r.input(ctx, c, r.config.Trading.EntryTimeframe)
	if err != nil {
		out.Err = err
		return out, "", nil
	}
	narrative, err := r.narrator.Generate(ctx, ai.BuildEntryPrompt(in))
	if err != nil {
		out.Err = err
		return out, "", nil
	}

	var d po3.TradeDecision
	if ai.SignalFound(narrative) {
		d = r.extractor.Decision(ctx, narrative)
	} else {
		d = po3.TradeDecision{Label: po3.DecisionWait, Reason: "no trading signal in analysis"}
	}
	d.Narrative = narrative
	out.Decision = &d
	log.Info("entry decision", "label", d.Label, "direction", d.Direction, "price", d.Price, "sl", d.StopLoss, "tp", d.TakeProfit)

	res := r.router.Route(ctx, c.Instrument, d, c)
	out.Route, out.Ticket, out.Note = res.Outcome, res.Ticket, res.Message
	if res.Outcome == po3.RouteFailed {
		out.Err = res.Err
		if out.Err == nil {
			out.Err = errors.New(res.Message)
		}
	}
	return out, narrative, &res
}

// holdClose reviews the open trade. A trade whose order record is already
// settled is marked closed without asking the model.
func (r *Runner) holdClose(ctx context.Context, log *logger.Logger, c *po3.Context) (po3.Outcome, string, *executor.Result) {
	out := po3.Outcome{Stage: po3.StageHoldClose}
	rec, err := r.router.OpenOrderFor(ctx, c.Instrument)
	if err != nil {
		out.Err = err
		return out, "", nil
	}
	if rec == nil {
		log.Info("no open order left, marking trade closed")
		out.Route, out.Note = po3.RouteClosed, "no open order, trade marked closed"
		return out, "", nil
	}

	in, err := r.input(ctx, c, r.config.Trading.EntryTimeframe)
	if err != nil {
		out.Err = err
		return out, "", nil
	}
	pos, err := r.router.PositionFor(ctx, rec)
	if err != nil {
		log.Warn("position lookup failed, reviewing without live position", "error", err)
	}
	in.Position = pos

	narrative, err := r.narrator.Generate(ctx, ai.BuildHoldClosePrompt(in))
	if err != nil {
		out.Err = err
		return out, "", nil
	}
	d := r.extractor.Decision(ctx, narrative)
	d.Narrative = narrative
	out.Decision = &d
	log.Info("hold/close decision", "label", d.Label, "reason", d.Reason)

	if !d.Label.IsClose() {
		out.Note = fmt.Sprintf("%s: %s", d.Label, orNone(d.Reason))
		return out, narrative, nil
	}
	res := r.router.Route(ctx, c.Instrument, d, c)
	out.Route, out.Note = res.Outcome, res.Message
	if res.Outcome == po3.RouteFailed {
		out.Err = res.Err
		if out.Err == nil {
			out.Err = errors.New(res.Message)
		}
	}
	return out, narrative, &res
}

// input gathers candles and calendar lines for a prompt.
func (r *Runner) input(ctx context.Context, c *po3.Context, timeframe string) (ai.StageInput, error) {
	candles, err := r.market.FetchCandles(ctx, c.Instrument, timeframe, r.config.Trading.CandleCount)
	if err != nil {
		return ai.StageInput{}, fmt.Errorf("fetch %s candles: %w", timeframe, err)
	}
	if len(candles) == 0 {
		return ai.StageInput{}, fmt.Errorf("fetch %s candles: %w", timeframe, broker.ErrInsufficientData)
	}
	in := ai.StageInput{
		Instrument: c.Instrument,
		Now:        r.now().In(r.config.Location()),
		Timeframe:  timeframe,
		Candles:    candles,
		Context:    c,
	}
	if r.news != nil {
		in.News = r.news.ForInstrument(ctx, c.Instrument)
	}
	return in, nil
}

func orNone(s string) string {
	if s == "" {
		return "no reason given"
	}
	return s
}
