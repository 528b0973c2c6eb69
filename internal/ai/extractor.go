package ai

import (
	"context"
	"time"

	"github.com/camuig/po3-trader/internal/config"
	"github.com/camuig/po3-trader/internal/logger"
	"github.com/camuig/po3-trader/internal/po3"
)

var (
	BiasGrammar = NewGrammar("bias",
		Field{Key: "bias", Aliases: []string{"daily_bias", "bias_harian"}, Kind: KindEnum,
			Enum: []string{string(po3.BiasBullish), string(po3.BiasBearish), string(po3.BiasNeutral)}},
		Field{Key: "asia_high", Kind: KindFloat},
		Field{Key: "asia_low", Kind: KindFloat},
		Field{Key: "htf_zone_target", Aliases: []string{"htf_target", "target_zone"}},
	)

	ManipulationGrammar = NewGrammar("manipulation",
		Field{Key: "manipulation", Aliases: []string{"manipulation_detected", "detected"}, Kind: KindBool},
		Field{Key: "side", Aliases: []string{"manipulation_side"}},
		Field{Key: "htf_reaction", Kind: KindBool},
	)

	DecisionGrammar = NewGrammar("decision",
		Field{Key: "decision", Aliases: []string{"keputusan", "action"}, Kind: KindEnum, Open: true,
			Enum: []string{
				string(po3.DecisionOpen), string(po3.DecisionBuy), string(po3.DecisionSell),
				string(po3.DecisionClose), string(po3.DecisionCloseManual), string(po3.DecisionHold),
				string(po3.DecisionWait), string(po3.DecisionNoTrade), string(po3.DecisionNone),
			}},
		Field{Key: "direction", Aliases: []string{"arah"}},
		Field{Key: "price", Aliases: []string{"harga", "entry", "entry_price"}, Kind: KindFloat},
		Field{Key: "sl", Aliases: []string{"stop_loss", "stoploss"}, Kind: KindFloat},
		Field{Key: "tp", Aliases: []string{"take_profit", "takeprofit"}, Kind: KindFloat},
		Field{Key: "reason", Aliases: []string{"alasan"}},
	)
)

// Extractor turns narratives into structured stage outputs. It never fails:
// output it cannot read yields the safe default of the stage.
type Extractor interface {
	Bias(ctx context.Context, narrative string) po3.BiasOutput
	Manipulation(ctx context.Context, narrative string) po3.ManipulationOutput
	Decision(ctx context.Context, narrative string) po3.TradeDecision
}

// NewExtractor picks the extraction mode configured in ai.extraction_mode.
func NewExtractor(cfg *config.Config, client Completer, log *logger.Logger) Extractor {
	parser := &ParserExtractor{logger: log}
	if cfg.AI.ExtractionMode == "parser" {
		return parser
	}
	return &AIExtractor{
		client:   client,
		model:    cfg.AI.ExtractionModel,
		timeout:  cfg.ExtractionTimeout(),
		fallback: parser,
		logger:   log,
	}
}

// ParserExtractor reads the summary block of the narrative directly.
type ParserExtractor struct {
	logger *logger.Logger
}

func NewParserExtractor(log *logger.Logger) *ParserExtractor {
	return &ParserExtractor{logger: log}
}

func (e *ParserExtractor) Bias(_ context.Context, narrative string) po3.BiasOutput {
	return biasFrom(e.parse(BiasGrammar, narrative))
}

func (e *ParserExtractor) Manipulation(_ context.Context, narrative string) po3.ManipulationOutput {
	return manipulationFrom(e.parse(ManipulationGrammar, narrative))
}

func (e *ParserExtractor) Decision(_ context.Context, narrative string) po3.TradeDecision {
	return decisionFrom(e.parse(DecisionGrammar, narrative))
}

func (e *ParserExtractor) parse(g *Grammar, text string) Parsed {
	p := g.Parse(text)
	if p.Unparseable {
		e.logger.Warn("narrative unparseable, using safe default", "grammar", g.Name, "reason", p.Reason)
	}
	return p
}

// Completer is the completion surface of Client.
type Completer interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// AIExtractor asks the extraction model to restate the summary block and
// parses its reply. When the model fails or replies off-format it parses the
// narrative itself before giving up to the safe default.
type AIExtractor struct {
	client   Completer
	model    string
	timeout  time.Duration
	fallback *ParserExtractor
	logger   *logger.Logger
}

func (e *AIExtractor) Bias(ctx context.Context, narrative string) po3.BiasOutput {
	return biasFrom(e.extract(ctx, BiasGrammar, narrative))
}

func (e *AIExtractor) Manipulation(ctx context.Context, narrative string) po3.ManipulationOutput {
	return manipulationFrom(e.extract(ctx, ManipulationGrammar, narrative))
}

func (e *AIExtractor) Decision(ctx context.Context, narrative string) po3.TradeDecision {
	return decisionFrom(e.extract(ctx, DecisionGrammar, narrative))
}

func (e *AIExtractor) extract(ctx context.Context, g *Grammar, narrative string) Parsed {
	if TemplateEcho(narrative) {
		e.logger.Warn("narrative is a prompt template echo, using safe default", "grammar", g.Name)
		return Parsed{Values: map[string]any{}, Unparseable: true, Reason: "model echoed the prompt template"}
	}

	reply, err := e.client.Complete(ctx, Request{
		Kind:      "extraction",
		Model:     e.model,
		Prompt:    BuildExtractionPrompt(g, narrative),
		Timeout:   e.timeout,
		MaxTokens: 400,
	})
	if err != nil {
		e.logger.Warn("extraction call failed, parsing narrative", "grammar", g.Name, "error", err)
		return e.fallback.parse(g, narrative)
	}

	p := g.Parse(reply)
	if p.Unparseable {
		e.logger.Warn("extraction reply unparseable, parsing narrative", "grammar", g.Name, "reason", p.Reason)
		return e.fallback.parse(g, narrative)
	}
	return p
}

func biasFrom(p Parsed) po3.BiasOutput {
	out := po3.BiasOutput{Bias: po3.BiasNeutral}
	if b, ok := p.String("bias"); ok {
		out.Bias = po3.Bias(b)
	}
	out.AsiaHigh, _ = p.Float("asia_high")
	out.AsiaLow, _ = p.Float("asia_low")
	if out.AsiaHigh > 0 && out.AsiaLow > out.AsiaHigh {
		out.AsiaHigh, out.AsiaLow = out.AsiaLow, out.AsiaHigh
	}
	if t, ok := p.String("htf_zone_target"); ok && !notAvailable(t) {
		out.HTFZoneTarget = t
	}
	return out
}

func manipulationFrom(p Parsed) po3.ManipulationOutput {
	var out po3.ManipulationOutput
	out.Detected, _ = p.Bool("manipulation")
	out.HTFReaction, _ = p.Bool("htf_reaction")
	if s, ok := p.String("side"); ok && !notAvailable(s) {
		out.Side = normalizeWord(s)
	}
	return out
}

func decisionFrom(p Parsed) po3.TradeDecision {
	out := po3.TradeDecision{Label: po3.DecisionNoTrade}
	if p.Unparseable {
		out.Reason = "unparseable: " + p.Reason
		return out
	}
	if l, ok := p.String("decision"); ok {
		out.Label = po3.DecisionLabel(l)
	}
	if d, ok := p.String("direction"); ok {
		out.Direction, _ = po3.ParseDirection(d)
	}
	out.Price, _ = p.Float("price")
	out.StopLoss, _ = p.Float("sl")
	out.TakeProfit, _ = p.Float("tp")
	out.Reason, _ = p.String("reason")
	return out
}

func notAvailable(s string) bool {
	switch normalizeWord(s) {
	case "N/A", "NA", "NONE", "":
		return true
	}
	return false
}
