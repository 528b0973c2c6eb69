package ai

import (
	"fmt"
	"strings"
	"time"

	"github.com/camuig/po3-trader/internal/broker"
	"github.com/camuig/po3-trader/internal/po3"
)

const systemPrompt = `You are an experienced forex trader who applies the ICT "Power of Three" model
(accumulation, manipulation, distribution) to intraday trading.

Work only from the data you are given: OHLCV candles, the daily context produced by earlier
stages, and the economic calendar. Never invent prices. Quote levels with the instrument's
precision.

Every answer has two parts:
1. A narrative analysis in plain English.
2. A final summary block of KEY: value lines, one per line, with exactly the keys requested.
   No markdown inside the summary block.`

// SignalMarker is written by the model in entry narratives that found a setup.
const SignalMarker = "TRADING SIGNAL FOUND"

// SignalFound reports whether an entry narrative announces a setup.
func SignalFound(narrative string) bool {
	upper := strings.ToUpper(narrative)
	return strings.Contains(upper, SignalMarker) || strings.Contains(upper, "SINYAL TRADING DITEMUKAN")
}

// StageInput carries everything a stage prompt may reference.
type StageInput struct {
	Instrument string
	Now        time.Time
	Timeframe  string
	Candles    []broker.Candle
	Context    *po3.Context
	News       []string
	Position   *broker.Position
	MinRRR     float64
}

func BuildBiasPrompt(in StageInput) string {
	var sb strings.Builder
	writeHeader(&sb, "STAGE 1: DAILY BIAS", in)

	sb.WriteString("## Task\n")
	sb.WriteString("Determine today's directional bias from higher-timeframe structure.\n")
	sb.WriteString("Mark the Asia session range (00:00-04:00 UTC) high and low from the candles and name\n")
	sb.WriteString("the higher-timeframe zone price is likely to draw towards.\n\n")

	writeNews(&sb, in.News)
	writeCandles(&sb, in)
	writeSummaryKeys(&sb, BiasGrammar)
	return sb.String()
}

func BuildManipulationPrompt(in StageInput) string {
	var sb strings.Builder
	writeHeader(&sb, "STAGE 2: MANIPULATION", in)

	sb.WriteString("## Daily context\n")
	writeBias(&sb, in.Context)
	sb.WriteString("\n## Task\n")
	sb.WriteString("During the London killzone (06:00-09:00 UTC), decide whether price has swept the Asia\n")
	sb.WriteString("range against the daily bias (a Judas swing) and whether it reacted from the\n")
	sb.WriteString("higher-timeframe zone. SIDE is ABOVE_ASIA_HIGH or BELOW_ASIA_LOW.\n\n")

	writeNews(&sb, in.News)
	writeCandles(&sb, in)
	writeSummaryKeys(&sb, ManipulationGrammar)
	return sb.String()
}

func BuildEntryPrompt(in StageInput) string {
	var sb strings.Builder
	writeHeader(&sb, "STAGE 3: ENTRY CONFIRMATION", in)

	sb.WriteString("## Daily context\n")
	writeBias(&sb, in.Context)
	writeManipulation(&sb, in.Context)

	rrr := in.MinRRR
	if rrr <= 0 {
		rrr = 2
	}
	sb.WriteString("\n## Task\n")
	sb.WriteString("Look for a market structure shift in the direction of the bias after the manipulation,\n")
	sb.WriteString("with an entry at a fair value gap or order block.\n")
	fmt.Fprintf(&sb, "Only take setups with a reward-to-risk of at least %.1f.\n", rrr)
	fmt.Fprintf(&sb, "If a valid setup exists, write the line %q in the narrative and set DECISION to OPEN\n", SignalMarker)
	sb.WriteString("with DIRECTION, PRICE, SL and TP. Otherwise set DECISION to NO_TRADE and explain in REASON.\n\n")

	writeNews(&sb, in.News)
	writeCandles(&sb, in)
	writeSummaryKeys(&sb, DecisionGrammar)
	return sb.String()
}

func BuildHoldClosePrompt(in StageInput) string {
	var sb strings.Builder
	writeHeader(&sb, "TRADE MANAGEMENT: HOLD OR CLOSE", in)

	sb.WriteString("## Open trade\n")
	if in.Context != nil && in.Context.Entry != nil {
		d := in.Context.Entry.Decision
		fmt.Fprintf(&sb, "Ticket %s: %s @ %.5f, SL %.5f, TP %.5f, opened %s\n",
			in.Context.Entry.Ticket, d.Direction, d.Price, d.StopLoss, d.TakeProfit,
			in.Context.Entry.OpenedAt.UTC().Format(time.RFC3339))
	}
	if p := in.Position; p != nil {
		fmt.Fprintf(&sb, "Current price %.5f, floating P&L %.2f\n", p.CurrentPrice, p.Profit)
	} else {
		sb.WriteString("The broker reports no live position details.\n")
	}
	writeBias(&sb, in.Context)

	sb.WriteString("\n## Task\n")
	sb.WriteString("Decide whether the trade should be held or closed now. Close when the daily narrative is\n")
	sb.WriteString("invalidated, the target is effectively reached, or high-impact news is imminent.\n")
	sb.WriteString("Set DECISION to HOLD or CLOSE.\n\n")

	writeNews(&sb, in.News)
	writeCandles(&sb, in)
	writeSummaryKeys(&sb, DecisionGrammar)
	return sb.String()
}

const valuePlaceholder = ": <value>"

const extractionPreamble = "Extract the following fields from the trading analysis below."

// BuildExtractionPrompt asks the extraction model to reduce a narrative to
// the grammar's summary block.
func BuildExtractionPrompt(g *Grammar, narrative string) string {
	var sb strings.Builder
	sb.WriteString(extractionPreamble)
	sb.WriteString("\nReply with KEY: value lines only, one per key, no commentary.\n")
	sb.WriteString("Use N/A for values the analysis does not state.\n\nKeys:\n")
	for _, k := range g.Keys() {
		fmt.Fprintf(&sb, "%s\n", k)
	}
	sb.WriteString("\nANALYSIS:\n")
	sb.WriteString(narrative)
	return sb.String()
}

func writeHeader(sb *strings.Builder, title string, in StageInput) {
	fmt.Fprintf(sb, "# %s | %s\n", title, in.Instrument)
	now := in.Now.UTC()
	fmt.Fprintf(sb, "Time: %s UTC (%s session)\n\n", now.Format("2006-01-02 15:04"), po3.Session(now))
}

func writeBias(sb *strings.Builder, c *po3.Context) {
	if c == nil || c.Bias == nil {
		sb.WriteString("Bias: not available, infer it from the candles.\n")
		return
	}
	b := c.Bias
	fmt.Fprintf(sb, "Bias: %s\n", b.Bias)
	if b.AsiaHigh > 0 || b.AsiaLow > 0 {
		fmt.Fprintf(sb, "Asia range: %.5f - %.5f\n", b.AsiaLow, b.AsiaHigh)
	}
	if b.HTFZoneTarget != "" {
		fmt.Fprintf(sb, "HTF target: %s\n", b.HTFZoneTarget)
	}
	if b.Narrative != "" {
		sb.WriteString("\n### Stage 1 analysis\n")
		sb.WriteString(b.Narrative)
		sb.WriteString("\n")
	}
}

func writeManipulation(sb *strings.Builder, c *po3.Context) {
	if c == nil || c.Manipulation == nil {
		sb.WriteString("Manipulation: not available, infer it from the candles.\n")
		return
	}
	m := c.Manipulation
	fmt.Fprintf(sb, "Manipulation: %t, side %s, HTF reaction %t\n", m.Detected, orNA(m.Side), m.HTFReaction)
	if m.Narrative != "" {
		sb.WriteString("\n### Stage 2 analysis\n")
		sb.WriteString(m.Narrative)
		sb.WriteString("\n")
	}
}

func writeNews(sb *strings.Builder, news []string) {
	sb.WriteString("## Economic calendar (today)\n")
	if len(news) == 0 {
		sb.WriteString("No relevant events.\n\n")
		return
	}
	for _, n := range news {
		fmt.Fprintf(sb, "- %s\n", n)
	}
	sb.WriteString("\n")
}

func writeCandles(sb *strings.Builder, in StageInput) {
	fmt.Fprintf(sb, "## Candles (%s, %d bars, oldest first)\n", in.Timeframe, len(in.Candles))
	sb.WriteString("| Time (UTC) | Open | High | Low | Close | Volume |\n")
	sb.WriteString("|------------|------|------|-----|-------|--------|\n")
	for _, c := range in.Candles {
		fmt.Fprintf(sb, "| %s | %.5f | %.5f | %.5f | %.5f | %.0f |\n",
			c.Time.UTC().Format("01-02 15:04"), c.Open, c.High, c.Low, c.Close, c.Volume)
	}
	sb.WriteString("\n")
}

func writeSummaryKeys(sb *strings.Builder, g *Grammar) {
	sb.WriteString("## Summary block\nEnd your answer with these lines:\n")
	for _, k := range g.Keys() {
		fmt.Fprintf(sb, "%s%s\n", k, valuePlaceholder)
	}
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}

// AskNote is one recent stage analysis quoted in an operator question.
type AskNote struct {
	Instrument string
	Stage      int
	At         time.Time
	Narrative  string
}

// AskInput is what the operator assistant knows when answering.
type AskInput struct {
	Question string
	Now      time.Time
	Contexts []*po3.Context
	Notes    []AskNote
}

const maxNoteLength = 1500

// BuildAskPrompt answers a free-form operator question from the bot's state.
func BuildAskPrompt(in AskInput) string {
	var sb strings.Builder
	now := in.Now.UTC()
	fmt.Fprintf(&sb, "# OPERATOR QUESTION\nTime: %s UTC (%s session)\n\n", now.Format("2006-01-02 15:04"), po3.Session(now))

	sb.WriteString("## Daily contexts\n")
	if len(in.Contexts) == 0 {
		sb.WriteString("No contexts available.\n")
	}
	for _, c := range in.Contexts {
		sb.WriteString("- ")
		sb.WriteString(c.Summary())
		sb.WriteString("\n")
	}

	if len(in.Notes) > 0 {
		sb.WriteString("\n## Recent stage analyses\n")
		for _, n := range in.Notes {
			fmt.Fprintf(&sb, "\n### %s stage %d (%s UTC)\n", n.Instrument, n.Stage, n.At.UTC().Format("01-02 15:04"))
			text := n.Narrative
			if len(text) > maxNoteLength {
				text = text[:maxNoteLength] + "..."
			}
			sb.WriteString(text)
			sb.WriteString("\n")
		}
	}

	sb.WriteString("\n## Question\n")
	sb.WriteString(strings.TrimSpace(in.Question))
	sb.WriteString("\n\nAnswer briefly in plain text from the data above. Say so when the data does not cover\n")
	sb.WriteString("the question. No summary block is needed for this answer.\n")
	return sb.String()
}
