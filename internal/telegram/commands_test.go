package telegram

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camuig/po3-trader/internal/broker"
	"github.com/camuig/po3-trader/internal/config"
	"github.com/camuig/po3-trader/internal/logger"
	"github.com/camuig/po3-trader/internal/pipeline"
	"github.com/camuig/po3-trader/internal/po3"
	"github.com/camuig/po3-trader/internal/storage"
)

type fakeControl struct {
	forced []string
	cycles []string
	paused bool
}

func (f *fakeControl) Force(_ context.Context, stage po3.Stage, instruments ...string) []pipeline.Report {
	for _, inst := range instruments {
		f.forced = append(f.forced, inst+":"+stage.String())
	}
	return nil
}

func (f *fakeControl) FullCycle(_ context.Context, instrument string) []pipeline.Report {
	f.cycles = append(f.cycles, instrument)
	return nil
}

func (f *fakeControl) Pause(context.Context) error  { f.paused = true; return nil }
func (f *fakeControl) Resume(context.Context) error { f.paused = false; return nil }
func (f *fakeControl) Paused(context.Context) bool  { return f.paused }

type fakeContexts struct {
	resetErr error
}

func (f *fakeContexts) Get(_ context.Context, inst string) (*po3.Context, error) {
	c := po3.NewContext(inst, "2026-03-02")
	c.Bias = &po3.BiasOutput{Bias: po3.BiasBearish}
	return c, nil
}

func (f *fakeContexts) List(_ context.Context, insts []string) ([]*po3.Context, error) {
	out := make([]*po3.Context, 0, len(insts))
	for _, inst := range insts {
		c := po3.NewContext(inst, "2026-03-02")
		if inst == "XAUUSD" {
			c.Status, c.TradeState = po3.StatusTradeOpened, po3.TradeActive
		}
		out = append(out, c)
	}
	return out, nil
}

func (f *fakeContexts) Reset(_ context.Context, inst string, force bool) (*po3.Context, error) {
	if f.resetErr != nil && !force {
		return nil, f.resetErr
	}
	return po3.NewContext(inst, "2026-03-02"), nil
}

type fakeCloser struct{ reasons []string }

func (f *fakeCloser) CloseAll(_ context.Context, reason string) (int, error) {
	f.reasons = append(f.reasons, reason)
	return 0, nil
}

type fakePositions struct{ list []broker.Position }

func (f *fakePositions) GetActivePositions(context.Context) ([]broker.Position, error) {
	return f.list, nil
}

type fakeToggle struct{ on bool }

func (f *fakeToggle) Enabled(context.Context) bool { return f.on }
func (f *fakeToggle) SetEnabled(_ context.Context, on bool) error {
	f.on = on
	return nil
}

type fakeBreaker struct{ st storage.BreakerState }

func (f *fakeBreaker) State(context.Context) (*storage.BreakerState, error) {
	st := f.st
	return &st, nil
}

func (f *fakeBreaker) Reset(context.Context) error {
	f.st = storage.BreakerState{}
	return nil
}

type fakeAssistant struct {
	prompts []string
	answer  string
	err     error
}

func (f *fakeAssistant) Generate(_ context.Context, prompt string) (string, error) {
	f.prompts = append(f.prompts, prompt)
	return f.answer, f.err
}

type fakeLogs struct{}

func (fakeLogs) GetAnalysisLogs(_ context.Context, inst string, limit int) ([]storage.AnalysisLog, error) {
	if inst != "EURUSD" {
		return nil, nil
	}
	return []storage.AnalysisLog{
		{Instrument: inst, Stage: 3, CreatedAt: time.Date(2026, 3, 2, 8, 5, 0, 0, time.UTC), Narrative: "No displacement after the sweep, waiting."},
		{Instrument: inst, Stage: 2},
	}, nil
}

type handlerFixture struct {
	h         *CommandHandler
	assistant *fakeAssistant
	answers   []string
	control   *fakeControl
	contexts  *fakeContexts
	closer    *fakeCloser
	positions *fakePositions
	news      *fakeToggle
	breaker   *fakeBreaker
}

func newHandler(t *testing.T) *handlerFixture {
	t.Helper()
	f := &handlerFixture{
		control:   &fakeControl{},
		contexts:  &fakeContexts{},
		closer:    &fakeCloser{},
		positions: &fakePositions{},
		news:      &fakeToggle{on: true},
		breaker:   &fakeBreaker{},
		assistant: &fakeAssistant{answer: "<think>hmm</think>EURUSD is waiting for displacement."},
	}
	cfg := &config.Config{Instruments: []string{"EURUSD", "GBPUSD", "XAUUSD"}}
	n := &Notifier{logger: logger.Discard()}
	f.h = NewCommandHandler(Deps{
		Control:   f.control,
		Contexts:  f.contexts,
		Closer:    f.closer,
		Positions: f.positions,
		News:      f.news,
		Breaker:   f.breaker,
		Assistant: f.assistant,
		Logs:      fakeLogs{},
	}, n, cfg, logger.Discard())
	f.h.spawn = func(fn func()) { fn() }
	f.h.answer = func(text string) { f.answers = append(f.answers, text) }
	f.h.now = func() time.Time { return time.Date(2026, 3, 2, 8, 30, 0, 0, time.UTC) }
	return f
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		in   string
		name string
		args []string
		err  bool
	}{
		{in: "/status", name: "status", args: []string{}},
		{in: "/Stage1@po3_bot eurusd", name: "stage1", args: []string{"eurusd"}},
		{in: "  /reset  GBPUSD force ", name: "reset", args: []string{"GBPUSD", "force"}},
		{in: "hello", err: true},
		{in: "/", err: true},
		{in: "/@bot", err: true},
		{in: "", err: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			cmd, err := ParseCommand(tt.in)
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.name, cmd.Name)
			assert.Equal(t, tt.args, cmd.Args)
		})
	}
}

func TestForceCommands(t *testing.T) {
	f := newHandler(t)
	ctx := context.Background()

	assert.Empty(t, f.h.Handle(ctx, "/stage1 all"), "the run notification is the only reply")
	assert.Empty(t, f.h.Handle(ctx, "/stage3 gbpusd"))
	f.h.Handle(ctx, "/holdclose XAUUSD")

	assert.Equal(t, []string{
		"EURUSD:bias", "GBPUSD:bias", "XAUUSD:bias",
		"GBPUSD:entry",
		"XAUUSD:holdclose",
	}, f.control.forced)
}

func TestForceUnknownInstrument(t *testing.T) {
	f := newHandler(t)

	reply := f.h.Handle(context.Background(), "/stage2 USDJPY")

	assert.Contains(t, reply, "unknown instrument USDJPY")
	assert.Empty(t, f.control.forced)
}

func TestFullCycle(t *testing.T) {
	f := newHandler(t)

	f.h.Handle(context.Background(), "/fullcycle eurusd")

	assert.Equal(t, []string{"EURUSD"}, f.control.cycles)
}

func TestStatusCommand(t *testing.T) {
	f := newHandler(t)
	f.control.paused = true
	f.breaker.st = storage.BreakerState{ConsecutiveLosses: 3, Tripped: true}

	reply := f.h.Handle(context.Background(), "/status")

	assert.Contains(t, reply, "(PAUSED)")
	assert.Contains(t, reply, "EURUSD PENDING_BIAS")
	assert.Contains(t, reply, "XAUUSD COMPLETE_TRADE_OPENED trade ACTIVE")
	assert.Contains(t, reply, "TRIPPED")
	assert.Contains(t, reply, "news context: on")
}

func TestContextCommand(t *testing.T) {
	f := newHandler(t)

	assert.Equal(t, "Usage: /context PAIR", f.h.Handle(context.Background(), "/context"))
	reply := f.h.Handle(context.Background(), "/context eurusd")
	assert.Contains(t, reply, "EURUSD [2026-03-02]")
	assert.Contains(t, reply, "BEARISH")
}

func TestResetCommand(t *testing.T) {
	f := newHandler(t)
	f.contexts.resetErr = storage.ErrLocked
	ctx := context.Background()

	assert.Contains(t, f.h.Handle(ctx, "/reset"), "Usage")
	assert.Contains(t, f.h.Handle(ctx, "/reset EURUSD"), "/reset EURUSD force")
	assert.Equal(t, "EURUSD reset to PENDING_BIAS", f.h.Handle(ctx, "/reset EURUSD force"))

	f.contexts.resetErr = errors.New("disk full")
	assert.Contains(t, f.h.Handle(ctx, "/reset EURUSD"), "disk full")
}

func TestPauseResume(t *testing.T) {
	f := newHandler(t)
	ctx := context.Background()

	f.h.Handle(ctx, "/pause")
	assert.True(t, f.control.paused)
	f.h.Handle(ctx, "/resume")
	assert.False(t, f.control.paused)
}

func TestEndOfDayCommand(t *testing.T) {
	f := newHandler(t)

	f.h.Handle(context.Background(), "/eod")

	assert.Equal(t, []string{"operator /eod"}, f.closer.reasons)
}

func TestPositionsCommand(t *testing.T) {
	f := newHandler(t)
	ctx := context.Background()

	assert.Equal(t, "No open positions.", f.h.Handle(ctx, "/positions"))

	f.positions.list = []broker.Position{{Ticket: "77", Symbol: "EURUSD", Direction: po3.DirectionSell, Volume: 0.1, OpenPrice: 1.085, CurrentPrice: 1.083, Profit: 20}}
	reply := f.h.Handle(ctx, "/positions")
	assert.Contains(t, reply, "EURUSD SELL 0.10")
	assert.Contains(t, reply, "#77")
}

func TestNewsAndBreakerCommands(t *testing.T) {
	f := newHandler(t)
	ctx := context.Background()

	assert.Equal(t, "News context off.", f.h.Handle(ctx, "/news off"))
	assert.False(t, f.news.on)
	assert.Equal(t, "News context is off.", f.h.Handle(ctx, "/news"))
	assert.Contains(t, f.h.Handle(ctx, "/news maybe"), "Usage")

	f.breaker.st = storage.BreakerState{ConsecutiveLosses: 2, Tripped: true}
	assert.Contains(t, f.h.Handle(ctx, "/breaker"), "TRIPPED")
	assert.Contains(t, f.h.Handle(ctx, "/breaker reset"), "reset")
	assert.False(t, f.breaker.st.Tripped)
}

func TestAskCommand(t *testing.T) {
	f := newHandler(t)
	ctx := context.Background()

	assert.Contains(t, f.h.Handle(ctx, "/ask"), "Usage: /ask")
	assert.Empty(t, f.assistant.prompts)

	reply := f.h.Handle(ctx, "/ask why no EURUSD entry yet?")
	assert.Equal(t, "Looking into it...", reply)

	require.Len(t, f.assistant.prompts, 1)
	prompt := f.assistant.prompts[0]
	assert.Contains(t, prompt, "why no EURUSD entry yet?")
	assert.Contains(t, prompt, "XAUUSD")
	assert.Contains(t, prompt, "No displacement after the sweep")
	assert.Contains(t, prompt, "EURUSD stage 3")
	assert.NotContains(t, prompt, "EURUSD stage 2", "empty narratives are left out")

	require.Len(t, f.answers, 1)
	assert.Equal(t, "Q: why no EURUSD entry yet?\n\nEURUSD is waiting for displacement.", f.answers[0])
}

func TestAskFailureIsReported(t *testing.T) {
	f := newHandler(t)
	f.assistant.err = errors.New("quota exhausted")

	f.h.Handle(context.Background(), "/ask status?")

	require.Len(t, f.answers, 1)
	assert.Contains(t, f.answers[0], "quota exhausted")
}

func TestUnknownAndHelp(t *testing.T) {
	f := newHandler(t)
	ctx := context.Background()

	assert.Contains(t, f.h.Handle(ctx, "/frobnicate"), "Unknown command /frobnicate")
	assert.True(t, strings.HasPrefix(f.h.Handle(ctx, "/help"), "PO3 trader commands"))
	assert.Empty(t, f.h.Handle(ctx, "not a command"))
}

func TestCommandPanicIsContained(t *testing.T) {
	f := newHandler(t)
	f.h.deps.Positions = nil

	reply := f.h.Handle(context.Background(), "/positions")

	assert.Equal(t, "/positions failed: internal error", reply)
}

type fakeSender struct {
	texts []string
	err   error
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if m, ok := c.(tgbotapi.MessageConfig); ok {
		f.texts = append(f.texts, m.Text)
	}
	return tgbotapi.Message{}, f.err
}

func TestBroadcastReachesEveryChat(t *testing.T) {
	out := &fakeSender{}
	n := &Notifier{out: out, chatIDs: []int64{1, 2}, enabled: true, logger: logger.Discard()}

	n.Broadcast("hello")

	assert.Equal(t, []string{"hello", "hello"}, out.texts)
}

func TestBroadcastDisabledIsNoop(t *testing.T) {
	n := &Notifier{logger: logger.Discard()}
	n.Broadcast("dropped")
}

func TestSplitLongMessage(t *testing.T) {
	line := strings.Repeat("x", 30)
	text := strings.Join([]string{line, line, line, line}, "\n")

	parts := split(text, 70)

	require.Len(t, parts, 2)
	assert.Equal(t, line+"\n"+line, parts[0])
	assert.Equal(t, line+"\n"+line, parts[1])
	assert.Equal(t, []string{"short"}, split("short", 70))
}
