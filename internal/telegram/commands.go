package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/camuig/po3-trader/internal/ai"
	"github.com/camuig/po3-trader/internal/broker"
	"github.com/camuig/po3-trader/internal/config"
	"github.com/camuig/po3-trader/internal/logger"
	"github.com/camuig/po3-trader/internal/pipeline"
	"github.com/camuig/po3-trader/internal/po3"
	"github.com/camuig/po3-trader/internal/storage"
)

type Control interface {
	Force(ctx context.Context, stage po3.Stage, instruments ...string) []pipeline.Report
	FullCycle(ctx context.Context, instrument string) []pipeline.Report
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Paused(ctx context.Context) bool
}

type Contexts interface {
	Get(ctx context.Context, instrument string) (*po3.Context, error)
	List(ctx context.Context, instruments []string) ([]*po3.Context, error)
	Reset(ctx context.Context, instrument string, force bool) (*po3.Context, error)
}

type Closer interface {
	CloseAll(ctx context.Context, reason string) (int, error)
}

type Positions interface {
	GetActivePositions(ctx context.Context) ([]broker.Position, error)
}

type Toggle interface {
	Enabled(ctx context.Context) bool
	SetEnabled(ctx context.Context, on bool) error
}

type BreakerControl interface {
	State(ctx context.Context) (*storage.BreakerState, error)
	Reset(ctx context.Context) error
}

type Assistant interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

type AnalysisLogs interface {
	GetAnalysisLogs(ctx context.Context, instrument string, limit int) ([]storage.AnalysisLog, error)
}

type Deps struct {
	Control   Control
	Contexts  Contexts
	Closer    Closer
	Positions Positions
	News      Toggle
	Breaker   BreakerControl
	Assistant Assistant
	Logs      AnalysisLogs
}

// Command is a parsed "/name arg..." message.
type Command struct {
	Name string
	Args []string
}

var errNotCommand = errors.New("not a command")

// ParseCommand splits "/stage1@po3bot eurusd" into name "stage1" and args.
func ParseCommand(text string) (Command, error) {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") || len(fields[0]) < 2 {
		return Command{}, errNotCommand
	}
	name := strings.TrimPrefix(fields[0], "/")
	if at := strings.IndexByte(name, '@'); at >= 0 {
		name = name[:at]
	}
	if name == "" {
		return Command{}, errNotCommand
	}
	return Command{Name: strings.ToLower(name), Args: fields[1:]}, nil
}

const helpText = `PO3 trader commands
/status - every instrument's daily status
/context PAIR - full context of one instrument
/stage1 [PAIR|all] - force daily bias
/stage2 [PAIR|all] - force manipulation check
/stage3 [PAIR|all] - force entry decision
/holdclose [PAIR|all] - force hold/close review
/fullcycle [PAIR] - force stages 1 to 3 in order
/reset PAIR [force] - start the day over for PAIR
/pause, /resume - stop or restart scheduled runs
/eod - close every open order now
/positions - open broker positions
/news [on|off] - calendar context in prompts
/breaker [reset] - loss breaker state
/ask QUESTION - ask the assistant about today's state`

var stageCommands = map[string]po3.Stage{
	"stage1":    po3.StageBias,
	"stage2":    po3.StageManipulation,
	"stage3":    po3.StageEntry,
	"stage4":    po3.StageHoldClose,
	"holdclose": po3.StageHoldClose,
}

// CommandHandler serves operator commands from the configured chats.
type CommandHandler struct {
	deps    Deps
	bot     *tgbotapi.BotAPI
	reply   func(chatID int64, text string)
	answer  func(text string)
	spawn   func(func())
	now     func() time.Time
	allowed map[int64]bool
	config  *config.Config
	logger  *logger.Logger
}

func NewCommandHandler(d Deps, n *Notifier, cfg *config.Config, log *logger.Logger) *CommandHandler {
	allowed := make(map[int64]bool, len(cfg.Telegram.ChatIDs))
	for _, id := range cfg.Telegram.ChatIDs {
		allowed[id] = true
	}
	return &CommandHandler{
		deps:    d,
		bot:     n.Bot(),
		reply:   n.SendTo,
		answer:  n.Broadcast,
		spawn:   func(f func()) { go f() },
		now:     time.Now,
		allowed: allowed,
		config:  cfg,
		logger:  log,
	}
}

// Run long-polls updates until ctx is done.
func (h *CommandHandler) Run(ctx context.Context) {
	if h.bot == nil || !h.config.Telegram.CommandsEnabled {
		h.logger.Info("telegram commands disabled")
		return
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := h.bot.GetUpdatesChan(u)
	h.logger.Info("telegram command handler started")

	for {
		select {
		case <-ctx.Done():
			h.bot.StopReceivingUpdates()
			h.logger.Info("telegram command handler stopped")
			return
		case upd, ok := <-updates:
			if !ok {
				return
			}
			if upd.Message == nil || !upd.Message.IsCommand() {
				continue
			}
			chatID := upd.Message.Chat.ID
			if !h.allowed[chatID] {
				h.logger.Warn("command from unknown chat ignored", "chat_id", chatID, "text", upd.Message.Text)
				continue
			}
			if text := h.Handle(ctx, upd.Message.Text); text != "" {
				h.reply(chatID, text)
			}
		}
	}
}

// Handle executes one command and returns the immediate reply. Forced stage
// runs continue in the background and their outcome notification is the
// only reply. /ask answers through a notification once the model returns.
func (h *CommandHandler) Handle(ctx context.Context, text string) (reply string) {
	cmd, err := ParseCommand(text)
	if err != nil {
		return ""
	}
	log := h.logger.With("command", cmd.Name, "args", cmd.Args)
	log.Info("operator command")

	defer func() {
		if r := recover(); r != nil {
			log.Error("panic in command", "panic", fmt.Sprint(r))
			reply = fmt.Sprintf("/%s failed: internal error", cmd.Name)
		}
	}()

	if stage, ok := stageCommands[cmd.Name]; ok {
		return h.force(ctx, stage, cmd.Args)
	}

	switch cmd.Name {
	case "start", "help":
		return helpText
	case "status":
		return h.status(ctx)
	case "context":
		return h.showContext(ctx, cmd.Args)
	case "fullcycle":
		return h.fullCycle(ctx, cmd.Args)
	case "reset":
		return h.reset(ctx, cmd.Args)
	case "pause":
		if err := h.deps.Control.Pause(ctx); err != nil {
			return fmt.Sprintf("pause failed: %v", err)
		}
		return "Scheduled runs paused. Forced commands still work."
	case "resume":
		if err := h.deps.Control.Resume(ctx); err != nil {
			return fmt.Sprintf("resume failed: %v", err)
		}
		return "Scheduled runs resumed."
	case "eod":
		h.spawn(func() {
			if _, err := h.deps.Closer.CloseAll(ctx, "operator /eod"); err != nil {
				log.Error("close all", "error", err)
			}
		})
		return "Closing every open order..."
	case "positions":
		return h.positions(ctx)
	case "news":
		return h.news(ctx, cmd.Args)
	case "breaker":
		return h.breaker(ctx, cmd.Args)
	case "ask":
		return h.ask(ctx, cmd.Args)
	}
	return fmt.Sprintf("Unknown command /%s. Send /help for the list.", cmd.Name)
}

// instruments resolves an optional PAIR|all argument.
func (h *CommandHandler) instruments(args []string) ([]string, error) {
	if len(args) == 0 || strings.EqualFold(args[0], "all") {
		return h.config.Instruments, nil
	}
	inst := strings.ToUpper(args[0])
	if !h.config.HasInstrument(inst) {
		return nil, fmt.Errorf("unknown instrument %s, configured: %s", inst, strings.Join(h.config.Instruments, ", "))
	}
	return []string{inst}, nil
}

func (h *CommandHandler) force(ctx context.Context, stage po3.Stage, args []string) string {
	insts, err := h.instruments(args)
	if err != nil {
		return err.Error()
	}
	h.spawn(func() { h.deps.Control.Force(ctx, stage, insts...) })
	return ""
}

func (h *CommandHandler) fullCycle(ctx context.Context, args []string) string {
	insts, err := h.instruments(args)
	if err != nil {
		return err.Error()
	}
	h.spawn(func() {
		for _, inst := range insts {
			h.deps.Control.FullCycle(ctx, inst)
		}
	})
	return fmt.Sprintf("Running stages 1-3 for %s", strings.Join(insts, ", "))
}

func (h *CommandHandler) status(ctx context.Context) string {
	contexts, err := h.deps.Contexts.List(ctx, h.config.Instruments)
	if err != nil {
		return fmt.Sprintf("status failed: %v", err)
	}

	var sb strings.Builder
	sb.WriteString("PO3 status")
	if h.deps.Control.Paused(ctx) {
		sb.WriteString(" (PAUSED)")
	}
	for _, c := range contexts {
		fmt.Fprintf(&sb, "\n%s %s", c.Instrument, c.Status)
		if c.Locked {
			sb.WriteString(" running")
		}
		if c.Bias != nil {
			fmt.Fprintf(&sb, " bias %s", c.Bias.Bias)
		}
		if c.TradeState == po3.TradeActive {
			sb.WriteString(" trade ACTIVE")
		}
	}
	if h.deps.Breaker != nil {
		if st, err := h.deps.Breaker.State(ctx); err == nil {
			fmt.Fprintf(&sb, "\nbreaker: %d consecutive losses", st.ConsecutiveLosses)
			if st.Tripped {
				sb.WriteString(", TRIPPED")
			}
		}
	}
	if h.deps.News != nil {
		fmt.Fprintf(&sb, "\nnews context: %s", onOff(h.deps.News.Enabled(ctx)))
	}
	return sb.String()
}

func (h *CommandHandler) showContext(ctx context.Context, args []string) string {
	if len(args) == 0 {
		return "Usage: /context PAIR"
	}
	insts, err := h.instruments(args[:1])
	if err != nil {
		return err.Error()
	}
	c, err := h.deps.Contexts.Get(ctx, insts[0])
	if err != nil {
		return fmt.Sprintf("context failed: %v", err)
	}
	return c.Summary()
}

func (h *CommandHandler) reset(ctx context.Context, args []string) string {
	if len(args) == 0 || strings.EqualFold(args[0], "all") {
		return "Usage: /reset PAIR [force]"
	}
	insts, err := h.instruments(args[:1])
	if err != nil {
		return err.Error()
	}
	force := len(args) > 1 && strings.EqualFold(args[1], "force")

	c, err := h.deps.Contexts.Reset(ctx, insts[0], force)
	if errors.Is(err, storage.ErrLocked) {
		return fmt.Sprintf("%s has a stage running. Use /reset %s force to override.", insts[0], insts[0])
	}
	if err != nil {
		return fmt.Sprintf("reset failed: %v", err)
	}
	return fmt.Sprintf("%s reset to %s", c.Instrument, c.Status)
}

func (h *CommandHandler) positions(ctx context.Context) string {
	list, err := h.deps.Positions.GetActivePositions(ctx)
	if err != nil {
		return fmt.Sprintf("positions failed: %v", err)
	}
	if len(list) == 0 {
		return "No open positions."
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d open position(s)", len(list))
	for _, p := range list {
		fmt.Fprintf(&sb, "\n%s %s %.2f @ %.5f now %.5f P&L %.2f", p.Symbol, p.Direction, p.Volume, p.OpenPrice, p.CurrentPrice, p.Profit)
		if p.Ticket != "" {
			fmt.Fprintf(&sb, " #%s", p.Ticket)
		}
	}
	return sb.String()
}

func (h *CommandHandler) news(ctx context.Context, args []string) string {
	if h.deps.News == nil {
		return "News context is not configured."
	}
	if len(args) == 0 {
		return fmt.Sprintf("News context is %s.", onOff(h.deps.News.Enabled(ctx)))
	}
	var on bool
	switch strings.ToLower(args[0]) {
	case "on":
		on = true
	case "off":
	default:
		return "Usage: /news on|off"
	}
	if err := h.deps.News.SetEnabled(ctx, on); err != nil {
		return fmt.Sprintf("news toggle failed: %v", err)
	}
	return fmt.Sprintf("News context %s.", onOff(on))
}

func (h *CommandHandler) breaker(ctx context.Context, args []string) string {
	if len(args) > 0 && strings.EqualFold(args[0], "reset") {
		if err := h.deps.Breaker.Reset(ctx); err != nil {
			return fmt.Sprintf("breaker reset failed: %v", err)
		}
		return "Breaker reset, new orders allowed."
	}
	st, err := h.deps.Breaker.State(ctx)
	if err != nil {
		return fmt.Sprintf("breaker state failed: %v", err)
	}
	state := "armed"
	if st.Tripped {
		state = "TRIPPED"
	}
	return fmt.Sprintf("Breaker %s, %d consecutive losses today.", state, st.ConsecutiveLosses)
}

const askNotesPerInstrument = 3

func (h *CommandHandler) ask(ctx context.Context, args []string) string {
	question := strings.TrimSpace(strings.Join(args, " "))
	if question == "" {
		return "Usage: /ask QUESTION, e.g. /ask why did EURUSD skip entry?"
	}
	if h.deps.Assistant == nil {
		return "The assistant is not configured."
	}
	log := h.logger.With("command", "ask")

	h.spawn(func() {
		in := ai.AskInput{Question: question, Now: h.now()}
		contexts, err := h.deps.Contexts.List(ctx, h.config.Instruments)
		if err != nil {
			log.Warn("list contexts for ask", "error", err)
		}
		in.Contexts = contexts
		if h.deps.Logs != nil {
			for _, inst := range h.config.Instruments {
				logs, err := h.deps.Logs.GetAnalysisLogs(ctx, inst, askNotesPerInstrument)
				if err != nil {
					log.Warn("analysis logs for ask", "instrument", inst, "error", err)
					continue
				}
				for _, l := range logs {
					if l.Narrative == "" {
						continue
					}
					in.Notes = append(in.Notes, ai.AskNote{Instrument: l.Instrument, Stage: l.Stage, At: l.CreatedAt, Narrative: l.Narrative})
				}
			}
		}

		text, err := h.deps.Assistant.Generate(ctx, ai.BuildAskPrompt(in))
		if err != nil {
			log.Error("assistant answer", "error", err)
			h.answer(fmt.Sprintf("/ask failed: %v", err))
			return
		}
		h.answer("Q: " + question + "\n\n" + strings.TrimSpace(ai.StripThinkTags(text)))
	})
	return "Looking into it..."
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}
