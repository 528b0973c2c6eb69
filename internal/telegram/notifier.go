package telegram

import (
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/camuig/po3-trader/internal/config"
	"github.com/camuig/po3-trader/internal/logger"
	"github.com/camuig/po3-trader/internal/metrics"
)

// maxMessage stays under Telegram's 4096 character limit.
const maxMessage = 4000

type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Notifier delivers operator messages to every configured chat. Delivery
// failures are logged and counted, never returned.
type Notifier struct {
	bot     *tgbotapi.BotAPI
	out     sender
	chatIDs []int64
	enabled bool
	logger  *logger.Logger
}

func NewNotifier(cfg *config.Config, log *logger.Logger) *Notifier {
	if !cfg.Telegram.Enabled {
		return &Notifier{enabled: false, logger: log}
	}

	bot, err := tgbotapi.NewBotAPI(cfg.Telegram.BotToken)
	if err != nil {
		log.Error("failed to create telegram bot", "error", err)
		return &Notifier{enabled: false, logger: log}
	}

	log.Info("telegram bot connected", "username", bot.Self.UserName, "chats", len(cfg.Telegram.ChatIDs))

	return &Notifier{
		bot:     bot,
		out:     bot,
		chatIDs: cfg.Telegram.ChatIDs,
		enabled: true,
		logger:  log,
	}
}

// Bot returns the connected API client, nil when telegram is disabled.
func (n *Notifier) Bot() *tgbotapi.BotAPI { return n.bot }

func (n *Notifier) Enabled() bool { return n.enabled }

func (n *Notifier) Broadcast(text string) {
	if !n.enabled {
		n.logger.Debug("telegram disabled, notification dropped", "text", text)
		return
	}
	for _, id := range n.chatIDs {
		n.SendTo(id, text)
	}
}

// SendTo delivers text to one chat, split into several messages when long.
// Messages are plain text: narratives are not valid Markdown.
func (n *Notifier) SendTo(chatID int64, text string) {
	if !n.enabled {
		return
	}
	for _, part := range split(text, maxMessage) {
		if _, err := n.out.Send(tgbotapi.NewMessage(chatID, part)); err != nil {
			metrics.Notifications.WithLabelValues("error").Inc()
			n.logger.Error("send telegram message", "chat_id", chatID, "error", err)
			continue
		}
		metrics.Notifications.WithLabelValues("ok").Inc()
	}
}

// split cuts text into parts of at most limit runes, preferring line breaks.
func split(text string, limit int) []string {
	runes := []rune(text)
	if len(runes) <= limit {
		return []string{text}
	}

	var parts []string
	for len(runes) > limit {
		cut := limit
		if i := strings.LastIndex(string(runes[:limit]), "\n"); i > 0 {
			cut = len([]rune(string(runes[:limit])[:i]))
		}
		parts = append(parts, strings.TrimRight(string(runes[:cut]), "\n"))
		runes = runes[cut:]
		for len(runes) > 0 && runes[0] == '\n' {
			runes = runes[1:]
		}
	}
	if len(runes) > 0 {
		parts = append(parts, string(runes))
	}
	return parts
}
