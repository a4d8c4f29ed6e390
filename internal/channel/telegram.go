package channel

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v3"

	"zbot/internal/config"
)

// telegramMaxRunes stays under the Bot API's 4096-character message limit.
const telegramMaxRunes = 4000

// TelegramChannel integrates with the Telegram Bot API.
type TelegramChannel struct {
	mu         sync.Mutex
	token      string
	allowedIDs map[int64]bool
	bot        *tele.Bot
	handler    func(InboundMessage)
	running    bool
	stopOnce   *sync.Once
}

// NewTelegramChannel creates a new Telegram channel.
func NewTelegramChannel(cfg config.TelegramConfig) *TelegramChannel {
	allowed := make(map[int64]bool, len(cfg.AllowedIDs))
	for _, id := range cfg.AllowedIDs {
		allowed[id] = true
	}
	return &TelegramChannel{
		token:      cfg.Token,
		allowedIDs: allowed,
	}
}

func (t *TelegramChannel) Name() string { return "telegram" }

func (t *TelegramChannel) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running {
		return nil
	}

	bot, err := tele.NewBot(tele.Settings{
		Token:  t.token,
		Poller: &tele.LongPoller{Timeout: 10 * time.Second},
	})
	if err != nil {
		return fmt.Errorf("telegram bot init: %w", err)
	}

	bot.Handle("/start", func(c tele.Context) error {
		return c.Send("Hi, I'm ZBot. Send me a message and I'll answer it.")
	})
	bot.Handle(tele.OnText, t.onText)

	once := &sync.Once{}
	t.bot = bot
	t.running = true
	t.stopOnce = once

	go bot.Start()
	go func() {
		<-ctx.Done()
		once.Do(bot.Stop)
	}()

	return nil
}

func (t *TelegramChannel) onText(c tele.Context) error {
	sender := c.Sender()
	if len(t.allowedIDs) > 0 && !t.allowedIDs[sender.ID] {
		log.Printf("[telegram] ignoring user %d (%s)", sender.ID, sender.Username)
		return nil
	}

	t.mu.Lock()
	handler := t.handler
	t.mu.Unlock()
	if handler == nil {
		return nil
	}

	name := strings.TrimSpace(sender.FirstName + " " + sender.LastName)
	if name == "" {
		name = sender.Username
	}
	handler(InboundMessage{
		ChannelName: t.Name(),
		SenderID:    strconv.FormatInt(sender.ID, 10),
		SenderName:  name,
		ChatID:      strconv.FormatInt(c.Chat().ID, 10),
		Text:        c.Text(),
		Timestamp:   c.Message().Time(),
	})
	return nil
}

func (t *TelegramChannel) Stop(_ context.Context) error {
	t.mu.Lock()
	bot, once := t.bot, t.stopOnce
	t.running = false
	t.mu.Unlock()

	if bot != nil && once != nil {
		once.Do(bot.Stop)
	}
	return nil
}

func (t *TelegramChannel) Send(_ context.Context, msg OutboundMessage) error {
	bot, to, err := t.recipient(msg.ChatID)
	if err != nil {
		return err
	}
	for _, chunk := range SplitRunes(msg.Text, telegramMaxRunes) {
		if _, err := bot.Send(to, chunk); err != nil {
			return fmt.Errorf("telegram send: %w", err)
		}
	}
	return nil
}

// Typing shows the "typing..." action in chatID until the next message.
func (t *TelegramChannel) Typing(_ context.Context, chatID string) error {
	bot, to, err := t.recipient(chatID)
	if err != nil {
		return err
	}
	return bot.Notify(to, tele.Typing)
}

func (t *TelegramChannel) recipient(chatID string) (*tele.Bot, *tele.Chat, error) {
	t.mu.Lock()
	bot := t.bot
	t.mu.Unlock()
	if bot == nil {
		return nil, nil, fmt.Errorf("telegram bot not started")
	}

	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid chat ID: %w", err)
	}
	return bot, &tele.Chat{ID: id}, nil
}

func (t *TelegramChannel) OnMessage(handler func(InboundMessage)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = handler
}

func (t *TelegramChannel) IsRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// SplitRunes cuts s into pieces of at most n characters without splitting a
// multi-byte character.
func SplitRunes(s string, n int) []string {
	runes := []rune(s)
	if len(runes) == 0 {
		return nil
	}
	var parts []string
	for len(runes) > n {
		parts = append(parts, string(runes[:n]))
		runes = runes[n:]
	}
	return append(parts, string(runes))
}
