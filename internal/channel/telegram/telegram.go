// Package telegram adapts Telegram bot traffic onto the channel interface.
package telegram

import (
	"context"
	"strconv"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/cortexhub/companion-gateway/internal/channel"
)

type TelegramAdapter struct {
	bot      *tgbotapi.BotAPI
	token    string
	incoming chan *channel.Message

	mu      sync.Mutex
	running bool
}

func NewTelegramAdapter(token string) *TelegramAdapter {
	return &TelegramAdapter{
		token:    token,
		incoming: make(chan *channel.Message, 100),
	}
}

func (t *TelegramAdapter) Name() string {
	return "telegram"
}

func (t *TelegramAdapter) IsEnabled() bool {
	return t.token != ""
}

func (t *TelegramAdapter) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return nil
	}

	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return err
	}
	t.bot = bot

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := t.bot.GetUpdatesChan(u)

	go func() {
		for update := range updates {
			if update.Message == nil {
				continue
			}
			t.incoming <- &channel.Message{
				ID:      strconv.Itoa(update.Message.MessageID),
				Channel: "telegram",
				UserID:  strconv.FormatInt(update.Message.Chat.ID, 10),
				Content: update.Message.Text,
				// Telegram message ids are unique per chat; reuse them as the
				// dedup id so retried updates stay idempotent.
				ClientMessageID: "tg-" + strconv.Itoa(update.Message.MessageID),
				Metadata: map[string]string{
					"from_id": strconv.FormatInt(update.Message.From.ID, 10),
				},
				Timestamp: int64(update.Message.Date),
			}
		}
	}()

	go func() {
		<-ctx.Done()
		t.bot.StopReceivingUpdates()
	}()

	t.running = true
	return nil
}

func (t *TelegramAdapter) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return nil
	}
	t.bot.StopReceivingUpdates()
	close(t.incoming)
	t.running = false
	return nil
}

func (t *TelegramAdapter) SendMessage(userID string, resp *channel.Response) error {
	chatID, err := strconv.ParseInt(userID, 10, 64)
	if err != nil {
		return err
	}
	reply := tgbotapi.NewMessage(chatID, resp.Content)
	_, err = t.bot.Send(reply)
	return err
}

func (t *TelegramAdapter) Incoming() <-chan *channel.Message {
	return t.incoming
}
