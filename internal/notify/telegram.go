package notify

import (
	"context"
	"errors"
	"strings"

	tele "gopkg.in/telebot.v4"
)

// Telegram sends notifications to one chat (and optional forum thread)
// through the Bot API. The bot never polls for updates.
type Telegram struct {
	bot      *tele.Bot
	chat     tele.ChatID
	threadID int
}

func NewTelegram(token string, chatID int64, threadID int) (*Telegram, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if chatID == 0 {
		return nil, errors.New("telegram chat_id is empty")
	}
	b, err := tele.NewBot(tele.Settings{Token: token, Offline: true})
	if err != nil {
		return nil, err
	}
	return &Telegram{bot: b, chat: tele.ChatID(chatID), threadID: threadID}, nil
}

func (t *Telegram) Send(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := t.bot.Send(t.chat, text, &tele.SendOptions{
		ThreadID:              t.threadID,
		DisableWebPagePreview: true,
	})
	return err
}
