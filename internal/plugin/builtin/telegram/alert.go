package telegram

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"
)

// AlertSender forwards log alerts to one operator chat.
type AlertSender struct {
	bot      *tele.Bot
	chatID   int64
	threadID int
}

func NewAlertSender(token, apiURL string, chatID int64, threadID int) (*AlertSender, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("alert token is empty")
	}
	if chatID == 0 {
		return nil, errors.New("alert chat_id is required")
	}
	bot, err := tele.NewBot(tele.Settings{
		URL:     apiURL,
		Token:   token,
		Client:  &http.Client{Timeout: 8 * time.Second},
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	return &AlertSender{bot: bot, chatID: chatID, threadID: threadID}, nil
}

func (a *AlertSender) SendAlert(ctx context.Context, text string) error {
	return Send(ctx, a.bot, a.chatID, a.threadID, text, "")
}
