package alert

import (
	"context"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
)

type TelegramNotifier struct {
	botToken string
	chatID   string
	client   *resty.Client
}

func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	return &TelegramNotifier{botToken: botToken, chatID: chatID, client: client}
}

func (t *TelegramNotifier) Notify(ctx context.Context, msg string) error {
	if t == nil {
		return nil
	}
	var out telegramResponse
	resp, err := t.client.R().
		SetContext(ctx).
		SetBody(telegramRequest{ChatID: t.chatID, Text: msg}).
		SetResult(&out).
		SetError(&out).
		Post("/bot" + t.botToken + "/sendMessage")
	if err != nil {
		// the url carries the bot token; keep it out of the error
		return errors.New("telegram request failed: " + redactToken(err.Error(), t.botToken))
	}
	if resp.IsError() {
		return errors.Errorf("telegram status=%d description=%s", resp.StatusCode(), strings.TrimSpace(out.Description))
	}
	if len(resp.Body()) > 0 && !out.OK {
		return errors.Errorf("telegram api error: %s", strings.TrimSpace(out.Description))
	}
	return nil
}

func redactToken(s, token string) string {
	if token == "" {
		return s
	}
	return strings.ReplaceAll(s, token, "***")
}

type telegramRequest struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}
