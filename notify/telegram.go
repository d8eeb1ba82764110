package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const telegramAPI = "https://api.telegram.org"

// Telegram posts events to a chat through the Bot API.
type Telegram struct {
	token   string
	chatID  string
	baseURL string
	http    *http.Client
}

func NewTelegram(token, chatID string) *Telegram {
	return &Telegram{token: token, chatID: chatID, baseURL: telegramAPI, http: http.DefaultClient}
}

var kindIcon = map[Kind]string{
	KindOpened:    "🟢",
	KindClosed:    "🔵",
	KindPartial:   "🟡",
	KindRejected:  "⚪",
	KindSuspended: "🚨",
	KindResumed:   "✅",
	KindError:     "⚠️",
}

func (t *Telegram) Notify(ctx context.Context, ev Event) error {
	icon := kindIcon[ev.Kind]
	if icon == "" {
		icon = "ℹ️"
	}
	text := fmt.Sprintf("%s *fxengine*\n\n%s", icon, ev.String())

	data := url.Values{}
	data.Set("chat_id", t.chatID)
	data.Set("text", text)
	data.Set("parse_mode", "Markdown")

	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("telegram API returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	return nil
}
