package notify

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

// TelegramSender delivers alerts through the Bot API sendMessage call.
type TelegramSender struct {
	apiBase string
	token   string
	chatID  string
	client  *http.Client
}

func NewTelegramSender(token, chatID string) *TelegramSender {
	return &TelegramSender{
		apiBase: "https://api.telegram.org",
		token:   token,
		chatID:  chatID,
		client:  newHTTPClient(),
	}
}

// Ids such as exposure_alert or set ids carry underscores, which legacy
// Markdown would read as unbalanced italics and reject.
var markdownEscaper = strings.NewReplacer("_", `\_`, "*", `\*`, "[", `\[`, "`", "\\`")

// Send posts "*title*\nmessage" with both parts escaped for Markdown.
func (t *TelegramSender) Send(ctx context.Context, title, message string) error {
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.apiBase, t.token)
	return postJSON(ctx, t.client, "telegram", url, map[string]string{
		"chat_id":    t.chatID,
		"text":       "*" + markdownEscaper.Replace(title) + "*\n" + markdownEscaper.Replace(message),
		"parse_mode": "Markdown",
	})
}

func (t *TelegramSender) Name() string { return "telegram" }
