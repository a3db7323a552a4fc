// Package telegram delivers notifications to Telegram chats through the
// Bot API.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"notifyrouter/internal/model"
	"notifyrouter/internal/plugin"
)

const (
	PluginID = "telegram"
	Schema   = "telegram_chat"

	textLimit = 4000
)

// Descriptor registers the built-in telegram plugin.
func Descriptor() plugin.Descriptor {
	return plugin.Descriptor{
		ID:         PluginID,
		Name:       "Telegram",
		Capability: model.Capability{SupportedSchema: []string{Schema}},
		Versions:   map[string]string{"1.0": ""},
		New: func(plugin.Endpoint) (plugin.Plugin, error) {
			return &Plugin{client: &http.Client{Timeout: 10 * time.Second}}, nil
		},
	}
}

// Plugin sends each message as one or more chat messages.
//
// Options:
//   - api_url: Bot API base URL (default https://api.telegram.org)
//   - parse_mode: "", "HTML" or "Markdown"
//
// Secret data: token. Channel data: chat_id, optional thread_id.
type Plugin struct {
	client *http.Client
}

func (p *Plugin) Init(context.Context, map[string]any) (plugin.Metadata, error) {
	return plugin.SchemaMetadata(model.DataPlainText, "chat_id"), nil
}

func (p *Plugin) Verify(_ context.Context, options, secret map[string]any) error {
	_, err := p.bot(options, secret)
	return err
}

func (p *Plugin) Dispatch(ctx context.Context, req plugin.DispatchRequest) error {
	bot, err := p.bot(req.Options, req.SecretData)
	if err != nil {
		return err
	}
	chatID, err := int64Value(req.ChannelData["chat_id"])
	if err != nil {
		return fmt.Errorf("chat_id: %w", err)
	}
	threadID, _ := int64Value(req.ChannelData["thread_id"])
	parseMode, _ := req.Options["parse_mode"].(string)

	text := prefixForType(req.Type) + plugin.MessageText(req.Message)
	return Send(ctx, bot, chatID, int(threadID), text, parseMode)
}

func (p *Plugin) bot(options, secret map[string]any) (*tele.Bot, error) {
	token, _ := secret["token"].(string)
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	apiURL, _ := options["api_url"].(string)
	return tele.NewBot(tele.Settings{
		URL:     apiURL,
		Token:   token,
		Client:  p.client,
		Offline: true,
	})
}

// Send splits text into chunks under the Bot API limit and sends them in
// order. It stops at the first failure.
func Send(ctx context.Context, bot *tele.Bot, chatID int64, threadID int, text, parseMode string) error {
	chat := &tele.Chat{ID: chatID}
	for _, chunk := range splitText(text, textLimit, parseMode) {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, err := bot.Send(chat, chunk, &tele.SendOptions{
			ParseMode:             parseMode,
			DisableWebPagePreview: true,
			ThreadID:              threadID,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func prefixForType(t model.NotificationType) string {
	switch t {
	case model.TypeError:
		return "🚨 "
	case model.TypeWarning:
		return "⚠️ "
	case model.TypeSuccess:
		return "✅ "
	default:
		return ""
	}
}

func int64Value(v any) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case float64:
		return int64(x), nil
	case string:
		return strconv.ParseInt(strings.TrimSpace(x), 10, 64)
	case nil:
		return 0, errors.New("missing")
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}

// splitText prefers newline boundaries and avoids cutting inside an HTML
// tag when parseMode is HTML.
func splitText(s string, limit int, parseMode string) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := start + limit
		if end > len(rs) {
			end = len(rs)
		}
		if end < len(rs) {
			for i := end - 1; i > start+limit/3; i-- {
				if rs[i] == '\n' {
					end = i + 1
					break
				}
			}
		}
		if strings.EqualFold(parseMode, "HTML") && end < len(rs) {
			lastOpen, lastClose := -1, -1
			for i := start; i < end; i++ {
				switch rs[i] {
				case '<':
					lastOpen = i
				case '>':
					lastClose = i
				}
			}
			if lastOpen > lastClose && lastOpen > start+1 {
				end = lastOpen
			}
		}

		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
