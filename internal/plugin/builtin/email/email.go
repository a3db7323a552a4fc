// Package email delivers notifications over SMTP.
package email

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/mail.v2"

	"notifyrouter/internal/model"
	"notifyrouter/internal/plugin"
)

const (
	PluginID = "email"
	Schema   = "email_address"
)

func Descriptor() plugin.Descriptor {
	return plugin.Descriptor{
		ID:         PluginID,
		Name:       "Email",
		Capability: model.Capability{SupportedSchema: []string{Schema}},
		Versions:   map[string]string{"1.0": ""},
		New: func(plugin.Endpoint) (plugin.Plugin, error) {
			return New(), nil
		},
	}
}

type smtpConfig struct {
	host     string
	port     int
	username string
	password string
	from     string
}

// Plugin sends one mail per dispatch.
//
// Secret data: host, port, username, password, from. Channel data: email
// (a single address or a comma separated list).
type Plugin struct {
	send func(ctx context.Context, d *mail.Dialer, m *mail.Message) error
}

func New() *Plugin {
	return &Plugin{send: dialAndSend}
}

func dialAndSend(_ context.Context, d *mail.Dialer, m *mail.Message) error {
	return d.DialAndSend(m)
}

func (p *Plugin) Init(context.Context, map[string]any) (plugin.Metadata, error) {
	return plugin.SchemaMetadata(model.DataPlainText, "email"), nil
}

func (p *Plugin) Verify(_ context.Context, _ map[string]any, secret map[string]any) error {
	_, err := parseSMTP(secret)
	return err
}

func (p *Plugin) Dispatch(ctx context.Context, req plugin.DispatchRequest) error {
	cfg, err := parseSMTP(req.SecretData)
	if err != nil {
		return err
	}
	to := recipients(req.ChannelData["email"])
	if len(to) == 0 {
		return errors.New("email: no recipient")
	}

	subject, _ := req.Message["title"].(string)
	if subject == "" {
		subject = "Notification"
	}
	if req.Type != "" && req.Type != model.TypeInfo {
		subject = "[" + string(req.Type) + "] " + subject
	}

	m := mail.NewMessage()
	m.SetHeader("From", cfg.from)
	m.SetHeader("To", to...)
	m.SetHeader("Subject", subject)
	body, _ := req.Message["description"].(string)
	if body == "" {
		body = plugin.MessageText(req.Message)
	}
	if html, _ := req.Options["html"].(bool); html {
		m.SetBody("text/html", body)
	} else {
		m.SetBody("text/plain", body)
	}

	d := mail.NewDialer(cfg.host, cfg.port, cfg.username, cfg.password)
	d.Timeout = 10 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left > 0 && left < d.Timeout {
			d.Timeout = left
		}
	}
	return p.send(ctx, d, m)
}

func parseSMTP(secret map[string]any) (smtpConfig, error) {
	str := func(k string) string {
		v, _ := secret[k].(string)
		return strings.TrimSpace(v)
	}
	cfg := smtpConfig{
		host:     str("host"),
		username: str("username"),
		password: str("password"),
		from:     str("from"),
	}
	if cfg.host == "" {
		return cfg, errors.New("email: host is required")
	}
	if cfg.from == "" {
		cfg.from = cfg.username
	}
	if cfg.from == "" {
		return cfg, errors.New("email: from is required")
	}
	switch v := secret["port"].(type) {
	case float64:
		cfg.port = int(v)
	case int:
		cfg.port = v
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return cfg, fmt.Errorf("email: port: %w", err)
		}
		cfg.port = n
	case nil:
		cfg.port = 587
	default:
		return cfg, fmt.Errorf("email: unsupported port type %T", v)
	}
	return cfg, nil
}

func recipients(v any) []string {
	var raw []string
	switch x := v.(type) {
	case string:
		raw = strings.Split(x, ",")
	case []string:
		raw = x
	case []any:
		for _, e := range x {
			if s, ok := e.(string); ok {
				raw = append(raw, s)
			}
		}
	}
	out := raw[:0:0]
	for _, r := range raw {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	return out
}
