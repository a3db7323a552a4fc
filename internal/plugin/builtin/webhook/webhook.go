// Package webhook posts notifications as JSON to an HTTP endpoint.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"notifyrouter/internal/model"
	"notifyrouter/internal/plugin"
)

const (
	PluginID = "webhook"
	Schema   = "webhook"
)

func Descriptor() plugin.Descriptor {
	return plugin.Descriptor{
		ID:         PluginID,
		Name:       "Webhook",
		Capability: model.Capability{SupportedSchema: []string{Schema}},
		Versions:   map[string]string{"1.0": ""},
		New: func(plugin.Endpoint) (plugin.Plugin, error) {
			return New(&http.Client{Timeout: 10 * time.Second}), nil
		},
	}
}

// Payload is the request body sent to the receiver.
type Payload struct {
	Type    model.NotificationType `json:"notification_type"`
	Message map[string]any         `json:"message"`
	SentAt  time.Time              `json:"sent_at"`
}

// Plugin posts a Payload to channel data "url". An optional secret
// "token" is sent as a bearer token.
type Plugin struct {
	client *http.Client
}

func New(client *http.Client) *Plugin {
	if client == nil {
		client = http.DefaultClient
	}
	return &Plugin{client: client}
}

func (p *Plugin) Init(context.Context, map[string]any) (plugin.Metadata, error) {
	return plugin.SchemaMetadata(model.DataPlainText, "url"), nil
}

func (p *Plugin) Verify(context.Context, map[string]any, map[string]any) error { return nil }

func (p *Plugin) Dispatch(ctx context.Context, req plugin.DispatchRequest) error {
	raw, _ := req.ChannelData["url"].(string)
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("webhook: invalid url %q", raw)
	}

	body, err := json.Marshal(Payload{Type: req.Type, Message: req.Message, SentAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return err
	}
	hreq.Header.Set("Content-Type", "application/json")
	if token, _ := req.SecretData["token"].(string); token != "" {
		hreq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := p.client.Do(hreq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.New("webhook: " + resp.Status + ": " + strings.TrimSpace(string(b)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
