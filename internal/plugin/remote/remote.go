// Package remote talks to out-of-process plugins over HTTP JSON.
//
// Each plugin version is served at its own base URL and exposes
// POST {base}/init, {base}/verify and {base}/dispatch.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"notifyrouter/internal/model"
	"notifyrouter/internal/plugin"
)

type Config struct {
	ID              string
	Name            string
	SupportedSchema []string
	// Versions maps version to base URL.
	Versions map[string]string
}

// Descriptor registers a remote plugin whose versions live at the
// configured URLs.
func Descriptor(cfg Config, client *http.Client) plugin.Descriptor {
	return plugin.Descriptor{
		ID:         cfg.ID,
		Name:       cfg.Name,
		Capability: model.Capability{SupportedSchema: cfg.SupportedSchema},
		Versions:   cfg.Versions,
		New: func(ep plugin.Endpoint) (plugin.Plugin, error) {
			if strings.TrimSpace(ep.URL) == "" {
				return nil, fmt.Errorf("remote plugin %s %s has no endpoint", ep.PluginID, ep.Version)
			}
			return NewClient(ep.URL, client), nil
		},
	}
}

type Client struct {
	base string
	http *http.Client
}

func NewClient(base string, client *http.Client) *Client {
	if client == nil {
		client = http.DefaultClient
	}
	return &Client{base: strings.TrimRight(base, "/"), http: client}
}

type initRequest struct {
	Options map[string]any `json:"options"`
}

type initResponse struct {
	Metadata map[string]any `json:"metadata"`
}

type verifyRequest struct {
	Options    map[string]any `json:"options"`
	SecretData map[string]any `json:"secret_data"`
}

type dispatchRequest struct {
	SecretData  map[string]any         `json:"secret_data"`
	ChannelData map[string]any         `json:"channel_data"`
	Type        model.NotificationType `json:"notification_type"`
	Message     map[string]any         `json:"message"`
	Options     map[string]any         `json:"options"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (c *Client) Init(ctx context.Context, options map[string]any) (plugin.Metadata, error) {
	var out initResponse
	if err := c.call(ctx, "init", initRequest{Options: options}, &out); err != nil {
		return nil, err
	}
	return plugin.Metadata(out.Metadata), nil
}

func (c *Client) Verify(ctx context.Context, options, secretData map[string]any) error {
	return c.call(ctx, "verify", verifyRequest{Options: options, SecretData: secretData}, nil)
}

func (c *Client) Dispatch(ctx context.Context, req plugin.DispatchRequest) error {
	return c.call(ctx, "dispatch", dispatchRequest{
		SecretData:  req.SecretData,
		ChannelData: req.ChannelData,
		Type:        req.Type,
		Message:     req.Message,
		Options:     req.Options,
	}, nil)
}

func (c *Client) call(ctx context.Context, method string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/"+method, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode/100 != 2 {
		var e errorResponse
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			return errors.New(e.Error)
		}
		return fmt.Errorf("%s: %s", method, resp.Status)
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}
