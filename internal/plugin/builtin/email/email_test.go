package email

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/mail.v2"

	"notifyrouter/internal/model"
	"notifyrouter/internal/plugin"
)

func TestDispatchBuildsMessage(t *testing.T) {
	t.Parallel()
	var (
		gotDialer *mail.Dialer
		gotMsg    *mail.Message
	)
	p := &Plugin{send: func(_ context.Context, d *mail.Dialer, m *mail.Message) error {
		gotDialer, gotMsg = d, m
		return nil
	}}

	err := p.Dispatch(context.Background(), plugin.DispatchRequest{
		SecretData:  map[string]any{"host": "smtp.local", "port": float64(2525), "username": "bot@local", "password": "pw"},
		ChannelData: map[string]any{"email": "a@x.io, b@x.io"},
		Type:        model.TypeWarning,
		Message:     map[string]any{"title": "Budget", "description": "80% used"},
	})
	require.NoError(t, err)
	require.NotNil(t, gotMsg)
	assert.Equal(t, "smtp.local", gotDialer.Host)
	assert.Equal(t, 2525, gotDialer.Port)
	assert.Equal(t, []string{"a@x.io", "b@x.io"}, gotMsg.GetHeader("To"))
	assert.Equal(t, []string{"bot@local"}, gotMsg.GetHeader("From"))
	assert.Equal(t, []string{"[WARNING] Budget"}, gotMsg.GetHeader("Subject"))
}

func TestParseSMTP(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		secret   map[string]any
		wantPort int
		wantErr  bool
	}{
		{name: "default port", secret: map[string]any{"host": "h", "from": "f@x"}, wantPort: 587},
		{name: "string port", secret: map[string]any{"host": "h", "from": "f@x", "port": "25"}, wantPort: 25},
		{name: "bad port", secret: map[string]any{"host": "h", "from": "f@x", "port": "x"}, wantErr: true},
		{name: "no host", secret: map[string]any{"from": "f@x"}, wantErr: true},
		{name: "no from", secret: map[string]any{"host": "h"}, wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := parseSMTP(tt.secret)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("parseSMTP: %v", err)
			}
			if cfg.port != tt.wantPort {
				t.Fatalf("port = %d, want %d", cfg.port, tt.wantPort)
			}
		})
	}
}

func TestDispatchWithoutRecipient(t *testing.T) {
	t.Parallel()
	p := New()
	err := p.Dispatch(context.Background(), plugin.DispatchRequest{
		SecretData:  map[string]any{"host": "h", "from": "f@x"},
		ChannelData: map[string]any{},
	})
	require.Error(t, err)
}
