package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notifyrouter/internal/model"
	"notifyrouter/internal/plugin"
)

func TestDispatchPostsPayload(t *testing.T) {
	t.Parallel()
	type seen struct {
		auth    string
		payload Payload
	}
	ch := make(chan seen, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var s seen
		s.auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&s.payload)
		ch <- s
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	p := New(srv.Client())
	err := p.Dispatch(context.Background(), plugin.DispatchRequest{
		SecretData:  map[string]any{"token": "s3cr3t"},
		ChannelData: map[string]any{"url": srv.URL + "/hook"},
		Type:        model.TypeSuccess,
		Message:     map[string]any{"title": "deployed"},
	})
	require.NoError(t, err)
	got := <-ch
	assert.Equal(t, "Bearer s3cr3t", got.auth)
	assert.Equal(t, model.TypeSuccess, got.payload.Type)
	assert.Equal(t, "deployed", got.payload.Message["title"])
}

func TestDispatchErrors(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	p := New(srv.Client())
	err := p.Dispatch(context.Background(), plugin.DispatchRequest{ChannelData: map[string]any{"url": srv.URL}})
	require.ErrorContains(t, err, "502")

	err = p.Dispatch(context.Background(), plugin.DispatchRequest{ChannelData: map[string]any{"url": "ftp://x"}})
	require.ErrorContains(t, err, "invalid url")
}
