// Package plugin drives delivery backends: endpoint resolution through the
// registry, plugin initialization, credential assembly and dispatch.
package plugin

import (
	"context"
	"encoding/json"
	"hash/fnv"

	"notifyrouter/internal/model"
)

// Metadata is what a plugin returns from Init. Two keys are understood by
// the engine: "data_type" (PLAIN_TEXT or SECRET) and "data.schema.required"
// (channel data keys a channel must provide).
type Metadata map[string]any

type DispatchRequest struct {
	SecretData  map[string]any
	ChannelData map[string]any
	Type        model.NotificationType
	Message     map[string]any
	Options     map[string]any
}

// Plugin is the RPC surface of a delivery backend.
type Plugin interface {
	Init(ctx context.Context, options map[string]any) (Metadata, error)
	Verify(ctx context.Context, options, secretData map[string]any) error
	Dispatch(ctx context.Context, req DispatchRequest) error
}

// RequiredKeys returns the channel data keys listed under
// metadata.data.schema.required.
func RequiredKeys(meta map[string]any) []string {
	data, _ := meta["data"].(map[string]any)
	schema, _ := data["schema"].(map[string]any)
	var out []string
	switch v := schema["required"].(type) {
	case []string:
		out = append(out, v...)
	case []any:
		for _, x := range v {
			if s, ok := x.(string); ok {
				out = append(out, s)
			}
		}
	}
	return out
}

// SchemaMetadata builds metadata for a plugin that declares a data type and
// required channel keys.
func SchemaMetadata(dataType model.DataType, required ...string) Metadata {
	req := make([]any, 0, len(required))
	for _, r := range required {
		req = append(req, r)
	}
	return Metadata{
		"data_type": string(dataType),
		"data": map[string]any{
			"schema": map[string]any{"required": req},
		},
	}
}

// MessageText renders the message payload into a single text body.
// Plugins that cannot carry structure use it.
func MessageText(msg map[string]any) string {
	title, _ := msg["title"].(string)
	body, _ := msg["description"].(string)
	if body == "" {
		if v, ok := msg["text"].(string); ok {
			body = v
		}
	}
	switch {
	case title != "" && body != "":
		return title + "\n\n" + body
	case title != "":
		return title
	case body != "":
		return body
	}
	b, _ := json.Marshal(msg)
	return string(b)
}

func hashBytes(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

// canonicalHash hashes v as canonical JSON so key order does not matter.
func canonicalHash(v any) uint64 {
	if v == nil {
		return 0
	}
	b, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	var norm any
	if err := json.Unmarshal(b, &norm); err != nil {
		return hashBytes(b)
	}
	b, err = json.Marshal(norm)
	if err != nil {
		return 0
	}
	return hashBytes(b)
}
