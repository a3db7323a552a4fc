// Package service implements the management operations for protocols,
// channels, quotas, notifications and usage. Every operation takes an
// immutable request value and returns the stored record.
package service

import (
	"context"
	"time"

	"notifyrouter/internal/identity"
	"notifyrouter/internal/model"
	"notifyrouter/internal/plugin"
)

type PluginRegistry interface {
	GetPlugin(ctx context.Context, pluginID, domainID string) (plugin.Info, error)
	ListVersions(ctx context.Context, pluginID, domainID string) ([]string, error)
}

// PluginGateway runs plugin init and verify calls.
type PluginGateway interface {
	Initialize(ctx context.Context, p model.Protocol) (plugin.Plugin, model.PluginInfo, error)
	Verify(ctx context.Context, p model.Protocol, secretData map[string]any) error
	InvalidateEndpoint(ctx context.Context, p model.Protocol)
}

type SecretStore interface {
	CreateSecret(ctx context.Context, name, schema string, data map[string]any, domainID string) (string, error)
	UpdateSecretData(ctx context.Context, secretID, domainID string, data map[string]any) error
	DeleteSecret(ctx context.Context, secretID, domainID string) error
}

type IdentityLookup interface {
	GetResource(ctx context.Context, typ model.ResourceType, id, domainID string) (identity.Resource, error)
}

// InstalledProtocol is a protocol created for every tenant on first use.
type InstalledProtocol struct {
	Name        string
	PluginID    string
	Version     string
	UpgradeMode model.UpgradeMode
	Options     map[string]any
	SecretData  map[string]any
	Schema      string
	Tags        map[string]string
}

type Config struct {
	AllowOvernightSchedule bool
	// DefaultsTTL is how long a tenant is remembered as having its default
	// protocols.
	DefaultsTTL time.Duration
	Installed   []InstalledProtocol
}

func (c Config) withDefaults() Config {
	if c.DefaultsTTL <= 0 {
		c.DefaultsTTL = 300 * time.Second
	}
	return c
}

func required(field, v string) error {
	if v == "" {
		return model.Invalid(field, "required")
	}
	return nil
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
