package model

import (
	"strings"
	"time"
)

type State string

const (
	StateEnabled  State = "ENABLED"
	StateDisabled State = "DISABLED"
)

func (s State) Valid() bool { return s == StateEnabled || s == StateDisabled }

type ProtocolType string

const (
	ProtocolInternal ProtocolType = "INTERNAL"
	ProtocolExternal ProtocolType = "EXTERNAL"
)

type UpgradeMode string

const (
	UpgradeAuto   UpgradeMode = "AUTO"
	UpgradeManual UpgradeMode = "MANUAL"
)

// DataType tells where a channel keeps its delivery data.
type DataType string

const (
	DataPlainText DataType = "PLAIN_TEXT"
	DataSecret    DataType = "SECRET"
)

type ResourceType string

const (
	ResourceUser    ResourceType = "identity.User"
	ResourceProject ResourceType = "identity.Project"
	ResourceDomain  ResourceType = "identity.Domain"
)

func (r ResourceType) Valid() bool {
	return r == ResourceUser || r == ResourceProject || r == ResourceDomain
}

type NotificationType string

const (
	TypeInfo    NotificationType = "INFO"
	TypeError   NotificationType = "ERROR"
	TypeSuccess NotificationType = "SUCCESS"
	TypeWarning NotificationType = "WARNING"
)

func (t NotificationType) Valid() bool {
	switch t {
	case TypeInfo, TypeError, TypeSuccess, TypeWarning:
		return true
	}
	return false
}

// Level is a notification severity. LevelAll is the wildcard.
type Level string

const (
	LevelAll Level = "ALL"
	Level1   Level = "LV1"
	Level2   Level = "LV2"
	Level3   Level = "LV3"
	Level4   Level = "LV4"
	Level5   Level = "LV5"
)

func (l Level) Valid() bool {
	switch l {
	case LevelAll, Level1, Level2, Level3, Level4, Level5:
		return true
	}
	return false
}

// Schedule is a weekly quiet-hours window. Hours are in the deployment's
// reference timezone.
type Schedule struct {
	Days      []string `json:"day_of_week"`
	StartHour int      `json:"start_hour"`
	EndHour   int      `json:"end_hour"`
}

type Capability struct {
	SupportedSchema []string `json:"supported_schema"`
}

// Supports reports whether schema is declared by the capability.
func (c Capability) Supports(schema string) bool {
	for _, s := range c.SupportedSchema {
		if s == schema {
			return true
		}
	}
	return false
}

type PluginInfo struct {
	PluginID    string         `json:"plugin_id"`
	Version     string         `json:"version,omitempty"`
	UpgradeMode UpgradeMode    `json:"upgrade_mode,omitempty"`
	Options     map[string]any `json:"options,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	SecretID    string         `json:"secret_id,omitempty"`
	Schema      string         `json:"schema,omitempty"`
}

type Protocol struct {
	ID           string            `json:"protocol_id"`
	Name         string            `json:"name"`
	State        State             `json:"state"`
	Type         ProtocolType      `json:"protocol_type"`
	ResourceType ResourceType      `json:"resource_type"`
	Capability   Capability        `json:"capability"`
	PluginInfo   PluginInfo        `json:"plugin_info"`
	Tags         map[string]string `json:"tags,omitempty"`
	DomainID     string            `json:"domain_id"`
	CreatedAt    time.Time         `json:"created_at"`
}

// DataType returns the declared data type from plugin metadata.
// Protocols that never declared one are treated as plain text.
func (p Protocol) DataType() DataType {
	if v, ok := p.PluginInfo.Metadata["data_type"].(string); ok && strings.EqualFold(v, string(DataSecret)) {
		return DataSecret
	}
	return DataPlainText
}

// Enabled reports whether delivery through the protocol may proceed.
func (p Protocol) Enabled() bool { return p.State == StateEnabled }

type ChannelKind string

const (
	UserChannel    ChannelKind = "user"
	ProjectChannel ChannelKind = "project"
)

type Channel struct {
	ID                string            `json:"channel_id"`
	Kind              ChannelKind       `json:"kind"`
	Name              string            `json:"name"`
	OwnerID           string            `json:"owner_id"`
	ProtocolID        string            `json:"protocol_id"`
	State             State             `json:"state"`
	Schema            string            `json:"schema,omitempty"`
	Data              map[string]any    `json:"data,omitempty"`
	SecretID          string            `json:"secret_id,omitempty"`
	IsSubscribe       bool              `json:"is_subscribe"`
	Subscriptions     []string          `json:"subscriptions,omitempty"`
	IsScheduled       bool              `json:"is_scheduled"`
	Schedule          *Schedule         `json:"schedule,omitempty"`
	NotificationLevel Level             `json:"notification_level,omitempty"`
	Tags              map[string]string `json:"tags,omitempty"`
	DomainID          string            `json:"domain_id"`
	CreatedAt         time.Time         `json:"created_at"`
}

func (c Channel) Enabled() bool { return c.State == StateEnabled }

// ForwardUsers returns the member user ids stored in an INTERNAL project
// channel's data under "users".
func (c Channel) ForwardUsers() []string {
	raw, ok := c.Data["users"]
	if !ok {
		return nil
	}
	var out []string
	switch v := raw.(type) {
	case []string:
		out = append(out, v...)
	case []any:
		for _, x := range v {
			if s, ok := x.(string); ok && s != "" {
				out = append(out, s)
			}
		}
	case string:
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

type Notification struct {
	ID        string           `json:"notification_id"`
	Topic     string           `json:"topic"`
	Message   map[string]any   `json:"message"`
	Type      NotificationType `json:"notification_type"`
	Level     Level            `json:"notification_level"`
	IsRead    bool             `json:"is_read"`
	UserID    string           `json:"user_id"`
	DomainID  string           `json:"domain_id"`
	CreatedAt time.Time        `json:"created_at"`
}

// Usage is one per-protocol per-day counter pair.
type Usage struct {
	ProtocolID string `json:"protocol_id"`
	Month      string `json:"usage_month"`
	Day        string `json:"usage_date"`
	Count      int64  `json:"count"`
	FailCount  int64  `json:"fail_count"`
	DomainID   string `json:"domain_id"`
}

// UsageKey formats t into the (month, day) pair used as the usage key.
func UsageKey(t time.Time) (month, day string) {
	t = t.UTC()
	return t.Format("2006-01"), t.Format("02")
}

// Unlimited disables a quota dimension.
const Unlimited = -1

type QuotaLimit struct {
	Day   int64 `json:"day"`
	Month int64 `json:"month"`
}

type Quota struct {
	ID         string     `json:"quota_id"`
	ProtocolID string     `json:"protocol_id"`
	Limit      QuotaLimit `json:"limit"`
	DomainID   string     `json:"domain_id"`
	CreatedAt  time.Time  `json:"created_at"`
}

type Secret struct {
	ID        string         `json:"secret_id"`
	Name      string         `json:"name"`
	Schema    string         `json:"schema,omitempty"`
	Data      map[string]any `json:"-"`
	DomainID  string         `json:"domain_id"`
	CreatedAt time.Time      `json:"created_at"`
}
