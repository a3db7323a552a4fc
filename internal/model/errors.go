package model

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("resource not found")
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrProtocolDisabled = errors.New("protocol disabled")
	ErrChannelDisabled  = errors.New("channel disabled")
	ErrProtocolInUse    = errors.New("protocol still used by channels")
	ErrNotAllowed       = errors.New("operation not allowed")
	ErrAlreadyExists    = errors.New("resource already exists")
	ErrQuotaExceeded    = errors.New("quota exceeded")
	ErrPluginVersion    = errors.New("invalid plugin version")
	ErrPluginDispatch   = errors.New("plugin dispatch failed")
)

// NotFoundError names the missing resource. It matches ErrNotFound.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

func NotFound(resource, id string) error { return &NotFoundError{Resource: resource, ID: id} }

// ValidationError reports a malformed request field. It matches ErrInvalidArgument.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrInvalidArgument }

func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

type QuotaDimension string

const (
	QuotaDay   QuotaDimension = "day"
	QuotaMonth QuotaDimension = "month"
)

// QuotaExceededError identifies which ceiling blocked a dispatch.
type QuotaExceededError struct {
	ProtocolID string
	Dimension  QuotaDimension
	Limit      int64
	Used       int64
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded for protocol %s: %s limit %d (used %d)", e.ProtocolID, e.Dimension, e.Limit, e.Used)
}

func (e *QuotaExceededError) Is(target error) bool { return target == ErrQuotaExceeded }

// InvalidPluginVersionError is returned when a pinned version is missing
// from the plugin registry.
type InvalidPluginVersionError struct {
	PluginID string
	Version  string
}

func (e *InvalidPluginVersionError) Error() string {
	return fmt.Sprintf("plugin %s has no version %q", e.PluginID, e.Version)
}

func (e *InvalidPluginVersionError) Is(target error) bool { return target == ErrPluginVersion }

// PluginError wraps a failure raised by a plugin's RPC surface.
type PluginError struct {
	PluginID string
	Op       string
	Err      error
}

func (e *PluginError) Error() string {
	return fmt.Sprintf("plugin %s %s: %v", e.PluginID, e.Op, e.Err)
}

func (e *PluginError) Unwrap() error { return e.Err }

func (e *PluginError) Is(target error) bool { return target == ErrPluginDispatch }
