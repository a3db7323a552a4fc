// Package queue carries delivery jobs from the dispatch router to the
// plugin gateway. Backends: inline (synchronous), the in-process task
// engine and RabbitMQ. All of them run jobs through one Processor.
package queue

import (
	"context"
	"time"

	"github.com/google/uuid"

	"notifyrouter/internal/model"
)

// Job is one delivery of one message through one channel. The credential
// material is assembled before the job is queued.
type Job struct {
	ID          string                 `json:"job_id"`
	ProtocolID  string                 `json:"protocol_id"`
	ChannelID   string                 `json:"channel_id,omitempty"`
	ChannelData map[string]any         `json:"channel_data"`
	SecretData  map[string]any         `json:"secret_data"`
	Type        model.NotificationType `json:"notification_type"`
	Message     map[string]any         `json:"message"`
	DomainID    string                 `json:"domain_id"`
	At          time.Time              `json:"at"`
}

// NewJobID returns a fresh job id.
func NewJobID() string { return "job-" + uuid.NewString() }

// Queue accepts jobs. Enqueue returns once the job is handed off; for the
// inline backend that means after delivery.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
}
