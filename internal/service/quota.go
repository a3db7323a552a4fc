package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	"notifyrouter/internal/model"
	logx "notifyrouter/pkg/logx"
)

type QuotaStore interface {
	CreateQuota(ctx context.Context, q model.Quota) error
	UpdateQuotaLimit(ctx context.Context, protocolID, domainID string, limit model.QuotaLimit) error
	GetQuota(ctx context.Context, protocolID, domainID string) (model.Quota, error)
	ListQuotas(ctx context.Context, domainID, protocolID string) ([]model.Quota, error)
	DeleteQuota(ctx context.Context, protocolID, domainID string) error
}

// Quotas manages the per-protocol day and month ceilings. A protocol has
// at most one quota, so quotas are addressed by protocol id.
type Quotas struct {
	store     QuotaStore
	protocols ProtocolGetter
	log       logx.Logger
	now       func() time.Time
}

func NewQuotas(store QuotaStore, protocols ProtocolGetter, log logx.Logger) *Quotas {
	return &Quotas{store: store, protocols: protocols, log: log, now: time.Now}
}

func validateLimit(l model.QuotaLimit) error {
	if l.Day < model.Unlimited {
		return model.Invalid("limit.day", "must be -1 (unlimited) or >= 0, got %d", l.Day)
	}
	if l.Month < model.Unlimited {
		return model.Invalid("limit.month", "must be -1 (unlimited) or >= 0, got %d", l.Month)
	}
	return nil
}

type CreateQuotaRequest struct {
	ProtocolID string
	Limit      model.QuotaLimit
	DomainID   string
}

func (s *Quotas) Create(ctx context.Context, req CreateQuotaRequest) (model.Quota, error) {
	if err := firstErr(required("protocol_id", req.ProtocolID), required("domain_id", req.DomainID), validateLimit(req.Limit)); err != nil {
		return model.Quota{}, err
	}
	if _, err := s.protocols.GetProtocol(ctx, req.ProtocolID, req.DomainID); err != nil {
		return model.Quota{}, err
	}
	q := model.Quota{
		ID:         "quota-" + uuid.NewString(),
		ProtocolID: req.ProtocolID,
		Limit:      req.Limit,
		DomainID:   req.DomainID,
		CreatedAt:  s.now().UTC(),
	}
	if err := s.store.CreateQuota(ctx, q); err != nil {
		return model.Quota{}, err
	}
	s.log.Info("quota created",
		logx.String("protocol", q.ProtocolID),
		logx.Int64("day", q.Limit.Day),
		logx.Int64("month", q.Limit.Month),
	)
	return q, nil
}

func (s *Quotas) Update(ctx context.Context, protocolID, domainID string, limit model.QuotaLimit) (model.Quota, error) {
	if err := validateLimit(limit); err != nil {
		return model.Quota{}, err
	}
	if err := s.store.UpdateQuotaLimit(ctx, protocolID, domainID, limit); err != nil {
		return model.Quota{}, err
	}
	return s.store.GetQuota(ctx, protocolID, domainID)
}

func (s *Quotas) Delete(ctx context.Context, protocolID, domainID string) error {
	return s.store.DeleteQuota(ctx, protocolID, domainID)
}

func (s *Quotas) Get(ctx context.Context, protocolID, domainID string) (model.Quota, error) {
	return s.store.GetQuota(ctx, protocolID, domainID)
}

func (s *Quotas) List(ctx context.Context, domainID, protocolID string) ([]model.Quota, error) {
	if err := required("domain_id", domainID); err != nil {
		return nil, err
	}
	return s.store.ListQuotas(ctx, domainID, protocolID)
}
