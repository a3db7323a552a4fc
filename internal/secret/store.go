// Package secret keeps delivery credentials out of protocol and channel
// records.
package secret

import (
	"context"
	"time"

	"github.com/google/uuid"

	"notifyrouter/internal/model"
	logx "notifyrouter/pkg/logx"
)

// Backend is the persistence the store needs. *storage.DB satisfies it.
type Backend interface {
	CreateSecret(ctx context.Context, s model.Secret) error
	GetSecret(ctx context.Context, secretID, domainID string) (model.Secret, error)
	UpdateSecretData(ctx context.Context, secretID, domainID string, data map[string]any) error
	DeleteSecret(ctx context.Context, secretID, domainID string) error
}

type Store struct {
	db  Backend
	log logx.Logger
	now func() time.Time
}

func NewStore(db Backend, log logx.Logger) *Store {
	return &Store{db: db, log: log, now: time.Now}
}

// CreateSecret stores data and returns the new secret id.
func (s *Store) CreateSecret(ctx context.Context, name, schema string, data map[string]any, domainID string) (string, error) {
	id := "secret-" + uuid.NewString()
	err := s.db.CreateSecret(ctx, model.Secret{
		ID:        id,
		Name:      name,
		Schema:    schema,
		Data:      data,
		DomainID:  domainID,
		CreatedAt: s.now(),
	})
	if err != nil {
		return "", err
	}
	s.log.Debug("secret created", logx.String("secret_id", id), logx.String("domain", domainID))
	return id, nil
}

func (s *Store) GetSecretData(ctx context.Context, secretID, domainID string) (map[string]any, error) {
	sec, err := s.db.GetSecret(ctx, secretID, domainID)
	if err != nil {
		return nil, err
	}
	if sec.Data == nil {
		return map[string]any{}, nil
	}
	return sec.Data, nil
}

func (s *Store) UpdateSecretData(ctx context.Context, secretID, domainID string, data map[string]any) error {
	return s.db.UpdateSecretData(ctx, secretID, domainID, data)
}

func (s *Store) DeleteSecret(ctx context.Context, secretID, domainID string) error {
	if err := s.db.DeleteSecret(ctx, secretID, domainID); err != nil {
		return err
	}
	s.log.Debug("secret deleted", logx.String("secret_id", secretID))
	return nil
}
