package storage

import (
	"context"
	"fmt"

	"notifyrouter/internal/model"
)

const (
	insertSecretSQL = `INSERT INTO secrets(secret_id, name, schema_name, data, domain_id, created_at) VALUES(?,?,?,?,?,?)`
	selectSecretSQL = `SELECT secret_id, name, schema_name, data, domain_id, created_at FROM secrets WHERE secret_id = ? AND domain_id = ?`
	updateSecretSQL = `UPDATE secrets SET data = ? WHERE secret_id = ? AND domain_id = ?`
	deleteSecretSQL = `DELETE FROM secrets WHERE secret_id = ? AND domain_id = ?`
)

func (s *DB) CreateSecret(ctx context.Context, sec model.Secret) error {
	data, err := encodeJSON(sec.Data)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.q(insertSecretSQL),
		sec.ID, sec.Name, sec.Schema, data, sec.DomainID, millis(sec.CreatedAt))
	return err
}

func (s *DB) GetSecret(ctx context.Context, secretID, domainID string) (model.Secret, error) {
	var (
		sec     model.Secret
		data    string
		created int64
	)
	err := s.db.QueryRowContext(ctx, s.q(selectSecretSQL), secretID, domainID).
		Scan(&sec.ID, &sec.Name, &sec.Schema, &data, &sec.DomainID, &created)
	if noRows(err) {
		return model.Secret{}, model.NotFound("secret", secretID)
	}
	if err != nil {
		return model.Secret{}, err
	}
	sec.CreatedAt = fromMillis(created)
	if err := decodeJSON(data, &sec.Data); err != nil {
		return model.Secret{}, fmt.Errorf("secret %s data: %w", secretID, err)
	}
	return sec, nil
}

func (s *DB) UpdateSecretData(ctx context.Context, secretID, domainID string, data map[string]any) error {
	raw, err := encodeJSON(data)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.q(updateSecretSQL), raw, secretID, domainID)
	if err != nil {
		return err
	}
	return expectOne(res, "secret", secretID)
}

func (s *DB) DeleteSecret(ctx context.Context, secretID, domainID string) error {
	res, err := s.db.ExecContext(ctx, s.q(deleteSecretSQL), secretID, domainID)
	if err != nil {
		return err
	}
	return expectOne(res, "secret", secretID)
}
