package storage

import (
	"context"
	"fmt"

	"notifyrouter/internal/model"
)

const quotaColumns = `quota_id, protocol_id, day_limit, month_limit, domain_id, created_at`

const (
	insertQuotaSQL      = `INSERT INTO quotas(` + quotaColumns + `) VALUES(?,?,?,?,?,?)`
	updateQuotaSQL      = `UPDATE quotas SET day_limit = ?, month_limit = ? WHERE protocol_id = ? AND domain_id = ?`
	selectQuotaSQL      = `SELECT ` + quotaColumns + ` FROM quotas WHERE protocol_id = ? AND domain_id = ?`
	selectQuotaProtoSQL = `SELECT ` + quotaColumns + ` FROM quotas WHERE protocol_id = ?`
	deleteQuotaSQL      = `DELETE FROM quotas WHERE protocol_id = ? AND domain_id = ?`
)

// CreateQuota inserts a quota. A second quota for the same protocol is
// rejected with ErrAlreadyExists.
func (s *DB) CreateQuota(ctx context.Context, q model.Quota) error {
	_, err := s.db.ExecContext(ctx, s.q(insertQuotaSQL),
		q.ID, q.ProtocolID, q.Limit.Day, q.Limit.Month, q.DomainID, millis(q.CreatedAt))
	if isUniqueViolation(err) {
		return fmt.Errorf("quota for protocol %s: %w", q.ProtocolID, model.ErrAlreadyExists)
	}
	return err
}

func (s *DB) UpdateQuotaLimit(ctx context.Context, protocolID, domainID string, limit model.QuotaLimit) error {
	res, err := s.db.ExecContext(ctx, s.q(updateQuotaSQL), limit.Day, limit.Month, protocolID, domainID)
	if err != nil {
		return err
	}
	return expectOne(res, "quota", protocolID)
}

func (s *DB) GetQuota(ctx context.Context, protocolID, domainID string) (model.Quota, error) {
	q, err := scanQuota(s.db.QueryRowContext(ctx, s.q(selectQuotaSQL), protocolID, domainID))
	if noRows(err) {
		return model.Quota{}, model.NotFound("quota", protocolID)
	}
	return q, err
}

// GetQuotaByProtocol looks up the quota without tenant scoping. The usage
// ledger uses it on the dispatch path.
func (s *DB) GetQuotaByProtocol(ctx context.Context, protocolID string) (model.Quota, bool, error) {
	q, err := scanQuota(s.db.QueryRowContext(ctx, s.q(selectQuotaProtoSQL), protocolID))
	if noRows(err) {
		return model.Quota{}, false, nil
	}
	if err != nil {
		return model.Quota{}, false, err
	}
	return q, true, nil
}

func (s *DB) ListQuotas(ctx context.Context, domainID, protocolID string) ([]model.Quota, error) {
	query := `SELECT ` + quotaColumns + ` FROM quotas WHERE domain_id = ?`
	args := []any{domainID}
	if protocolID != "" {
		query += ` AND protocol_id = ?`
		args = append(args, protocolID)
	}
	query += ` ORDER BY created_at, quota_id`
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Quota
	for rows.Next() {
		q, err := scanQuota(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

func (s *DB) DeleteQuota(ctx context.Context, protocolID, domainID string) error {
	res, err := s.db.ExecContext(ctx, s.q(deleteQuotaSQL), protocolID, domainID)
	if err != nil {
		return err
	}
	return expectOne(res, "quota", protocolID)
}

func scanQuota(sc scanner) (model.Quota, error) {
	var (
		q       model.Quota
		created int64
	)
	if err := sc.Scan(&q.ID, &q.ProtocolID, &q.Limit.Day, &q.Limit.Month, &q.DomainID, &created); err != nil {
		return model.Quota{}, err
	}
	q.CreatedAt = fromMillis(created)
	return q, nil
}
