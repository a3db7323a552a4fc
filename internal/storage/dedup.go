package storage

import (
	"context"
	"time"
)

const (
	putDedupSQL = `INSERT INTO dispatch_dedup(job_key, until) VALUES(?,?)
		ON CONFLICT(job_key) DO UPDATE SET until = excluded.until`
	getDedupSQL   = `SELECT until FROM dispatch_dedup WHERE job_key = ?`
	pruneDedupSQL = `DELETE FROM dispatch_dedup WHERE until < ?`
)

// PutDedup marks key as handled until the given time. Expired markers are
// pruned opportunistically every pruneEvery writes.
func (s *DB) PutDedup(ctx context.Context, key string, until time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx, s.q(putDedupSQL), key, until.UnixMilli())
	if err == nil && s.pruneEvery > 0 && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_ = s.pruneDedup(pctx)
		cancel()
	}
	return err
}

// GetDedup returns the marker expiry for key, if any.
func (s *DB) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if s == nil || s.db == nil {
		return time.Time{}, false, ErrDisabled
	}
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, s.q(getDedupSQL), key).Scan(&ms)
	if noRows(err) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *DB) pruneDedup(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, s.q(pruneDedupSQL), time.Now().UnixMilli())
	return err
}
