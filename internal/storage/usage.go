package storage

import (
	"context"
	"strings"
	"time"

	"notifyrouter/internal/model"
)

const (
	incrementUsageSQL = `INSERT INTO notification_usage(protocol_id, usage_month, usage_date, success_count, fail_count, domain_id)
		VALUES(?,?,?,?,?,?)
		ON CONFLICT(protocol_id, usage_month, usage_date) DO UPDATE SET
			success_count = notification_usage.success_count + excluded.success_count,
			fail_count = notification_usage.fail_count + excluded.fail_count`
	selectDayUsageSQL = `SELECT success_count, fail_count FROM notification_usage WHERE protocol_id = ? AND usage_month = ? AND usage_date = ?`
	sumMonthUsageSQL  = `SELECT COALESCE(SUM(success_count), 0), COALESCE(SUM(fail_count), 0) FROM notification_usage WHERE protocol_id = ? AND usage_month = ?`
)

// IncrementUsage adds to the day counters of the protocol in one upsert.
func (s *DB) IncrementUsage(ctx context.Context, protocolID, domainID string, at time.Time, success, fail int64) error {
	month, day := model.UsageKey(at)
	_, err := s.db.ExecContext(ctx, s.q(incrementUsageSQL), protocolID, month, day, success, fail, domainID)
	return err
}

// GetDayUsage returns the counters of one day. A missing row is zero.
func (s *DB) GetDayUsage(ctx context.Context, protocolID, month, day string) (model.Usage, error) {
	u := model.Usage{ProtocolID: protocolID, Month: month, Day: day}
	err := s.db.QueryRowContext(ctx, s.q(selectDayUsageSQL), protocolID, month, day).Scan(&u.Count, &u.FailCount)
	if noRows(err) {
		return u, nil
	}
	return u, err
}

// SumMonthUsage totals the day rows of one month.
func (s *DB) SumMonthUsage(ctx context.Context, protocolID, month string) (success, fail int64, err error) {
	err = s.db.QueryRowContext(ctx, s.q(sumMonthUsageSQL), protocolID, month).Scan(&success, &fail)
	return success, fail, err
}

type UsageFilter struct {
	DomainID   string
	ProtocolID string
	Month      string
	Day        string
	Page       Page
}

func (f UsageFilter) where() (string, []any) {
	var (
		parts []string
		args  []any
	)
	add := func(col, v string) {
		if v != "" {
			parts = append(parts, col+" = ?")
			args = append(args, v)
		}
	}
	add("domain_id", f.DomainID)
	add("protocol_id", f.ProtocolID)
	add("usage_month", f.Month)
	add("usage_date", f.Day)
	if len(parts) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(parts, " AND "), args
}

func (s *DB) ListUsage(ctx context.Context, f UsageFilter) ([]model.Usage, error) {
	where, args := f.where()
	query := `SELECT protocol_id, usage_month, usage_date, success_count, fail_count, domain_id FROM notification_usage` +
		where + ` ORDER BY usage_month, usage_date, protocol_id`
	lim, largs := f.Page.clause()
	rows, err := s.db.QueryContext(ctx, s.q(query+lim), append(args, largs...)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Usage
	for rows.Next() {
		var u model.Usage
		if err := rows.Scan(&u.ProtocolID, &u.Month, &u.Day, &u.Count, &u.FailCount, &u.DomainID); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// UsageStat is a monthly total for one protocol.
type UsageStat struct {
	ProtocolID string `json:"protocol_id"`
	Month      string `json:"usage_month"`
	Count      int64  `json:"count"`
	FailCount  int64  `json:"fail_count"`
}

func (s *DB) StatUsage(ctx context.Context, f UsageFilter) ([]UsageStat, error) {
	where, args := f.where()
	query := `SELECT protocol_id, usage_month, SUM(success_count), SUM(fail_count) FROM notification_usage` +
		where + ` GROUP BY protocol_id, usage_month ORDER BY usage_month, protocol_id`
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []UsageStat
	for rows.Next() {
		var st UsageStat
		if err := rows.Scan(&st.ProtocolID, &st.Month, &st.Count, &st.FailCount); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}
