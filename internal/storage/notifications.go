package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"notifyrouter/internal/model"
)

const notificationColumns = `notification_id, topic, message, notification_type, notification_level, is_read, user_id, domain_id, created_at`

const (
	insertNotificationSQL = `INSERT INTO notifications(` + notificationColumns + `) VALUES(?,?,?,?,?,?,?,?,?)`
	selectNotificationSQL = `SELECT ` + notificationColumns + ` FROM notifications WHERE notification_id = ? AND domain_id = ?`
	deleteNotificationSQL = `DELETE FROM notifications WHERE notification_id = ? AND domain_id = ?`
	deleteUserNotifsSQL   = `DELETE FROM notifications WHERE user_id = ? AND domain_id = ?`
	deleteNotifsBeforeSQL = `DELETE FROM notifications WHERE created_at < ?`
)

// NotificationFilter narrows ListNotifications and StatNotifications.
type NotificationFilter struct {
	DomainID string
	UserID   string
	Topic    string
	Type     model.NotificationType
	IsRead   *bool
	Page     Page
}

func (f NotificationFilter) where() (string, []any) {
	var (
		parts []string
		args  []any
	)
	add := func(col string, v any) {
		parts = append(parts, col+" = ?")
		args = append(args, v)
	}
	if f.DomainID != "" {
		add("domain_id", f.DomainID)
	}
	if f.UserID != "" {
		add("user_id", f.UserID)
	}
	if f.Topic != "" {
		add("topic", f.Topic)
	}
	if f.Type != "" {
		add("notification_type", string(f.Type))
	}
	if f.IsRead != nil {
		add("is_read", boolInt(*f.IsRead))
	}
	if len(parts) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(parts, " AND "), args
}

func (s *DB) CreateNotification(ctx context.Context, n model.Notification) error {
	msg, err := encodeJSON(n.Message)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.q(insertNotificationSQL),
		n.ID, n.Topic, msg, string(n.Type), string(n.Level), boolInt(n.IsRead),
		n.UserID, n.DomainID, millis(n.CreatedAt),
	)
	return err
}

func (s *DB) GetNotification(ctx context.Context, id, domainID string) (model.Notification, error) {
	n, err := scanNotification(s.db.QueryRowContext(ctx, s.q(selectNotificationSQL), id, domainID))
	if noRows(err) {
		return model.Notification{}, model.NotFound("notification", id)
	}
	return n, err
}

// ListNotifications returns one page, newest first, with the total number
// of rows matching the filter.
func (s *DB) ListNotifications(ctx context.Context, f NotificationFilter) ([]model.Notification, int, error) {
	where, args := f.where()

	var total int
	if err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM notifications`+where), args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + notificationColumns + ` FROM notifications` + where + ` ORDER BY created_at DESC, notification_id`
	lim, largs := f.Page.clause()
	rows, err := s.db.QueryContext(ctx, s.q(query+lim), append(args, largs...)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []model.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, n)
	}
	return out, total, rows.Err()
}

func (s *DB) DeleteNotification(ctx context.Context, id, domainID string) error {
	res, err := s.db.ExecContext(ctx, s.q(deleteNotificationSQL), id, domainID)
	if err != nil {
		return err
	}
	return expectOne(res, "notification", id)
}

// DeleteUserNotifications removes every notification of the user and
// returns how many were deleted.
func (s *DB) DeleteUserNotifications(ctx context.Context, userID, domainID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q(deleteUserNotifsSQL), userID, domainID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// SetNotificationsRead flips the read flag on the given ids. Ids that do
// not exist in the tenant are ignored.
func (s *DB) SetNotificationsRead(ctx context.Context, ids []string, domainID string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, domainID)
	for _, id := range ids {
		args = append(args, id)
	}
	query := fmt.Sprintf(`UPDATE notifications SET is_read = 1 WHERE domain_id = ? AND notification_id IN (%s)`, placeholders(len(ids)))
	res, err := s.db.ExecContext(ctx, s.q(query), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteNotificationsBefore is the retention sweep.
func (s *DB) DeleteNotificationsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q(deleteNotifsBeforeSQL), cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// NotificationStat is one (type, read) bucket.
type NotificationStat struct {
	Type   model.NotificationType `json:"notification_type"`
	IsRead bool                   `json:"is_read"`
	Count  int64                  `json:"count"`
}

func (s *DB) StatNotifications(ctx context.Context, f NotificationFilter) ([]NotificationStat, error) {
	where, args := f.where()
	query := `SELECT notification_type, is_read, COUNT(*) FROM notifications` + where +
		` GROUP BY notification_type, is_read ORDER BY notification_type, is_read`
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []NotificationStat
	for rows.Next() {
		var (
			st   NotificationStat
			typ  string
			read int
		)
		if err := rows.Scan(&typ, &read, &st.Count); err != nil {
			return nil, err
		}
		st.Type = model.NotificationType(typ)
		st.IsRead = read != 0
		out = append(out, st)
	}
	return out, rows.Err()
}

func scanNotification(sc scanner) (model.Notification, error) {
	var (
		n             model.Notification
		msg, typ, lvl string
		read          int
		created       int64
	)
	if err := sc.Scan(&n.ID, &n.Topic, &msg, &typ, &lvl, &read, &n.UserID, &n.DomainID, &created); err != nil {
		return model.Notification{}, err
	}
	n.Type = model.NotificationType(typ)
	n.Level = model.Level(lvl)
	n.IsRead = read != 0
	n.CreatedAt = fromMillis(created)
	if err := decodeJSON(msg, &n.Message); err != nil {
		return model.Notification{}, fmt.Errorf("notification %s message: %w", n.ID, err)
	}
	return n, nil
}
