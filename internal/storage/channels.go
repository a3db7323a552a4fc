package storage

import (
	"context"
	"fmt"
	"strings"

	"notifyrouter/internal/model"
)

const channelColumns = `channel_id, kind, name, owner_id, protocol_id, state, schema_name, data, secret_id, is_subscribe, subscriptions, is_scheduled, schedule, notification_level, tags, domain_id, created_at`

const (
	insertChannelSQL = `INSERT INTO channels(` + channelColumns + `) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`
	updateChannelSQL = `UPDATE channels SET name = ?, state = ?, schema_name = ?, data = ?, secret_id = ?, is_subscribe = ?, subscriptions = ?, is_scheduled = ?, schedule = ?, notification_level = ?, tags = ? WHERE channel_id = ? AND kind = ? AND domain_id = ?`
	selectChannelSQL = `SELECT ` + channelColumns + ` FROM channels WHERE channel_id = ? AND kind = ? AND domain_id = ?`
	deleteChannelSQL = `DELETE FROM channels WHERE channel_id = ? AND kind = ? AND domain_id = ?`
	countByProtoSQL  = `SELECT COUNT(*) FROM channels WHERE protocol_id = ?`
)

// ChannelFilter narrows ListChannels. Empty fields are ignored.
type ChannelFilter struct {
	Kind       model.ChannelKind
	DomainID   string
	OwnerID    string
	ProtocolID string
	ChannelID  string
	Name       string
	State      model.State
	Page       Page
}

type channelRow struct {
	data, subs, schedule, tags string
}

func encodeChannel(c model.Channel) (channelRow, error) {
	var (
		r   channelRow
		err error
	)
	data := c.Data
	if data == nil {
		data = map[string]any{}
	}
	if r.data, err = encodeJSON(data); err != nil {
		return r, err
	}
	if r.subs, err = encodeJSON(c.Subscriptions); err != nil {
		return r, err
	}
	if c.Schedule != nil {
		if r.schedule, err = encodeJSON(c.Schedule); err != nil {
			return r, err
		}
	}
	if r.tags, err = encodeJSON(c.Tags); err != nil {
		return r, err
	}
	return r, nil
}

func (s *DB) CreateChannel(ctx context.Context, c model.Channel) error {
	r, err := encodeChannel(c)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.q(insertChannelSQL),
		c.ID, string(c.Kind), c.Name, c.OwnerID, c.ProtocolID, string(c.State), c.Schema,
		r.data, c.SecretID, boolInt(c.IsSubscribe), r.subs, boolInt(c.IsScheduled), r.schedule,
		string(c.NotificationLevel), r.tags, c.DomainID, millis(c.CreatedAt),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("channel %q: %w", c.ID, model.ErrAlreadyExists)
	}
	return err
}

// UpdateChannel rewrites the mutable fields of an existing channel. The
// owner and protocol binding are fixed at creation.
func (s *DB) UpdateChannel(ctx context.Context, c model.Channel) error {
	r, err := encodeChannel(c)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.q(updateChannelSQL),
		c.Name, string(c.State), c.Schema, r.data, c.SecretID, boolInt(c.IsSubscribe), r.subs,
		boolInt(c.IsScheduled), r.schedule, string(c.NotificationLevel), r.tags,
		c.ID, string(c.Kind), c.DomainID,
	)
	if err != nil {
		return err
	}
	return expectOne(res, string(c.Kind)+" channel", c.ID)
}

func (s *DB) GetChannel(ctx context.Context, kind model.ChannelKind, channelID, domainID string) (model.Channel, error) {
	row := s.db.QueryRowContext(ctx, s.q(selectChannelSQL), channelID, string(kind), domainID)
	c, err := scanChannel(row)
	if noRows(err) {
		return model.Channel{}, model.NotFound(string(kind)+" channel", channelID)
	}
	return c, err
}

func (s *DB) ListChannels(ctx context.Context, f ChannelFilter) ([]model.Channel, error) {
	var (
		where []string
		args  []any
	)
	add := func(col, v string) {
		if v != "" {
			where = append(where, col+" = ?")
			args = append(args, v)
		}
	}
	add("kind", string(f.Kind))
	add("domain_id", f.DomainID)
	add("owner_id", f.OwnerID)
	add("protocol_id", f.ProtocolID)
	add("channel_id", f.ChannelID)
	add("name", f.Name)
	add("state", string(f.State))

	query := `SELECT ` + channelColumns + ` FROM channels`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at, channel_id`
	lim, largs := f.Page.clause()
	query += lim
	args = append(args, largs...)

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Channel
	for rows.Next() {
		c, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *DB) DeleteChannel(ctx context.Context, kind model.ChannelKind, channelID, domainID string) error {
	res, err := s.db.ExecContext(ctx, s.q(deleteChannelSQL), channelID, string(kind), domainID)
	if err != nil {
		return err
	}
	return expectOne(res, string(kind)+" channel", channelID)
}

// CountChannelsByProtocol counts user and project channels bound to the
// protocol across all owners.
func (s *DB) CountChannelsByProtocol(ctx context.Context, protocolID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.q(countByProtoSQL), protocolID).Scan(&n)
	return n, err
}

func scanChannel(sc scanner) (model.Channel, error) {
	var (
		c                          model.Channel
		kind, state, level         string
		data, subs, schedule, tags string
		isSub, isSched             int
		created                    int64
	)
	err := sc.Scan(&c.ID, &kind, &c.Name, &c.OwnerID, &c.ProtocolID, &state, &c.Schema,
		&data, &c.SecretID, &isSub, &subs, &isSched, &schedule, &level, &tags, &c.DomainID, &created)
	if err != nil {
		return model.Channel{}, err
	}
	c.Kind = model.ChannelKind(kind)
	c.State = model.State(state)
	c.NotificationLevel = model.Level(level)
	c.IsSubscribe = isSub != 0
	c.IsScheduled = isSched != 0
	c.CreatedAt = fromMillis(created)
	if err := decodeJSON(data, &c.Data); err != nil {
		return model.Channel{}, fmt.Errorf("channel %s data: %w", c.ID, err)
	}
	if err := decodeJSON(subs, &c.Subscriptions); err != nil {
		return model.Channel{}, fmt.Errorf("channel %s subscriptions: %w", c.ID, err)
	}
	if schedule != "" && schedule != "null" {
		c.Schedule = &model.Schedule{}
		if err := decodeJSON(schedule, c.Schedule); err != nil {
			return model.Channel{}, fmt.Errorf("channel %s schedule: %w", c.ID, err)
		}
	}
	if err := decodeJSON(tags, &c.Tags); err != nil {
		return model.Channel{}, fmt.Errorf("channel %s tags: %w", c.ID, err)
	}
	return c, nil
}
