package storage

import (
	"context"
	"fmt"
	"strings"

	"notifyrouter/internal/model"
)

const protocolColumns = `protocol_id, name, state, protocol_type, resource_type, capability, plugin_info, tags, domain_id, created_at`

const (
	insertProtocolSQL = `INSERT INTO protocols(` + protocolColumns + `) VALUES(?,?,?,?,?,?,?,?,?,?)`
	updateProtocolSQL = `UPDATE protocols SET name = ?, state = ?, capability = ?, plugin_info = ?, tags = ? WHERE protocol_id = ? AND domain_id = ?`
	selectProtocolSQL = `SELECT ` + protocolColumns + ` FROM protocols WHERE protocol_id = ? AND domain_id = ?`
	deleteProtocolSQL = `DELETE FROM protocols WHERE protocol_id = ? AND domain_id = ?`
	updatePluginSQL   = `UPDATE protocols SET plugin_info = ? WHERE protocol_id = ?`
)

// ProtocolFilter narrows ListProtocols. Empty fields are ignored.
type ProtocolFilter struct {
	DomainID     string
	ProtocolID   string
	Name         string
	State        model.State
	Type         model.ProtocolType
	ResourceType model.ResourceType
	Page         Page
}

func (s *DB) CreateProtocol(ctx context.Context, p model.Protocol) error {
	capability, err := encodeJSON(p.Capability)
	if err != nil {
		return err
	}
	info, err := encodeJSON(p.PluginInfo)
	if err != nil {
		return err
	}
	tags, err := encodeJSON(p.Tags)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.q(insertProtocolSQL),
		p.ID, p.Name, string(p.State), string(p.Type), string(p.ResourceType),
		capability, info, tags, p.DomainID, millis(p.CreatedAt),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("protocol %q: %w", p.Name, model.ErrAlreadyExists)
	}
	return err
}

// UpdateProtocol rewrites the mutable fields of an existing protocol.
func (s *DB) UpdateProtocol(ctx context.Context, p model.Protocol) error {
	capability, err := encodeJSON(p.Capability)
	if err != nil {
		return err
	}
	info, err := encodeJSON(p.PluginInfo)
	if err != nil {
		return err
	}
	tags, err := encodeJSON(p.Tags)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.q(updateProtocolSQL),
		p.Name, string(p.State), capability, info, tags, p.ID, p.DomainID,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("protocol %q: %w", p.Name, model.ErrAlreadyExists)
	}
	if err != nil {
		return err
	}
	return expectOne(res, "protocol", p.ID)
}

// UpdatePluginInfo persists refreshed plugin metadata without touching
// the rest of the record.
func (s *DB) UpdatePluginInfo(ctx context.Context, protocolID string, info model.PluginInfo) error {
	raw, err := encodeJSON(info)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.q(updatePluginSQL), raw, protocolID)
	if err != nil {
		return err
	}
	return expectOne(res, "protocol", protocolID)
}

func (s *DB) GetProtocol(ctx context.Context, protocolID, domainID string) (model.Protocol, error) {
	row := s.db.QueryRowContext(ctx, s.q(selectProtocolSQL), protocolID, domainID)
	p, err := scanProtocol(row)
	if noRows(err) {
		return model.Protocol{}, model.NotFound("protocol", protocolID)
	}
	return p, err
}

func (s *DB) ListProtocols(ctx context.Context, f ProtocolFilter) ([]model.Protocol, error) {
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
	add("domain_id", f.DomainID)
	add("protocol_id", f.ProtocolID)
	add("name", f.Name)
	add("state", string(f.State))
	add("protocol_type", string(f.Type))
	add("resource_type", string(f.ResourceType))

	query := `SELECT ` + protocolColumns + ` FROM protocols`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at, protocol_id`
	lim, largs := f.Page.clause()
	query += lim
	args = append(args, largs...)

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Protocol
	for rows.Next() {
		p, err := scanProtocol(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *DB) DeleteProtocol(ctx context.Context, protocolID, domainID string) error {
	res, err := s.db.ExecContext(ctx, s.q(deleteProtocolSQL), protocolID, domainID)
	if err != nil {
		return err
	}
	return expectOne(res, "protocol", protocolID)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProtocol(sc scanner) (model.Protocol, error) {
	var (
		p                      model.Protocol
		state, ptype, rtype    string
		capability, info, tags string
		created                int64
	)
	if err := sc.Scan(&p.ID, &p.Name, &state, &ptype, &rtype, &capability, &info, &tags, &p.DomainID, &created); err != nil {
		return model.Protocol{}, err
	}
	p.State = model.State(state)
	p.Type = model.ProtocolType(ptype)
	p.ResourceType = model.ResourceType(rtype)
	p.CreatedAt = fromMillis(created)
	if err := decodeJSON(capability, &p.Capability); err != nil {
		return model.Protocol{}, fmt.Errorf("protocol %s capability: %w", p.ID, err)
	}
	if err := decodeJSON(info, &p.PluginInfo); err != nil {
		return model.Protocol{}, fmt.Errorf("protocol %s plugin_info: %w", p.ID, err)
	}
	if err := decodeJSON(tags, &p.Tags); err != nil {
		return model.Protocol{}, fmt.Errorf("protocol %s tags: %w", p.ID, err)
	}
	return p, nil
}
