package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/gameops/fleetctl/internal/rulestore"
)

// querier is satisfied by both *sql.DB and *sql.Tx so the read helpers
// below serve the live store and a point-in-time snapshot identically.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func queryRules(ctx context.Context, q querier, filter rulestore.Filter) ([]*rulestore.ConfigRule, error) {
	query := `SELECT id, scope, selector, config_type, plugin_name, config_file, config_key,
       value, value_type, active, security_sensitive, created_at, updated_at, created_by
FROM config_rules WHERE 1=1`
	var args []any
	if filter.ActiveOnly {
		query += " AND active=1"
	}
	if filter.Scope != "" {
		query += " AND scope=?"
		args = append(args, string(filter.Scope))
	}
	if filter.Selector != "" {
		query += " AND selector=?"
		args = append(args, filter.Selector)
	}
	if filter.Target != nil {
		query += " AND config_type=? AND plugin_name=? AND config_file=? AND config_key=?"
		args = append(args, string(filter.Target.ConfigType), filter.Target.PluginName,
			filter.Target.ConfigFile, filter.Target.ConfigKey)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("rulestore/sqlite: get rules: %w", err)
	}
	defer rows.Close()

	var out []*rulestore.ConfigRule
	for rows.Next() {
		r := &rulestore.ConfigRule{}
		var scope, configType, active, sensitive string
		var createdAt, updatedAt int64
		if err := rows.Scan(&r.ID, &scope, &r.Selector, &configType, &r.Target.PluginName,
			&r.Target.ConfigFile, &r.Target.ConfigKey, &r.Value, &r.ValueType, &active,
			&sensitive, &createdAt, &updatedAt, &r.CreatedBy); err != nil {
			return nil, fmt.Errorf("rulestore/sqlite: scan rule: %w", err)
		}
		r.Scope = rulestore.Scope(scope)
		r.Target.ConfigType = rulestore.ConfigType(configType)
		r.Active = active == "1"
		r.SecuritySensitive = sensitive == "1"
		r.CreatedAt = time.UnixMilli(createdAt)
		r.UpdatedAt = time.UnixMilli(updatedAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

func queryVariables(ctx context.Context, q querier, scope rulestore.Scope, selector string) ([]*rulestore.Variable, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT scope, selector, name, value, updated_at FROM config_variables WHERE scope=? AND selector=?`,
		string(scope), selector)
	if err != nil {
		return nil, fmt.Errorf("rulestore/sqlite: get variables: %w", err)
	}
	defer rows.Close()

	var out []*rulestore.Variable
	for rows.Next() {
		v := &rulestore.Variable{}
		var scopeStr string
		var updatedAt int64
		if err := rows.Scan(&scopeStr, &v.Selector, &v.Name, &v.Value, &updatedAt); err != nil {
			return nil, fmt.Errorf("rulestore/sqlite: scan variable: %w", err)
		}
		v.Scope = rulestore.Scope(scopeStr)
		v.UpdatedAt = time.UnixMilli(updatedAt)
		out = append(out, v)
	}
	return out, rows.Err()
}

func queryInstance(ctx context.Context, q querier, id string) (*rulestore.Instance, error) {
	row := q.QueryRowContext(ctx,
		`SELECT id, name, host, platform, port, active, last_seen_at FROM instances WHERE id=?`, id)
	i := &rulestore.Instance{}
	var platform string
	var active string
	var lastSeen int64
	if err := row.Scan(&i.ID, &i.Name, &i.Host, &platform, &i.Port, &active, &lastSeen); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("rulestore/sqlite: instance %q not found", id)
		}
		return nil, fmt.Errorf("rulestore/sqlite: get instance: %w", err)
	}
	i.Platform = rulestore.Platform(platform)
	i.Active = active == "1"
	i.LastSeenAt = time.UnixMilli(lastSeen)
	return i, nil
}

func queryInstances(ctx context.Context, q querier) ([]*rulestore.Instance, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, name, host, platform, port, active, last_seen_at FROM instances`)
	if err != nil {
		return nil, fmt.Errorf("rulestore/sqlite: list instances: %w", err)
	}
	defer rows.Close()

	var out []*rulestore.Instance
	for rows.Next() {
		i := &rulestore.Instance{}
		var platform, active string
		var lastSeen int64
		if err := rows.Scan(&i.ID, &i.Name, &i.Host, &platform, &i.Port, &active, &lastSeen); err != nil {
			return nil, fmt.Errorf("rulestore/sqlite: scan instance: %w", err)
		}
		i.Platform = rulestore.Platform(platform)
		i.Active = active == "1"
		i.LastSeenAt = time.UnixMilli(lastSeen)
		out = append(out, i)
	}
	return out, rows.Err()
}

func queryGroupsForInstance(ctx context.Context, q querier, instanceID string) ([]*rulestore.Group, error) {
	rows, err := q.QueryContext(ctx, `
SELECT g.id, g.name, g.type FROM groups g
JOIN group_members gm ON gm.group_id = g.id
WHERE gm.instance_id = ?`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("rulestore/sqlite: groups for instance: %w", err)
	}
	defer rows.Close()

	var out []*rulestore.Group
	for rows.Next() {
		g := &rulestore.Group{}
		var typ string
		if err := rows.Scan(&g.ID, &g.Name, &typ); err != nil {
			return nil, fmt.Errorf("rulestore/sqlite: scan group: %w", err)
		}
		g.Type = rulestore.GroupType(typ)
		out = append(out, g)
	}
	return out, rows.Err()
}

func queryTagsForInstance(ctx context.Context, q querier, instanceID string) ([]*rulestore.Tag, error) {
	rows, err := q.QueryContext(ctx, `
SELECT t.id, t.category, t.name FROM tags t
JOIN instance_tags it ON it.tag_id = t.id
WHERE it.instance_id = ?`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("rulestore/sqlite: tags for instance: %w", err)
	}
	defer rows.Close()

	var out []*rulestore.Tag
	for rows.Next() {
		t := &rulestore.Tag{}
		if err := rows.Scan(&t.ID, &t.Category, &t.Name); err != nil {
			return nil, fmt.Errorf("rulestore/sqlite: scan tag: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func queryBaselines(ctx context.Context, q querier, pluginName string) ([]*rulestore.Baseline, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT plugin_name, config_file, required FROM baselines WHERE plugin_name=?`, pluginName)
	if err != nil {
		return nil, fmt.Errorf("rulestore/sqlite: baselines: %w", err)
	}
	defer rows.Close()

	var out []*rulestore.Baseline
	for rows.Next() {
		b := &rulestore.Baseline{}
		var required string
		if err := rows.Scan(&b.PluginName, &b.ConfigFile, &required); err != nil {
			return nil, fmt.Errorf("rulestore/sqlite: scan baseline: %w", err)
		}
		b.Required = required == "1"
		out = append(out, b)
	}
	return out, rows.Err()
}

func queryKeysForFile(ctx context.Context, q querier, configType rulestore.ConfigType, pluginName, configFile string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `
SELECT DISTINCT config_key FROM config_rules
WHERE active=1 AND config_type=? AND plugin_name=? AND config_file=? AND config_key != ''`,
		string(configType), pluginName, configFile)
	if err != nil {
		return nil, fmt.Errorf("rulestore/sqlite: keys for file: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("rulestore/sqlite: scan key: %w", err)
		}
		out = append(out, key)
	}
	return out, rows.Err()
}

// snapshot is a read-stable view backed by a single long-lived transaction.
type snapshot struct {
	tx *sql.Tx
}

func (s *snapshot) GetRules(ctx context.Context, filter rulestore.Filter) ([]*rulestore.ConfigRule, error) {
	return queryRules(ctx, s.tx, filter)
}

func (s *snapshot) GetVariables(ctx context.Context, scope rulestore.Scope, selector string) ([]*rulestore.Variable, error) {
	return queryVariables(ctx, s.tx, scope, selector)
}

func (s *snapshot) GetInstance(ctx context.Context, id string) (*rulestore.Instance, error) {
	return queryInstance(ctx, s.tx, id)
}

func (s *snapshot) ListInstances(ctx context.Context) ([]*rulestore.Instance, error) {
	return queryInstances(ctx, s.tx)
}

func (s *snapshot) GroupsForInstance(ctx context.Context, instanceID string) ([]*rulestore.Group, error) {
	return queryGroupsForInstance(ctx, s.tx, instanceID)
}

func (s *snapshot) TagsForInstance(ctx context.Context, instanceID string) ([]*rulestore.Tag, error) {
	return queryTagsForInstance(ctx, s.tx, instanceID)
}

func (s *snapshot) BaselinesForPlugin(ctx context.Context, pluginName string) ([]*rulestore.Baseline, error) {
	return queryBaselines(ctx, s.tx, pluginName)
}

func (s *snapshot) KeysForFile(ctx context.Context, configType rulestore.ConfigType, pluginName, configFile string) ([]string, error) {
	return queryKeysForFile(ctx, s.tx, configType, pluginName, configFile)
}

func (s *snapshot) Close() {
	_ = s.tx.Rollback()
}
