package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/gameops/fleetctl/internal/rulestore"
)

// pgQuerier is satisfied by both DatabaseConnection and pgx.Tx, so the read
// helpers below serve the live pool and a point-in-time snapshot identically.
type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func pgQueryRules(ctx context.Context, q pgQuerier, filter rulestore.Filter) ([]*rulestore.ConfigRule, error) {
	query := `SELECT id, scope, selector, config_type, plugin_name, config_file, config_key,
       value, value_type, active, security_sensitive, created_at, updated_at, created_by
FROM config_rules WHERE TRUE`
	var args []any
	n := 0
	next := func() string { n++; return fmt.Sprintf("$%d", n) }

	if filter.ActiveOnly {
		query += " AND active=true"
	}
	if filter.Scope != "" {
		query += " AND scope=" + next()
		args = append(args, string(filter.Scope))
	}
	if filter.Selector != "" {
		query += " AND selector=" + next()
		args = append(args, filter.Selector)
	}
	if filter.Target != nil {
		query += fmt.Sprintf(" AND config_type=%s AND plugin_name=%s AND config_file=%s AND config_key=%s",
			next(), next(), next(), next())
		args = append(args, string(filter.Target.ConfigType), filter.Target.PluginName,
			filter.Target.ConfigFile, filter.Target.ConfigKey)
	}

	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("rulestore/postgres: get rules: %w", err)
	}
	defer rows.Close()

	var out []*rulestore.ConfigRule
	for rows.Next() {
		r := &rulestore.ConfigRule{}
		var scope, configType string
		if err := rows.Scan(&r.ID, &scope, &r.Selector, &configType, &r.Target.PluginName,
			&r.Target.ConfigFile, &r.Target.ConfigKey, &r.Value, &r.ValueType, &r.Active,
			&r.SecuritySensitive, &r.CreatedAt, &r.UpdatedAt, &r.CreatedBy); err != nil {
			return nil, fmt.Errorf("rulestore/postgres: scan rule: %w", err)
		}
		r.Scope = rulestore.Scope(scope)
		r.Target.ConfigType = rulestore.ConfigType(configType)
		out = append(out, r)
	}
	return out, rows.Err()
}

func pgQueryVariables(ctx context.Context, q pgQuerier, scope rulestore.Scope, selector string) ([]*rulestore.Variable, error) {
	rows, err := q.Query(ctx,
		`SELECT scope, selector, name, value, updated_at FROM config_variables WHERE scope=$1 AND selector=$2`,
		string(scope), selector)
	if err != nil {
		return nil, fmt.Errorf("rulestore/postgres: get variables: %w", err)
	}
	defer rows.Close()

	var out []*rulestore.Variable
	for rows.Next() {
		v := &rulestore.Variable{}
		var scopeStr string
		if err := rows.Scan(&scopeStr, &v.Selector, &v.Name, &v.Value, &v.UpdatedAt); err != nil {
			return nil, fmt.Errorf("rulestore/postgres: scan variable: %w", err)
		}
		v.Scope = rulestore.Scope(scopeStr)
		out = append(out, v)
	}
	return out, rows.Err()
}

func pgQueryInstance(ctx context.Context, q pgQuerier, id string) (*rulestore.Instance, error) {
	i := &rulestore.Instance{}
	var platform string
	err := q.QueryRow(ctx,
		`SELECT id, name, host, platform, port, active, last_seen_at FROM instances WHERE id=$1`, id).
		Scan(&i.ID, &i.Name, &i.Host, &platform, &i.Port, &i.Active, &i.LastSeenAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("rulestore/postgres: instance %q not found", id)
		}
		return nil, fmt.Errorf("rulestore/postgres: get instance: %w", err)
	}
	i.Platform = rulestore.Platform(platform)
	return i, nil
}

func pgQueryInstances(ctx context.Context, q pgQuerier) ([]*rulestore.Instance, error) {
	rows, err := q.Query(ctx, `SELECT id, name, host, platform, port, active, last_seen_at FROM instances`)
	if err != nil {
		return nil, fmt.Errorf("rulestore/postgres: list instances: %w", err)
	}
	defer rows.Close()

	var out []*rulestore.Instance
	for rows.Next() {
		i := &rulestore.Instance{}
		var platform string
		if err := rows.Scan(&i.ID, &i.Name, &i.Host, &platform, &i.Port, &i.Active, &i.LastSeenAt); err != nil {
			return nil, fmt.Errorf("rulestore/postgres: scan instance: %w", err)
		}
		i.Platform = rulestore.Platform(platform)
		out = append(out, i)
	}
	return out, rows.Err()
}

func pgQueryGroupsForInstance(ctx context.Context, q pgQuerier, instanceID string) ([]*rulestore.Group, error) {
	rows, err := q.Query(ctx, `
SELECT g.id, g.name, g.type FROM groups g
JOIN group_members gm ON gm.group_id = g.id
WHERE gm.instance_id = $1`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("rulestore/postgres: groups for instance: %w", err)
	}
	defer rows.Close()

	var out []*rulestore.Group
	for rows.Next() {
		g := &rulestore.Group{}
		var typ string
		if err := rows.Scan(&g.ID, &g.Name, &typ); err != nil {
			return nil, fmt.Errorf("rulestore/postgres: scan group: %w", err)
		}
		g.Type = rulestore.GroupType(typ)
		out = append(out, g)
	}
	return out, rows.Err()
}

func pgQueryTagsForInstance(ctx context.Context, q pgQuerier, instanceID string) ([]*rulestore.Tag, error) {
	rows, err := q.Query(ctx, `
SELECT t.id, t.category, t.name FROM tags t
JOIN instance_tags it ON it.tag_id = t.id
WHERE it.instance_id = $1`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("rulestore/postgres: tags for instance: %w", err)
	}
	defer rows.Close()

	var out []*rulestore.Tag
	for rows.Next() {
		t := &rulestore.Tag{}
		if err := rows.Scan(&t.ID, &t.Category, &t.Name); err != nil {
			return nil, fmt.Errorf("rulestore/postgres: scan tag: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func pgQueryBaselines(ctx context.Context, q pgQuerier, pluginName string) ([]*rulestore.Baseline, error) {
	rows, err := q.Query(ctx,
		`SELECT plugin_name, config_file, required FROM baselines WHERE plugin_name=$1`, pluginName)
	if err != nil {
		return nil, fmt.Errorf("rulestore/postgres: baselines: %w", err)
	}
	defer rows.Close()

	var out []*rulestore.Baseline
	for rows.Next() {
		b := &rulestore.Baseline{}
		if err := rows.Scan(&b.PluginName, &b.ConfigFile, &b.Required); err != nil {
			return nil, fmt.Errorf("rulestore/postgres: scan baseline: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func pgQueryKeysForFile(ctx context.Context, q pgQuerier, configType rulestore.ConfigType, pluginName, configFile string) ([]string, error) {
	rows, err := q.Query(ctx, `
SELECT DISTINCT config_key FROM config_rules
WHERE active=true AND config_type=$1 AND plugin_name=$2 AND config_file=$3 AND config_key != ''`,
		string(configType), pluginName, configFile)
	if err != nil {
		return nil, fmt.Errorf("rulestore/postgres: keys for file: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("rulestore/postgres: scan key: %w", err)
		}
		out = append(out, key)
	}
	return out, rows.Err()
}

// pgSnapshot is a read-stable view backed by a single REPEATABLE READ
// transaction.
type pgSnapshot struct {
	tx  pgx.Tx
	ctx context.Context
}

func (s *pgSnapshot) GetRules(ctx context.Context, filter rulestore.Filter) ([]*rulestore.ConfigRule, error) {
	return pgQueryRules(ctx, s.tx, filter)
}

func (s *pgSnapshot) GetVariables(ctx context.Context, scope rulestore.Scope, selector string) ([]*rulestore.Variable, error) {
	return pgQueryVariables(ctx, s.tx, scope, selector)
}

func (s *pgSnapshot) GetInstance(ctx context.Context, id string) (*rulestore.Instance, error) {
	return pgQueryInstance(ctx, s.tx, id)
}

func (s *pgSnapshot) ListInstances(ctx context.Context) ([]*rulestore.Instance, error) {
	return pgQueryInstances(ctx, s.tx)
}

func (s *pgSnapshot) GroupsForInstance(ctx context.Context, instanceID string) ([]*rulestore.Group, error) {
	return pgQueryGroupsForInstance(ctx, s.tx, instanceID)
}

func (s *pgSnapshot) TagsForInstance(ctx context.Context, instanceID string) ([]*rulestore.Tag, error) {
	return pgQueryTagsForInstance(ctx, s.tx, instanceID)
}

func (s *pgSnapshot) BaselinesForPlugin(ctx context.Context, pluginName string) ([]*rulestore.Baseline, error) {
	return pgQueryBaselines(ctx, s.tx, pluginName)
}

func (s *pgSnapshot) KeysForFile(ctx context.Context, configType rulestore.ConfigType, pluginName, configFile string) ([]string, error) {
	return pgQueryKeysForFile(ctx, s.tx, configType, pluginName, configFile)
}

func (s *pgSnapshot) Close() {
	_ = s.tx.Rollback(s.ctx)
}
