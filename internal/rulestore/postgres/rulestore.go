package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/gameops/fleetctl/internal/rulestore"
)

// Store implements rulestore.Store on top of a PostgresPool. It is the rule
// store backend for the "standard" deployment profile.
type Store struct {
	pool DatabaseConnection
}

// NewStore wraps an already-connected PostgresPool as a rulestore.Store.
// Schema is expected to be managed separately via internal/migrations.
func NewStore(pool DatabaseConnection) *Store {
	return &Store{pool: pool}
}

func (s *Store) PutRule(ctx context.Context, r *rulestore.ConfigRule) error {
	if !r.Scope.Valid() {
		return fmt.Errorf("rulestore/postgres: invalid scope %q", r.Scope)
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO config_rules (
    id, scope, selector, config_type, plugin_name, config_file, config_key,
    value, value_type, active, security_sensitive, created_at, updated_at, created_by
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
ON CONFLICT (id) DO UPDATE SET
    scope=excluded.scope, selector=excluded.selector, config_type=excluded.config_type,
    plugin_name=excluded.plugin_name, config_file=excluded.config_file,
    config_key=excluded.config_key, value=excluded.value, value_type=excluded.value_type,
    active=excluded.active, security_sensitive=excluded.security_sensitive,
    updated_at=excluded.updated_at`,
		r.ID, string(r.Scope), r.Selector, string(r.Target.ConfigType), r.Target.PluginName,
		r.Target.ConfigFile, r.Target.ConfigKey, r.Value, string(r.ValueType), r.Active,
		r.SecuritySensitive, r.CreatedAt, r.UpdatedAt, r.CreatedBy)
	if err != nil {
		return fmt.Errorf("rulestore/postgres: put rule: %w", err)
	}
	return nil
}

func (s *Store) DeactivateRule(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE config_rules SET active=false, updated_at=$1 WHERE id=$2`, time.Now(), id)
	if err != nil {
		return fmt.Errorf("rulestore/postgres: deactivate rule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("rulestore/postgres: rule %q not found", id)
	}
	return nil
}

func (s *Store) GetRules(ctx context.Context, filter rulestore.Filter) ([]*rulestore.ConfigRule, error) {
	return pgQueryRules(ctx, s.pool, filter)
}

func (s *Store) SetVariable(ctx context.Context, v *rulestore.Variable) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO config_variables (scope, selector, name, value, updated_at) VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (scope, selector, name) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		string(v.Scope), v.Selector, v.Name, v.Value, v.UpdatedAt)
	if err != nil {
		return fmt.Errorf("rulestore/postgres: set variable: %w", err)
	}
	return nil
}

func (s *Store) GetVariables(ctx context.Context, scope rulestore.Scope, selector string) ([]*rulestore.Variable, error) {
	return pgQueryVariables(ctx, s.pool, scope, selector)
}

func (s *Store) PutInstance(ctx context.Context, i *rulestore.Instance) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO instances (id, name, host, platform, port, active, last_seen_at) VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (id) DO UPDATE SET name=excluded.name, host=excluded.host, platform=excluded.platform,
    port=excluded.port, active=excluded.active, last_seen_at=excluded.last_seen_at`,
		i.ID, i.Name, i.Host, string(i.Platform), i.Port, i.Active, i.LastSeenAt)
	if err != nil {
		return fmt.Errorf("rulestore/postgres: put instance: %w", err)
	}
	return nil
}

func (s *Store) GetInstance(ctx context.Context, id string) (*rulestore.Instance, error) {
	return pgQueryInstance(ctx, s.pool, id)
}

func (s *Store) ListInstances(ctx context.Context) ([]*rulestore.Instance, error) {
	return pgQueryInstances(ctx, s.pool)
}

func (s *Store) DeactivateInstance(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE instances SET active=false WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("rulestore/postgres: deactivate instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("rulestore/postgres: instance %q not found", id)
	}
	return nil
}

func (s *Store) PutHost(ctx context.Context, h *rulestore.Host) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO hosts (name, process_credential) VALUES ($1,$2)
ON CONFLICT (name) DO UPDATE SET process_credential=excluded.process_credential`,
		h.Name, h.ProcessCredential)
	if err != nil {
		return fmt.Errorf("rulestore/postgres: put host: %w", err)
	}
	return nil
}

func (s *Store) GetHost(ctx context.Context, name string) (*rulestore.Host, error) {
	h := &rulestore.Host{}
	err := s.pool.QueryRow(ctx, `SELECT name, process_credential FROM hosts WHERE name=$1`, name).
		Scan(&h.Name, &h.ProcessCredential)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("rulestore/postgres: host %q not found", name)
		}
		return nil, fmt.Errorf("rulestore/postgres: get host: %w", err)
	}
	return h, nil
}

func (s *Store) PutGroup(ctx context.Context, g *rulestore.Group) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO groups (id, name, type) VALUES ($1,$2,$3)
ON CONFLICT (id) DO UPDATE SET name=excluded.name, type=excluded.type`,
		g.ID, g.Name, string(g.Type))
	if err != nil {
		return fmt.Errorf("rulestore/postgres: put group: %w", err)
	}
	return nil
}

func (s *Store) AddGroupMember(ctx context.Context, groupID, instanceID string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO group_members (group_id, instance_id) VALUES ($1,$2) ON CONFLICT DO NOTHING`,
		groupID, instanceID)
	if err != nil {
		return fmt.Errorf("rulestore/postgres: add group member: %w", err)
	}
	return nil
}

func (s *Store) GroupsForInstance(ctx context.Context, instanceID string) ([]*rulestore.Group, error) {
	return pgQueryGroupsForInstance(ctx, s.pool, instanceID)
}

func (s *Store) PutTag(ctx context.Context, t *rulestore.Tag) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO tags (id, category, name) VALUES ($1,$2,$3)
ON CONFLICT (id) DO UPDATE SET category=excluded.category, name=excluded.name`,
		t.ID, t.Category, t.Name)
	if err != nil {
		return fmt.Errorf("rulestore/postgres: put tag: %w", err)
	}
	return nil
}

func (s *Store) AssignTag(ctx context.Context, tagID, instanceID string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO instance_tags (tag_id, instance_id) VALUES ($1,$2) ON CONFLICT DO NOTHING`,
		tagID, instanceID)
	if err != nil {
		return fmt.Errorf("rulestore/postgres: assign tag: %w", err)
	}
	return nil
}

func (s *Store) TagsForInstance(ctx context.Context, instanceID string) ([]*rulestore.Tag, error) {
	return pgQueryTagsForInstance(ctx, s.pool, instanceID)
}

func (s *Store) PutBaseline(ctx context.Context, b *rulestore.Baseline) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO baselines (plugin_name, config_file, required) VALUES ($1,$2,$3)
ON CONFLICT (plugin_name, config_file) DO UPDATE SET required=excluded.required`,
		b.PluginName, b.ConfigFile, b.Required)
	if err != nil {
		return fmt.Errorf("rulestore/postgres: put baseline: %w", err)
	}
	return nil
}

func (s *Store) BaselinesForPlugin(ctx context.Context, pluginName string) ([]*rulestore.Baseline, error) {
	return pgQueryBaselines(ctx, s.pool, pluginName)
}

func (s *Store) KeysForFile(ctx context.Context, configType rulestore.ConfigType, pluginName, configFile string) ([]string, error) {
	return pgQueryKeysForFile(ctx, s.pool, configType, pluginName, configFile)
}

// Snapshot opens a REPEATABLE READ transaction: every read through it
// observes the same point-in-time state, matching the in-memory backend's
// copy-under-lock guarantee.
func (s *Store) Snapshot(ctx context.Context) (rulestore.Snapshot, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("rulestore/postgres: begin snapshot: %w", err)
	}
	if _, err := tx.Exec(ctx, "SET TRANSACTION ISOLATION LEVEL REPEATABLE READ"); err != nil {
		tx.Rollback(ctx)
		return nil, fmt.Errorf("rulestore/postgres: set isolation level: %w", err)
	}
	// REPEATABLE READ only takes its snapshot at the first query; pin it now
	// so the view reflects Snapshot() time rather than first use.
	if _, err := tx.Exec(ctx, "SELECT 1"); err != nil {
		tx.Rollback(ctx)
		return nil, fmt.Errorf("rulestore/postgres: pin snapshot: %w", err)
	}
	return &pgSnapshot{tx: tx, ctx: ctx}, nil
}
