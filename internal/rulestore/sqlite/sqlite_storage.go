// Package sqlite implements rulestore.Store on top of an embedded SQLite
// database. It is the rule store backend for the "lite" deployment
// profile: single controller node, no external Postgres required.
//
// Configuration:
//   - WAL mode enabled (readers see a consistent snapshot during writes)
//   - Foreign keys enabled
//   - Secure file permissions (0600, owner read/write only)
//
// Schema is kept compatible in spirit with the postgres backend (same
// column names) so the two are interchangeable behind rulestore.Store.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	// Pure Go SQLite driver (no CGO, easier cross-compilation).
	_ "modernc.org/sqlite"

	"github.com/gameops/fleetctl/internal/rulestore"
)

// Store is a SQLite-backed rulestore.Store.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	path   string
}

// New opens (creating if necessary) a SQLite database at path and
// initializes the rule store schema.
func New(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	// Accept both a bare filesystem path and a file: DSN from settings.
	path = strings.TrimPrefix(path, "file:")
	if path == "" {
		return nil, fmt.Errorf("rulestore/sqlite: path cannot be empty")
	}
	if strings.Contains(path, "..") {
		return nil, fmt.Errorf("rulestore/sqlite: invalid path contains '..': %s", path)
	}
	if logger == nil {
		logger = slog.Default()
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("rulestore/sqlite: create directory: %w", err)
		}
	}

	// modernc.org/sqlite takes PRAGMAs as _pragma query parameters. WAL lets
	// a Snapshot's read transaction observe a stable view while writes land
	// on other connections; busy_timeout keeps brief write contention from
	// surfacing as SQLITE_BUSY.
	dsn := fmt.Sprintf("file:%s?mode=rwc&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("rulestore/sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("rulestore/sqlite: ping: %w", err)
	}

	s := &Store{db: db, logger: logger, path: path}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := os.Chmod(path, 0600); err != nil {
		logger.Warn("rulestore/sqlite: failed to set file permissions", "path", path, "error", err)
	}
	logger.Info("rulestore/sqlite: opened", "path", path)
	return s, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS hosts (
    name TEXT PRIMARY KEY,
    process_credential TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS instances (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    host TEXT NOT NULL,
    platform TEXT NOT NULL,
    port INTEGER NOT NULL,
    active INTEGER NOT NULL DEFAULT 1,
    last_seen_at INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS groups (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    type TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS group_members (
    group_id TEXT NOT NULL REFERENCES groups(id),
    instance_id TEXT NOT NULL,
    PRIMARY KEY (group_id, instance_id)
);

CREATE TABLE IF NOT EXISTS tags (
    id TEXT PRIMARY KEY,
    category TEXT NOT NULL,
    name TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS instance_tags (
    tag_id TEXT NOT NULL REFERENCES tags(id),
    instance_id TEXT NOT NULL,
    PRIMARY KEY (tag_id, instance_id)
);

CREATE TABLE IF NOT EXISTS config_variables (
    scope TEXT NOT NULL,
    selector TEXT NOT NULL,
    name TEXT NOT NULL,
    value TEXT NOT NULL,
    updated_at INTEGER NOT NULL,
    PRIMARY KEY (scope, selector, name)
);

CREATE TABLE IF NOT EXISTS baselines (
    plugin_name TEXT NOT NULL,
    config_file TEXT NOT NULL,
    required INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (plugin_name, config_file)
);

CREATE TABLE IF NOT EXISTS config_rules (
    id TEXT PRIMARY KEY,
    scope TEXT NOT NULL,
    selector TEXT NOT NULL DEFAULT '',
    config_type TEXT NOT NULL,
    plugin_name TEXT NOT NULL DEFAULT '',
    config_file TEXT NOT NULL,
    config_key TEXT NOT NULL DEFAULT '',
    value TEXT NOT NULL,
    value_type TEXT NOT NULL,
    active INTEGER NOT NULL DEFAULT 1,
    security_sensitive INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    created_by TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_config_rules_target
    ON config_rules(config_type, plugin_name, config_file, config_key);
CREATE INDEX IF NOT EXISTS idx_config_rules_scope
    ON config_rules(scope, selector);
`

func (s *Store) initSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("rulestore/sqlite: init schema: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) PutRule(ctx context.Context, r *rulestore.ConfigRule) error {
	if !r.Scope.Valid() {
		return fmt.Errorf("rulestore/sqlite: invalid scope %q", r.Scope)
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO config_rules (
    id, scope, selector, config_type, plugin_name, config_file, config_key,
    value, value_type, active, security_sensitive, created_at, updated_at, created_by
) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET
    scope=excluded.scope, selector=excluded.selector, config_type=excluded.config_type,
    plugin_name=excluded.plugin_name, config_file=excluded.config_file,
    config_key=excluded.config_key, value=excluded.value, value_type=excluded.value_type,
    active=excluded.active, security_sensitive=excluded.security_sensitive,
    updated_at=excluded.updated_at`,
		r.ID, string(r.Scope), r.Selector, string(r.Target.ConfigType), r.Target.PluginName,
		r.Target.ConfigFile, r.Target.ConfigKey, r.Value, string(r.ValueType), boolToInt(r.Active),
		boolToInt(r.SecuritySensitive), r.CreatedAt.UnixMilli(), r.UpdatedAt.UnixMilli(), r.CreatedBy)
	if err != nil {
		return fmt.Errorf("rulestore/sqlite: put rule: %w", err)
	}
	return nil
}

func (s *Store) DeactivateRule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE config_rules SET active=0, updated_at=? WHERE id=?`, time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("rulestore/sqlite: deactivate rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("rulestore/sqlite: rule %q not found", id)
	}
	return nil
}

func (s *Store) GetRules(ctx context.Context, filter rulestore.Filter) ([]*rulestore.ConfigRule, error) {
	return queryRules(ctx, s.db, filter)
}

func (s *Store) SetVariable(ctx context.Context, v *rulestore.Variable) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO config_variables (scope, selector, name, value, updated_at) VALUES (?,?,?,?,?)
ON CONFLICT(scope, selector, name) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		string(v.Scope), v.Selector, v.Name, v.Value, v.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("rulestore/sqlite: set variable: %w", err)
	}
	return nil
}

func (s *Store) GetVariables(ctx context.Context, scope rulestore.Scope, selector string) ([]*rulestore.Variable, error) {
	return queryVariables(ctx, s.db, scope, selector)
}

func (s *Store) PutInstance(ctx context.Context, i *rulestore.Instance) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO instances (id, name, host, platform, port, active, last_seen_at) VALUES (?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, host=excluded.host, platform=excluded.platform,
    port=excluded.port, active=excluded.active, last_seen_at=excluded.last_seen_at`,
		i.ID, i.Name, i.Host, string(i.Platform), i.Port, boolToInt(i.Active), i.LastSeenAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("rulestore/sqlite: put instance: %w", err)
	}
	return nil
}

func (s *Store) GetInstance(ctx context.Context, id string) (*rulestore.Instance, error) {
	return queryInstance(ctx, s.db, id)
}

func (s *Store) ListInstances(ctx context.Context) ([]*rulestore.Instance, error) {
	return queryInstances(ctx, s.db)
}

func (s *Store) DeactivateInstance(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE instances SET active=0 WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("rulestore/sqlite: deactivate instance: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("rulestore/sqlite: instance %q not found", id)
	}
	return nil
}

func (s *Store) PutHost(ctx context.Context, h *rulestore.Host) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO hosts (name, process_credential) VALUES (?,?)
ON CONFLICT(name) DO UPDATE SET process_credential=excluded.process_credential`,
		h.Name, h.ProcessCredential)
	if err != nil {
		return fmt.Errorf("rulestore/sqlite: put host: %w", err)
	}
	return nil
}

func (s *Store) GetHost(ctx context.Context, name string) (*rulestore.Host, error) {
	row := s.db.QueryRowContext(ctx, `SELECT name, process_credential FROM hosts WHERE name=?`, name)
	h := &rulestore.Host{}
	if err := row.Scan(&h.Name, &h.ProcessCredential); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("rulestore/sqlite: host %q not found", name)
		}
		return nil, fmt.Errorf("rulestore/sqlite: get host: %w", err)
	}
	return h, nil
}

func (s *Store) PutGroup(ctx context.Context, g *rulestore.Group) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO groups (id, name, type) VALUES (?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, type=excluded.type`,
		g.ID, g.Name, string(g.Type))
	if err != nil {
		return fmt.Errorf("rulestore/sqlite: put group: %w", err)
	}
	return nil
}

func (s *Store) AddGroupMember(ctx context.Context, groupID, instanceID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO group_members (group_id, instance_id) VALUES (?,?)`, groupID, instanceID)
	if err != nil {
		return fmt.Errorf("rulestore/sqlite: add group member: %w", err)
	}
	return nil
}

func (s *Store) GroupsForInstance(ctx context.Context, instanceID string) ([]*rulestore.Group, error) {
	return queryGroupsForInstance(ctx, s.db, instanceID)
}

func (s *Store) PutTag(ctx context.Context, t *rulestore.Tag) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO tags (id, category, name) VALUES (?,?,?)
ON CONFLICT(id) DO UPDATE SET category=excluded.category, name=excluded.name`,
		t.ID, t.Category, t.Name)
	if err != nil {
		return fmt.Errorf("rulestore/sqlite: put tag: %w", err)
	}
	return nil
}

func (s *Store) AssignTag(ctx context.Context, tagID, instanceID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO instance_tags (tag_id, instance_id) VALUES (?,?)`, tagID, instanceID)
	if err != nil {
		return fmt.Errorf("rulestore/sqlite: assign tag: %w", err)
	}
	return nil
}

func (s *Store) TagsForInstance(ctx context.Context, instanceID string) ([]*rulestore.Tag, error) {
	return queryTagsForInstance(ctx, s.db, instanceID)
}

func (s *Store) PutBaseline(ctx context.Context, b *rulestore.Baseline) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO baselines (plugin_name, config_file, required) VALUES (?,?,?)
ON CONFLICT(plugin_name, config_file) DO UPDATE SET required=excluded.required`,
		b.PluginName, b.ConfigFile, boolToInt(b.Required))
	if err != nil {
		return fmt.Errorf("rulestore/sqlite: put baseline: %w", err)
	}
	return nil
}

func (s *Store) BaselinesForPlugin(ctx context.Context, pluginName string) ([]*rulestore.Baseline, error) {
	return queryBaselines(ctx, s.db, pluginName)
}

func (s *Store) KeysForFile(ctx context.Context, configType rulestore.ConfigType, pluginName, configFile string) ([]string, error) {
	return queryKeysForFile(ctx, s.db, configType, pluginName, configFile)
}

// Snapshot begins a read transaction: under WAL a read transaction observes
// a consistent point-in-time view for its entire lifetime, so a drift scan
// never sees a rule write applied mid-scan. SQLite transactions are
// deferred - the view is only pinned at the first read - so an immediate
// throwaway read makes "point in time" mean Snapshot() itself, not whenever
// the caller happens to issue its first query.
func (s *Store) Snapshot(ctx context.Context) (rulestore.Snapshot, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("rulestore/sqlite: begin snapshot: %w", err)
	}
	var n int
	if err := tx.QueryRowContext(ctx, `SELECT count(*) FROM sqlite_master`).Scan(&n); err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("rulestore/sqlite: pin snapshot: %w", err)
	}
	return &snapshot{tx: tx}, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
