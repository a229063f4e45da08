package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/gameops/fleetctl/internal/rulestore"
	"github.com/gameops/fleetctl/internal/rulestore/sqlite"
)

func TestStore_PutAndGetRule(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "rules.db")
	store, err := sqlite.New(ctx, dbPath, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer store.Close()

	now := time.Now()
	rule := &rulestore.ConfigRule{
		ID:    "r1",
		Scope: rulestore.ScopeGlobal,
		Target: rulestore.Target{
			ConfigType: rulestore.ConfigTypePlugin,
			PluginName: "EliteMobs",
			ConfigFile: "config.yml",
			ConfigKey:  "language",
		},
		Value:     "english",
		ValueType: rulestore.ValueString,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := store.PutRule(ctx, rule); err != nil {
		t.Fatalf("PutRule: %v", err)
	}

	rules, err := store.GetRules(ctx, rulestore.Filter{ActiveOnly: true})
	if err != nil {
		t.Fatalf("GetRules: %v", err)
	}
	if len(rules) != 1 || rules[0].Value != "english" {
		t.Fatalf("unexpected rules: %+v", rules)
	}

	if err := store.DeactivateRule(ctx, "r1"); err != nil {
		t.Fatalf("DeactivateRule: %v", err)
	}
	rules, err = store.GetRules(ctx, rulestore.Filter{ActiveOnly: true})
	if err != nil {
		t.Fatalf("GetRules after deactivate: %v", err)
	}
	if len(rules) != 0 {
		t.Fatalf("expected no active rules, got %d", len(rules))
	}
}

func TestStore_SnapshotIsolatesFromLaterWrites(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "rules.db")
	store, err := sqlite.New(ctx, dbPath, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer store.Close()

	if err := store.PutInstance(ctx, &rulestore.Instance{ID: "SMP101", Name: "SMP 101", Host: "hetzner", Active: true}); err != nil {
		t.Fatalf("PutInstance: %v", err)
	}

	snap, err := store.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	defer snap.Close()

	if err := store.PutInstance(ctx, &rulestore.Instance{ID: "SMP102", Name: "SMP 102", Host: "hetzner", Active: true}); err != nil {
		t.Fatalf("PutInstance second: %v", err)
	}

	instances, err := snap.ListInstances(ctx)
	if err != nil {
		t.Fatalf("ListInstances: %v", err)
	}
	if len(instances) != 1 {
		t.Fatalf("snapshot should not observe the write made after it was taken, got %d instances", len(instances))
	}
}

func TestStore_GroupAndTagMembership(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "rules.db")
	store, err := sqlite.New(ctx, dbPath, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer store.Close()

	if err := store.PutInstance(ctx, &rulestore.Instance{ID: "CREA01", Active: true}); err != nil {
		t.Fatalf("PutInstance: %v", err)
	}
	if err := store.PutTag(ctx, &rulestore.Tag{ID: "creative", Category: "gamemode", Name: "creative"}); err != nil {
		t.Fatalf("PutTag: %v", err)
	}
	if err := store.AssignTag(ctx, "creative", "CREA01"); err != nil {
		t.Fatalf("AssignTag: %v", err)
	}

	tags, err := store.TagsForInstance(ctx, "CREA01")
	if err != nil {
		t.Fatalf("TagsForInstance: %v", err)
	}
	if len(tags) != 1 || tags[0].ID != "creative" {
		t.Fatalf("unexpected tags: %+v", tags)
	}
}
