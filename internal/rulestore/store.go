package rulestore

import "context"

// Store is the persistence contract the resolver, drift engine, and
// deployment orchestrator depend on. Concrete backends live in the
// postgres, sqlite, and memory subpackages; the controller entrypoint
// picks one based on the deployment profile.
//
// Concurrency: writers serialize on a single logical transaction; readers
// obtain a point-in-time Snapshot so a scan never observes a half-applied
// multi-row edit.
type Store interface {
	PutRule(ctx context.Context, rule *ConfigRule) error
	DeactivateRule(ctx context.Context, id string) error
	GetRules(ctx context.Context, filter Filter) ([]*ConfigRule, error)

	SetVariable(ctx context.Context, v *Variable) error
	GetVariables(ctx context.Context, scope Scope, selector string) ([]*Variable, error)

	PutInstance(ctx context.Context, instance *Instance) error
	GetInstance(ctx context.Context, id string) (*Instance, error)
	ListInstances(ctx context.Context) ([]*Instance, error)
	DeactivateInstance(ctx context.Context, id string) error

	PutHost(ctx context.Context, host *Host) error
	GetHost(ctx context.Context, name string) (*Host, error)

	PutGroup(ctx context.Context, g *Group) error
	AddGroupMember(ctx context.Context, groupID, instanceID string) error
	GroupsForInstance(ctx context.Context, instanceID string) ([]*Group, error)

	PutTag(ctx context.Context, t *Tag) error
	AssignTag(ctx context.Context, tagID, instanceID string) error
	TagsForInstance(ctx context.Context, instanceID string) ([]*Tag, error)

	PutBaseline(ctx context.Context, b *Baseline) error
	BaselinesForPlugin(ctx context.Context, pluginName string) ([]*Baseline, error)

	// KeysForFile returns the distinct ConfigKeys of every active rule
	// targeting (configType, pluginName, configFile), across every scope -
	// the drift engine unions this with baseline-declared keys to get the
	// full set of keys it must check for one file.
	KeysForFile(ctx context.Context, configType ConfigType, pluginName, configFile string) ([]string, error)

	// Snapshot returns a read-stable handle: every read through it observes
	// the same point-in-time state for as long as the snapshot is held, so a
	// drift scan never sees a rule write applied mid-scan.
	Snapshot(ctx context.Context) (Snapshot, error)
}

// Snapshot is a read-stable view of the Store, used by the resolver during
// one drift scan.
type Snapshot interface {
	GetRules(ctx context.Context, filter Filter) ([]*ConfigRule, error)
	GetVariables(ctx context.Context, scope Scope, selector string) ([]*Variable, error)
	GetInstance(ctx context.Context, id string) (*Instance, error)
	ListInstances(ctx context.Context) ([]*Instance, error)
	GroupsForInstance(ctx context.Context, instanceID string) ([]*Group, error)
	TagsForInstance(ctx context.Context, instanceID string) ([]*Tag, error)
	BaselinesForPlugin(ctx context.Context, pluginName string) ([]*Baseline, error)
	KeysForFile(ctx context.Context, configType ConfigType, pluginName, configFile string) ([]string, error)
	Close()
}
