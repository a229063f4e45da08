// Package rulestore is the ordered, persistent repository of policy rules,
// variables, instances, tags, groups, and their memberships.
package rulestore

import "time"

// Scope is the specificity layer a ConfigRule is declared at. Lower
// Priority wins; Priority is derived from Scope and never stored
// independently, so two rules at the same Scope always tie on priority and
// fall to the invariant tiebreaker (most-specific selector, most recent
// UpdatedAt).
type Scope string

const (
	ScopeInstance Scope = "INSTANCE"
	ScopeGroup    Scope = "GROUP"
	ScopeTag      Scope = "TAG"
	ScopeServer   Scope = "SERVER"
	ScopeGlobal   Scope = "GLOBAL"
)

// Priority returns the strength of a scope: lower number is stronger.
// INSTANCE(1) < GROUP(2) < TAG(3) < SERVER(4) < GLOBAL(5).
func (s Scope) Priority() int {
	switch s {
	case ScopeInstance:
		return 1
	case ScopeGroup:
		return 2
	case ScopeTag:
		return 3
	case ScopeServer:
		return 4
	case ScopeGlobal:
		return 5
	default:
		return 1 << 30
	}
}

// Valid reports whether s is one of the five core scopes. PLAYER_OVERRIDE
// and REGION/WORLD scopes are explicitly out of the core policy engine
// and are rejected here.
func (s Scope) Valid() bool {
	switch s {
	case ScopeInstance, ScopeGroup, ScopeTag, ScopeServer, ScopeGlobal:
		return true
	default:
		return false
	}
}

// ConfigType distinguishes a plugin-owned config file from a platform-level
// one or a datapack requirement.
type ConfigType string

const (
	ConfigTypePlugin   ConfigType = "plugin"
	ConfigTypeStandard ConfigType = "standard"
	ConfigTypeDatapack ConfigType = "datapack"
)

// ValueType is the declared type of a ConfigRule's value or a ConfigKey's
// leaf.
type ValueType string

const (
	ValueString   ValueType = "string"
	ValueInt      ValueType = "int"
	ValueFloat    ValueType = "float"
	ValueBool     ValueType = "bool"
	ValueList     ValueType = "list"
	ValueMap      ValueType = "map"
	ValueRequired ValueType = "required"
	ValueOptional ValueType = "optional"
)

// Target identifies a (config_type, plugin_name, config_file, config_key)
// tuple a ConfigRule governs.
type Target struct {
	ConfigType ConfigType
	PluginName string // empty for ConfigTypeStandard
	ConfigFile string
	ConfigKey  string // dotted path; empty for a whole-file datapack requirement
}

// ConfigRule is the central policy entity.
type ConfigRule struct {
	ID        string
	Scope     Scope
	Selector  string // entity id scoped to; empty for GLOBAL
	Target    Target
	Value     string // literal value, possibly containing {{VARIABLE}} references
	ValueType ValueType
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
	CreatedBy string

	// SecuritySensitive elevates UNEXPECTED_DRIFT severity from warning to
	// error for this target.
	SecuritySensitive bool
}

// Priority is a convenience accessor for Scope.Priority().
func (r *ConfigRule) Priority() int { return r.Scope.Priority() }

// Variable is a named indirection resolvable at scope
// {GLOBAL, SERVER, INSTANCE}.
type Variable struct {
	Scope     Scope
	Selector  string
	Name      string
	Value     string
	UpdatedAt time.Time
}

// Instance is a single managed game-server process.
type Instance struct {
	ID         string
	Name       string
	Host       string
	Platform   Platform
	Port       int
	Active     bool
	LastSeenAt time.Time
}

// Platform is one of the disjoint platform classifications.
type Platform string

const (
	PlatformPaper    Platform = "paper"
	PlatformVelocity Platform = "velocity"
	PlatformGeyser   Platform = "geyser"
)

// Host is the physical machine running one agent.
type Host struct {
	Name              string
	ProcessCredential string // opaque AMP-like process-control credential
}

// GroupType is one of the three instance group kinds.
type GroupType string

const (
	GroupPhysical       GroupType = "physical"
	GroupLogical        GroupType = "logical"
	GroupAdministrative GroupType = "administrative"
)

// Group is a named set of instances.
type Group struct {
	ID   string
	Name string
	Type GroupType
}

// Tag is a keyed classification grouped under a category.
type Tag struct {
	ID       string
	Category string
	Name     string
}

// Baseline is a config file a plugin (or the platform) declares it owns,
// independent of any rule targeting it - used by the drift engine to know a
// file should exist even when no rule currently targets a key in it.
type Baseline struct {
	PluginName string // empty for platform-level files
	ConfigFile string
	Required   bool
}

// Filter narrows GetRules queries.
type Filter struct {
	Scope      Scope
	Selector   string
	Target     *Target
	ActiveOnly bool
}
