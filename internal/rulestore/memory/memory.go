// Package memory implements rulestore.Store backed by in-process maps,
// protected by a single RWMutex so writers serialize and readers take a
// point-in-time Snapshot by copying the relevant slices. It is the rule
// store controllerd uses for the lite deployment profile when no rule store
// DSN is set (with a DSN, lite uses SQLite), and the one unit tests use
// where they would otherwise need a live Postgres.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gameops/fleetctl/internal/rulestore"
)

// Store is an in-memory rulestore.Store.
type Store struct {
	mu sync.RWMutex

	rules     map[string]*rulestore.ConfigRule
	variables map[varKey]*rulestore.Variable
	instances map[string]*rulestore.Instance
	hosts     map[string]*rulestore.Host
	groups    map[string]*rulestore.Group
	tags      map[string]*rulestore.Tag

	groupMembers map[string]map[string]bool // groupID -> instanceID set
	instanceTags map[string]map[string]bool // instanceID -> tagID set

	baselines map[string][]*rulestore.Baseline // pluginName -> baselines
}

type varKey struct {
	scope    rulestore.Scope
	selector string
	name     string
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		rules:        make(map[string]*rulestore.ConfigRule),
		variables:    make(map[varKey]*rulestore.Variable),
		instances:    make(map[string]*rulestore.Instance),
		hosts:        make(map[string]*rulestore.Host),
		groups:       make(map[string]*rulestore.Group),
		tags:         make(map[string]*rulestore.Tag),
		groupMembers: make(map[string]map[string]bool),
		instanceTags: make(map[string]map[string]bool),
		baselines:    make(map[string][]*rulestore.Baseline),
	}
}

func (s *Store) PutRule(_ context.Context, rule *rulestore.ConfigRule) error {
	if !rule.Scope.Valid() {
		return fmt.Errorf("rulestore: invalid scope %q", rule.Scope)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rule
	s.rules[rule.ID] = &cp
	return nil
}

func (s *Store) DeactivateRule(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[id]
	if !ok {
		return fmt.Errorf("rulestore: rule %q not found", id)
	}
	r.Active = false
	r.UpdatedAt = time.Now()
	return nil
}

func (s *Store) GetRules(_ context.Context, filter rulestore.Filter) ([]*rulestore.ConfigRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return filterRules(s.rules, filter), nil
}

func filterRules(rules map[string]*rulestore.ConfigRule, filter rulestore.Filter) []*rulestore.ConfigRule {
	var out []*rulestore.ConfigRule
	for _, r := range rules {
		if filter.ActiveOnly && !r.Active {
			continue
		}
		if filter.Scope != "" && r.Scope != filter.Scope {
			continue
		}
		if filter.Selector != "" && r.Selector != filter.Selector {
			continue
		}
		if filter.Target != nil && !targetEquals(r.Target, *filter.Target) {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	return out
}

func targetEquals(a, b rulestore.Target) bool {
	return a.ConfigType == b.ConfigType && a.PluginName == b.PluginName &&
		a.ConfigFile == b.ConfigFile && a.ConfigKey == b.ConfigKey
}

func (s *Store) SetVariable(_ context.Context, v *rulestore.Variable) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *v
	s.variables[varKey{v.Scope, v.Selector, v.Name}] = &cp
	return nil
}

func (s *Store) GetVariables(_ context.Context, scope rulestore.Scope, selector string) ([]*rulestore.Variable, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*rulestore.Variable
	for k, v := range s.variables {
		if k.scope == scope && k.selector == selector {
			cp := *v
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) PutInstance(_ context.Context, instance *rulestore.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *instance
	s.instances[instance.ID] = &cp
	return nil
}

func (s *Store) GetInstance(_ context.Context, id string) (*rulestore.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.instances[id]
	if !ok {
		return nil, fmt.Errorf("rulestore: instance %q not found", id)
	}
	cp := *i
	return &cp, nil
}

func (s *Store) ListInstances(_ context.Context) ([]*rulestore.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*rulestore.Instance, 0, len(s.instances))
	for _, i := range s.instances {
		cp := *i
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Store) DeactivateInstance(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.instances[id]
	if !ok {
		return fmt.Errorf("rulestore: instance %q not found", id)
	}
	i.Active = false
	return nil
}

func (s *Store) PutHost(_ context.Context, host *rulestore.Host) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *host
	s.hosts[host.Name] = &cp
	return nil
}

func (s *Store) GetHost(_ context.Context, name string) (*rulestore.Host, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.hosts[name]
	if !ok {
		return nil, fmt.Errorf("rulestore: host %q not found", name)
	}
	cp := *h
	return &cp, nil
}

func (s *Store) PutGroup(_ context.Context, g *rulestore.Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *g
	s.groups[g.ID] = &cp
	return nil
}

// AddGroupMember records instanceID as a member of groupID. Cycles cannot
// occur here because groups only ever contain instances, never other
// groups.
func (s *Store) AddGroupMember(_ context.Context, groupID, instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[groupID]; !ok {
		return fmt.Errorf("rulestore: group %q not found", groupID)
	}
	if s.groupMembers[groupID] == nil {
		s.groupMembers[groupID] = make(map[string]bool)
	}
	s.groupMembers[groupID][instanceID] = true
	return nil
}

func (s *Store) GroupsForInstance(_ context.Context, instanceID string) ([]*rulestore.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*rulestore.Group
	for groupID, members := range s.groupMembers {
		if members[instanceID] {
			if g, ok := s.groups[groupID]; ok {
				cp := *g
				out = append(out, &cp)
			}
		}
	}
	return out, nil
}

func (s *Store) PutTag(_ context.Context, t *rulestore.Tag) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.tags[t.ID] = &cp
	return nil
}

func (s *Store) AssignTag(_ context.Context, tagID, instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tags[tagID]; !ok {
		return fmt.Errorf("rulestore: tag %q not found", tagID)
	}
	if s.instanceTags[instanceID] == nil {
		s.instanceTags[instanceID] = make(map[string]bool)
	}
	s.instanceTags[instanceID][tagID] = true
	return nil
}

func (s *Store) TagsForInstance(_ context.Context, instanceID string) ([]*rulestore.Tag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*rulestore.Tag
	for tagID := range s.instanceTags[instanceID] {
		if t, ok := s.tags[tagID]; ok {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) PutBaseline(_ context.Context, b *rulestore.Baseline) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *b
	s.baselines[b.PluginName] = append(s.baselines[b.PluginName], &cp)
	return nil
}

func (s *Store) BaselinesForPlugin(_ context.Context, pluginName string) ([]*rulestore.Baseline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*rulestore.Baseline, len(s.baselines[pluginName]))
	copy(out, s.baselines[pluginName])
	return out, nil
}

func (s *Store) KeysForFile(_ context.Context, configType rulestore.ConfigType, pluginName, configFile string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return keysForFile(s.rules, configType, pluginName, configFile), nil
}

func keysForFile(rules map[string]*rulestore.ConfigRule, configType rulestore.ConfigType, pluginName, configFile string) []string {
	seen := map[string]bool{}
	var out []string
	for _, r := range rules {
		if !r.Active {
			continue
		}
		t := r.Target
		if t.ConfigType != configType || t.PluginName != pluginName || t.ConfigFile != configFile {
			continue
		}
		if t.ConfigKey == "" || seen[t.ConfigKey] {
			continue
		}
		seen[t.ConfigKey] = true
		out = append(out, t.ConfigKey)
	}
	return out
}

// Snapshot copies every map under the read lock so the returned snapshot is
// immune to concurrent writes for its entire lifetime, matching the "a scan
// never sees half-applied multi-row edits" guarantee deployments rely on.
func (s *Store) Snapshot(_ context.Context) (rulestore.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := &snapshot{
		rules:        make(map[string]*rulestore.ConfigRule, len(s.rules)),
		variables:    make(map[varKey]*rulestore.Variable, len(s.variables)),
		instances:    make(map[string]*rulestore.Instance, len(s.instances)),
		groupMembers: make(map[string]map[string]bool, len(s.groupMembers)),
		instanceTags: make(map[string]map[string]bool, len(s.instanceTags)),
		groups:       make(map[string]*rulestore.Group, len(s.groups)),
		tags:         make(map[string]*rulestore.Tag, len(s.tags)),
		baselines:    make(map[string][]*rulestore.Baseline, len(s.baselines)),
	}
	for k, v := range s.rules {
		cp := *v
		snap.rules[k] = &cp
	}
	for k, v := range s.variables {
		cp := *v
		snap.variables[k] = &cp
	}
	for k, v := range s.instances {
		cp := *v
		snap.instances[k] = &cp
	}
	for k, v := range s.groups {
		cp := *v
		snap.groups[k] = &cp
	}
	for k, v := range s.tags {
		cp := *v
		snap.tags[k] = &cp
	}
	for k, v := range s.groupMembers {
		m := make(map[string]bool, len(v))
		for k2, v2 := range v {
			m[k2] = v2
		}
		snap.groupMembers[k] = m
	}
	for k, v := range s.instanceTags {
		m := make(map[string]bool, len(v))
		for k2, v2 := range v {
			m[k2] = v2
		}
		snap.instanceTags[k] = m
	}
	for k, v := range s.baselines {
		cp := make([]*rulestore.Baseline, len(v))
		copy(cp, v)
		snap.baselines[k] = cp
	}
	return snap, nil
}

type snapshot struct {
	rules        map[string]*rulestore.ConfigRule
	variables    map[varKey]*rulestore.Variable
	instances    map[string]*rulestore.Instance
	groups       map[string]*rulestore.Group
	tags         map[string]*rulestore.Tag
	groupMembers map[string]map[string]bool
	instanceTags map[string]map[string]bool
	baselines    map[string][]*rulestore.Baseline
}

func (s *snapshot) GetRules(_ context.Context, filter rulestore.Filter) ([]*rulestore.ConfigRule, error) {
	return filterRules(s.rules, filter), nil
}

func (s *snapshot) GetVariables(_ context.Context, scope rulestore.Scope, selector string) ([]*rulestore.Variable, error) {
	var out []*rulestore.Variable
	for k, v := range s.variables {
		if k.scope == scope && k.selector == selector {
			out = append(out, v)
		}
	}
	return out, nil
}

func (s *snapshot) GetInstance(_ context.Context, id string) (*rulestore.Instance, error) {
	i, ok := s.instances[id]
	if !ok {
		return nil, fmt.Errorf("rulestore: instance %q not found", id)
	}
	return i, nil
}

func (s *snapshot) ListInstances(_ context.Context) ([]*rulestore.Instance, error) {
	out := make([]*rulestore.Instance, 0, len(s.instances))
	for _, i := range s.instances {
		out = append(out, i)
	}
	return out, nil
}

func (s *snapshot) GroupsForInstance(_ context.Context, instanceID string) ([]*rulestore.Group, error) {
	var out []*rulestore.Group
	for groupID, members := range s.groupMembers {
		if members[instanceID] {
			if g, ok := s.groups[groupID]; ok {
				out = append(out, g)
			}
		}
	}
	return out, nil
}

func (s *snapshot) TagsForInstance(_ context.Context, instanceID string) ([]*rulestore.Tag, error) {
	var out []*rulestore.Tag
	for tagID := range s.instanceTags[instanceID] {
		if t, ok := s.tags[tagID]; ok {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *snapshot) BaselinesForPlugin(_ context.Context, pluginName string) ([]*rulestore.Baseline, error) {
	return s.baselines[pluginName], nil
}

func (s *snapshot) KeysForFile(_ context.Context, configType rulestore.ConfigType, pluginName, configFile string) ([]string, error) {
	return keysForFile(s.rules, configType, pluginName, configFile), nil
}

func (s *snapshot) Close() {}
