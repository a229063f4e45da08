// Package registry is the authoritative inventory of instances, plugins,
// and their platform classification. It is the only component
// that knows how to fold an addon plugin's config files into its parent and
// how to decide whether a rule's target is even eligible for a given
// instance's platform.
package registry

import (
	"sync"

	"github.com/gameops/fleetctl/internal/rulestore"
)

// Plugin is identified by canonical name and carries the platform it runs
// on plus the config files it owns.
type Plugin struct {
	Name        string
	Platform    rulestore.Platform
	ConfigFiles []string
	// Parent is the canonical name of the plugin this one folds into, or
	// "" if this plugin is not an addon.
	Parent string
}

// Catalog is the in-memory plugin catalog plus platform classification.
// Safe for concurrent use: Register calls are rare (operator/discovery
// driven) and protected by a mutex; lookups take a read lock.
type Catalog struct {
	mu      sync.RWMutex
	plugins map[string]*Plugin
	// quarantined holds plugin names discovered heuristically (by filename
	// regex) that have not yet been classified by an operator.
	// Quarantined plugins never participate in drift.
	quarantined map[string]bool
}

// New returns an empty Catalog.
func New() *Catalog {
	return &Catalog{
		plugins:     make(map[string]*Plugin),
		quarantined: make(map[string]bool),
	}
}

// Register adds or replaces a plugin's catalog entry, clearing any
// quarantine flag - this is how an operator classifies a heuristically
// discovered plugin.
func (c *Catalog) Register(p *Plugin) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *p
	c.plugins[p.Name] = &cp
	delete(c.quarantined, p.Name)
}

// Quarantine marks a plugin name as discovered-but-unclassified. Quarantined
// plugins are excluded from drift scans.
func (c *Catalog) Quarantine(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, known := c.plugins[name]; !known {
		c.quarantined[name] = true
	}
}

// IsQuarantined reports whether name is discovered-but-unclassified.
func (c *Catalog) IsQuarantined(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.quarantined[name]
}

// Lookup returns the canonical Plugin for name, resolving addon names to
// their folded parent.
func (c *Catalog) Lookup(name string) (*Plugin, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.plugins[name]
	if !ok {
		return nil, false
	}
	if p.Parent != "" {
		if parent, ok := c.plugins[p.Parent]; ok {
			return parent, true
		}
	}
	return p, true
}

// ConfigFilesFor returns the full set of config files owned by name,
// including any addon's files folded into it.
func (c *Catalog) ConfigFilesFor(name string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	canonical, ok := c.plugins[name]
	if !ok {
		return nil
	}
	if canonical.Parent != "" {
		if parent, ok := c.plugins[canonical.Parent]; ok {
			canonical = parent
		}
	}

	files := append([]string(nil), canonical.ConfigFiles...)
	for _, p := range c.plugins {
		if p.Parent == canonical.Name {
			files = append(files, p.ConfigFiles...)
		}
	}
	return dedupe(files)
}

// PluginsForPlatform returns the canonical (non-addon) plugin names
// registered for platform p, used by the drift engine to assemble the
// baseline file set for an instance running that platform.
func (c *Catalog) PluginsForPlatform(p rulestore.Platform) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []string
	for _, plugin := range c.plugins {
		if plugin.Parent == "" && plugin.Platform == p {
			out = append(out, plugin.Name)
		}
	}
	return out
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// PlatformMatches reports whether a rule targeting the given Target is
// eligible to apply to an instance running on platform p. A target with no
// plugin (ConfigTypeStandard) always matches - platform-level files apply
// everywhere. An unknown/unclassified plugin matches nothing, keeping
// quarantined plugins inert rather than erroring.
func (c *Catalog) PlatformMatches(target rulestore.Target, p rulestore.Platform) bool {
	if target.ConfigType != rulestore.ConfigTypePlugin {
		return true
	}
	plugin, ok := c.Lookup(target.PluginName)
	if !ok {
		return false
	}
	return plugin.Platform == p
}
