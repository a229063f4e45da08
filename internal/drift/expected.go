package drift

import (
	"context"

	"github.com/gameops/fleetctl/internal/registry"
	"github.com/gameops/fleetctl/internal/rulestore"
)

// ExpectedFiles assembles the expected-file set a Scan call needs for one
// instance: every distinct file targeted by an active rule that applies to
// the instance's platform, unioned with every baseline file declared for a
// plugin catalogued against that platform. A plugin is
// considered "deployed" to an instance when its platform matches the
// instance's platform; the catalog carries no separate per-instance
// manifest beyond that.
func ExpectedFiles(ctx context.Context, snap rulestore.Snapshot, catalog *registry.Catalog, instance *rulestore.Instance) ([]ExpectedFile, error) {
	index := map[FileRef]int{}
	var out []ExpectedFile

	add := func(ref FileRef, required bool) {
		if i, ok := index[ref]; ok {
			if required {
				out[i].Required = true
			}
			return
		}
		index[ref] = len(out)
		out = append(out, ExpectedFile{FileRef: ref, Required: required})
	}

	rules, err := snap.GetRules(ctx, rulestore.Filter{ActiveOnly: true})
	if err != nil {
		return nil, err
	}
	for _, r := range rules {
		if catalog != nil && !catalog.PlatformMatches(r.Target, instance.Platform) {
			continue
		}
		add(FileRef{ConfigType: r.Target.ConfigType, PluginName: r.Target.PluginName, ConfigFile: r.Target.ConfigFile}, false)
	}

	if catalog != nil {
		for _, name := range catalog.PluginsForPlatform(instance.Platform) {
			baselines, err := snap.BaselinesForPlugin(ctx, name)
			if err != nil {
				return nil, err
			}
			for _, b := range baselines {
				add(FileRef{ConfigType: rulestore.ConfigTypePlugin, PluginName: name, ConfigFile: b.ConfigFile}, b.Required)
			}
		}
	}

	return out, nil
}
