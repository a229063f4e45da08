package drift

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gameops/fleetctl/internal/codec"
	"github.com/gameops/fleetctl/internal/resolver"
	"github.com/gameops/fleetctl/internal/rulestore"
)

// ExpectedFile is one file the engine must account for on an instance:
// every rule target's file, plus every baseline-declared file for the
// instance's deployed plugins. Required mirrors
// rulestore.Baseline.Required and elevates a MISSING file from warning to
// error.
type ExpectedFile struct {
	FileRef
	Required bool
}

// Engine walks observed configuration against resolved expectations and
// classifies every deviation. It holds no state of its own beyond the
// resolver it was built with (the rule store snapshot is passed to each
// Scan), so a single Engine is safe to reuse across instances and scans.
type Engine struct {
	resolver *resolver.Resolver
	now      func() time.Time
}

// New returns an Engine that resolves expectations with r.
func New(r *resolver.Resolver) *Engine {
	return &Engine{resolver: r, now: time.Now}
}

// Scan compares instance's observed files against expected and invokes emit
// once per finding. It never returns early on a single malformed file or a
// single resolution error - those become UNEXPECTED_DRIFT items instead.
// emit is called synchronously and items are never buffered in bulk, so
// callers scanning a document with very many leaves see bounded memory use.
func (e *Engine) Scan(
	ctx context.Context,
	snap rulestore.Snapshot,
	instance *rulestore.Instance,
	expected []ExpectedFile,
	observed map[FileRef]*codec.Node,
	emit func(Item),
) error {
	for _, ef := range expected {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		doc, ok := observed[ef.FileRef]
		if !ok {
			emit(e.item(instance.ID, ef.FileRef, "", FilePresent, nil, Missing, missingSeverity(ef.Required), "file not present on instance"))
			continue
		}

		if err := e.scanFile(ctx, snap, instance, ef.FileRef, doc, emit); err != nil {
			return err
		}
	}
	return nil
}

func missingSeverity(required bool) Severity {
	if required {
		return SeverityError
	}
	return SeverityWarning
}

func (e *Engine) scanFile(
	ctx context.Context,
	snap rulestore.Snapshot,
	instance *rulestore.Instance,
	file FileRef,
	observedDoc *codec.Node,
	emit func(Item),
) error {
	keys, err := snap.KeysForFile(ctx, file.ConfigType, file.PluginName, file.ConfigFile)
	if err != nil {
		return err
	}

	expectedKeys := make(map[string]bool, len(keys))
	expectedPrefixes := make(map[string]bool)
	for _, key := range keys {
		expectedKeys[key] = true
		parts := strings.Split(key, ".")
		for i := 1; i < len(parts); i++ {
			expectedPrefixes[strings.Join(parts[:i], ".")] = true
		}

		target := rulestore.Target{ConfigType: file.ConfigType, PluginName: file.PluginName, ConfigFile: file.ConfigFile, ConfigKey: key}

		resolved, rerr := e.resolver.Resolve(ctx, snap, resolver.Query{InstanceID: instance.ID, Target: target})
		if rerr != nil {
			// The expected value is uncomputable here; Unresolvable keeps the
			// item's Expected non-nil like every other non-EXTRA finding, and
			// the resolver error itself rides along as the reason.
			emit(e.item(instance.ID, file, key, Unresolvable, nil, UnexpectedDrift, SeverityWarning, rerr.Error()))
			continue
		}
		if resolved == nil {
			// No rule actually resolves for this instance even though some
			// rule somewhere targets the key (e.g. a TAG rule for a tag this
			// instance doesn't carry) - nothing is expected here.
			continue
		}

		node, derr := observedDoc.Descend(strings.Split(key, "."))
		var shapeErr *codec.ShapeMismatchError
		if errors.As(derr, &shapeErr) {
			emit(e.item(instance.ID, file, key, resolved.Value, nil, UnexpectedDrift, SeverityWarning, "shape_mismatch"))
			continue
		}

		actual := nodeToValue(node)
		if equal(actual, resolved.Value) {
			emit(e.item(instance.ID, file, key, resolved.Value, actual, None, SeverityInfo, ""))
			continue
		}

		if node == nil {
			emit(e.item(instance.ID, file, key, resolved.Value, nil, Missing, missingSeverity(resolved.Rule.SecuritySensitive), "key absent"))
			continue
		}

		classification, reason := e.classifyMismatch(ctx, snap, instance, target, resolved, actual)
		severity := SeverityWarning
		if classification == DocumentedVariance {
			severity = SeverityInfo
		} else if resolved.Rule.SecuritySensitive {
			severity = SeverityError
		}
		emit(e.item(instance.ID, file, key, resolved.Value, actual, classification, severity, reason))
	}

	walkExtras(observedDoc, nil, expectedKeys, expectedPrefixes, func(path string, value any) {
		emit(e.item(instance.ID, file, path, nil, value, Extra, SeverityInfo, "observed key has no matching rule"))
	})

	return nil
}

// classifyMismatch distinguishes a deliberate, recorded override from
// genuine drift: if a non-INSTANCE-scope rule establishes a baseline for
// this target and a separate INSTANCE/GROUP/TAG rule's value matches what is
// actually on disk, the mismatch against the winning candidate is treated as
// documented rather than unexpected.
func (e *Engine) classifyMismatch(
	ctx context.Context,
	snap rulestore.Snapshot,
	instance *rulestore.Instance,
	target rulestore.Target,
	resolved *resolver.Resolved,
	actual any,
) (Classification, string) {
	candidates, err := e.resolver.Candidates(ctx, snap, instance, target)
	if err != nil || len(candidates) == 0 {
		return UnexpectedDrift, ""
	}

	hasBroaderRule := false
	hasDeliberateOverride := false
	for _, c := range candidates {
		if c.Scope != rulestore.ScopeInstance {
			hasBroaderRule = true
		}
		if c.Scope == rulestore.ScopeInstance || c.Scope == rulestore.ScopeGroup || c.Scope == rulestore.ScopeTag {
			if v, verr := e.resolver.SubstituteAndCoerce(ctx, snap, instance, c); verr == nil && equal(actual, v) {
				hasDeliberateOverride = true
			}
		}
	}

	if hasBroaderRule && hasDeliberateOverride {
		return DocumentedVariance, "matches a recorded instance/group/tag override"
	}
	return UnexpectedDrift, ""
}

func (e *Engine) item(instanceID string, file FileRef, key string, expected, actual any, classification Classification, severity Severity, reason string) Item {
	return Item{
		ID:             uuid.NewString(),
		InstanceID:     instanceID,
		ConfigType:     file.ConfigType,
		PluginName:     file.PluginName,
		ConfigFile:     file.ConfigFile,
		ConfigKey:      key,
		Expected:       expected,
		Actual:         actual,
		Classification: classification,
		Severity:       severity,
		Reason:         reason,
		DetectedAt:     e.now(),
	}
}

// walkExtras recurses through every leaf of doc, invoking found for any
// dotted key path not present in expectedKeys. It is written as a
// depth-first callback walk rather than a path-collecting pass so memory
// use stays bounded regardless of document size.
func walkExtras(doc *codec.Node, prefix []string, expectedKeys, expectedPrefixes map[string]bool, found func(path string, value any)) {
	if doc == nil || doc.Kind != codec.KindMap {
		return
	}
	for _, pair := range doc.Pairs {
		path := append(append([]string(nil), prefix...), pair.Key)
		full := strings.Join(path, ".")
		if expectedKeys[full] {
			// A rule targets this exact path (possibly as a whole map or
			// list value). It is accounted for; do not also flag its
			// children as extra.
			continue
		}
		if pair.Value != nil && pair.Value.Kind == codec.KindMap {
			walkExtras(pair.Value, path, expectedKeys, expectedPrefixes, found)
			continue
		}
		if expectedPrefixes[full] {
			// A rule expects a map below this node but the document holds a
			// scalar or list here. The per-key pass already emitted a
			// shape_mismatch item for that; an EXTRA on top would be noise.
			continue
		}
		found(full, nodeToValue(pair.Value))
	}
}
