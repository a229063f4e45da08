// Package resolver evaluates the effective expected value for any
// (instance, config_file, key) query against the rule set in a
// rulestore.Snapshot, performing variable substitution and type coercion.
//
// The Resolver is a pure function of (query, snapshot): the same inputs
// always yield the same output or the same error. It never reaches for the
// live rulestore.Store; callers that need read-stable evaluation across a
// whole scan take one Snapshot up front.
package resolver

import (
	"context"
	"sort"
	"strconv"
	"strings"

	"github.com/gameops/fleetctl/internal/registry"
	"github.com/gameops/fleetctl/internal/rulestore"
)

// Query identifies one (instance, config_type, plugin?, file, key) tuple to
// resolve.
type Query struct {
	InstanceID string
	Target     rulestore.Target
}

// Resolved is a successfully resolved expected value, already
// variable-substituted and type-coerced.
type Resolved struct {
	Rule  *rulestore.ConfigRule
	Value any // string, int64, float64, bool, []any, or map[string]any
}

// Resolver evaluates Query against a rulestore.Snapshot.
type Resolver struct {
	catalog *registry.Catalog
}

// New returns a Resolver. catalog is used for platform-isolation checks:
// a rule targeting a plugin whose platform does not match the
// instance's platform never becomes a candidate.
func New(catalog *registry.Catalog) *Resolver {
	return &Resolver{catalog: catalog}
}

// Resolve runs the candidate-collection, tie-break, substitution, and
// coercion pipeline. Returns (nil, nil) when no rule applies -
// that is ∅, not an error.
func (r *Resolver) Resolve(ctx context.Context, snap rulestore.Snapshot, q Query) (*Resolved, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	instance, err := snap.GetInstance(ctx, q.InstanceID)
	if err != nil {
		return nil, err
	}

	if r.catalog != nil && !r.catalog.PlatformMatches(q.Target, instance.Platform) {
		// Inert: cross-platform rules never error, they just don't apply.
		return nil, nil
	}

	candidates, err := r.candidateSet(ctx, snap, instance, q.Target)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	chosen, err := pickWinner(candidates)
	if err != nil {
		return nil, err
	}

	substituted, err := r.substitute(ctx, snap, instance, chosen.Value)
	if err != nil {
		return nil, err
	}

	coerced, err := coerce(substituted, chosen.ValueType)
	if err != nil {
		return nil, err
	}

	return &Resolved{Rule: chosen, Value: coerced}, nil
}

// Candidates exposes the active rule set that Resolve would choose among for
// (instance, target), without picking a winner - the drift engine uses this
// to recognize a deliberate, recorded override that lost the tie-break
// against a value no longer present on disk.
func (r *Resolver) Candidates(ctx context.Context, snap rulestore.Snapshot, instance *rulestore.Instance, target rulestore.Target) ([]*rulestore.ConfigRule, error) {
	if r.catalog != nil && !r.catalog.PlatformMatches(target, instance.Platform) {
		return nil, nil
	}
	return r.candidateSet(ctx, snap, instance, target)
}

// SubstituteAndCoerce runs a single candidate rule's literal value through
// the same substitution and coercion pipeline Resolve uses, so callers
// comparing against non-winning candidates see values in their final form.
func (r *Resolver) SubstituteAndCoerce(ctx context.Context, snap rulestore.Snapshot, instance *rulestore.Instance, rule *rulestore.ConfigRule) (any, error) {
	substituted, err := r.substitute(ctx, snap, instance, rule.Value)
	if err != nil {
		return nil, err
	}
	return coerce(substituted, rule.ValueType)
}

// candidateSet collects every active rule whose target equals q.Target and
// whose scope applies to the instance: INSTANCE(id), GROUP(g) for every
// group containing it, TAG(t) for every tag on it, SERVER(host), GLOBAL.
func (r *Resolver) candidateSet(ctx context.Context, snap rulestore.Snapshot, instance *rulestore.Instance, target rulestore.Target) ([]*rulestore.ConfigRule, error) {
	var out []*rulestore.ConfigRule

	add := func(scope rulestore.Scope, selector string) error {
		rules, err := snap.GetRules(ctx, rulestore.Filter{
			Scope: scope, Selector: selector, Target: &target, ActiveOnly: true,
		})
		if err != nil {
			return err
		}
		out = append(out, rules...)
		return nil
	}

	if err := add(rulestore.ScopeInstance, instance.ID); err != nil {
		return nil, err
	}

	groups, err := snap.GroupsForInstance(ctx, instance.ID)
	if err != nil {
		return nil, err
	}
	for _, g := range groups {
		if err := add(rulestore.ScopeGroup, g.ID); err != nil {
			return nil, err
		}
	}

	tags, err := snap.TagsForInstance(ctx, instance.ID)
	if err != nil {
		return nil, err
	}
	for _, t := range tags {
		if err := add(rulestore.ScopeTag, t.ID); err != nil {
			return nil, err
		}
	}

	if err := add(rulestore.ScopeServer, instance.Host); err != nil {
		return nil, err
	}
	if err := add(rulestore.ScopeGlobal, ""); err != nil {
		return nil, err
	}

	return out, nil
}

// pickWinner selects the candidate of lowest priority number. Ties are
// broken by most-specific selector (non-empty beats empty, then longer
// string beats shorter - a coarse but deterministic specificity order) and
// then by most recent UpdatedAt. A tie surviving both breaks is an
// AmbiguousRule error.
func pickWinner(candidates []*rulestore.ConfigRule) (*rulestore.ConfigRule, error) {
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Priority() < candidates[j].Priority()
	})

	best := candidates[0].Priority()
	var tied []*rulestore.ConfigRule
	for _, c := range candidates {
		if c.Priority() == best {
			tied = append(tied, c)
		}
	}
	if len(tied) == 1 {
		return tied[0], nil
	}

	sort.SliceStable(tied, func(i, j int) bool {
		if len(tied[i].Selector) != len(tied[j].Selector) {
			return len(tied[i].Selector) > len(tied[j].Selector)
		}
		return tied[i].UpdatedAt.After(tied[j].UpdatedAt)
	})

	if len(tied) >= 2 && len(tied[0].Selector) == len(tied[1].Selector) && tied[0].UpdatedAt.Equal(tied[1].UpdatedAt) {
		return nil, &ResolutionError{Kind: AmbiguousRule, Detail: "two rules tie on priority, selector specificity, and updated_at"}
	}
	return tied[0], nil
}

// substitute replaces every {{NAME}} in value with
// get_variable(INSTANCE) ?? get_variable(SERVER) ?? get_variable(GLOBAL).
// Substitution is textual on the whole stored string; a list/map literal
// (a delimited literal, see coerce) is substituted once as a whole and
// split into elements only afterwards, by coerce.
func (r *Resolver) substitute(ctx context.Context, snap rulestore.Snapshot, instance *rulestore.Instance, value string) (string, error) {
	var outerErr error
	result := variablePattern.ReplaceAllStringFunc(value, func(match string) string {
		name := strings.TrimSuffix(strings.TrimPrefix(match, "{{"), "}}")
		name = strings.TrimSpace(name)

		if v, ok := lookupVariable(ctx, snap, rulestore.ScopeInstance, instance.ID, name); ok {
			return v
		}
		if v, ok := lookupVariable(ctx, snap, rulestore.ScopeServer, instance.Host, name); ok {
			return v
		}
		if v, ok := lookupVariable(ctx, snap, rulestore.ScopeGlobal, "", name); ok {
			return v
		}
		outerErr = &ResolutionError{Kind: UndefinedVariable, Detail: name}
		return match
	})
	if outerErr != nil {
		return "", outerErr
	}
	return result, nil
}

func lookupVariable(ctx context.Context, snap rulestore.Snapshot, scope rulestore.Scope, selector, name string) (string, bool) {
	vars, err := snap.GetVariables(ctx, scope, selector)
	if err != nil {
		return "", false
	}
	for _, v := range vars {
		if v.Name == name {
			return v.Value, true
		}
	}
	return "", false
}

// coerce parses the substituted literal into its declared value_type.
func coerce(literal string, vt rulestore.ValueType) (any, error) {
	switch vt {
	case rulestore.ValueString, rulestore.ValueRequired, rulestore.ValueOptional:
		return literal, nil
	case rulestore.ValueInt:
		n, err := strconv.ParseInt(strings.TrimSpace(literal), 10, 64)
		if err != nil {
			// A zero-fractional float ("3.0") is accepted as the declared
			// int; any other fractional value is a type mismatch.
			f, ferr := strconv.ParseFloat(strings.TrimSpace(literal), 64)
			if ferr == nil && f == float64(int64(f)) {
				return int64(f), nil
			}
			return nil, &ResolutionError{Kind: TypeMismatch, Detail: literal}
		}
		return n, nil
	case rulestore.ValueFloat:
		f, err := strconv.ParseFloat(strings.TrimSpace(literal), 64)
		if err != nil {
			return nil, &ResolutionError{Kind: TypeMismatch, Detail: literal}
		}
		return f, nil
	case rulestore.ValueBool:
		b, err := strconv.ParseBool(strings.TrimSpace(literal))
		if err != nil {
			return nil, &ResolutionError{Kind: TypeMismatch, Detail: literal}
		}
		return b, nil
	case rulestore.ValueList:
		parts := strings.Split(literal, ",")
		out := make([]any, len(parts))
		for i, p := range parts {
			out[i] = strings.TrimSpace(p)
		}
		return out, nil
	case rulestore.ValueMap:
		out := map[string]any{}
		for _, pair := range strings.Split(literal, ",") {
			kv := strings.SplitN(pair, "=", 2)
			if len(kv) != 2 {
				return nil, &ResolutionError{Kind: TypeMismatch, Detail: literal}
			}
			out[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
		}
		return out, nil
	default:
		return nil, &ResolutionError{Kind: TypeMismatch, Detail: string(vt)}
	}
}
