package drift

import (
	"strconv"
	"strings"

	"github.com/gameops/fleetctl/internal/codec"
)

// NodeValue exports nodeToValue for callers outside this package (the
// deployment orchestrator's verify step) that need the same DocumentTree →
// any conversion the scan uses, so a write's read-back compares under
// exactly the same rules a drift scan would apply.
func NodeValue(n *codec.Node) any { return nodeToValue(n) }

// Equal exports the type-normalized equality scanFile uses, so the
// deployment orchestrator's verify step agrees with the drift engine on
// what counts as a match.
func Equal(a, b any) bool { return equal(a, b) }

// nodeToValue converts an observed DocumentTree leaf into the same
// any-typed shape the resolver produces, so actual and expected can be
// compared with the same equality function regardless of which source
// format (YAML/JSON/properties) the value came from.
func nodeToValue(n *codec.Node) any {
	if n == nil {
		return nil
	}
	switch n.Kind {
	case codec.KindMap:
		out := make(map[string]any, len(n.Pairs))
		for _, p := range n.Pairs {
			out[p.Key] = nodeToValue(p.Value)
		}
		return out
	case codec.KindList:
		out := make([]any, len(n.Items))
		for i, item := range n.Items {
			out[i] = nodeToValue(item)
		}
		return out
	default:
		switch n.ScalarType {
		case codec.ScalarNull:
			return nil
		case codec.ScalarBool:
			return n.Bool
		case codec.ScalarInt:
			if v, err := strconv.ParseInt(n.Raw, 10, 64); err == nil {
				return v
			}
			return n.Raw
		case codec.ScalarFloat:
			if v, err := strconv.ParseFloat(n.Raw, 64); err == nil {
				return v
			}
			return n.Raw
		default:
			return n.Raw
		}
	}
}

// equal implements type-normalized equality: booleans and
// numeric types compare by value across int/float representations,
// strings compare whitespace-trimmed, sequences compare elementwise, and
// maps compare by keyed equality. A scalar on one side and a string on the
// other is reconciled by attempting to parse the string into the scalar's
// kind first - this is what lets a properties file (everything a string)
// agree with an expected int or bool.
func equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	switch av := a.(type) {
	case bool:
		bv, ok := asBool(b)
		return ok && av == bv
	case int64:
		bv, ok := asFloat(b)
		return ok && float64(av) == bv
	case float64:
		bv, ok := asFloat(b)
		return ok && av == bv
	case string:
		if bv, ok := b.(string); ok {
			return strings.TrimSpace(av) == strings.TrimSpace(bv)
		}
		// a is the string side; try to parse it into b's kind.
		if bv, ok := asBool(b); ok {
			pb, err := strconv.ParseBool(strings.TrimSpace(av))
			return err == nil && pb == bv
		}
		if bv, ok := asFloat(b); ok {
			pa, err := strconv.ParseFloat(strings.TrimSpace(av), 64)
			return err == nil && pa == bv
		}
		return false
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			other, ok := bv[k]
			if !ok || !equal(v, other) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func asBool(v any) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(t))
		return b, err == nil
	default:
		return false, false
	}
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int64:
		return float64(t), true
	case int:
		return float64(t), true
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
