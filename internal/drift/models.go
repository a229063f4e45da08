// Package drift walks an instance's observed configuration against the
// resolver's expected values and classifies every deviation.
package drift

import (
	"time"

	"github.com/gameops/fleetctl/internal/rulestore"
)

// Classification is the outcome assigned to one compared leaf.
type Classification string

const (
	None               Classification = "NONE"
	DocumentedVariance Classification = "DOCUMENTED_VARIANCE"
	UnexpectedDrift    Classification = "UNEXPECTED_DRIFT"
	Missing            Classification = "MISSING"
	Extra              Classification = "EXTRA"
)

// Severity is the operational weight attached to a drift Item.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// FilePresent is the Expected value carried by a whole-file MISSING item:
// the expectation is the file's existence rather than any single key's
// value, so absent-file findings still carry a non-nil Expected the way
// every non-EXTRA item does.
const FilePresent = "present"

// Unresolvable is the Expected value stamped on an UNEXPECTED_DRIFT item
// whose resolution failed: there is no computable expected value, but the
// item still carries a non-nil Expected; the resolver error is its Reason.
const Unresolvable = "unresolvable"

// FileRef identifies one observed or expected configuration file. A plugin's
// files are addressed by the plugin's canonical name (post addon-folding);
// standard platform files carry an empty PluginName.
type FileRef struct {
	ConfigType rulestore.ConfigType
	PluginName string
	ConfigFile string
}

// Item is one emitted drift finding: either a whole-file MISSING item
// (ConfigKey empty) or a per-key finding.
type Item struct {
	ID             string
	InstanceID     string
	ConfigType     rulestore.ConfigType
	PluginName     string
	ConfigFile     string
	ConfigKey      string
	Expected       any
	Actual         any
	Classification Classification
	Severity       Severity
	Reason         string
	DetectedAt     time.Time
}
