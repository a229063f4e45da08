// Package deployment drives the state machine that turns a resolved policy
// change into writes and restarts on real agents, with rollback on any
// failed step.
package deployment

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/gameops/fleetctl/internal/rulestore"
)

// State is one node of the deployment state machine.
type State string

const (
	StateDrafted        State = "DRAFTED"
	StatePlanned        State = "PLANNED"
	StateBackedUp       State = "BACKED_UP"
	StateWriting        State = "WRITING"
	StateVerified       State = "VERIFIED"
	StateRestartPending State = "RESTART_PENDING"
	StateRestarted      State = "RESTARTED"
	StateCompleted      State = "COMPLETED"

	StateFailedPlan    State = "FAILED_PLAN"
	StateFailedWrite   State = "FAILED_WRITE"
	StateFailedVerify  State = "FAILED_VERIFY"
	StateFailedRestart State = "FAILED_RESTART"

	StateRollingBack State = "ROLLING_BACK"
	StateRolledBack  State = "ROLLED_BACK"
)

// ErrNoActiveRule is returned by Plan when a requested target has no rule
// that resolves for the instance - planning a change to a value nothing
// authorizes is refused rather than silently pushing an arbitrary value.
var ErrNoActiveRule = errors.New("deployment: target has no active rule")

// ErrPlatformMismatch is a Conflict(platform_mismatch) error: planning a
// rule deploy against an instance whose platform the rule's plugin does not
// run on is refused outright.
var ErrPlatformMismatch = errors.New("deployment: conflict: platform_mismatch")

// ErrConflict is returned when a requested (instance, file) pair is already
// touched by another deployment still in flight.
var ErrConflict = errors.New("deployment: conflict: overlapping deployment")

// ErrAgentUnreachable is the AgentUnreachable error kind: a deployment
// targeting a host past its heartbeat budget fails fast without touching
// the filesystem.
var ErrAgentUnreachable = errors.New("deployment: agent unreachable")

// ErrUnknownDeployment is returned by Execute/Rollback for an unrecognized
// deployment id.
var ErrUnknownDeployment = errors.New("deployment: unknown deployment id")

// ChangeItem names one (instance, target) pair whose effective rule value
// should be pushed to disk. The value itself is never supplied by the
// caller - plan() resolves it from the rule store, so a change set can only
// ever converge an instance toward what its own rules already say.
type ChangeItem struct {
	InstanceID string           `validate:"required"`
	Target     rulestore.Target `validate:"required"`
}

// ChangeSet is the DRAFTED input to Plan.
type ChangeSet struct {
	Items []ChangeItem `validate:"required,min=1,dive"`
}

// PlanItem is one target Plan decided actually needs a write: the observed
// value differs from the resolved expected value.
type PlanItem struct {
	InstanceID string
	Host       string
	Target     rulestore.Target
	Expected   any
	Observed   any
}

// Plan is the output of Plan(change_set): the subset of the requested
// change set that is not already satisfied on disk.
type Plan struct {
	Items     []PlanItem
	CreatedAt time.Time
}

// Outcome is one instance's result within a multi-instance operation.
// Aggregated results never collapse to a single all-or-nothing error.
type Outcome struct {
	InstanceID string
	Err        error
}

// MarshalJSON renders the wrapped error as its human-readable message so
// per-instance failures survive the trip through the controller's JSON
// surface instead of collapsing to an empty object.
func (o Outcome) MarshalJSON() ([]byte, error) {
	out := struct {
		InstanceID string `json:"instance_id"`
		Error      string `json:"error,omitempty"`
	}{InstanceID: o.InstanceID}
	if o.Err != nil {
		out.Error = o.Err.Error()
	}
	return json.Marshal(out)
}

// Deployment is the persistent record of one plan/execute/(rollback) cycle.
type Deployment struct {
	ID        string
	Plan      *Plan
	State     State
	Reason    string
	Outcomes  []Outcome
	CreatedAt time.Time
	UpdatedAt time.Time
}
