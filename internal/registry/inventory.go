package registry

import (
	"sync"
	"time"
)

// AgentState tracks reachability of one host's agent, driving the
// heartbeat-miss banner: two consecutive missed heartbeats mark the agent
// UNREACHABLE.
type AgentState struct {
	Host        string
	Reachable   bool
	MissedBeats int
	LastSeenAt  time.Time
	Version     string
}

// Inventory merges per-host agent status() reports into one authoritative
// view of the fleet, and tracks heartbeat health independent of the
// rulestore.
type Inventory struct {
	mu     sync.RWMutex
	agents map[string]*AgentState
}

// NewInventory returns an empty Inventory.
func NewInventory() *Inventory {
	return &Inventory{agents: make(map[string]*AgentState)}
}

// RecordHeartbeat marks a host's agent reachable and resets its miss count.
func (inv *Inventory) RecordHeartbeat(host, version string, at time.Time) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	state, ok := inv.agents[host]
	if !ok {
		state = &AgentState{Host: host}
		inv.agents[host] = state
	}
	state.Reachable = true
	state.MissedBeats = 0
	state.LastSeenAt = at
	state.Version = version
}

// RecordMiss increments a host's missed-heartbeat count, transitioning it to
// UNREACHABLE after MissedHeartbeatThreshold consecutive misses. Returns
// true the instant the transition from reachable to unreachable happens, so
// the caller can raise the alert banner exactly once.
func (inv *Inventory) RecordMiss(host string) (becameUnreachable bool) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	state, ok := inv.agents[host]
	if !ok {
		state = &AgentState{Host: host, Reachable: true}
		inv.agents[host] = state
	}
	state.MissedBeats++
	if state.MissedBeats >= MissedHeartbeatThreshold && state.Reachable {
		state.Reachable = false
		return true
	}
	return false
}

// MissedHeartbeatThreshold is the number of consecutive missed heartbeats
// before a host's agent is marked
// UNREACHABLE.
const MissedHeartbeatThreshold = 2

// IsReachable reports whether host's agent is currently considered
// reachable. An unknown host is treated as reachable until proven otherwise
// - the scheduler will start recording misses once it begins polling it.
func (inv *Inventory) IsReachable(host string) bool {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	state, ok := inv.agents[host]
	if !ok {
		return true
	}
	return state.Reachable
}

// State returns a copy of host's current AgentState.
func (inv *Inventory) State(host string) (AgentState, bool) {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	state, ok := inv.agents[host]
	if !ok {
		return AgentState{}, false
	}
	return *state, true
}

// AllStates returns a copy of every tracked agent's state, used by the
// controller's status endpoint and the UNREACHABLE banner.
func (inv *Inventory) AllStates() []AgentState {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	out := make([]AgentState, 0, len(inv.agents))
	for _, s := range inv.agents {
		out = append(out, *s)
	}
	return out
}
