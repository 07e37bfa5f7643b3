package types

import "fmt"

// VMState is the per-VM lifecycle state machine. Transitions are
// one-directional except Running <-> Stopped.
type VMState string

const (
	VMPlanned      VMState = "planned"
	VMProvisioning VMState = "provisioning"
	VMRunning      VMState = "running"
	VMStopped      VMState = "stopped"
	VMDestroying   VMState = "destroying"
	VMDestroyed    VMState = "destroyed"
	VMError        VMState = "error"
)

// vmTransitions is the authoritative transition table. Illegal transitions
// are rejected instead of trusting callers.
var vmTransitions = map[VMState][]VMState{
	VMPlanned:      {VMProvisioning, VMDestroying},
	VMProvisioning: {VMRunning, VMError, VMDestroying},
	VMRunning:      {VMStopped, VMDestroying, VMError},
	VMStopped:      {VMRunning, VMDestroying},
	VMDestroying:   {VMDestroyed, VMError},
	VMError:        {VMDestroying, VMProvisioning},
	VMDestroyed:    {},
}

// CanTransition reports whether moving from s to next is legal.
func (s VMState) CanTransition(next VMState) bool {
	for _, allowed := range vmTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Transition validates and returns the next state.
func (s VMState) Transition(next VMState) (VMState, error) {
	if !s.CanTransition(next) {
		return s, fmt.Errorf("illegal vm state transition %s -> %s", s, next)
	}
	return next, nil
}

// Terminal reports whether no further transitions are possible.
func (s VMState) Terminal() bool {
	return len(vmTransitions[s]) == 0
}

var clusterTransitions = map[ClusterPhase][]ClusterPhase{
	ClusterNotStarted: {ClusterStarting},
	ClusterStarting:   {ClusterRunning, ClusterFailed},
	ClusterRunning:    {ClusterStopping, ClusterStarting},
	ClusterStopping:   {ClusterStopped, ClusterDestroyed, ClusterFailed},
	ClusterStopped:    {ClusterStarting, ClusterStopping},
	ClusterFailed:     {ClusterStopping, ClusterStarting},
	ClusterDestroyed:  {},
}

// CanTransition reports whether moving from p to next is legal.
func (p ClusterPhase) CanTransition(next ClusterPhase) bool {
	for _, allowed := range clusterTransitions[p] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Transition validates and returns the next phase.
func (p ClusterPhase) Transition(next ClusterPhase) (ClusterPhase, error) {
	if !p.CanTransition(next) {
		return p, fmt.Errorf("illegal cluster phase transition %s -> %s", p, next)
	}
	return next, nil
}
