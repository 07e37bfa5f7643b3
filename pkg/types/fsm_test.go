package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVMStateTransitions(t *testing.T) {
	tests := []struct {
		name    string
		from    VMState
		to      VMState
		allowed bool
	}{
		{"planned to provisioning", VMPlanned, VMProvisioning, true},
		{"provisioning to running", VMProvisioning, VMRunning, true},
		{"provisioning to error", VMProvisioning, VMError, true},
		{"running to stopped", VMRunning, VMStopped, true},
		{"stopped back to running", VMStopped, VMRunning, true},
		{"running to destroying", VMRunning, VMDestroying, true},
		{"destroying to destroyed", VMDestroying, VMDestroyed, true},
		{"error to destroying", VMError, VMDestroying, true},
		{"error retryable via provisioning", VMError, VMProvisioning, true},
		{"destroyed is terminal", VMDestroyed, VMProvisioning, false},
		{"no skipping provisioning", VMPlanned, VMRunning, false},
		{"no resurrect from destroying", VMDestroying, VMRunning, false},
		{"stopped cannot error", VMStopped, VMError, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.allowed, tt.from.CanTransition(tt.to))

			next, err := tt.from.Transition(tt.to)
			if tt.allowed {
				require.NoError(t, err)
				assert.Equal(t, tt.to, next)
			} else {
				require.Error(t, err)
				assert.Equal(t, tt.from, next)
			}
		})
	}
}

func TestVMStateTerminal(t *testing.T) {
	assert.True(t, VMDestroyed.Terminal())
	assert.False(t, VMError.Terminal())
	assert.False(t, VMRunning.Terminal())
}

func TestClusterPhaseTransitions(t *testing.T) {
	tests := []struct {
		name    string
		from    ClusterPhase
		to      ClusterPhase
		allowed bool
	}{
		{"not-started to starting", ClusterNotStarted, ClusterStarting, true},
		{"starting to running", ClusterStarting, ClusterRunning, true},
		{"starting to failed", ClusterStarting, ClusterFailed, true},
		{"running to stopping", ClusterRunning, ClusterStopping, true},
		{"stopped restart", ClusterStopped, ClusterStarting, true},
		{"failed can be destroyed", ClusterFailed, ClusterStopping, true},
		{"destroyed is terminal", ClusterDestroyed, ClusterStarting, false},
		{"not-started cannot stop", ClusterNotStarted, ClusterStopping, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.allowed, tt.from.CanTransition(tt.to))
		})
	}
}

func TestClusterStateVMHelpers(t *testing.T) {
	state := &ClusterState{
		Name: "lab",
		VMs: []*VMRecord{
			{Name: "lab-controller-01"},
			{Name: "lab-compute-01"},
			{Name: "lab-compute-02"},
		},
	}

	require.NotNil(t, state.VM("lab-compute-01"))
	assert.Nil(t, state.VM("missing"))

	assert.True(t, state.RemoveVM("lab-compute-01"))
	assert.False(t, state.RemoveVM("lab-compute-01"))
	assert.Len(t, state.VMs, 2)
	assert.Nil(t, state.VM("lab-compute-01"))
}
