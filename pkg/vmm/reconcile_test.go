package vmm

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/a3s-lab/box/pkg/types"
)

func TestPIDAlive(t *testing.T) {
	assert.True(t, PIDAlive(os.Getpid()))
	assert.False(t, PIDAlive(0))
	assert.False(t, PIDAlive(-5))
	// PID far beyond pid_max.
	assert.False(t, PIDAlive(1 << 30))
}

func TestReconcileRecords(t *testing.T) {
	records := []*types.BoxRecord{
		{ID: "alive", Status: types.BoxStatusRunning, PID: os.Getpid()},
		{ID: "dead", Status: types.BoxStatusRunning, PID: 1 << 30},
		{ID: "stopped", Status: types.BoxStatusStopped, PID: 0},
	}

	reconciled := ReconcileRecords(records)
	assert.Equal(t, []string{"dead"}, reconciled)

	assert.Equal(t, types.BoxStatusRunning, records[0].Status)
	assert.Equal(t, types.BoxStatusDead, records[1].Status)
	assert.Zero(t, records[1].PID)
	assert.Equal(t, types.BoxStatusStopped, records[2].Status)
}
