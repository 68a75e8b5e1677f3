package vmm

import (
	"golang.org/x/sys/unix"

	"github.com/a3s-lab/box/pkg/log"
	"github.com/a3s-lab/box/pkg/types"
)

// PIDAlive reports whether a process with the given PID exists, using a
// zero signal.
func PIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return unix.Kill(pid, 0) == nil
}

// ReconcileRecords liveness-checks every record marked running and
// flips dead-but-running entries to dead, clearing the PID field.
// Returns the IDs that were reconciled.
func ReconcileRecords(records []*types.BoxRecord) []string {
	logger := log.WithComponent("reconciler")

	var reconciled []string
	for _, rec := range records {
		if rec.Status != types.BoxStatusRunning {
			continue
		}
		if PIDAlive(rec.PID) {
			continue
		}

		logger.Warn().Str("box_id", types.ShortID(rec.ID)).Int("pid", rec.PID).
			Msg("Recorded shim PID is gone, marking box dead")

		rec.Status = types.BoxStatusDead
		rec.PID = 0
		reconciled = append(reconciled, rec.ID)
	}
	return reconciled
}
