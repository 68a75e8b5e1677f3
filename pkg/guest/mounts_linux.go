//go:build linux

package guest

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/a3s-lab/box/pkg/log"
)

// MountEssential mounts /proc, /sys, and /dev (devtmpfs).
func MountEssential() error {
	mounts := []struct {
		source string
		target string
		fstype string
		flags  uintptr
	}{
		{"proc", "/proc", "proc", 0},
		{"sysfs", "/sys", "sysfs", 0},
		{"devtmpfs", "/dev", "devtmpfs", 0},
	}

	for _, m := range mounts {
		if err := os.MkdirAll(m.target, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", m.target, err)
		}
		if err := unix.Mount(m.source, m.target, m.fstype, m.flags, ""); err != nil && err != unix.EBUSY {
			return fmt.Errorf("mounting %s: %w", m.target, err)
		}
	}
	return nil
}

// MountShares mounts the workspace and skills virtiofs shares plus
// every A3S_VOL_<i> user volume at its guest mount point.
func MountShares() error {
	logger := log.WithComponent("guest-init")

	if err := mountVirtiofs("workspace", "/workspace", false); err != nil {
		// The workspace share is optional; a VM may run image-only.
		logger.Debug().Err(err).Msg("No workspace share")
	}
	if err := mountVirtiofs("skills0", "/skills", true); err != nil {
		logger.Debug().Err(err).Msg("No skills share")
	}

	mounted := 0
	for _, vol := range VolumesFromEnv() {
		if err := mountVirtiofs(vol.Tag, vol.GuestPath, vol.ReadOnly); err != nil {
			logger.Error().Err(err).Str("tag", vol.Tag).Str("path", vol.GuestPath).
				Msg("Failed to mount user volume")
			continue
		}
		mounted++
	}
	if mounted > 0 {
		logger.Info().Int("count", mounted).Msg("Mounted user volumes")
	}

	return nil
}

func mountVirtiofs(tag, guestPath string, readOnly bool) error {
	if err := os.MkdirAll(guestPath, 0o755); err != nil {
		return fmt.Errorf("creating mount point %s: %w", guestPath, err)
	}

	var flags uintptr
	if readOnly {
		flags = unix.MS_RDONLY
	}
	if err := unix.Mount(tag, guestPath, "virtiofs", flags, ""); err != nil {
		return fmt.Errorf("mounting virtiofs %s at %s: %w", tag, guestPath, err)
	}
	return nil
}
