//go:build linux

// box-init is PID 1 inside the MicroVM. It is installed at /sbin/init
// by the rootfs composer.
package main

import (
	"os"

	"github.com/a3s-lab/box/pkg/guest"
	"github.com/a3s-lab/box/pkg/log"
)

func main() {
	log.Init(log.Config{Level: log.Level(os.Getenv("A3S_LOG_LEVEL")), JSONOutput: false})

	if err := guest.Run(); err != nil {
		log.Errorf("Init process failed", err)
		os.Exit(1)
	}
}
