// box-shim is the disposable subprocess that becomes the VM.
//
// It reads a machine configuration JSON, replays it against a libkrun
// context, and calls enter. On success the process is taken over by the
// VM and never returns; a non-zero exit means the enter call failed
// before the VM existed, and the manager cleans up.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/a3s-lab/box/pkg/vmm"
	"github.com/a3s-lab/box/pkg/vmm/libkrun"
)

func main() {
	configPath := flag.String("config", "", "path to machine config JSON")
	flag.Parse()

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "box-shim: --config is required")
		os.Exit(2)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "box-shim: %v\n", err)
		os.Exit(1)
	}

	status, err := enter(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "box-shim: %v\n", err)
		os.Exit(1)
	}

	// enter returned: either the guest exited (non-negative status) or
	// the start failed.
	if status < 0 {
		fmt.Fprintf(os.Stderr, "box-shim: enter failed with status %d\n", status)
		os.Exit(1)
	}
	os.Exit(status)
}

func loadConfig(path string) (*vmm.KrunConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	var cfg vmm.KrunConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return &cfg, nil
}

// enter replays the configuration against a fresh libkrun context and
// starts the VM. The ordering mirrors the libkrun API contract: VM
// sizing and rootfs first, devices next, TEE last before enter.
func enter(cfg *vmm.KrunConfig) (int, error) {
	ctx, err := libkrun.Create()
	if err != nil {
		return -1, err
	}
	defer ctx.Free()

	if err := ctx.SetVMConfig(cfg.CPUs, cfg.MemoryMiB); err != nil {
		return -1, err
	}
	if err := ctx.SetRoot(cfg.Rootfs); err != nil {
		return -1, err
	}
	if err := ctx.SetExec(cfg.Exec, cfg.Args, cfg.Env); err != nil {
		return -1, err
	}
	if cfg.WorkDir != "" {
		if err := ctx.SetWorkDir(cfg.WorkDir); err != nil {
			return -1, err
		}
	}
	if err := ctx.SetRlimits(cfg.Rlimits); err != nil {
		return -1, err
	}

	for _, share := range cfg.Shares {
		if err := ctx.AddVirtiofs(share.Tag, share.HostPath); err != nil {
			return -1, err
		}
	}
	for _, port := range cfg.VsockPorts {
		if err := ctx.AddVsockPort(port.Port, port.SocketPath, port.Listen); err != nil {
			return -1, err
		}
	}
	if len(cfg.PortMap) > 0 {
		if err := ctx.SetPortMap(cfg.PortMap); err != nil {
			return -1, err
		}
	}
	if cfg.ConsoleLog != "" {
		if err := ctx.SetConsoleOutput(cfg.ConsoleLog); err != nil {
			return -1, err
		}
	}

	if cfg.SplitIrqchip {
		if err := ctx.SplitIrqchip(); err != nil {
			return -1, err
		}
	}
	if cfg.TeeConfigFile != "" {
		if err := ctx.SetTeeConfigFile(cfg.TeeConfigFile); err != nil {
			return -1, err
		}
	}

	return ctx.StartEnter(), nil
}
