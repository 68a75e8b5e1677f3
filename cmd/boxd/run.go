package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/a3s-lab/box/pkg/types"
)

var runFlags struct {
	name      string
	cpus      uint8
	memoryMiB uint32
	workspace string
	volumes   []string
	env       []string
	ports     []string
	network   string
	tee       bool
	teeConfig string
	workdir   string
}

var runCmd = &cobra.Command{
	Use:   "run IMAGE [CMD...]",
	Short: "Boot a box from an OCI image",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := types.RunRequest{
			Image:      args[0],
			Cmd:        args[1:],
			Name:       runFlags.name,
			Env:        runFlags.env,
			Workspace:  runFlags.workspace,
			Volumes:    runFlags.volumes,
			PortMap:    runFlags.ports,
			WorkingDir: runFlags.workdir,
			Resources: types.ResourceConfig{
				CPUs:      runFlags.cpus,
				MemoryMiB: runFlags.memoryMiB,
			},
			Tee: types.TeeConfig{
				Enabled:    runFlags.tee,
				ConfigFile: runFlags.teeConfig,
			},
		}
		if runFlags.network != "" {
			req.Network = runFlags.network
			req.NetworkMode = types.NetworkModeBridge
		}

		start := time.Now()
		box, err := rt.Run(cmd.Context(), req)
		if err != nil {
			return err
		}

		fmt.Printf("%s\n", types.ShortID(box.ID()))
		fmt.Printf("booted in %s\n", time.Since(start).Round(time.Millisecond))
		return nil
	},
}

func init() {
	runCmd.Flags().StringVar(&runFlags.name, "name", "", "box name")
	runCmd.Flags().Uint8Var(&runFlags.cpus, "cpus", 0, "vCPU count")
	runCmd.Flags().Uint32Var(&runFlags.memoryMiB, "memory", 0, "memory in MiB")
	runCmd.Flags().StringVar(&runFlags.workspace, "workspace", "", "host directory shared at /workspace")
	runCmd.Flags().StringArrayVarP(&runFlags.volumes, "volume", "v", nil, "extra host:guest[:ro] shares")
	runCmd.Flags().StringArrayVarP(&runFlags.env, "env", "e", nil, "extra KEY=VALUE environment")
	runCmd.Flags().StringArrayVarP(&runFlags.ports, "publish", "p", nil, "host:guest TSI port pairs")
	runCmd.Flags().StringVar(&runFlags.network, "network", "", "user-defined network to join")
	runCmd.Flags().BoolVar(&runFlags.tee, "tee", false, "run inside a trusted execution environment")
	runCmd.Flags().StringVar(&runFlags.teeConfig, "tee-config", "", "TEE configuration file")
	runCmd.Flags().StringVarP(&runFlags.workdir, "workdir", "w", "", "guest working directory")

	rootCmd.AddCommand(runCmd)
}
