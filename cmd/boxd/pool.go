package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/a3s-lab/box/pkg/types"
)

var poolCmd = &cobra.Command{
	Use:   "pool",
	Short: "Manage the warm pool of pre-booted boxes",
}

var poolStartCmd = &cobra.Command{
	Use:   "start IMAGE",
	Short: "Start the warm pool with a template image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		template := types.RunRequest{Image: args[0]}
		if err := rt.StartPool(cmd.Context(), template); err != nil {
			return err
		}
		fmt.Printf("pool started (min_idle=%d max_size=%d)\n", cfg.Pool.MinIdle, cfg.Pool.MaxSize)
		return nil
	},
}

var poolStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pool statistics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		p := rt.Pool()
		if p == nil {
			return fmt.Errorf("pool is not running")
		}
		s := p.Stats()
		fmt.Printf("idle: %d\ncreated: %d\nacquired: %d\nreleased: %d\nevicted: %d\n",
			s.IdleCount, s.TotalCreated, s.TotalAcquired, s.TotalReleased, s.TotalEvicted)
		return nil
	},
}

var poolDrainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Destroy all idle boxes and stop the pool",
	RunE: func(cmd *cobra.Command, _ []string) error {
		p := rt.Pool()
		if p == nil {
			return fmt.Errorf("pool is not running")
		}
		return p.Drain(cmd.Context())
	},
}

func init() {
	poolCmd.AddCommand(poolStartCmd, poolStatusCmd, poolDrainCmd)
	rootCmd.AddCommand(poolCmd)
}
