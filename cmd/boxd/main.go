// boxd is the command-line front-end for the box runtime. It translates
// flags into core API calls and core errors into exit codes.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/a3s-lab/box/pkg/config"
	"github.com/a3s-lab/box/pkg/log"
	"github.com/a3s-lab/box/pkg/metrics"
	"github.com/a3s-lab/box/pkg/oci"
	"github.com/a3s-lab/box/pkg/runtime"
)

var (
	// Version information (set via ldflags during build)
	Version = "dev"
	Commit  = "unknown"
)

var (
	configPath string
	cfg        config.Config
	rt         *runtime.Runtime
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "boxd",
	Short: "boxd - MicroVM runtime for isolated workloads",
	Long: `boxd runs each workload inside its own MicroVM for strong
isolation, backed by hardware virtualization and optionally a trusted
execution environment.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}

		log.Init(log.Config{Level: cfg.LogLevel, JSONOutput: cfg.LogJSON})
		metrics.Register()

		rt, err = runtime.New(cfg, oci.RemoteRegistry{})
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, _ []string) {
		if rt != nil {
			_ = rt.Close(cmd.Context())
		}
	},
}

func init() {
	home, _ := os.UserHomeDir()
	defaultConfig := filepath.Join(home, ".a3s", "boxd.yaml")

	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfig, "path to boxd.yaml")
	rootCmd.SetVersionTemplate(fmt.Sprintf("boxd version %s (commit %s)\n", Version, Commit))
}
