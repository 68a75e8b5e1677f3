package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/a3s-lab/box/pkg/wire"
)

var execFlags struct {
	timeout time.Duration
	env     []string
	workdir string
	user    string
}

var execCmd = &cobra.Command{
	Use:   "exec BOX CMD [ARG...]",
	Short: "Run a command inside a box",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := &wire.ExecRequest{
			Cmd:        args[1:],
			TimeoutNs:  uint64(execFlags.timeout.Nanoseconds()),
			Env:        execFlags.env,
			WorkingDir: execFlags.workdir,
			User:       execFlags.user,
		}

		out, err := rt.Exec(cmd.Context(), args[0], req)
		if err != nil {
			return err
		}

		os.Stdout.Write(out.Stdout)
		os.Stderr.Write(out.Stderr)
		if out.ExitCode != 0 {
			return fmt.Errorf("command exited with code %d", out.ExitCode)
		}
		return nil
	},
}

func init() {
	execCmd.Flags().DurationVar(&execFlags.timeout, "timeout", 0, "command timeout (0 = default)")
	execCmd.Flags().StringArrayVarP(&execFlags.env, "env", "e", nil, "extra KEY=VALUE environment")
	execCmd.Flags().StringVarP(&execFlags.workdir, "workdir", "w", "", "working directory")
	execCmd.Flags().StringVarP(&execFlags.user, "user", "u", "", "run as guest user")

	rootCmd.AddCommand(execCmd)
}
