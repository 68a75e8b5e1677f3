package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/a3s-lab/box/pkg/types"
)

var psCmd = &cobra.Command{
	Use:   "ps",
	Short: "List boxes",
	RunE: func(cmd *cobra.Command, _ []string) error {
		w := tabwriter.NewWriter(os.Stdout, 2, 8, 2, ' ', 0)
		fmt.Fprintln(w, "BOX ID\tNAME\tIMAGE\tSTATUS\tPID\tIP\tCREATED")
		for _, s := range rt.List() {
			created := ""
			if !s.CreatedAt.IsZero() {
				created = time.Since(s.CreatedAt).Round(time.Second).String() + " ago"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
				types.ShortID(s.ID), s.Name, s.Image, s.Status, s.PID, s.IPAddress, created)
		}
		return w.Flush()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop BOX [BOX...]",
	Short: "Stop running boxes",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		timeout, _ := cmd.Flags().GetDuration("timeout")
		for _, id := range args {
			if err := rt.Stop(cmd.Context(), id, timeout); err != nil {
				return err
			}
			fmt.Println(id)
		}
		return nil
	},
}

var rmCmd = &cobra.Command{
	Use:   "rm BOX [BOX...]",
	Short: "Destroy boxes and reclaim their directories",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, id := range args {
			if err := rt.Destroy(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Println(id)
		}
		return nil
	},
}

func init() {
	stopCmd.Flags().Duration("timeout", 10*time.Second, "grace period before SIGKILL")

	rootCmd.AddCommand(psCmd, stopCmd, rmCmd)
}
