package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/a3s-lab/box/pkg/types"
)

var imagesCmd = &cobra.Command{
	Use:   "images",
	Short: "List stored images",
	RunE: func(cmd *cobra.Command, _ []string) error {
		w := tabwriter.NewWriter(os.Stdout, 2, 8, 2, ' ', 0)
		fmt.Fprintln(w, "REFERENCE\tDIGEST\tSIZE\tPULLED")
		for _, img := range rt.Store().List() {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				img.Reference, types.ShortID(trimDigest(img.Digest)),
				humanBytes(img.SizeBytes), img.PulledAt.Format("2006-01-02 15:04"))
		}
		return w.Flush()
	},
}

var pullCmd = &cobra.Command{
	Use:   "pull IMAGE",
	Short: "Pull an image from a registry into the store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		img, err := rt.Puller().Pull(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s (%s, %s)\n", img.Reference, img.Digest, humanBytes(img.SizeBytes))
		return nil
	},
}

var rmiCmd = &cobra.Command{
	Use:   "rmi IMAGE [IMAGE...]",
	Short: "Remove image references from the store",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, ref := range args {
			if err := rt.Store().Remove(ref); err != nil {
				return err
			}
			fmt.Println(ref)
		}
		return nil
	},
}

func trimDigest(d string) string {
	if len(d) > 7 && d[:7] == "sha256:" {
		return d[7:]
	}
	return d
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func init() {
	rootCmd.AddCommand(imagesCmd, pullCmd, rmiCmd)
}
