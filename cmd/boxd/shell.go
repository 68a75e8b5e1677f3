package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/a3s-lab/box/pkg/wire"
)

var shellCmd = &cobra.Command{
	Use:   "shell BOX [CMD...]",
	Short: "Open an interactive terminal inside a box",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		shellArgs := args[1:]
		if len(shellArgs) == 0 {
			shellArgs = []string{"/bin/sh"}
		}

		fd := int(os.Stdin.Fd())
		cols, rows := 80, 24
		if term.IsTerminal(fd) {
			if w, h, err := term.GetSize(fd); err == nil {
				cols, rows = w, h
			}
		}

		session, err := rt.Pty(cmd.Context(), args[0], &wire.PtyRequest{
			Cmd:  shellArgs,
			Cols: uint16(cols),
			Rows: uint16(rows),
		})
		if err != nil {
			return err
		}
		defer session.Close()

		if term.IsTerminal(fd) {
			oldState, err := term.MakeRaw(fd)
			if err != nil {
				return err
			}
			defer term.Restore(fd, oldState)
		}

		// stdin → guest
		go func() {
			buf := make([]byte, 4096)
			for {
				n, err := os.Stdin.Read(buf)
				if n > 0 {
					if werr := session.Write(buf[:n]); werr != nil {
						return
					}
				}
				if err != nil {
					return
				}
			}
		}()

		// guest → stdout
		go func() {
			for chunk := range session.Output() {
				os.Stdout.Write(chunk)
			}
		}()

		exitCode, err := session.Wait(cmd.Context())
		if err != nil {
			return err
		}
		if exitCode != 0 {
			return fmt.Errorf("shell exited with code %d", exitCode)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(shellCmd)
}
