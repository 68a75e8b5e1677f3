package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/a3s-lab/box/pkg/types"
)

var networkCmd = &cobra.Command{
	Use:   "network",
	Short: "Manage user-defined networks",
}

var networkCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create a network",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		subnet, _ := cmd.Flags().GetString("subnet")
		nw, err := rt.Networks().Create(args[0], subnet, nil)
		if err != nil {
			return err
		}
		fmt.Printf("%s (%s, gateway %s)\n", nw.Name, nw.Subnet, nw.Gateway)
		return nil
	},
}

var networkLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List networks",
	RunE: func(cmd *cobra.Command, _ []string) error {
		networks, err := rt.Networks().List()
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 2, 8, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tSUBNET\tGATEWAY\tDRIVER\tBOXES")
		for _, nw := range networks {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n",
				nw.Name, nw.Subnet, nw.Gateway, nw.Driver, len(nw.Endpoints))
		}
		return w.Flush()
	},
}

var networkRmCmd = &cobra.Command{
	Use:   "rm NAME",
	Short: "Remove a network",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return rt.Networks().Remove(args[0])
	},
}

var networkConnectCmd = &cobra.Command{
	Use:   "connect NETWORK BOX",
	Short: "Connect a box to a network",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		box, err := rt.Get(args[1])
		if err != nil {
			return err
		}
		ep, err := rt.Networks().Connect(args[0], box.ID(), box.Name())
		if err != nil {
			return err
		}
		fmt.Printf("%s → %s (%s)\n", types.ShortID(ep.BoxID), ep.IPAddress, ep.MACAddress)
		return nil
	},
}

var networkDisconnectCmd = &cobra.Command{
	Use:   "disconnect NETWORK BOX",
	Short: "Disconnect a box from a network",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		box, err := rt.Get(args[1])
		if err != nil {
			return err
		}
		_, err = rt.Networks().Disconnect(args[0], box.ID())
		return err
	},
}

func init() {
	networkCreateCmd.Flags().String("subnet", "10.88.0.0/24", "subnet in CIDR notation")

	networkCmd.AddCommand(networkCreateCmd, networkLsCmd, networkRmCmd,
		networkConnectCmd, networkDisconnectCmd)
	rootCmd.AddCommand(networkCmd)
}
