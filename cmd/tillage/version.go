package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aretw0/tillage"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number of tillage",
		Args:  cobra.NoArgs,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "tillage version %s\n", tillage.Version)
		},
	}
}
