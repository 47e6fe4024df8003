package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aretw0/tillage"
	"github.com/aretw0/tillage/pkg/git"
)

func newLogCmd(g *globals) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Show the change history of a versioned fs storage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if g.config.Storage.Driver != tillage.DriverFS {
				return fmt.Errorf("history is only kept by the fs driver")
			}
			client := git.NewClient(g.config.Storage.Path, g.logger)
			if !client.IsRepo(cmd.Context()) {
				return fmt.Errorf("%s is not versioned", g.config.Storage.Path)
			}
			lines, err := client.Log(cmd.Context(), limit)
			if err != nil {
				return err
			}
			for _, line := range lines {
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "Number of changes to show")
	return cmd
}
