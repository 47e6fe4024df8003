package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/aretw0/tillage"
	"github.com/aretw0/tillage/pkg/core"
)

type watcher interface {
	Watch(ctx context.Context) (<-chan core.Event, error)
}

func newWatchCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <model>",
		Short: "Print events for changes made to a model's files",
		Long: `Watch the model's directory and print one JSON event per settled change,
including edits made outside tillage. Stops on interrupt.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			return withService(ctx, g, args[0], func(app *tillage.App, svc core.EntityService) error {
				w, ok := svc.Repository().(watcher)
				if !ok {
					return fmt.Errorf("%s storage cannot be watched", g.config.Storage.Driver)
				}
				events, err := w.Watch(ctx)
				if err != nil {
					return err
				}
				g.logger.Info("watching", "model", args[0])
				for e := range events {
					if err := printJSON(cmd.OutOrStdout(), e); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}
