package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/aretw0/tillage"
	"github.com/aretw0/tillage/pkg/core"
	"github.com/aretw0/tillage/pkg/registry"
)

func newRulesCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "rules <model>",
		Short: "Show the validation rules applied to a model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), g, args[0], func(app *tillage.App, svc core.EntityService) error {
				rules := svc.Repository().ValidationRules()
				if err := app.Validator.Check(rules); err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "FIELD\tRULE")
				for _, field := range rules.Fields() {
					fmt.Fprintf(w, "%s\t%s\n", field, rules[field])
				}
				return w.Flush()
			})
		},
	}
}

func newBindingsCmd(g *globals) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "bindings",
		Short: "Show which service serves each configured model",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := g.open(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			state, ok := app.Factory.State().(registry.FactoryState)
			if !ok {
				return fmt.Errorf("unexpected factory state %T", app.Factory.State())
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), state)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "MODEL\tSERVICE\tTYPE")
			for _, b := range state.Bindings {
				service := b.Service
				if service == "" {
					service = registry.DefaultService
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", b.Model, service, b.Type)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output in JSON format")
	return cmd
}
