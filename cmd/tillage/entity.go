package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aretw0/tillage"
	"github.com/aretw0/tillage/pkg/core"
)

func newCreateCmd(g *globals) *cobra.Command {
	var (
		sets []string
		data string
	)
	cmd := &cobra.Command{
		Use:   "create <model>",
		Short: "Create an entity",
		Long: `Create an entity of the given model. The attributes are validated against
the model's full rule set before anything is written.`,
		Example: `  tillage create widget --set name=sprocket --set size=3
  tillage create widget --data '{"name":"gear"}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := parseData(data, sets)
			if err != nil {
				return err
			}
			return withService(cmd.Context(), g, args[0], func(app *tillage.App, svc core.EntityService) error {
				entity, err := svc.Create(cmd.Context(), params)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), viewOf(args[0], entity))
			})
		},
	}
	cmd.Flags().StringArrayVarP(&sets, "set", "s", nil, "Attribute assignment field=value (repeatable)")
	cmd.Flags().StringVar(&data, "data", "", "Attributes as a JSON object")
	return cmd
}

func newUpdateCmd(g *globals) *cobra.Command {
	var (
		sets []string
		data string
	)
	cmd := &cobra.Command{
		Use:   "update <model> <id>",
		Short: "Update an entity",
		Long: `Update an existing entity. Only the rules of the given attributes are
checked; other attributes keep their stored values.`,
		Example: `  tillage update widget 42 --set name=cog`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := parseData(data, sets)
			if err != nil {
				return err
			}
			if len(params) == 0 {
				return errors.New("nothing to update, use --set or --data")
			}
			return withService(cmd.Context(), g, args[0], func(app *tillage.App, svc core.EntityService) error {
				entity, err := load(cmd.Context(), svc, args[1])
				if err != nil {
					return err
				}
				updated, err := svc.Update(cmd.Context(), entity, params)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), viewOf(args[0], updated))
			})
		},
	}
	cmd.Flags().StringArrayVarP(&sets, "set", "s", nil, "Attribute assignment field=value (repeatable)")
	cmd.Flags().StringVar(&data, "data", "", "Attributes as a JSON object")
	return cmd
}

func newDeleteCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <model> <id>",
		Short: "Delete an entity",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), g, args[0], func(app *tillage.App, svc core.EntityService) error {
				entity, err := load(cmd.Context(), svc, args[1])
				if err != nil {
					return err
				}
				if err := svc.Delete(cmd.Context(), entity); err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "deleted %s/%s\n", args[0], args[1])
				return err
			})
		},
	}
}

func newGetCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "get <model> <id>",
		Short: "Print an entity as JSON",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), g, args[0], func(app *tillage.App, svc core.EntityService) error {
				entity, err := load(cmd.Context(), svc, args[1])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), viewOf(args[0], entity))
			})
		},
	}
}

func newListCmd(g *globals) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list <model>",
		Short: "List the entities of a model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), g, args[0], func(app *tillage.App, svc core.EntityService) error {
				finder, err := finderOf(svc)
				if err != nil {
					return err
				}
				entities, err := finder.List(cmd.Context())
				if err != nil {
					return err
				}

				if asJSON {
					views := make([]entityView, 0, len(entities))
					for _, e := range entities {
						views = append(views, viewOf(args[0], e))
					}
					return printJSON(cmd.OutOrStdout(), views)
				}
				for _, e := range entities {
					fmt.Fprintln(cmd.OutOrStdout(), e.PrimaryKey())
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output in JSON format")
	return cmd
}

// withService opens the application, builds the model's service and runs fn.
func withService(ctx context.Context, g *globals, model string, fn func(*tillage.App, core.EntityService) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	app, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	svc, err := app.Service(ctx, model)
	if err != nil {
		return err
	}
	return fn(app, svc)
}

func finderOf(svc core.EntityService) (core.Finder, error) {
	finder, ok := svc.Repository().(core.Finder)
	if !ok {
		return nil, fmt.Errorf("%s storage cannot load entities", svc.Model())
	}
	return finder, nil
}

func load(ctx context.Context, svc core.EntityService, id string) (core.Entity, error) {
	finder, err := finderOf(svc)
	if err != nil {
		return nil, err
	}
	return finder.Get(ctx, id)
}
