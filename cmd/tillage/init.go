package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/aretw0/tillage"
	"github.com/aretw0/tillage/pkg/git"
)

const configTemplate = `storage:
  driver: fs
  path: .
  format: .yaml
models: {}
`

func newInitCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize a tillage project in the storage root",
		Long: `Initialize a project: write a tillage.yaml when none exists, create the
system directory and, unless --gitless, run git init.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			storage := g.config.Storage
			if storage.Driver != tillage.DriverFS {
				return fmt.Errorf("init only applies to the fs driver, not %s", storage.Driver)
			}
			root := storage.Path
			if err := os.MkdirAll(filepath.Join(root, storage.SystemDir), 0o755); err != nil {
				return fmt.Errorf("create system directory: %w", err)
			}

			cfgPath := filepath.Join(root, tillage.ConfigFile)
			if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
				if err := os.WriteFile(cfgPath, []byte(configTemplate), 0o644); err != nil {
					return fmt.Errorf("write config: %w", err)
				}
			}

			if storage.Versioning == nil || *storage.Versioning {
				if !git.IsInstalled() {
					return errors.New("git is not installed, use --gitless")
				}
				client := git.NewClient(root, g.logger)
				if !client.IsRepo(cmd.Context()) {
					if err := client.Init(cmd.Context()); err != nil {
						return fmt.Errorf("git init: %w", err)
					}
				}
				versioning := true
				g.config.Storage.Versioning = &versioning
			}

			app, err := g.open(cmd.Context(), tillage.WithAutoInit(true))
			if err != nil {
				return err
			}
			defer app.Close()

			for _, model := range app.Models() {
				if _, err := app.Service(cmd.Context(), model); err != nil {
					return err
				}
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), "Initialized tillage project in", root)
			return err
		},
	}
}
