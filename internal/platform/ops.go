package platform

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/aretw0/tillage/pkg/adapters/fs"
	"github.com/aretw0/tillage/pkg/adapters/memory"
	"github.com/aretw0/tillage/pkg/adapters/sqldb"
	"github.com/aretw0/tillage/pkg/core"
	"github.com/aretw0/tillage/pkg/git"
)

// openStorage resolves the repository factory for the configured driver.
// The returned closer is nil when the driver holds no resources.
func openStorage(ctx context.Context, o *options) (core.RepositoryFactory, io.Closer, error) {
	storage := o.config.Storage
	rules := o.config.Rules()

	switch strings.ToLower(storage.Driver) {
	case DriverMemory:
		return memory.NewStore(rules), nil, nil
	case DriverSQLite, DriverPostgres, sqldb.DriverPostgres:
		db, err := sqldb.Open(ctx, strings.ToLower(storage.Driver), storage.DSN,
			sqldb.WithRules(rules),
			sqldb.WithLogger(o.logger),
		)
		if err != nil {
			return nil, nil, err
		}
		return db, db, nil
	case DriverFS, "":
		cfg, err := fsConfig(o)
		if err != nil {
			return nil, nil, err
		}
		return fs.NewFactory(cfg, rules), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", storage.Driver)
	}
}

func fsConfig(o *options) (fs.Config, error) {
	storage := o.config.Storage
	path := storage.Path
	if path == "" {
		path = "."
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fs.Config{}, fmt.Errorf("resolve storage path: %w", err)
	}

	systemDir := storage.SystemDir
	if systemDir == "" {
		systemDir = ".tillage"
	}

	var gitless bool
	if storage.Versioning != nil {
		gitless = !*storage.Versioning
	} else {
		gitless = detectGitless(abs, systemDir, o.autoInit)
		if gitless && o.logger != nil {
			o.logger.Debug("auto-detected gitless mode", "path", abs)
		}
	}
	if !gitless && !git.IsInstalled() {
		if storage.Versioning != nil {
			return fs.Config{}, fmt.Errorf("versioning requested but git is not installed")
		}
		gitless = true
	}

	return fs.Config{
		Path:         abs,
		Format:       storage.Format,
		SystemDir:    systemDir,
		AutoInit:     o.autoInit,
		Gitless:      gitless,
		MustExist:    !o.autoInit,
		ReadOnly:     storage.ReadOnly,
		Strict:       storage.Strict,
		Author:       o.author,
		Logger:       o.logger,
		ErrorHandler: o.errorHandler,
	}, nil
}

// detectGitless decides versioning when it is not configured. An existing
// .git directory means versioned. Without one, a fresh root created by
// auto-init is versioned while an existing root stays gitless.
func detectGitless(root, systemDir string, autoInit bool) bool {
	if exists(filepath.Join(root, ".git")) {
		return false
	}
	if autoInit {
		return exists(filepath.Join(root, systemDir))
	}
	return true
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
