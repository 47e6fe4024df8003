package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/aretw0/tillage"
)

// globals holds the persistent flags and the resolved configuration shared
// by every subcommand.
type globals struct {
	verbose    bool
	configFile string
	gitless    bool

	viper  *viper.Viper
	logger *slog.Logger
	root   string
	config tillage.Config
}

func newRootCmd() *cobra.Command {
	g := &globals{viper: viper.New()}

	cmd := &cobra.Command{
		Use:   "tillage",
		Short: "Validated, transactional entity storage with change events",
		Long: `Tillage manages entities through per-model services. Every write is
validated against the model's rules, persisted in a transaction and
announced as a created, updated or deleted event.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := slog.LevelInfo
			if g.verbose {
				level = slog.LevelDebug
			}
			g.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
			slog.SetDefault(g.logger)
			return g.load()
		},
	}

	flags := cmd.PersistentFlags()
	flags.BoolVarP(&g.verbose, "verbose", "v", false, "Enable verbose logging")
	flags.StringVarP(&g.configFile, "config", "c", "", "Config file (default: tillage.yaml in the project root)")
	flags.String("driver", "", "Storage driver: fs, memory, sqlite or postgres")
	flags.String("path", "", "Storage root of the fs driver")
	flags.String("dsn", "", "Connection string of the sql drivers")
	flags.BoolVar(&g.gitless, "gitless", false, "Disable git versioning of the fs driver")

	for key, flag := range map[string]string{
		"storage.driver": "driver",
		"storage.path":   "path",
		"storage.dsn":    "dsn",
	} {
		_ = g.viper.BindPFlag(key, flags.Lookup(flag))
	}

	cmd.AddCommand(
		newInitCmd(g),
		newCreateCmd(g),
		newUpdateCmd(g),
		newDeleteCmd(g),
		newGetCmd(g),
		newListCmd(g),
		newRulesCmd(g),
		newBindingsCmd(g),
		newLogCmd(g),
		newWatchCmd(g),
		newVersionCmd(),
	)
	return cmd
}

// load resolves the configuration from defaults, the config file,
// TILLAGE_* environment variables and flags, in increasing precedence.
func (g *globals) load() error {
	v := g.viper
	defaults := tillage.DefaultConfig()
	v.SetDefault("storage.driver", defaults.Storage.Driver)
	v.SetDefault("storage.path", defaults.Storage.Path)
	v.SetDefault("storage.dsn", "")
	v.SetDefault("storage.format", defaults.Storage.Format)
	v.SetDefault("storage.system_dir", defaults.Storage.SystemDir)
	v.SetDefault("telemetry.namespace", defaults.Telemetry.Namespace)
	v.SetEnvPrefix("TILLAGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("get working directory: %w", err)
	}
	g.root = cwd

	switch {
	case g.configFile != "":
		v.SetConfigFile(g.configFile)
		g.root = filepath.Dir(g.configFile)
	default:
		if root, err := tillage.FindRoot(cwd); err == nil {
			g.root = root
		}
		v.SetConfigName(strings.TrimSuffix(tillage.ConfigFile, filepath.Ext(tillage.ConfigFile)))
		v.SetConfigType("yaml")
		v.AddConfigPath(g.root)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || g.configFile != "" {
			return fmt.Errorf("read config: %w", err)
		}
	} else {
		g.logger.Debug("config loaded", "file", v.ConfigFileUsed())
	}

	// Model names and rule fields are case sensitive, and viper lowercases
	// keys, so the file itself is decoded with yaml and viper only supplies
	// the scalar settings.
	cfg := defaults
	if file := v.ConfigFileUsed(); file != "" {
		if cfg, err = tillage.LoadConfig(file); err != nil {
			return err
		}
	}
	cfg.Storage.Driver = v.GetString("storage.driver")
	cfg.Storage.Path = v.GetString("storage.path")
	cfg.Storage.DSN = v.GetString("storage.dsn")
	cfg.Storage.Format = v.GetString("storage.format")
	cfg.Storage.SystemDir = v.GetString("storage.system_dir")
	cfg.Storage.ReadOnly = v.GetBool("storage.read_only")
	cfg.Storage.Strict = v.GetBool("storage.strict")
	if v.IsSet("storage.versioning") {
		versioning := v.GetBool("storage.versioning")
		cfg.Storage.Versioning = &versioning
	}
	if brokers := v.GetStringSlice("events.kafka.brokers"); len(brokers) > 0 {
		cfg.Events.Kafka.Brokers = brokers
		cfg.Events.Kafka.Topic = v.GetString("events.kafka.topic")
	}
	cfg.Telemetry.Namespace = v.GetString("telemetry.namespace")
	if g.gitless {
		versioning := false
		cfg.Storage.Versioning = &versioning
	}
	if cfg.Storage.Path != "" && !filepath.IsAbs(cfg.Storage.Path) {
		cfg.Storage.Path = filepath.Join(g.root, cfg.Storage.Path)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	g.config = cfg
	return nil
}

// open builds the application from the resolved configuration.
func (g *globals) open(ctx context.Context, opts ...tillage.Option) (*tillage.App, error) {
	base := []tillage.Option{
		tillage.WithConfig(g.config),
		tillage.WithLogger(g.logger),
		tillage.WithErrorHandler(func(err error) {
			g.logger.Warn("storage error", "error", err)
		}),
	}
	return tillage.New(ctx, "", append(base, opts...)...)
}
