package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rendis/taskflow/internal/logging"
)

// app carries the state shared by every subcommand once the configuration
// is loaded.
type app struct {
	cfgFile string
	v       *viper.Viper
	cfg     Config
	level   slog.LevelVar
	logger  *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "taskflow",
		Short: "Multi-tenant workflow orchestration engine",
		Long: `taskflow runs workflows of dependent tasks for many tenants: bounded
parallelism, retries, timeouts, compensation, manual approvals and
cron or event triggers, exposed as MCP tools.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "config file (default $HOME/.taskflow/config.yaml)")
	flags.String("db-path", "", "libSQL database file")
	flags.String("log-level", "", "log level: debug, info, warn or error")
	flags.String("log-format", "", "log format: text or json")

	root.AddCommand(
		newServeCmd(a),
		newValidateCmd(a),
		newMigrateCmd(a),
		newVersionCmd(),
	)
	return root
}

// flagKeys maps persistent flags to configuration keys.
var flagKeys = map[string]string{
	"db-path":    "db_path",
	"log-level":  "log_level",
	"log-format": "log_format",
}

func (a *app) init(cmd *cobra.Command) error {
	v, err := newViper(a.cfgFile)
	if err != nil {
		return err
	}
	for flag, key := range flagKeys {
		if f := cmd.Flags().Lookup(flag); f != nil && f.Changed {
			if err := v.BindPFlag(key, f); err != nil {
				return err
			}
		}
	}
	cfg, err := loadConfig(v)
	if err != nil {
		return err
	}
	lvl, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	a.level.Set(lvl)
	// stdout carries the MCP stdio transport.
	logger, err := logging.NewLeveledLogger(&a.level, cfg.LogFormat, os.Stderr)
	if err != nil {
		return err
	}
	a.v, a.cfg, a.logger = v, cfg, logger
	slog.SetDefault(logger)
	if used := v.ConfigFileUsed(); used != "" {
		logger.Debug("config loaded", "file", used)
	}
	return nil
}

// dsn turns the configured database path into a libSQL file URI.
func (a *app) dsn() string {
	return fmt.Sprintf("file:%s", a.cfg.DBPath)
}
