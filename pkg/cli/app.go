// Package cli implements the txguard command line and prediction server.
package cli

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/mchmarny/txguard/pkg/config"
	"github.com/mchmarny/txguard/pkg/data"
	"github.com/mchmarny/txguard/pkg/logging"
	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

const (
	flagDebug  = "debug"
	flagDB     = "db"
	flagFormat = "format"
	flagConfig = "config"
)

const (
	appName      = "txguard"
	appConfigKey = "app-config"
	envPrefix    = "TXGUARD_"

	formatJSON = "json"
	formatYAML = "yaml"
)

var (
	version = "v0.0.1-default"
	commit  = ""
	date    = ""

	outputFormat = formatJSON
)

// Execute creates and runs the CLI application.
func Execute() {
	initLogging(false)

	app := newApp()
	if err := app.Run(context.Background(), os.Args); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

type appConfig struct {
	DBPath string
	Debug  bool
	DB     *sql.DB
	Config *config.Config
}

func getConfig(cmd *cli.Command) *appConfig {
	if c, ok := cmd.Root().Metadata[appConfigKey].(*appConfig); ok {
		return c
	}
	return &appConfig{Config: config.Default()}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:                  appName,
		Version:               fmt.Sprintf("%s (%s - %s)", version, commit, date),
		EnableShellCompletion: true,
		HideHelpCommand:       true,
		Usage:                 "Unsupervised anomaly scoring for financial transactions",
		Metadata:              map[string]any{},
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    flagDebug,
				Usage:   "Prints verbose logs (optional, default: false)",
				Sources: cli.EnvVars(envPrefix + "DEBUG"),
			},
			&cli.StringFlag{
				Name:    flagDB,
				Usage:   "Path to the Sqlite run history database",
				Sources: cli.EnvVars(envPrefix + "DB"),
			},
			&cli.StringFlag{
				Name:    flagFormat,
				Usage:   "Output format [json, yaml]",
				Value:   formatJSON,
				Sources: cli.EnvVars(envPrefix + "FORMAT"),
			},
			&cli.StringFlag{
				Name:    flagConfig,
				Usage:   "Path to the config file (default: ~/.txguard/config.yaml)",
				Sources: cli.EnvVars(envPrefix + "CONFIG"),
			},
		},
		Commands: []*cli.Command{
			newTrainCmd(),
			newGuardCmd(),
			newScoreCmd(),
			newPredictCmd(),
			newRunsCmd(),
			newServerCmd(),
			newResetCmd(),
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			debug := cmd.Bool(flagDebug)
			if debug {
				initLogging(true)
			}

			outputFormat = formatJSON
			if f := cmd.String(flagFormat); f == formatYAML || f == "yml" {
				outputFormat = formatYAML
			}

			home := getHomeDir()

			cfg, err := loadConfig(cmd.String(flagConfig), home)
			if err != nil {
				return ctx, err
			}

			dbPath := cmd.String(flagDB)
			if dbPath == "" {
				dbPath = filepath.Join(home, data.DataFileName)
			}

			if err := data.Init(dbPath); err != nil {
				return ctx, fmt.Errorf("initializing database: %w", err)
			}

			db, err := data.GetDB(dbPath)
			if err != nil {
				return ctx, fmt.Errorf("opening database: %w", err)
			}

			cmd.Root().Metadata[appConfigKey] = &appConfig{
				DBPath: dbPath,
				Debug:  debug,
				DB:     db,
				Config: cfg,
			}
			return ctx, nil
		},
		After: func(_ context.Context, cmd *cli.Command) error {
			if cfg, ok := cmd.Root().Metadata[appConfigKey].(*appConfig); ok && cfg.DB != nil {
				cfg.DB.Close()
			}
			return nil
		},
	}
}

func loadConfig(path, home string) (*config.Config, error) {
	if path != "" {
		c, err := config.Read(path)
		if err != nil {
			return nil, fmt.Errorf("loading config: %w", err)
		}
		return c, nil
	}
	c, err := config.ReadOrCreate(home)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return c, nil
}

func initLogging(debug bool) {
	level := "info"
	if debug {
		level = "debug"
	}
	logging.SetDefaultCLILogger(level)
}

func getHomeDir() string {
	dir, created, err := config.GetOrCreateHomeDir(appName)
	if err != nil {
		slog.Debug("error getting home dir, using current dir instead", "error", err)
		return "."
	}
	if created {
		slog.Debug("created home dir", "path", dir)
	}
	return dir
}

func writer(cmd *cli.Command) io.Writer {
	if w := cmd.Root().Writer; w != nil {
		return w
	}
	return os.Stdout
}

func encode(w io.Writer, v any) error {
	if outputFormat == formatYAML {
		e := yaml.NewEncoder(w)
		defer e.Close()
		return e.Encode(v)
	}
	e := json.NewEncoder(w)
	e.SetIndent("", "  ")
	return e.Encode(v)
}
