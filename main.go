package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"gigchat/config"
)

var (
	// Build information. Populated at build-time via -ldflags flag.
	version = "dev"
	commit  = "HEAD"
)

// flags carries global options and what Before builds from them.
type flags struct {
	ConfigPath string
	LogLevel   string

	Config *config.Config
	Log    *zap.Logger
}

func main() {
	f := &flags{}

	app := &cli.Command{
		Name:    "gigchat",
		Usage:   "Real-time conversation channel for the marketplace",
		Version: fmt.Sprintf("%s (%s)", version, commit),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "path to a YAML config file",
				Sources:     cli.EnvVars("GIGCHAT_CONFIG"),
				Destination: &f.ConfigPath,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "override log.level (debug, info, warn, error)",
				Destination: &f.LogLevel,
			},
		},
		Before: func(ctx context.Context, c *cli.Command) (context.Context, error) {
			cfg, err := config.Load(f.ConfigPath)
			if err != nil {
				return ctx, fmt.Errorf("load config: %w", err)
			}
			if f.LogLevel != "" {
				cfg.Log.Level = f.LogLevel
			}

			logger, err := newLogger(cfg.Log)
			if err != nil {
				return ctx, err
			}

			f.Config = cfg
			f.Log = logger
			return ctx, nil
		},
		After: func(ctx context.Context, c *cli.Command) error {
			if f.Log != nil {
				_ = f.Log.Sync()
			}
			return nil
		},
		Commands: []*cli.Command{
			serveCmd(f),
			migrateCmd(f),
			tokenCmd(f),
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			if c.Args().Len() > 0 {
				return fmt.Errorf("unknown command %q. Run 'gigchat --help' for usage", c.Args().First())
			}
			return serve(ctx, f)
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "gigchat:", err)
		os.Exit(1)
	}
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("failed to parse log level: %w", err)
	}

	zc := zap.NewProductionConfig()
	if cfg.Dev {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
