package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/wabridge/wabridge/backend"
	"github.com/wabridge/wabridge/bridge"
	"github.com/wabridge/wabridge/internal/config"
	"github.com/wabridge/wabridge/internal/files"
	"github.com/wabridge/wabridge/supervisor"
)

func main() {
	app := &cli.App{
		Name:  "wabridge",
		Usage: "supervises the messaging backend and bridges its login/QR/send API over HTTP",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to a YAML config file.",
			},
			&cli.StringFlag{
				Name:    "listen-addr",
				Usage:   "The address for the HTTP server to listen on.",
				EnvVars: []string{"LISTEN_ADDR"},
			},
			&cli.StringFlag{
				Name:    "backend-url",
				Usage:   "Base URL of the messaging backend API.",
				EnvVars: []string{"BACKEND_URL", "NODE_API"},
			},
			&cli.StringFlag{
				Name:    "backend-command",
				Usage:   "Command that spawns the messaging backend, e.g. 'node whatsapp_qr.js'.",
				EnvVars: []string{"BACKEND_COMMAND"},
			},
			&cli.StringFlag{
				Name:    "state-dir",
				Usage:   "Directory the backend writes the QR image and login flag into.",
				EnvVars: []string{"STATE_DIR"},
			},
			&cli.DurationFlag{
				Name:  "watch-interval",
				Usage: "Interval of the background status watcher.",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging.",
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(ctx *cli.Context) error {
	cfg := config.Default()
	if path := ctx.String("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	cfg.Apply(config.Overrides{
		ListenAddr:     ctx.String("listen-addr"),
		BackendURL:     ctx.String("backend-url"),
		BackendCommand: ctx.String("backend-command"),
		StateDir:       ctx.String("state-dir"),
		WatchInterval:  ctx.Duration("watch-interval"),
	})
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	var (
		logger *zap.Logger
		err    error
	)
	level := zapcore.InfoLevel
	if ctx.Bool("debug") {
		logger, err = zap.NewDevelopment()
		level = zapcore.DebugLevel
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	backendDir, err := resolveBackendDir(cfg)
	if err != nil {
		return err
	}

	client := backend.NewClient(sugar, cfg.Backend.URL,
		backend.WithProbeTimeout(cfg.Backend.ProbeTimeout()),
		backend.WithCallTimeout(cfg.Backend.CallTimeout()),
	)
	artifacts := supervisor.NewArtifacts(cfg.Artifacts.Dir)
	starter := &supervisor.ExecStarter{
		Log:     sugar,
		Command: cfg.Backend.Command,
		Args:    cfg.Backend.Args,
		Dir:     backendDir,
	}
	sup := supervisor.New(sugar, client, artifacts, starter,
		supervisor.WithTermWait(cfg.Backend.TermWait()),
		supervisor.WithSettlePeriod(cfg.Backend.Settle()),
	)

	b, err := bridge.New(client, sup, artifacts,
		bridge.WithLogger(logger),
		bridge.WithLogLevel(level),
		bridge.WithListenAddr(cfg.ListenAddr),
		bridge.WithWatchInterval(cfg.Watch.Interval()),
	)
	if err != nil {
		return fmt.Errorf("building bridge: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		sugar.Info("shutting down")
		if err := b.Stop(); err != nil {
			sugar.Errorf("stopping bridge: %s", err)
		}
	}()

	return b.Run()
}

// resolveBackendDir decides the working directory for the spawned backend.
// When nothing is configured, the backend script is searched for upward
// from the current directory so the bridge can run from a subdirectory of
// the deployment.
func resolveBackendDir(cfg *config.Config) (string, error) {
	if cfg.Backend.Dir != "" {
		return cfg.Backend.Dir, nil
	}
	if len(cfg.Backend.Args) == 0 {
		return "", nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("getting working directory: %w", err)
	}
	script := cfg.Backend.Args[0]
	if filepath.IsAbs(script) {
		return filepath.Dir(script), nil
	}
	if found := files.FindUp(script, cwd); found != "" {
		return filepath.Dir(found), nil
	}
	return "", nil
}
