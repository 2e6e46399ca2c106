package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/eliteGoblin/focusd/ota_mgr/internal/config"
	"github.com/eliteGoblin/focusd/ota_mgr/internal/domain"
	"github.com/eliteGoblin/focusd/ota_mgr/internal/infra"
	"github.com/eliteGoblin/focusd/ota_mgr/internal/telemetry"
	"github.com/eliteGoblin/focusd/ota_mgr/internal/usecase"
)

// app holds everything a command needs, built from flags and configuration.
type app struct {
	cfg     config.Config
	layout  infra.Layout
	logger  *zap.Logger
	manager *usecase.Manager
	closers []func(context.Context) error
}

// appOptions are the global flags.
type appOptions struct {
	configPath  string
	dataDir     string
	ephemeral   bool
	trace       bool
	verbose     bool
	daemon      bool // log to file, never prompt on the terminal
	interactive bool
}

func loadConfig(opts appOptions) (config.Config, infra.Layout, error) {
	layout := infra.DetectLayout()
	if opts.dataDir != "" {
		layout = layout.WithDataDir(opts.dataDir)
	}
	path := opts.configPath
	if path == "" {
		path = layout.ConfigFile
	}
	cfg, err := config.Load(config.Default(layout.DataDir), path)
	if err != nil {
		return config.Config{}, layout, err
	}
	if opts.ephemeral {
		cfg.Store = config.StoreMemory
	}
	if cfg.DataDir != layout.DataDir {
		layout = layout.WithDataDir(cfg.DataDir)
	}
	return cfg, layout, nil
}

func newApp(ctx context.Context, opts appOptions) (*app, error) {
	cfg, layout, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, layout: layout}
	if opts.daemon {
		a.logger = createLogger(layout.LogDir, cfg.LogLevel)
	} else {
		a.logger = createConsoleLogger(opts.verbose)
	}

	if opts.trace {
		shutdown, err := telemetry.Setup(ctx, os.Stderr, telemetry.Config{
			ServiceName: "otamgr",
			Version:     Version,
			Channel:     cfg.Channel,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, shutdown)
	}

	store, err := a.openStore(ctx)
	if err != nil {
		a.close(ctx)
		return nil, err
	}

	var confirmer domain.Confirmer = infra.AutoConfirmer{Answer: domain.ActionPostpone}
	if opts.interactive && !opts.daemon {
		confirmer = infra.NewConsoleConfirmer(os.Stdin, os.Stdout)
	}

	client := infra.NewHTTPUpdateClient(infra.HTTPClientOptions{
		ManifestURL:    cfg.UpdateURL,
		RuntimeVersion: cfg.RuntimeVersion,
		Channel:        cfg.Channel,
		BundleDir:      layout.BundleDir,
	}, a.logger.Named("http"))

	manager, err := usecase.NewManager(ctx, usecase.Deps{
		Store:     store,
		Source:    client,
		Fetcher:   client,
		Applier:   infra.NewDirApplier(layout.BundleDir, restartFunc(cfg.Restart), a.logger.Named("applier")),
		Confirmer: confirmer,
		Prober:    infra.NewHTTPProber(),
		Host:      infra.NewHostInspector(),
		Logger:    a.logger,
	}, usecase.Options{
		Build:           cfg.BuildInfo(Version),
		BlockadeTTL:     cfg.BlockadeTTL,
		CheckTimeout:    cfg.CheckTimeout,
		DownloadTimeout: cfg.DownloadTimeout,
		ProbeTimeout:    cfg.ProbeTimeout,
	})
	if err != nil {
		a.close(ctx)
		return nil, err
	}
	a.manager = manager
	return a, nil
}

func (a *app) openStore(ctx context.Context) (domain.KeyValueStore, error) {
	switch a.cfg.Store {
	case config.StoreMemory:
		return infra.NewMemoryStore(), nil

	case config.StoreRedis:
		s, err := infra.NewRedisStore(ctx, a.cfg.RedisAddr, a.cfg.RedisPrefix)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func(context.Context) error { return s.Close() })
		return s, nil

	default:
		var provider domain.KeyProvider = infra.NewFileKeyProvider(a.layout.DataDir)
		if a.cfg.StoreKey != "" {
			provider = infra.NewStaticKeyProvider(a.cfg.StoreKey)
		}
		s, err := infra.OpenEncryptedStore(a.layout.DataDir, provider)
		if err != nil {
			return nil, fmt.Errorf("failed to open state store: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return s.Close() })
		return s, nil
	}
}

// close runs closers in reverse order.
func (a *app) close(ctx context.Context) error {
	var err error
	for i := len(a.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, a.closers[i](ctx))
	}
	a.closers = nil
	if a.logger != nil {
		_ = a.logger.Sync()
	}
	return err
}

func restartFunc(strategy string) infra.RestartFunc {
	switch strategy {
	case config.RestartSpawn:
		return infra.SpawnBundle("run")
	case config.RestartNone:
		return nil
	default:
		return infra.ReexecSelf
	}
}

// createLogger writes JSON logs to <logDir>/otamgr.log for daemon commands.
func createLogger(logDir, level string) *zap.Logger {
	zcfg := zap.NewProductionConfig()
	if err := os.MkdirAll(logDir, 0700); err == nil {
		zcfg.OutputPaths = []string{filepath.Join(logDir, "otamgr.log")}
		zcfg.ErrorOutputPaths = []string{filepath.Join(logDir, "otamgr.error.log")}
	}
	zcfg.EncoderConfig.TimeKey = "time"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if lvl, err := zapcore.ParseLevel(level); err == nil {
		zcfg.Level = zap.NewAtomicLevelAt(lvl)
	}

	logger, err := zcfg.Build()
	if err != nil {
		// Fallback to stderr if file logging fails
		logger, _ = zap.NewProduction()
	}
	return logger
}

// createConsoleLogger is used by interactive commands; only warnings and up
// unless verbose.
func createConsoleLogger(verbose bool) *zap.Logger {
	zcfg := zap.NewDevelopmentConfig()
	zcfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	if verbose {
		zcfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	logger, err := zcfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
