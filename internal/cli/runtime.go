package cli

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/roach88/sagastore/internal/config"
	"github.com/roach88/sagastore/internal/saga"
	"github.com/roach88/sagastore/internal/tablestore"
	"github.com/roach88/sagastore/internal/tablestore/badgerstore"
)

// runtime is the per-command wiring: config, logger, store and persister.
type runtime struct {
	config    config.Config
	logger    *zap.Logger
	store     tablestore.Store
	registry  *prometheus.Registry
	persister *saga.Persister
}

// loadConfig reads the config file, if any, and applies flag overrides.
func (o *RootOptions) loadConfig() (config.Config, error) {
	cfg := config.Default()
	if o.ConfigPath != "" {
		var err error
		cfg, err = config.Load(o.ConfigPath)
		if err != nil {
			return config.Config{}, WrapExitError(ExitCommandError, ErrCodeConfig, "failed to load config", err)
		}
	}

	if o.Database != "" {
		cfg.Store.Path = o.Database
	}
	if o.Backend != "" {
		cfg.Store.Backend = o.Backend
	}
	if o.Compatibility {
		cfg.Saga.CompatibilityMode = true
	}
	if o.Verbose {
		cfg.Log.Level = zapcore.DebugLevel.String()
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, ErrCodeConfig, "invalid config", err)
	}
	return cfg, nil
}

// newLogger builds a console logger writing to w.
func newLogger(level zapcore.Level, w io.Writer) *zap.Logger {
	encoderConfig := zap.NewDevelopmentEncoderConfig()
	encoderConfig.TimeKey = ""
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), zapcore.AddSync(w), level)
	return zap.New(core)
}

// openStore opens the configured backend. For badger, path is a directory.
func openStore(backend, path string) (tablestore.Store, error) {
	if backend == tablestore.BackendBadger {
		s, err := badgerstore.Open(path)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return tablestore.Open(backend, path)
}

func openRuntime(opts *RootOptions, cmd *cobra.Command) (*runtime, error) {
	cfg, err := opts.loadConfig()
	if err != nil {
		return nil, err
	}
	level, err := cfg.LogLevel()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, ErrCodeConfig, "invalid config", err)
	}
	logger := newLogger(level, cmd.ErrOrStderr())

	registry := prometheus.NewRegistry()
	metrics, err := saga.NewMetrics(registry)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, ErrCodeGeneric, "failed to register metrics", err)
	}

	store, err := openStore(cfg.Store.Backend, cfg.Store.Path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, ErrCodeStore, "failed to open store", err)
	}

	persister, err := saga.NewPersister(store, cfg.Saga, saga.WithLogger(logger), saga.WithMetrics(metrics))
	if err != nil {
		return nil, multierr.Append(WrapExitError(ExitCommandError, ErrCodeGeneric, "failed to create persister", err), store.Close())
	}

	logger.Debug("store opened",
		zap.String("backend", cfg.Store.Backend),
		zap.String("path", cfg.Store.Path),
		zap.Bool("compatibility_mode", cfg.Saga.CompatibilityMode),
	)
	return &runtime{
		config:    cfg,
		logger:    logger,
		store:     store,
		registry:  registry,
		persister: persister,
	}, nil
}

// Close logs the collected counters at debug level and closes the store.
func (r *runtime) Close() error {
	err := multierr.Combine(r.logMetrics(), r.store.Close())
	_ = r.logger.Sync()
	return err
}

func (r *runtime) logMetrics() error {
	families, err := r.registry.Gather()
	if err != nil {
		return err
	}
	for _, family := range families {
		for _, m := range family.GetMetric() {
			fields := []zap.Field{zap.Float64("value", m.GetCounter().GetValue())}
			for _, label := range m.GetLabel() {
				fields = append(fields, zap.String(label.GetName(), label.GetValue()))
			}
			r.logger.Debug(family.GetName(), fields...)
		}
	}
	return nil
}
