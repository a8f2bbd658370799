package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/raaihank/pii-tokenizer/internal/cache"
	"github.com/raaihank/pii-tokenizer/internal/config"
	"github.com/raaihank/pii-tokenizer/internal/history"
	"github.com/raaihank/pii-tokenizer/internal/logger"
	"github.com/raaihank/pii-tokenizer/internal/metadata"
	"github.com/raaihank/pii-tokenizer/internal/metrics"
	"github.com/raaihank/pii-tokenizer/internal/platform"
	"github.com/raaihank/pii-tokenizer/internal/privacy"
	"github.com/raaihank/pii-tokenizer/internal/report"
	"github.com/raaihank/pii-tokenizer/internal/run"
	"github.com/raaihank/pii-tokenizer/internal/sampling"
	"github.com/raaihank/pii-tokenizer/internal/websocket"
)

// app holds every long-lived component of the service
type app struct {
	cfg *config.Config
	log *logger.Logger

	adapters   *platform.Registry
	rules      *privacy.Registry
	classifier *privacy.Classifier
	emitter    *privacy.Emitter
	meta       *metadata.Client
	orch       *run.Orchestrator
	hub        *websocket.Hub

	closers []io.Closer
}

// newLogger builds the process logger from configuration
func newLogger(cfg *config.Config) (*logger.Logger, error) {
	lc := logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	}
	if cfg.Logging.File.Enabled {
		lc.File = &logger.FileConfig{
			Enabled: true,
			Path:    cfg.Logging.File.Path,
		}
	}
	return logger.New(lc)
}

// newApp wires the service. withHub creates the event hub even when no
// server will expose it.
func newApp(ctx context.Context, cfg *config.Config, log *logger.Logger, withHub bool) (*app, error) {
	metrics.Init()

	a := &app{cfg: cfg, log: log}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	a.meta = metadata.NewClient(cfg.Metadata, log)

	// Tokenization backends
	a.adapters = platform.NewRegistry()
	router := sampling.NewRouter(platform.Postgres.Name)
	router.SetFiles(sampling.NewParquetSampler(cfg.Classifier.ParquetRoot))
	maxLimit := cfg.Tokenization.MaxLimit
	for _, name := range cfg.Tokenization.Platforms {
		switch name {
		case platform.Postgres.Name:
			a.adapters.Register(name, platform.NewPostgres(cfg.Postgres, maxLimit, log))
			if cred, found := samplingCredential(cfg.Postgres.Tenants); found {
				db, err := platform.OpenPostgres(ctx, cfg.Postgres, cred, log)
				if err != nil {
					log.Warn("Postgres sampler unavailable", zap.Error(err))
					continue
				}
				s := sampling.NewSQLSampler(db, platform.Postgres, log)
				router.Register(name, s)
				a.closers = append(a.closers, s)
			}
		case platform.MySQL.Name:
			a.adapters.Register(name, platform.NewMySQL(cfg.MySQL, maxLimit, log))
			if cred, found := samplingCredential(cfg.MySQL.Tenants); found {
				db, err := platform.OpenMySQL(ctx, cfg.MySQL, cred)
				if err != nil {
					log.Warn("MySQL sampler unavailable", zap.Error(err))
					continue
				}
				s := sampling.NewSQLSampler(db, platform.MySQL, log)
				router.Register(name, s)
				a.closers = append(a.closers, s)
			}
		case platform.Databricks.Name:
			a.adapters.Register(name, platform.NewDatabricks(cfg.Warehouse, maxLimit, log))
		default:
			return nil, fmt.Errorf("%w: %s", platform.ErrUnknownPlatform, name)
		}
	}
	a.closers = append(a.closers, a.adapters)

	// Classification
	rules, err := privacy.NewRegistry(cfg.Classifier, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load PII rules: %w", err)
	}
	a.rules = rules
	a.classifier = privacy.NewClassifier(rules, router, cfg.Classifier.SampleSize, log)
	if cfg.Classifier.EmitTags {
		a.emitter = privacy.NewEmitter(a.meta, rules, cfg.Classifier.DryRun, log)
	}

	// Run bookkeeping
	store, err := history.Open(cfg.History, log)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, store)

	var lease run.Lease = run.NewLocalLease()
	if cfg.Lease.Backend == "redis" {
		l, err := cache.NewDatasetLease(cfg.Lease, log)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, l)
		lease = l
	}

	var archive report.Archiver
	if cfg.Reporter.Archive.Enabled {
		s3a, err := report.NewS3Archiver(ctx, cfg.Reporter.Archive)
		if err != nil {
			return nil, fmt.Errorf("failed to configure run archive: %w", err)
		}
		archive = s3a
	}

	deps := run.Deps{
		Adapters: a.adapters,
		Resolver: run.NewResolver(a.meta, a.classifier, cfg.Tags.PIIPrefix),
		Lease:    lease,
		Store:    store,
		Reporter: report.NewReporter(a.meta, cfg.Tags, cfg.Reporter, archive, log),
		Logger:   log,
	}
	if withHub && cfg.WebSocket.Enabled {
		a.hub = websocket.NewHub(websocket.HubConfig{
			Username: cfg.WebSocket.Username,
			Password: cfg.WebSocket.Password,
		}, log)
		deps.Events = a.hub
	}
	a.orch = run.NewOrchestrator(cfg.Tokenization, deps)

	log.Info("Service wired",
		zap.Strings("platforms", a.adapters.Platforms()),
		zap.String("lease_backend", cfg.Lease.Backend),
		zap.Bool("archive", archive != nil),
		zap.Bool("emit_tags", a.emitter != nil),
		zap.Int("rules", rules.Snapshot().Len()),
	)
	ok = true
	return a, nil
}

// samplingCredential picks the login used for classifier reads: the wildcard
// tenant if present, else the first configured one
func samplingCredential(creds []config.TenantCredential) (config.TenantCredential, bool) {
	for _, c := range creds {
		if c.Tenant == "*" {
			return c, true
		}
	}
	if len(creds) > 0 {
		return creds[0], true
	}
	return config.TenantCredential{}, false
}

// Close releases connections in reverse order of creation
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
