package privacy

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/raaihank/pii-tokenizer/internal/config"
	"github.com/raaihank/pii-tokenizer/internal/logger"
)

// Registry holds the current rule snapshot. Readers take the snapshot once per
// pass; reloads swap the pointer without touching snapshots already in use.
type Registry struct {
	path       string
	enabled    []string
	minSamples int
	current    atomic.Pointer[RuleSet]
	logger     *logger.Logger
}

// NewRegistry loads the rules file named in cfg
func NewRegistry(cfg config.ClassifierConfig, log *logger.Logger) (*Registry, error) {
	r := &Registry{
		path:       cfg.RulesPath,
		enabled:    cfg.EnabledRules,
		minSamples: cfg.MinSamples,
		logger:     log.WithComponent("rules"),
	}
	if len(r.enabled) == 0 {
		r.enabled = []string{"all"}
	}

	if err := r.Reload(); err != nil {
		return nil, err
	}

	return r, nil
}

// NewStaticRegistry wraps a fixed snapshot. Used by tests and one-shot CLI passes.
func NewStaticRegistry(set *RuleSet) *Registry {
	r := &Registry{logger: logger.NewNop()}
	r.current.Store(set)
	return r
}

// Snapshot returns the current rule set
func (r *Registry) Snapshot() *RuleSet {
	return r.current.Load()
}

// Reload reads the rules file and swaps the snapshot. On error the previous
// snapshot stays active.
func (r *Registry) Reload() error {
	set, err := LoadRules(r.path, r.minSamples)
	if err != nil {
		return err
	}
	set, err = set.Filter(r.enabled)
	if err != nil {
		return fmt.Errorf("failed to configure rules: %w", err)
	}

	r.current.Store(set)
	r.logger.Info("Classification rules loaded",
		zap.String("path", r.path),
		zap.Int("enabled_rules", set.Len()),
	)
	return nil
}

// Watch reloads the snapshot whenever the rules file changes. It blocks until
// ctx is cancelled.
func (r *Registry) Watch(ctx context.Context) error {
	if r.path == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create rules watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory so editors that replace the file are still seen
	dir, name := filepath.Split(r.path)
	if dir == "" {
		dir = "."
	}
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if err := r.Reload(); err != nil {
				r.logger.Warn("Rules reload failed, keeping previous snapshot", zap.Error(err))
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("Rules watcher error", zap.Error(err))
		}
	}
}
