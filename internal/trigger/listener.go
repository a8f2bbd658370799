package trigger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/raaihank/pii-tokenizer/internal/config"
	"github.com/raaihank/pii-tokenizer/internal/logger"
	"github.com/raaihank/pii-tokenizer/internal/metrics"
	"github.com/raaihank/pii-tokenizer/internal/run"
)

// Executor runs a trigger to completion
type Executor interface {
	Execute(ctx context.Context, req run.Request) (run.Run, error)
}

// Listener fans triggers from its sources into a bounded queue drained by a
// fixed pool of workers. When the queue is full the trigger is dropped; the
// run-requested tag stays on the dataset so a later poll brings it back.
type Listener struct {
	sources   []Source
	exec      Executor
	queueSize int
	workers   int
	logger    *logger.Logger

	mu      sync.Mutex
	pending map[string]struct{}
}

// NewListener creates a listener
func NewListener(cfg config.ListenerConfig, exec Executor, log *logger.Logger, sources ...Source) *Listener {
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 64
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	return &Listener{
		sources:   sources,
		exec:      exec,
		queueSize: queueSize,
		workers:   workers,
		logger:    log.WithComponent("listener"),
		pending:   make(map[string]struct{}),
	}
}

// Run blocks until ctx is done or a source fails
func (l *Listener) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	intake := make(chan Trigger)
	queue := make(chan Trigger, l.queueSize)

	for _, src := range l.sources {
		src := src
		g.Go(func() error {
			l.logger.Info("Trigger source started", zap.String("source", src.Name()))
			err := src.Run(gctx, intake)
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("trigger source %s: %w", src.Name(), err)
			}
			return nil
		})
	}

	g.Go(func() error {
		defer close(queue)
		for {
			select {
			case <-gctx.Done():
				return nil
			case t := <-intake:
				l.offer(queue, t)
			}
		}
	})

	for i := 0; i < l.workers; i++ {
		g.Go(func() error {
			for t := range queue {
				l.handle(gctx, t)
			}
			return nil
		})
	}

	l.logger.Info("Trigger listener started",
		zap.Int("sources", len(l.sources)),
		zap.Int("workers", l.workers),
		zap.Int("queue_size", l.queueSize),
	)
	err := g.Wait()
	l.logger.Info("Trigger listener stopped")
	return err
}

// offer enqueues t without blocking. A trigger already queued or running for
// the same target is dropped.
func (l *Listener) offer(queue chan<- Trigger, t Trigger) {
	key := t.Dataset + "\x00" + t.FieldPath

	l.mu.Lock()
	if _, dup := l.pending[key]; dup {
		l.mu.Unlock()
		l.logger.Debug("Trigger already pending", zap.String("dataset", t.Dataset))
		return
	}
	l.pending[key] = struct{}{}
	l.mu.Unlock()

	select {
	case queue <- t:
	default:
		l.done(t)
		metrics.TriggersRejected.WithLabelValues("queue_full").Inc()
		l.logger.Warn("Trigger queue full, dropping trigger",
			zap.String("dataset", t.Dataset),
			zap.String("field_path", t.FieldPath),
			zap.String("source", t.Source),
		)
	}
}

func (l *Listener) handle(ctx context.Context, t Trigger) {
	defer l.done(t)
	if ctx.Err() != nil {
		return
	}

	r, err := l.exec.Execute(ctx, t)
	switch {
	case errors.Is(err, run.ErrConcurrencyRejected):
		l.logger.Info("Trigger rejected, dataset busy", zap.String("dataset", t.Dataset))
	case err != nil:
		l.logger.Warn("Trigger not accepted", zap.String("dataset", t.Dataset), zap.Error(err))
	default:
		l.logger.Info("Triggered run finished",
			zap.String("run_id", r.ID),
			zap.String("dataset", r.Dataset),
			zap.String("status", string(r.State)),
		)
	}
}

func (l *Listener) done(t Trigger) {
	l.mu.Lock()
	delete(l.pending, t.Dataset+"\x00"+t.FieldPath)
	l.mu.Unlock()
}
