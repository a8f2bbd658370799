package trigger

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/raaihank/pii-tokenizer/internal/config"
	"github.com/raaihank/pii-tokenizer/internal/logger"
	"github.com/raaihank/pii-tokenizer/internal/metadata"
	"github.com/raaihank/pii-tokenizer/internal/run"
)

// Trigger asks for a run on a dataset
type Trigger = run.Request

// Source produces triggers until ctx is done
type Source interface {
	Name() string
	Run(ctx context.Context, out chan<- Trigger) error
}

// ChanSource forwards triggers pushed on a channel
type ChanSource struct {
	in <-chan Trigger
}

// NewChanSource creates a source reading from in. Closing in ends the source.
func NewChanSource(in <-chan Trigger) *ChanSource {
	return &ChanSource{in: in}
}

func (s *ChanSource) Name() string { return "channel" }

func (s *ChanSource) Run(ctx context.Context, out chan<- Trigger) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case t, ok := <-s.in:
			if !ok {
				return nil
			}
			if t.Source == "" {
				t.Source = s.Name()
			}
			if err := send(ctx, out, t); err != nil {
				return err
			}
		}
	}
}

// TargetFinder searches the metadata store for tagged entities
type TargetFinder interface {
	TaggedTargets(ctx context.Context, tag string) ([]metadata.Target, error)
}

// RunTracker answers whether a dataset is busy or recently failed
type RunTracker interface {
	Active(datasetURN string) bool
	List(ctx context.Context, dataset string, limit int) ([]run.Run, error)
}

// TagPoller searches for the run-requested tag every poll interval and
// emits a trigger per tagged dataset or field
type TagPoller struct {
	finder   TargetFinder
	tracker  RunTracker
	tag      string
	interval time.Duration
	cooldown time.Duration
	now      func() time.Time
	logger   *logger.Logger
}

// NewTagPoller creates a poller
func NewTagPoller(finder TargetFinder, tracker RunTracker, tags config.TagConfig, cfg config.ListenerConfig, log *logger.Logger) *TagPoller {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &TagPoller{
		finder:   finder,
		tracker:  tracker,
		tag:      tags.RunRequested,
		interval: interval,
		cooldown: cfg.RetryCooldown,
		now:      time.Now,
		logger:   log.WithComponent("tag-poller"),
	}
}

func (p *TagPoller) Name() string { return "tag-poller" }

// Run polls immediately and then on every tick
func (p *TagPoller) Run(ctx context.Context, out chan<- Trigger) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		for _, t := range p.poll(ctx) {
			if err := send(ctx, out, t); err != nil {
				return err
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *TagPoller) poll(ctx context.Context) []Trigger {
	targets, err := p.finder.TaggedTargets(ctx, p.tag)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			p.logger.Warn("Tag search failed", zap.String("tag", p.tag), zap.Error(err))
		}
		return nil
	}

	// A dataset-level request covers its fields
	whole := make(map[string]bool)
	for _, t := range targets {
		if t.FieldPath == "" {
			whole[t.DatasetURN] = true
		}
	}

	var triggers []Trigger
	seen := make(map[metadata.Target]bool)
	for _, t := range targets {
		if t.FieldPath != "" && whole[t.DatasetURN] {
			continue
		}
		if seen[t] {
			continue
		}
		seen[t] = true
		trig := Trigger{Dataset: t.DatasetURN, FieldPath: t.FieldPath, Source: p.Name()}

		if p.tracker.Active(t.DatasetURN) {
			p.logger.Debug("Dataset busy, skipping", zap.String("dataset", t.DatasetURN))
			continue
		}
		if p.coolingDown(ctx, t.DatasetURN) {
			continue
		}
		triggers = append(triggers, trig)
	}
	return triggers
}

// coolingDown reports whether the latest run on dataset failed within the
// retry cooldown
func (p *TagPoller) coolingDown(ctx context.Context, dataset string) bool {
	if p.cooldown <= 0 {
		return false
	}
	runs, err := p.tracker.List(ctx, dataset, 1)
	if err != nil || len(runs) == 0 {
		return false
	}
	last := runs[0]
	if last.State != run.StateFailure || last.EndedAt == nil {
		return false
	}
	if p.now().Sub(*last.EndedAt) < p.cooldown {
		p.logger.Debug("Dataset failed recently, skipping",
			zap.String("dataset", dataset),
			zap.String("run_id", last.ID),
		)
		return true
	}
	return false
}

func send(ctx context.Context, out chan<- Trigger, t Trigger) error {
	select {
	case out <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
