package run

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/raaihank/pii-tokenizer/internal/config"
	"github.com/raaihank/pii-tokenizer/internal/logger"
	"github.com/raaihank/pii-tokenizer/internal/metrics"
	"github.com/raaihank/pii-tokenizer/internal/platform"
)

const timeoutMessage = "run timed out"

// Deps are the collaborators of an Orchestrator. Adapters is required; a nil
// Lease or Store falls back to the in-process implementations, and a nil
// Resolver accepts explicit columns only.
type Deps struct {
	Adapters AdapterSource
	Resolver *Resolver
	Lease    Lease
	Store    Store
	Events   Publisher
	Reporter Reporter
	Logger   *logger.Logger
}

// Orchestrator turns triggers into tracked runs:
// PENDING -> RUNNING -> SUCCESS | FAILURE
type Orchestrator struct {
	cfg      config.TokenizationConfig
	adapters AdapterSource
	resolver *Resolver
	lease    Lease
	store    Store
	events   Publisher
	reporter Reporter
	logger   *logger.Logger
	now      func() time.Time

	// async runs are bound to this context, not to the request that started them
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	active map[string]string
}

// NewOrchestrator creates an orchestrator
func NewOrchestrator(cfg config.TokenizationConfig, deps Deps) *Orchestrator {
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = 100
	}
	if cfg.MaxLimit <= 0 {
		cfg.MaxLimit = 10000
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 5 * time.Minute
	}
	if cfg.RunIDPrefix == "" {
		cfg.RunIDPrefix = "tokenize"
	}
	if deps.Lease == nil {
		deps.Lease = NewLocalLease()
	}
	if deps.Store == nil {
		deps.Store = NewMemoryStore()
	}
	if deps.Resolver == nil {
		deps.Resolver = NewResolver(nil, nil, "")
	}
	if deps.Logger == nil {
		deps.Logger = logger.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:      cfg,
		adapters: deps.Adapters,
		resolver: deps.Resolver,
		lease:    deps.Lease,
		store:    deps.Store,
		events:   deps.Events,
		reporter: deps.Reporter,
		logger:   deps.Logger.WithComponent("orchestrator"),
		now:      func() time.Time { return time.Now().UTC() },
		ctx:      ctx,
		cancel:   cancel,
		active:   make(map[string]string),
	}
}

// job is an admitted run with everything needed to execute it
type job struct {
	run     *Run
	dataset platform.Dataset
	adapter platform.Adapter
	log     *logger.Logger
}

// Start admits req and executes it in the background. It returns the run as
// RUNNING, or already terminal when column resolution failed. Rejections and
// validation errors return an error and create no run.
func (o *Orchestrator) Start(ctx context.Context, req Request) (Run, error) {
	j, err := o.admit(ctx, req)
	if err != nil {
		return Run{}, err
	}
	snapshot := clone(*j.run)
	if j.run.State.Terminal() {
		return snapshot, nil
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.execute(o.ctx, j)
	}()
	return snapshot, nil
}

// Execute admits req and runs it to a terminal state
func (o *Orchestrator) Execute(ctx context.Context, req Request) (Run, error) {
	j, err := o.admit(ctx, req)
	if err != nil {
		return Run{}, err
	}
	if !j.run.State.Terminal() {
		o.execute(ctx, j)
	}
	return clone(*j.run), nil
}

// Get returns a run by id
func (o *Orchestrator) Get(ctx context.Context, id string) (Run, error) {
	return o.store.Get(ctx, id)
}

// List returns runs of dataset newest first
func (o *Orchestrator) List(ctx context.Context, dataset string, limit int) ([]Run, error) {
	return o.store.List(ctx, dataset, limit)
}

// Active reports whether this process is running a run on datasetURN
func (o *Orchestrator) Active(datasetURN string) bool {
	ds, err := platform.ParseDatasetURN(datasetURN)
	if err != nil {
		return false
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.active[ds.URN]
	return ok
}

// Shutdown cancels background runs and waits for them to reach a terminal
// state, or for ctx to expire
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.cancel()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// admit validates req, takes the dataset lease and resolves columns. On
// success the run is RUNNING; a resolution failure leaves it FAILURE.
func (o *Orchestrator) admit(ctx context.Context, req Request) (*job, error) {
	ds, err := platform.ParseDatasetURN(req.Dataset)
	if err != nil {
		metrics.TriggersRejected.WithLabelValues("invalid").Inc()
		return nil, err
	}

	limit := req.Limit
	if limit == 0 {
		limit = o.cfg.DefaultLimit
	}
	if err := platform.ValidateLimit(limit, o.cfg.MaxLimit); err != nil {
		metrics.TriggersRejected.WithLabelValues("invalid").Inc()
		return nil, err
	}

	adapter, err := o.adapters.For(ds.Platform)
	if err != nil {
		metrics.TriggersRejected.WithLabelValues("platform").Inc()
		return nil, err
	}

	tenant := req.Tenant
	if tenant == "" {
		tenant = ds.Tenant()
	}

	r := &Run{
		ID:        o.newRunID(ds),
		Dataset:   ds.URN,
		Platform:  ds.Platform,
		Tenant:    tenant,
		Namespace: req.Namespace,
		FieldPath: req.FieldPath,
		Source:    req.Source,
		Limit:     limit,
		DryRun:    req.DryRun || o.cfg.DryRun,
		State:     StatePending,
		StartedAt: o.now(),
	}
	log := o.logger.WithRunID(r.ID).WithDataset(r.Dataset)

	// Keyed on the full URN: slugs fold case and drop the environment
	ok, err := o.lease.Acquire(ctx, ds.URN, r.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire dataset lease: %w", err)
	}
	if !ok {
		metrics.TriggersRejected.WithLabelValues("concurrency").Inc()
		log.Info("Run rejected, dataset busy")
		return nil, fmt.Errorf("%w: %s", ErrConcurrencyRejected, ds.URN)
	}

	o.mu.Lock()
	o.active[ds.URN] = r.ID
	o.mu.Unlock()

	j := &job{run: r, dataset: ds, adapter: adapter, log: log}
	o.transition(ctx, j)

	columns, err := o.resolver.Resolve(ctx, req, ds)
	if err != nil {
		o.finish(ctx, j, StateFailure, err.Error(), platform.Result{})
		return j, nil
	}
	r.Columns = columns
	if o.cfg.MaxColumns > 0 && len(columns) > o.cfg.MaxColumns {
		msg := fmt.Sprintf("%v: %d > %d", ErrTooManyColumns, len(columns), o.cfg.MaxColumns)
		o.finish(ctx, j, StateFailure, msg, platform.Result{})
		return j, nil
	}

	r.State = StateRunning
	metrics.RunsActive.Inc()
	o.transition(ctx, j)
	log.Info("Run started",
		zap.Strings("columns", columns),
		zap.Int("limit", limit),
		zap.Bool("dry_run", r.DryRun),
		zap.String("source", req.Source),
	)
	return j, nil
}

// execute drives a RUNNING job to a terminal state under the run timeout
func (o *Orchestrator) execute(ctx context.Context, j *job) {
	r := j.run
	runCtx, cancel := context.WithTimeout(ctx, o.cfg.RunTimeout)
	defer cancel()

	preq := platform.Request{
		Dataset:   j.dataset,
		Columns:   r.Columns,
		Limit:     r.Limit,
		Tenant:    r.Tenant,
		Namespace: r.Namespace,
	}

	// Terminal bookkeeping must survive the caller's cancellation
	finishCtx := context.WithoutCancel(ctx)

	if r.DryRun {
		pending, err := j.adapter.Pending(runCtx, preq)
		if err != nil {
			o.finish(finishCtx, j, StateFailure, failureMessage(runCtx, err), platform.Result{})
			return
		}
		msg := fmt.Sprintf("dry run: %d rows pending on %s", pending, strings.Join(r.Columns, ", "))
		o.finish(finishCtx, j, StateSuccess, msg, platform.Result{})
		return
	}

	res, err := j.adapter.Apply(runCtx, preq)
	if err != nil {
		var txErr *platform.TransactionError
		if errors.As(err, &txErr) {
			res = txErr.Partial
		}
		o.finish(finishCtx, j, StateFailure, failureMessage(runCtx, err), res)
		return
	}
	o.finish(finishCtx, j, StateSuccess, successMessage(r.Columns, r.Limit, res), res)
}

// finish records the terminal state, reports it and frees the dataset
func (o *Orchestrator) finish(ctx context.Context, j *job, state State, message string, res platform.Result) {
	r := j.run
	wasRunning := r.State == StateRunning

	ended := o.now()
	r.State = state
	r.Message = message
	r.EndedAt = &ended
	r.RowsUpdated = res.RowsUpdated
	r.RowsSkipped = res.RowsSkipped
	r.ValuesUnencodable = res.ValuesUnencodable
	r.SkippedColumns = res.SkippedColumns
	r.ColumnsUpdated = res.ColumnsUpdated

	o.transition(ctx, j)

	metrics.RunsFinished.WithLabelValues(r.Platform, string(state)).Inc()
	metrics.RowsUpdated.WithLabelValues(r.Platform).Add(float64(r.RowsUpdated))
	metrics.RowsSkipped.WithLabelValues(r.Platform).Add(float64(r.RowsSkipped))
	metrics.ValuesUnencodable.WithLabelValues(r.Platform).Add(float64(r.ValuesUnencodable))
	if wasRunning {
		metrics.RunsActive.Dec()
		metrics.RunDuration.WithLabelValues(r.Platform).Observe(r.Duration().Seconds())
	}

	fields := []zap.Field{
		zap.String("status", string(state)),
		zap.Int64("rows_updated", r.RowsUpdated),
		zap.Int64("rows_skipped", r.RowsSkipped),
		zap.Int64("values_unencodable", r.ValuesUnencodable),
		zap.Duration("duration", r.Duration()),
	}
	if state == StateFailure {
		j.log.Warn("Run failed", append(fields, zap.String("message", message))...)
	} else {
		j.log.Info("Run completed", fields...)
	}

	if o.reporter != nil {
		if err := o.reporter.Report(ctx, clone(*r)); err != nil {
			metrics.StatusReportFailures.Inc()
			j.log.Error("Failed to report run status", zap.Error(err))
		}
	}

	key := j.dataset.URN
	if err := o.lease.Release(ctx, key, r.ID); err != nil {
		j.log.Warn("Failed to release dataset lease", zap.Error(err))
	}
	o.mu.Lock()
	if o.active[key] == r.ID {
		delete(o.active, key)
	}
	o.mu.Unlock()
}

// transition persists and broadcasts the current state of a run
func (o *Orchestrator) transition(ctx context.Context, j *job) {
	snapshot := clone(*j.run)
	if err := o.store.Save(ctx, snapshot); err != nil {
		j.log.Error("Failed to save run", zap.String("status", string(snapshot.State)), zap.Error(err))
	}
	if o.events != nil {
		o.events.PublishRun(snapshot)
	}
}

func (o *Orchestrator) newRunID(ds platform.Dataset) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return fmt.Sprintf("%s-%s-%s", o.cfg.RunIDPrefix, ds.Slug(), suffix)
}

func failureMessage(runCtx context.Context, err error) string {
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return timeoutMessage
	}
	return err.Error()
}

func successMessage(columns []string, limit int, res platform.Result) string {
	msg := fmt.Sprintf("tokenized columns %s; updated %d rows, skipped %d",
		strings.Join(columns, ", "), res.RowsUpdated, res.RowsSkipped)
	if res.RowsUpdated > int64(limit) {
		msg += fmt.Sprintf("; limit %d exceeded by rows sharing a value", limit)
	}
	if res.ValuesUnencodable > 0 {
		msg += fmt.Sprintf("; %d values could not be tokenized", res.ValuesUnencodable)
	}
	if len(res.SkippedColumns) > 0 {
		msg += "; skipped non-textual columns " + strings.Join(res.SkippedColumns, ", ")
	}
	return msg
}
