package run

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raaihank/pii-tokenizer/internal/config"
	"github.com/raaihank/pii-tokenizer/internal/logger"
	"github.com/raaihank/pii-tokenizer/internal/metadata"
	"github.com/raaihank/pii-tokenizer/internal/platform"
)

const customersURN = "urn:li:dataset:(urn:li:dataPlatform:postgres,sandbox.t001.customers,PROD)"

type fakeAdapter struct {
	mu      sync.Mutex
	apply   func(ctx context.Context, req platform.Request) (platform.Result, error)
	pending int64
	applied []platform.Request
	counted int
}

func (f *fakeAdapter) Apply(ctx context.Context, req platform.Request) (platform.Result, error) {
	f.mu.Lock()
	f.applied = append(f.applied, req)
	apply := f.apply
	f.mu.Unlock()
	if apply == nil {
		return platform.Result{}, nil
	}
	return apply(ctx, req)
}

func (f *fakeAdapter) Pending(ctx context.Context, req platform.Request) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counted++
	return f.pending, nil
}

func (f *fakeAdapter) Close() error { return nil }

func (f *fakeAdapter) calls() (applied, counted int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.applied), f.counted
}

type recorder struct {
	mu     sync.Mutex
	states []State
}

func (r *recorder) PublishRun(run Run) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, run.State)
}

func (r *recorder) seen() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

type fakeReporter struct {
	mu   sync.Mutex
	runs []Run
	err  error
}

func (f *fakeReporter) Report(ctx context.Context, r Run) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, r)
	return f.err
}

type fixture struct {
	orch     *Orchestrator
	adapter  *fakeAdapter
	events   *recorder
	reporter *fakeReporter
	store    *MemoryStore
}

func newFixture(t *testing.T, cfg config.TokenizationConfig, resolver *Resolver) *fixture {
	t.Helper()
	adapter := &fakeAdapter{}
	adapters := platform.NewRegistry()
	adapters.Register("postgres", adapter)

	f := &fixture{
		adapter:  adapter,
		events:   &recorder{},
		reporter: &fakeReporter{},
		store:    NewMemoryStore(),
	}
	f.orch = NewOrchestrator(cfg, Deps{
		Adapters: adapters,
		Resolver: resolver,
		Store:    f.store,
		Events:   f.events,
		Reporter: f.reporter,
		Logger:   logger.NewNop(),
	})
	t.Cleanup(func() { _ = f.orch.Shutdown(context.Background()) })
	return f
}

func defaultConfig() config.TokenizationConfig {
	return config.TokenizationConfig{
		DefaultLimit: 100,
		MaxLimit:     1000,
		MaxColumns:   5,
		RunTimeout:   time.Minute,
		RunIDPrefix:  "tokenize",
	}
}

func TestExecuteSuccess(t *testing.T) {
	f := newFixture(t, defaultConfig(), nil)
	f.adapter.apply = func(ctx context.Context, req platform.Request) (platform.Result, error) {
		return platform.Result{
			RowsUpdated:    3,
			RowsSkipped:    1,
			ColumnsUpdated: map[string]int64{"email": 3, "phone": 1},
		}, nil
	}

	r, err := f.orch.Execute(context.Background(), Request{
		Dataset: customersURN,
		Columns: []string{"email", " phone ", "email"},
	})
	require.NoError(t, err)

	assert.Regexp(t, regexp.MustCompile(`^tokenize-postgres-sandbox-t001-customers-[0-9a-f]{12}$`), r.ID)
	assert.Equal(t, StateSuccess, r.State)
	assert.Equal(t, []string{"email", "phone"}, r.Columns)
	assert.Equal(t, int64(3), r.RowsUpdated)
	assert.Equal(t, int64(1), r.RowsSkipped)
	assert.Equal(t, "t001", r.Tenant)
	assert.Equal(t, 100, r.Limit)
	require.NotNil(t, r.EndedAt)
	assert.Contains(t, r.Message, "updated 3 rows")

	assert.Equal(t, []State{StatePending, StateRunning, StateSuccess}, f.events.seen())
	require.Len(t, f.reporter.runs, 1)
	assert.Equal(t, StateSuccess, f.reporter.runs[0].State)
	assert.Equal(t, map[string]int64{"email": 3, "phone": 1}, f.reporter.runs[0].ColumnsUpdated)

	stored, err := f.orch.Get(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, StateSuccess, stored.State)

	req := f.adapter.applied[0]
	assert.Equal(t, "customers", req.Dataset.Table)
	assert.Equal(t, 100, req.Limit)
	assert.False(t, f.orch.Active(customersURN))

	// A new trigger is a new run
	again, err := f.orch.Execute(context.Background(), Request{Dataset: customersURN, Columns: []string{"email"}})
	require.NoError(t, err)
	assert.NotEqual(t, r.ID, again.ID)

	runs, err := f.orch.List(context.Background(), customersURN, 0)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestConcurrencyRejected(t *testing.T) {
	f := newFixture(t, defaultConfig(), nil)
	release := make(chan struct{})
	f.adapter.apply = func(ctx context.Context, req platform.Request) (platform.Result, error) {
		<-release
		return platform.Result{RowsUpdated: 1}, nil
	}

	first, err := f.orch.Start(context.Background(), Request{Dataset: customersURN, Columns: []string{"email"}})
	require.NoError(t, err)
	assert.Equal(t, StateRunning, first.State)
	assert.True(t, f.orch.Active(customersURN))

	_, err = f.orch.Start(context.Background(), Request{Dataset: customersURN, Columns: []string{"email"}})
	assert.ErrorIs(t, err, ErrConcurrencyRejected)

	_, err = f.orch.Execute(context.Background(), Request{Dataset: customersURN, Columns: []string{"phone"}})
	assert.ErrorIs(t, err, ErrConcurrencyRejected)

	close(release)
	require.NoError(t, f.orch.Shutdown(context.Background()))

	done, err := f.orch.Get(context.Background(), first.ID)
	require.NoError(t, err)
	assert.Equal(t, StateSuccess, done.State)

	applied, _ := f.adapter.calls()
	assert.Equal(t, 1, applied, "rejected triggers never reach the adapter")

	runs, err := f.orch.List(context.Background(), customersURN, 0)
	require.NoError(t, err)
	assert.Len(t, runs, 1, "rejected triggers create no run")
}

func TestLeaseKeyedOnURN(t *testing.T) {
	f := newFixture(t, defaultConfig(), nil)
	release := make(chan struct{})
	f.adapter.apply = func(ctx context.Context, req platform.Request) (platform.Result, error) {
		<-release
		return platform.Result{}, nil
	}

	// All three share a slug but name different datasets
	urns := []string{
		customersURN,
		"urn:li:dataset:(urn:li:dataPlatform:postgres,sandbox.t001.customers,DEV)",
		"urn:li:dataset:(urn:li:dataPlatform:postgres,sandbox.t001.Customers,PROD)",
	}
	for _, urn := range urns {
		r, err := f.orch.Start(context.Background(), Request{Dataset: urn, Columns: []string{"email"}})
		require.NoError(t, err, urn)
		assert.Equal(t, StateRunning, r.State)
		assert.True(t, f.orch.Active(urn))
	}

	close(release)
	require.NoError(t, f.orch.Shutdown(context.Background()))
	for _, urn := range urns {
		assert.False(t, f.orch.Active(urn))
	}
}

func TestLimitOvershootNoted(t *testing.T) {
	f := newFixture(t, defaultConfig(), nil)
	f.adapter.apply = func(ctx context.Context, req platform.Request) (platform.Result, error) {
		return platform.Result{RowsUpdated: 7}, nil
	}

	r, err := f.orch.Execute(context.Background(), Request{Dataset: customersURN, Columns: []string{"email"}, Limit: 5})
	require.NoError(t, err)
	assert.Equal(t, StateSuccess, r.State)
	assert.Contains(t, r.Message, "limit 5 exceeded by rows sharing a value")

	within, err := f.orch.Execute(context.Background(), Request{Dataset: customersURN, Columns: []string{"email"}, Limit: 10})
	require.NoError(t, err)
	assert.NotContains(t, within.Message, "exceeded")
}

func TestDryRun(t *testing.T) {
	f := newFixture(t, defaultConfig(), nil)
	f.adapter.pending = 7

	r, err := f.orch.Execute(context.Background(), Request{
		Dataset: customersURN,
		Columns: []string{"email"},
		DryRun:  true,
	})
	require.NoError(t, err)

	assert.Equal(t, StateSuccess, r.State)
	assert.True(t, r.DryRun)
	assert.Zero(t, r.RowsUpdated)
	assert.Contains(t, r.Message, "7 rows pending")

	applied, counted := f.adapter.calls()
	assert.Zero(t, applied)
	assert.Equal(t, 1, counted)
}

func TestMaxColumns(t *testing.T) {
	cfg := defaultConfig()
	cfg.MaxColumns = 2
	f := newFixture(t, cfg, nil)

	r, err := f.orch.Execute(context.Background(), Request{
		Dataset: customersURN,
		Columns: []string{"email", "phone", "ssn"},
	})
	require.NoError(t, err)

	assert.Equal(t, StateFailure, r.State)
	assert.Contains(t, r.Message, ErrTooManyColumns.Error())
	assert.Equal(t, []State{StatePending, StateFailure}, f.events.seen())

	applied, counted := f.adapter.calls()
	assert.Zero(t, applied)
	assert.Zero(t, counted)
	assert.False(t, f.orch.Active(customersURN))
}

func TestTimeout(t *testing.T) {
	cfg := defaultConfig()
	cfg.RunTimeout = 20 * time.Millisecond
	f := newFixture(t, cfg, nil)
	f.adapter.apply = func(ctx context.Context, req platform.Request) (platform.Result, error) {
		<-ctx.Done()
		return platform.Result{}, &platform.TransactionError{Platform: "postgres", Op: "update", Err: ctx.Err()}
	}

	r, err := f.orch.Execute(context.Background(), Request{Dataset: customersURN, Columns: []string{"email"}})
	require.NoError(t, err)
	assert.Equal(t, StateFailure, r.State)
	assert.Equal(t, "run timed out", r.Message)
}

func TestPartialCountsPreserved(t *testing.T) {
	f := newFixture(t, defaultConfig(), nil)
	txErr := &platform.TransactionError{
		Platform: "databricks",
		Op:       "update",
		Partial:  platform.Result{RowsUpdated: 2, RowsSkipped: 1},
		Err:      errors.New("warehouse unavailable"),
	}
	f.adapter.apply = func(ctx context.Context, req platform.Request) (platform.Result, error) {
		return platform.Result{}, txErr
	}

	r, err := f.orch.Execute(context.Background(), Request{Dataset: customersURN, Columns: []string{"email"}})
	require.NoError(t, err)
	assert.Equal(t, StateFailure, r.State)
	assert.Equal(t, int64(2), r.RowsUpdated)
	assert.Equal(t, int64(1), r.RowsSkipped)
	assert.Equal(t, txErr.Error(), r.Message)
}

func TestReporterErrorKeepsOutcome(t *testing.T) {
	f := newFixture(t, defaultConfig(), nil)
	f.reporter.err = errors.New("metadata service down")

	r, err := f.orch.Execute(context.Background(), Request{Dataset: customersURN, Columns: []string{"email"}})
	require.NoError(t, err)
	assert.Equal(t, StateSuccess, r.State)

	stored, err := f.orch.Get(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, StateSuccess, stored.State)
}

func TestRejectedBeforeRun(t *testing.T) {
	f := newFixture(t, defaultConfig(), nil)

	tests := []struct {
		name string
		req  Request
		want error
	}{
		{"LimitTooHigh", Request{Dataset: customersURN, Columns: []string{"email"}, Limit: 5000}, platform.ErrLimitOutOfRange},
		{"NegativeLimit", Request{Dataset: customersURN, Columns: []string{"email"}, Limit: -1}, platform.ErrLimitOutOfRange},
		{"BadURN", Request{Dataset: "sandbox.customers", Columns: []string{"email"}}, platform.ErrInvalidURN},
		{"UnknownPlatform", Request{
			Dataset: "urn:li:dataset:(urn:li:dataPlatform:oracle,db.s.t,PROD)",
			Columns: []string{"email"},
		}, platform.ErrUnknownPlatform},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.orch.Execute(context.Background(), tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	runs, err := f.orch.List(context.Background(), "", 0)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

type fakeSchema struct {
	fields []metadata.Field
	err    error
}

func (f fakeSchema) SchemaFields(ctx context.Context, datasetURN string) ([]metadata.Field, error) {
	return f.fields, f.err
}

type fakeTagged map[string][]string

func (f fakeTagged) TaggedColumns(dataset string) []string { return f[dataset] }

func TestResolver(t *testing.T) {
	ds, err := platform.ParseDatasetURN(customersURN)
	require.NoError(t, err)

	schema := fakeSchema{fields: []metadata.Field{
		{Path: "id", Tags: nil},
		{Path: "email", Tags: []string{"urn:li:tag:pii-email"}},
		{Path: "[version=2.0].customers.phone", Tags: []string{"urn:li:tag:tokenize-now", "urn:li:tag:pii-phone"}},
		{Path: "notes", Tags: []string{"urn:li:tag:internal"}},
	}}
	classified := fakeTagged{customersURN: {"ssn", "email"}}

	tests := []struct {
		name     string
		resolver *Resolver
		req      Request
		want     []string
		wantErr  error
	}{
		{
			name:     "Explicit",
			resolver: NewResolver(schema, classified, "urn:li:tag:pii-"),
			req:      Request{Columns: []string{"notes"}},
			want:     []string{"notes"},
		},
		{
			name:     "MetadataTags",
			resolver: NewResolver(schema, classified, "urn:li:tag:pii-"),
			want:     []string{"email", "phone"},
		},
		{
			name:     "FieldScoped",
			resolver: NewResolver(schema, classified, "urn:li:tag:pii-"),
			req:      Request{FieldPath: "[version=2.0].customers.phone"},
			want:     []string{"phone"},
		},
		{
			name:     "ClassifierFallback",
			resolver: NewResolver(fakeSchema{}, classified, "urn:li:tag:pii-"),
			want:     []string{"ssn", "email"},
		},
		{
			name:     "ClassifierFieldScoped",
			resolver: NewResolver(nil, classified, "urn:li:tag:pii-"),
			req:      Request{FieldPath: "ssn"},
			want:     []string{"ssn"},
		},
		{
			name:     "Nothing",
			resolver: NewResolver(fakeSchema{}, nil, "urn:li:tag:pii-"),
			wantErr:  ErrNoColumns,
		},
		{
			name:     "SchemaError",
			resolver: NewResolver(fakeSchema{err: errors.New("boom")}, nil, "urn:li:tag:pii-"),
			wantErr:  errors.New("boom"),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.resolver.Resolve(context.Background(), tt.req, ds)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr.Error())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNoColumnsFailsRun(t *testing.T) {
	f := newFixture(t, defaultConfig(), NewResolver(fakeSchema{}, nil, "urn:li:tag:pii-"))

	r, err := f.orch.Execute(context.Background(), Request{Dataset: customersURN})
	require.NoError(t, err)
	assert.Equal(t, StateFailure, r.State)
	assert.Equal(t, ErrNoColumns.Error(), r.Message)
	require.Len(t, f.reporter.runs, 1)
}

func TestLocalLease(t *testing.T) {
	l := NewLocalLease()
	ctx := context.Background()

	ok, _ := l.Acquire(ctx, "ds", "a")
	assert.True(t, ok)
	ok, _ = l.Acquire(ctx, "ds", "b")
	assert.False(t, ok)

	require.NoError(t, l.Release(ctx, "ds", "b"))
	ok, _ = l.Acquire(ctx, "ds", "c")
	assert.False(t, ok, "release by a non-holder is ignored")

	require.NoError(t, l.Release(ctx, "ds", "a"))
	ok, _ = l.Acquire(ctx, "ds", "c")
	assert.True(t, ok)
}
