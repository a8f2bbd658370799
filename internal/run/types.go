package run

import (
	"context"
	"errors"
	"time"

	"github.com/raaihank/pii-tokenizer/internal/metadata"
	"github.com/raaihank/pii-tokenizer/internal/platform"
)

// State is the lifecycle position of a run
type State string

const (
	StatePending State = "PENDING"
	StateRunning State = "RUNNING"
	StateSuccess State = "SUCCESS"
	StateFailure State = "FAILURE"
)

// Terminal reports whether no further transition is allowed
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateFailure
}

// Run is one tracked tokenization attempt on a dataset
type Run struct {
	ID                string     `json:"run_id"`
	Dataset           string     `json:"dataset"`
	Platform          string     `json:"platform"`
	Tenant            string     `json:"tenant,omitempty"`
	Namespace         string     `json:"namespace,omitempty"`
	FieldPath         string     `json:"field_path,omitempty"`
	Source            string     `json:"source,omitempty"`
	Columns           []string   `json:"columns"`
	SkippedColumns    []string   `json:"skipped_columns,omitempty"`
	Limit             int        `json:"limit"`
	DryRun            bool       `json:"dry_run"`
	State             State      `json:"status"`
	RowsUpdated       int64      `json:"rows_updated"`
	RowsSkipped       int64      `json:"rows_skipped"`
	ValuesUnencodable int64      `json:"values_unencodable"`
	StartedAt         time.Time  `json:"started_at"`
	EndedAt           *time.Time `json:"ended_at,omitempty"`
	Message           string     `json:"message,omitempty"`

	// ColumnsUpdated counts rewritten values per column
	ColumnsUpdated map[string]int64 `json:"columns_updated,omitempty"`
}

// Duration returns the elapsed time of a terminal run, or zero
func (r Run) Duration() time.Duration {
	if r.EndedAt == nil {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// Request is a trigger for a run. Dataset is a dataset URN; FieldPath is set
// when the trigger came from a single field.
type Request struct {
	Dataset   string   `json:"dataset"`
	FieldPath string   `json:"field_path,omitempty"`
	Columns   []string `json:"columns,omitempty"`
	Limit     int      `json:"limit,omitempty"`
	Tenant    string   `json:"tenant,omitempty"`
	Namespace string   `json:"namespace,omitempty"`
	DryRun    bool     `json:"dry_run,omitempty"`
	Source    string   `json:"source,omitempty"`
}

var (
	// ErrConcurrencyRejected means another run holds the dataset
	ErrConcurrencyRejected = errors.New("a run is already active for this dataset")
	// ErrTooManyColumns means the resolved column set exceeds max_columns
	ErrTooManyColumns = errors.New("column safety limit exceeded")
	// ErrNoColumns means no column could be resolved for the dataset
	ErrNoColumns = errors.New("no PII columns resolved")
	// ErrRunNotFound is returned by stores for unknown run ids
	ErrRunNotFound = errors.New("run not found")
)

// Lease grants one holder per dataset
type Lease interface {
	Acquire(ctx context.Context, dataset, runID string) (bool, error)
	Release(ctx context.Context, dataset, runID string) error
}

// Store persists runs for status queries
type Store interface {
	Save(ctx context.Context, r Run) error
	Get(ctx context.Context, id string) (Run, error)
	// List returns runs newest first; an empty dataset lists every run
	List(ctx context.Context, dataset string, limit int) ([]Run, error)
}

// Publisher receives every state transition
type Publisher interface {
	PublishRun(r Run)
}

// Reporter writes the terminal outcome of a run to the metadata store
type Reporter interface {
	Report(ctx context.Context, r Run) error
}

// AdapterSource dispatches a platform name to its adapter
type AdapterSource interface {
	For(platform string) (platform.Adapter, error)
}

// SchemaReader lists a dataset's fields with their tags
type SchemaReader interface {
	SchemaFields(ctx context.Context, datasetURN string) ([]metadata.Field, error)
}

// TaggedColumnSource exposes the columns a classifier pass tagged
type TaggedColumnSource interface {
	TaggedColumns(dataset string) []string
}
