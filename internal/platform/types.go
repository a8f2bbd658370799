package platform

import (
	"context"
	"errors"
	"fmt"
)

// Request describes one tokenization pass over a table
type Request struct {
	Dataset   Dataset
	Columns   []string
	Limit     int
	Tenant    string
	Namespace string
}

// Result reports what a pass changed
type Result struct {
	RowsUpdated       int64    `json:"rows_updated"`
	RowsSkipped       int64    `json:"rows_skipped"`
	ValuesUnencodable int64    `json:"values_unencodable"`
	SkippedColumns    []string `json:"skipped_columns,omitempty"`

	// ColumnsUpdated counts rewritten values per column
	ColumnsUpdated map[string]int64 `json:"columns_updated,omitempty"`
}

func (r *Result) countColumn(column string, n int64) {
	if r.ColumnsUpdated == nil {
		r.ColumnsUpdated = make(map[string]int64)
	}
	r.ColumnsUpdated[column] += n
}

// Adapter tokenizes columns on one storage platform
type Adapter interface {
	// Apply rewrites up to req.Limit rows (or values) of plaintext to tokens
	Apply(ctx context.Context, req Request) (Result, error)
	// Pending counts candidate rows, capped at req.Limit
	Pending(ctx context.Context, req Request) (int64, error)
	Close() error
}

// Sentinel errors
var (
	ErrInvalidURN       = errors.New("invalid dataset urn")
	ErrUnknownPlatform  = errors.New("unknown platform")
	ErrUnknownTenant    = errors.New("no credentials for tenant")
	ErrLimitOutOfRange  = errors.New("limit out of range")
	ErrNoColumns        = errors.New("no columns requested")
	ErrNoPrimaryKey     = errors.New("table has no primary key")
	ErrNoTextualColumns = errors.New("none of the requested columns are textual")
)

// TransactionError reports a failed statement or commit. Partial holds the
// counts that are durably applied: always zero for transactional backends.
type TransactionError struct {
	Platform string
	Op       string
	Partial  Result
	Err      error
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("%s %s failed: %v", e.Platform, e.Op, e.Err)
}

func (e *TransactionError) Unwrap() error { return e.Err }

// ValidateLimit checks limit against 1..maxLimit
func ValidateLimit(limit, maxLimit int) error {
	if limit < 1 || limit > maxLimit {
		return fmt.Errorf("%w: %d (must be between 1 and %d)", ErrLimitOutOfRange, limit, maxLimit)
	}
	return nil
}

// Validate checks a request before any I/O
func (r Request) Validate(maxLimit int) error {
	if err := ValidateLimit(r.Limit, maxLimit); err != nil {
		return err
	}
	if len(r.Columns) == 0 {
		return ErrNoColumns
	}
	if r.Dataset.Table == "" {
		return fmt.Errorf("%w: missing table", ErrInvalidURN)
	}
	return nil
}
