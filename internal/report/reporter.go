package report

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/raaihank/pii-tokenizer/internal/config"
	"github.com/raaihank/pii-tokenizer/internal/logger"
	"github.com/raaihank/pii-tokenizer/internal/metadata"
	"github.com/raaihank/pii-tokenizer/internal/platform"
	"github.com/raaihank/pii-tokenizer/internal/run"
)

// Custom property keys on the dataset
const (
	PropertyLastRun = "tokenization.last_run"
	PropertyStatus  = "tokenization.status"
)

// MetadataWriter is the part of the metadata store the reporter writes to
type MetadataWriter interface {
	SchemaFields(ctx context.Context, urn string) ([]metadata.Field, error)
	UpsertCustomProperties(ctx context.Context, urn string, props map[string]string) error
	AddTag(ctx context.Context, datasetURN, fieldPath, tag string) error
	RemoveTag(ctx context.Context, datasetURN, fieldPath, tag string) error
}

// Archiver stores a copy of each terminal payload
type Archiver interface {
	Archive(ctx context.Context, key string, body []byte) error
}

// StatusReportError means the terminal outcome of a run could not be written
// to the metadata store. The run itself is unaffected.
type StatusReportError struct {
	RunID   string
	Dataset string
	Err     error
}

func (e *StatusReportError) Error() string {
	return fmt.Sprintf("status report for run %s on %s failed: %v", e.RunID, e.Dataset, e.Err)
}

func (e *StatusReportError) Unwrap() error { return e.Err }

// Reporter writes terminal run payloads and keeps the trigger tags tidy
type Reporter struct {
	meta    MetadataWriter
	tags    config.TagConfig
	cfg     config.ReporterConfig
	archive Archiver
	logger  *logger.Logger
}

// NewReporter creates a reporter. archive may be nil.
func NewReporter(meta MetadataWriter, tags config.TagConfig, cfg config.ReporterConfig, archive Archiver, log *logger.Logger) *Reporter {
	return &Reporter{
		meta:    meta,
		tags:    tags,
		cfg:     cfg,
		archive: archive,
		logger:  log.WithComponent("reporter"),
	}
}

// Report writes the payload of a terminal run. On SUCCESS the run-requested
// tag is removed (from the triggering field when field-scoped), the
// run-completed tag is added to the dataset and every rewritten field is
// tagged; on FAILURE the requested tag stays so the dataset can be retried.
// The status tags always follow the outcome.
func (r *Reporter) Report(ctx context.Context, rn run.Run) error {
	if !rn.State.Terminal() {
		return fmt.Errorf("run %s is not terminal: %s", rn.ID, rn.State)
	}
	log := r.logger.WithRunID(rn.ID).WithDataset(rn.Dataset)

	body, err := NewPayload(rn).JSON()
	if err != nil {
		return &StatusReportError{RunID: rn.ID, Dataset: rn.Dataset, Err: err}
	}

	var errs []error
	err = r.retry(ctx, log, "write status", func() error {
		return r.meta.UpsertCustomProperties(ctx, rn.Dataset, map[string]string{
			PropertyLastRun: string(body),
			PropertyStatus:  string(rn.State),
		})
	})
	if err != nil {
		errs = append(errs, err)
	}

	if rn.State == run.StateSuccess {
		if r.tags.RunRequested != "" {
			err := r.retry(ctx, log, "remove requested tag", func() error {
				return r.meta.RemoveTag(ctx, rn.Dataset, rn.FieldPath, r.tags.RunRequested)
			})
			if err != nil {
				errs = append(errs, err)
			}
		}
		if r.tags.RunCompleted != "" {
			err := r.retry(ctx, log, "add completed tag", func() error {
				return r.meta.AddTag(ctx, rn.Dataset, "", r.tags.RunCompleted)
			})
			if err != nil {
				errs = append(errs, err)
			}
		}
		errs = append(errs, r.setStatus(ctx, log, rn.Dataset, r.tags.StatusSuccess, r.tags.StatusFailed)...)
		if !rn.DryRun && r.tags.FieldTokenized != "" {
			errs = append(errs, r.tagFields(ctx, log, rn)...)
		}
	} else {
		errs = append(errs, r.setStatus(ctx, log, rn.Dataset, r.tags.StatusFailed, r.tags.StatusSuccess)...)
	}

	if r.archive != nil {
		key := r.archiveKey(rn)
		if err := r.archive.Archive(ctx, key, body); err != nil {
			log.Warn("Failed to archive run payload", zap.String("key", key), zap.Error(err))
		}
	}

	if len(errs) > 0 {
		return &StatusReportError{RunID: rn.ID, Dataset: rn.Dataset, Err: errors.Join(errs...)}
	}
	log.Debug("Run status reported", zap.String("status", string(rn.State)))
	return nil
}

// setStatus adds on and removes off, so at most one status tag is present
func (r *Reporter) setStatus(ctx context.Context, log *logger.Logger, dataset, on, off string) []error {
	var errs []error
	if on != "" {
		err := r.retry(ctx, log, "add status tag", func() error {
			return r.meta.AddTag(ctx, dataset, "", on)
		})
		if err != nil {
			errs = append(errs, err)
		}
	}
	if off != "" {
		err := r.retry(ctx, log, "remove status tag", func() error {
			return r.meta.RemoveTag(ctx, dataset, "", off)
		})
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// tagFields marks the schema field of every rewritten column. A column with
// no matching field is tagged by its own name.
func (r *Reporter) tagFields(ctx context.Context, log *logger.Logger, rn run.Run) []error {
	skipped := make(map[string]bool, len(rn.SkippedColumns))
	for _, c := range rn.SkippedColumns {
		skipped[c] = true
	}

	var fields []metadata.Field
	err := r.retry(ctx, log, "read schema", func() error {
		var err error
		fields, err = r.meta.SchemaFields(ctx, rn.Dataset)
		return err
	})
	if err != nil {
		return []error{err}
	}
	paths := make(map[string]string, len(fields))
	for _, f := range fields {
		paths[platform.FieldPathToColumn(f.Path)] = f.Path
	}

	var errs []error
	for _, column := range rn.Columns {
		if skipped[column] {
			continue
		}
		fieldPath, ok := paths[column]
		if !ok {
			fieldPath = column
		}
		err := r.retry(ctx, log, "add field tag", func() error {
			return r.meta.AddTag(ctx, rn.Dataset, fieldPath, r.tags.FieldTokenized)
		})
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func (r *Reporter) archiveKey(rn run.Run) string {
	slug := rn.Dataset
	if ds, err := platform.ParseDatasetURN(rn.Dataset); err == nil {
		slug = ds.Slug()
	}
	return path.Join(r.cfg.Archive.Prefix, slug, rn.ID+".json")
}

// retry runs op with exponential backoff bounded by max_retries and
// max_elapsed. Errors the metadata service will not recover from stop early.
func (r *Reporter) retry(ctx context.Context, log *logger.Logger, what string, op func() error) error {
	b := backoff.NewExponentialBackOff()
	if r.cfg.InitialInterval > 0 {
		b.InitialInterval = r.cfg.InitialInterval
	}
	if r.cfg.MaxInterval > 0 {
		b.MaxInterval = r.cfg.MaxInterval
	}
	b.MaxElapsedTime = r.cfg.MaxElapsed

	var policy backoff.BackOff = b
	if r.cfg.MaxRetries >= 0 {
		policy = backoff.WithMaxRetries(b, uint64(r.cfg.MaxRetries))
	}

	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		err := op()
		if err != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(policy, ctx), func(err error, wait time.Duration) {
		log.Warn("Metadata write failed, retrying",
			zap.String("op", what),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	})
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	return nil
}

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, metadata.ErrDatasetNotFound) {
		return false
	}
	var httpErr *metadata.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Temporary()
	}
	var gqlErr *metadata.GraphQLError
	return !errors.As(err, &gqlErr)
}
