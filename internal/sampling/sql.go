package sampling

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/raaihank/pii-tokenizer/internal/logger"
	"github.com/raaihank/pii-tokenizer/internal/platform"
)

// SQLSampler reads column samples from a relational database. Datasets are
// given as URNs or dotted table names.
type SQLSampler struct {
	db      *sqlx.DB
	dialect platform.Dialect
	logger  *logger.Logger
}

// NewSQLSampler creates a sampler over db speaking dialect d
func NewSQLSampler(db *sqlx.DB, d platform.Dialect, log *logger.Logger) *SQLSampler {
	return &SQLSampler{db: db, dialect: d, logger: log.WithComponent("sampler." + d.Name)}
}

// Columns lists the textual columns of dataset
func (s *SQLSampler) Columns(ctx context.Context, dataset string) ([]string, error) {
	ds, err := platform.ParseDataset(dataset, s.dialect.Name)
	if err != nil {
		return nil, err
	}
	columns, err := platform.TextualColumns(ctx, s.db, s.dialect, ds)
	if err != nil {
		return nil, fmt.Errorf("failed to describe %s: %w", ds.QualifiedName(), err)
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("table %s not found or has no textual columns", ds.QualifiedName())
	}
	return columns, nil
}

// Sample returns up to n non-null values of column
func (s *SQLSampler) Sample(ctx context.Context, dataset, column string, n int) ([]string, error) {
	ds, err := platform.ParseDataset(dataset, s.dialect.Name)
	if err != nil {
		return nil, err
	}

	c := s.dialect.Quote(column)
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s IS NOT NULL LIMIT %d", c, s.dialect.Table(ds), c, n)

	var values []string
	if err := s.db.SelectContext(ctx, &values, query); err != nil {
		return nil, err
	}

	s.logger.Debug("Sampled column",
		zap.String("dataset", ds.QualifiedName()),
		zap.String("column", column),
		zap.Int("values", len(values)),
	)
	return values, nil
}

// Close releases the database handle
func (s *SQLSampler) Close() error {
	return s.db.Close()
}
