package sampling

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/segmentio/parquet-go"
)

const readBatch = 128

// ParquetSampler reads column samples from Parquet files. A dataset is a file
// path relative to root; columns are the dotted paths of the schema's leaves.
type ParquetSampler struct {
	root string
}

// NewParquetSampler creates a sampler rooted at dir
func NewParquetSampler(root string) *ParquetSampler {
	return &ParquetSampler{root: root}
}

func (s *ParquetSampler) open(dataset string) (*os.File, *parquet.Reader, error) {
	path := dataset
	if s.root != "" && !filepath.IsAbs(path) {
		path = filepath.Join(s.root, path)
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open Parquet file: %w", err)
	}
	return file, parquet.NewReader(file), nil
}

// Columns lists leaf columns in schema order
func (s *ParquetSampler) Columns(ctx context.Context, dataset string) ([]string, error) {
	file, reader, err := s.open(dataset)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	defer reader.Close()

	paths := reader.Schema().Columns()
	columns := make([]string, 0, len(paths))
	for _, p := range paths {
		columns = append(columns, strings.Join(p, "."))
	}
	return columns, nil
}

// Sample returns up to n non-null values of column, in file order
func (s *ParquetSampler) Sample(ctx context.Context, dataset, column string, n int) ([]string, error) {
	file, reader, err := s.open(dataset)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	defer reader.Close()

	index := -1
	for i, p := range reader.Schema().Columns() {
		if strings.Join(p, ".") == column {
			index = i
			break
		}
	}
	if index < 0 {
		return nil, fmt.Errorf("column %s not found in %s", column, dataset)
	}

	values := make([]string, 0, n)
	rows := make([]parquet.Row, readBatch)
	for len(values) < n {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		count, err := reader.ReadRows(rows)
		for _, row := range rows[:count] {
			for _, v := range row {
				if v.Column() == index && !v.IsNull() {
					values = append(values, v.String())
				}
			}
			if len(values) >= n {
				break
			}
		}
		if errors.Is(err, io.EOF) || (err == nil && count == 0) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read Parquet rows: %w", err)
		}
	}

	if len(values) > n {
		values = values[:n]
	}
	return values, nil
}
