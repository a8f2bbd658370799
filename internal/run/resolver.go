package run

import (
	"context"
	"fmt"
	"strings"

	"github.com/raaihank/pii-tokenizer/internal/platform"
)

// Resolver decides which columns a run targets: the explicit list, else the
// fields tagged with the PII prefix in the metadata store, else the columns the
// latest classifier pass tagged.
type Resolver struct {
	schema     SchemaReader
	classifier TaggedColumnSource
	piiPrefix  string
}

// NewResolver creates a resolver. schema and classifier may be nil.
func NewResolver(schema SchemaReader, classifier TaggedColumnSource, piiPrefix string) *Resolver {
	return &Resolver{schema: schema, classifier: classifier, piiPrefix: piiPrefix}
}

// Resolve returns the target columns in a stable order
func (r *Resolver) Resolve(ctx context.Context, req Request, ds platform.Dataset) ([]string, error) {
	if columns := dedupe(req.Columns); len(columns) > 0 {
		return columns, nil
	}

	if r.schema != nil && r.piiPrefix != "" {
		fields, err := r.schema.SchemaFields(ctx, ds.URN)
		if err != nil {
			return nil, fmt.Errorf("failed to read schema tags: %w", err)
		}
		var columns []string
		for _, f := range fields {
			if req.FieldPath != "" && f.Path != req.FieldPath {
				continue
			}
			if f.HasTagPrefix(r.piiPrefix) {
				columns = append(columns, platform.FieldPathToColumn(f.Path))
			}
		}
		if columns = dedupe(columns); len(columns) > 0 {
			return columns, nil
		}
	}

	if r.classifier != nil {
		tagged := r.classifier.TaggedColumns(ds.URN)
		if req.FieldPath != "" {
			want := platform.FieldPathToColumn(req.FieldPath)
			var scoped []string
			for _, c := range tagged {
				if c == want {
					scoped = append(scoped, c)
				}
			}
			tagged = scoped
		}
		if columns := dedupe(tagged); len(columns) > 0 {
			return columns, nil
		}
	}

	return nil, ErrNoColumns
}

func dedupe(columns []string) []string {
	seen := make(map[string]struct{}, len(columns))
	out := make([]string, 0, len(columns))
	for _, c := range columns {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}
