package privacy

import (
	"context"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/zap"

	"github.com/raaihank/pii-tokenizer/internal/logger"
)

// TagStore is the part of the metadata store the emitter writes to
type TagStore interface {
	FieldTags(ctx context.Context, datasetURN, fieldPath string) ([]string, error)
	AddFieldTag(ctx context.Context, datasetURN, fieldPath, tagURN string) error
	EnsureTagDefinition(ctx context.Context, tagURN, name, description string) error
}

// Emission is the outcome of ensuring one tag on one field
type Emission struct {
	Column  string `json:"column"`
	Tag     string `json:"tag"`
	Emitted bool   `json:"emitted"`
	Error   string `json:"error,omitempty"`
}

// Emitter writes classifier decisions back to the metadata store as field tags
type Emitter struct {
	store  TagStore
	rules  RuleSource
	dryRun bool
	logger *logger.Logger

	// tags whose definition has been written by this emitter
	defined mapset.Set[string]
}

// NewEmitter creates a tag emitter. Tag names and descriptions come from rules.
func NewEmitter(store TagStore, rules RuleSource, dryRun bool, log *logger.Logger) *Emitter {
	return &Emitter{
		store:   store,
		rules:   rules,
		dryRun:  dryRun,
		logger:  log.WithComponent("emitter"),
		defined: mapset.NewSet[string](),
	}
}

// Emit ensures every tag of every tagged profile is present on its field. Tags
// already on the field are not written again. Errors are per column.
func (e *Emitter) Emit(ctx context.Context, datasetURN string, profiles []ColumnProfile) []Emission {
	var out []Emission
	for _, p := range profiles {
		if !p.Tagged {
			continue
		}

		existing, err := e.store.FieldTags(ctx, datasetURN, p.Column)
		if err != nil {
			e.logger.Warn("Failed to read field tags", zap.String("column", p.Column), zap.Error(err))
			for _, tag := range p.Tags {
				out = append(out, Emission{Column: p.Column, Tag: tag, Error: err.Error()})
			}
			continue
		}
		present := mapset.NewSet(existing...)

		for _, tag := range p.Tags {
			if present.Contains(tag) {
				out = append(out, Emission{Column: p.Column, Tag: tag})
				continue
			}
			if e.dryRun {
				e.logger.Info("[dry-run] Would tag field",
					zap.String("dataset", datasetURN),
					zap.String("column", p.Column),
					zap.String("tag", tag),
					zap.Float64("confidence", p.Confidence),
				)
				out = append(out, Emission{Column: p.Column, Tag: tag})
				continue
			}
			if err := e.define(ctx, tag); err != nil {
				e.logger.Warn("Failed to define tag", zap.String("tag", tag), zap.Error(err))
				out = append(out, Emission{Column: p.Column, Tag: tag, Error: err.Error()})
				continue
			}
			if err := e.store.AddFieldTag(ctx, datasetURN, p.Column, tag); err != nil {
				e.logger.Warn("Failed to tag field", zap.String("column", p.Column), zap.String("tag", tag), zap.Error(err))
				out = append(out, Emission{Column: p.Column, Tag: tag, Error: err.Error()})
				continue
			}
			present.Add(tag)
			out = append(out, Emission{Column: p.Column, Tag: tag, Emitted: true})
		}
	}
	return out
}

// define writes the tag entity once per emitter, before the tag is first applied
func (e *Emitter) define(ctx context.Context, tag string) error {
	if e.defined.Contains(tag) {
		return nil
	}
	var name, description string
	if e.rules != nil {
		name, description, _ = e.rules.Snapshot().TagDefinition(tag)
	}
	if name == "" {
		name = strings.TrimPrefix(tag, "urn:li:tag:")
	}
	if err := e.store.EnsureTagDefinition(ctx, tag, name, description); err != nil {
		return err
	}
	e.defined.Add(tag)
	return nil
}
