package privacy

import (
	"context"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/raaihank/pii-tokenizer/internal/logger"
	"github.com/raaihank/pii-tokenizer/internal/metrics"
)

// Sampler is a read-only view of a dataset's columns and values
type Sampler interface {
	Columns(ctx context.Context, dataset string) ([]string, error)
	Sample(ctx context.Context, dataset, column string, n int) ([]string, error)
}

// RuleSource yields the rule snapshot a pass should use
type RuleSource interface {
	Snapshot() *RuleSet
}

// latestCapacity bounds how many datasets keep their most recent pass
const latestCapacity = 1024

// Classifier scores dataset columns against the active rules
type Classifier struct {
	rules      RuleSource
	sampler    Sampler
	sampleSize int
	logger     *logger.Logger

	// least recently classified or read datasets are evicted first
	latest *lru.Cache[string, []ColumnProfile]
}

// NewClassifier creates a classifier reading samples from sampler
func NewClassifier(rules RuleSource, sampler Sampler, sampleSize int, log *logger.Logger) *Classifier {
	return newClassifier(rules, sampler, sampleSize, latestCapacity, log)
}

func newClassifier(rules RuleSource, sampler Sampler, sampleSize, capacity int, log *logger.Logger) *Classifier {
	latest, err := lru.New[string, []ColumnProfile](capacity)
	if err != nil {
		// only a non-positive size fails
		panic(err)
	}
	return &Classifier{
		rules:      rules,
		sampler:    sampler,
		sampleSize: sampleSize,
		logger:     log.WithComponent("classifier"),
		latest:     latest,
	}
}

// Classify runs one pass over dataset and returns a profile per column, in the
// order the sampler lists them. A sampling error on a column is recorded on its
// profile; only a failure to list columns fails the pass.
func (c *Classifier) Classify(ctx context.Context, dataset string) ([]ColumnProfile, error) {
	rules := c.rules.Snapshot()

	columns, err := c.sampler.Columns(ctx, dataset)
	if err != nil {
		return nil, fmt.Errorf("failed to list columns of %s: %w", dataset, err)
	}

	profiles := make([]ColumnProfile, 0, len(columns))
	tagged := 0
	for _, column := range columns {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		samples, err := c.sampler.Sample(ctx, dataset, column, c.sampleSize)
		if err != nil {
			srcErr := &SourceError{Dataset: dataset, Column: column, Err: err}
			c.logger.Warn("Column sampling failed", zap.String("column", column), zap.Error(srcErr))
			profiles = append(profiles, ColumnProfile{
				Dataset:     dataset,
				Column:      column,
				SourceError: srcErr.Error(),
			})
			continue
		}

		profile := Profile(rules, dataset, column, samples)
		if profile.Tagged {
			tagged++
			for _, s := range profile.Scores {
				if s.Tagged {
					metrics.ColumnsTagged.WithLabelValues(s.RuleID).Inc()
				}
			}
		}
		profiles = append(profiles, profile)
	}

	c.latest.Add(dataset, profiles)

	c.logger.Info("Classification pass complete",
		zap.String("dataset", dataset),
		zap.Int("columns", len(profiles)),
		zap.Int("tagged", tagged),
		zap.Int("rules", rules.Len()),
	)

	return profiles, nil
}

// Latest returns the profiles of the most recent pass over dataset
func (c *Classifier) Latest(dataset string) ([]ColumnProfile, bool) {
	return c.latest.Get(dataset)
}

// TaggedColumns returns the tagged columns of the most recent pass over dataset
func (c *Classifier) TaggedColumns(dataset string) []string {
	profiles, _ := c.Latest(dataset)
	var out []string
	for _, p := range profiles {
		if p.Tagged {
			out = append(out, p.Column)
		}
	}
	return out
}

// Profile scores one column against every rule in the snapshot. Blank samples
// are ignored.
func Profile(rules *RuleSet, dataset, column string, samples []string) ColumnProfile {
	nonEmpty := make([]string, 0, len(samples))
	for _, s := range samples {
		if v := strings.TrimSpace(s); v != "" {
			nonEmpty = append(nonEmpty, v)
		}
	}

	profile := ColumnProfile{
		Dataset:  dataset,
		Column:   column,
		NonEmpty: len(nonEmpty),
		Scores:   make([]RuleScore, 0, rules.Len()),
	}
	for _, rule := range rules.rules {
		score := rule.Score(column, nonEmpty)
		profile.Scores = append(profile.Scores, score)
		if score.Confidence > profile.Confidence {
			profile.Confidence = score.Confidence
		}
		if score.Tagged {
			profile.Tagged = true
			profile.Tags = appendUnique(profile.Tags, score.Tag)
		}
	}
	return profile
}

func appendUnique(list []string, v string) []string {
	for _, s := range list {
		if s == v {
			return list
		}
	}
	return append(list, v)
}
