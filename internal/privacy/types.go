package privacy

import (
	"fmt"
	"regexp"
	"time"
)

// Rule is a single PII classification rule. Rules are immutable once loaded.
type Rule struct {
	ID              string
	Name            string
	Tag             string
	Description     string
	NamePatterns    []*regexp.Regexp
	ValuePattern    *regexp.Regexp
	NameWeight      float64
	ValueWeight     float64
	MinConfidence   float64
	MinSamples      int
	ValueMatchRatio float64
}

// RuleSet is an immutable snapshot of loaded rules
type RuleSet struct {
	rules    []Rule
	source   string
	loadedAt time.Time
}

// Rules returns a copy of the rules in load order
func (s *RuleSet) Rules() []Rule {
	out := make([]Rule, len(s.rules))
	copy(out, s.rules)
	return out
}

// Len returns the number of rules in the snapshot
func (s *RuleSet) Len() int { return len(s.rules) }

// Source returns the file the snapshot was loaded from
func (s *RuleSet) Source() string { return s.source }

// LoadedAt returns the time the snapshot was built
func (s *RuleSet) LoadedAt() time.Time { return s.loadedAt }

// Tags returns the distinct tag URNs of the snapshot
func (s *RuleSet) Tags() []string {
	seen := make(map[string]bool, len(s.rules))
	tags := make([]string, 0, len(s.rules))
	for _, r := range s.rules {
		if !seen[r.Tag] {
			seen[r.Tag] = true
			tags = append(tags, r.Tag)
		}
	}
	return tags
}

// TagDefinition returns the display name and description of tag, taken from
// the first rule that emits it
func (s *RuleSet) TagDefinition(tag string) (name, description string, ok bool) {
	for _, r := range s.rules {
		if r.Tag == tag {
			return r.Name, r.Description, true
		}
	}
	return "", "", false
}

// RuleScore is the outcome of one rule against one column
type RuleScore struct {
	RuleID     string  `json:"rule_id"`
	Tag        string  `json:"tag"`
	NameMatch  bool    `json:"name_match"`
	Matches    int     `json:"matches"`
	Confidence float64 `json:"confidence"`
	Tagged     bool    `json:"tagged"`
}

// ColumnProfile is the classification result for one column. It is produced
// fresh by every pass and superseded by the next one.
type ColumnProfile struct {
	Dataset     string      `json:"dataset"`
	Column      string      `json:"column"`
	NonEmpty    int         `json:"non_empty"`
	Scores      []RuleScore `json:"scores"`
	Confidence  float64     `json:"confidence"`
	Tagged      bool        `json:"tagged"`
	Tags        []string    `json:"tags,omitempty"`
	SourceError string      `json:"source_error,omitempty"`
}

// SourceError reports a sampling failure for a single column
type SourceError struct {
	Dataset string
	Column  string
	Err     error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("sampling %s column %s: %v", e.Dataset, e.Column, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }
