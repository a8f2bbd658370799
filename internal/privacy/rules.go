package privacy

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default weights applied when a rule leaves them unset
const (
	defaultNameWeight    = 0.5
	defaultValueWeight   = 0.5
	defaultMinConfidence = 0.6
)

type rulesFile struct {
	Rules []ruleDoc `yaml:"rules"`
}

type ruleDoc struct {
	ID              string   `yaml:"id"`
	Name            string   `yaml:"name"`
	Tag             string   `yaml:"tag"`
	Description     string   `yaml:"description"`
	NamePatterns    []string `yaml:"name_patterns"`
	ValuePattern    string   `yaml:"value_pattern"`
	NameWeight      *float64 `yaml:"name_weight"`
	ValueWeight     *float64 `yaml:"value_weight"`
	MinConfidence   *float64 `yaml:"min_confidence"`
	MinSamples      *int     `yaml:"min_samples"`
	ValueMatchRatio float64  `yaml:"value_match_ratio"`
}

// LoadRules reads a YAML rules file into a snapshot. minSamples is used for
// rules that do not set their own.
func LoadRules(path string, minSamples int) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	set, err := ParseRules(data, minSamples)
	if err != nil {
		return nil, fmt.Errorf("rules file %s: %w", path, err)
	}
	set.source = path
	return set, nil
}

// ParseRules builds a snapshot from YAML bytes
func ParseRules(data []byte, minSamples int) (*RuleSet, error) {
	var doc rulesFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse rules: %w", err)
	}

	rules := make([]Rule, 0, len(doc.Rules))
	seen := make(map[string]bool, len(doc.Rules))
	for i, raw := range doc.Rules {
		rule, err := compileRule(raw, minSamples)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		if seen[rule.ID] {
			return nil, fmt.Errorf("duplicate rule id: %s", rule.ID)
		}
		seen[rule.ID] = true
		rules = append(rules, rule)
	}

	return &RuleSet{rules: rules, loadedAt: time.Now()}, nil
}

func compileRule(raw ruleDoc, minSamples int) (Rule, error) {
	id := raw.ID
	if id == "" {
		id = raw.Name
	}
	if id == "" {
		return Rule{}, fmt.Errorf("missing id")
	}
	if raw.Tag == "" {
		return Rule{}, fmt.Errorf("rule %s: missing tag", id)
	}
	if len(raw.NamePatterns) == 0 && raw.ValuePattern == "" {
		return Rule{}, fmt.Errorf("rule %s: needs a name or value pattern", id)
	}

	name := raw.Name
	if name == "" {
		name = strings.ReplaceAll(id, "_", " ")
	}

	rule := Rule{
		ID:              id,
		Name:            name,
		Tag:             raw.Tag,
		Description:     raw.Description,
		NameWeight:      floatOr(raw.NameWeight, defaultNameWeight),
		ValueWeight:     floatOr(raw.ValueWeight, defaultValueWeight),
		MinConfidence:   floatOr(raw.MinConfidence, defaultMinConfidence),
		MinSamples:      minSamples,
		ValueMatchRatio: raw.ValueMatchRatio,
	}
	if raw.MinSamples != nil {
		rule.MinSamples = *raw.MinSamples
	}

	for _, p := range raw.NamePatterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return Rule{}, fmt.Errorf("rule %s: bad name pattern %q: %w", id, p, err)
		}
		rule.NamePatterns = append(rule.NamePatterns, re)
	}
	if raw.ValuePattern != "" {
		re, err := regexp.Compile(raw.ValuePattern)
		if err != nil {
			return Rule{}, fmt.Errorf("rule %s: bad value pattern: %w", id, err)
		}
		rule.ValuePattern = re
	}

	switch {
	case rule.NameWeight < 0 || rule.ValueWeight < 0:
		return Rule{}, fmt.Errorf("rule %s: weights must not be negative", id)
	case rule.NameWeight+rule.ValueWeight <= 0:
		return Rule{}, fmt.Errorf("rule %s: weights must sum to a positive value", id)
	case rule.MinConfidence <= 0 || rule.MinConfidence > 1:
		return Rule{}, fmt.Errorf("rule %s: min_confidence must be in (0, 1]", id)
	case rule.MinSamples < 0:
		return Rule{}, fmt.Errorf("rule %s: min_samples must not be negative", id)
	case rule.ValueMatchRatio < 0 || rule.ValueMatchRatio > 1:
		return Rule{}, fmt.Errorf("rule %s: value_match_ratio must be in [0, 1]", id)
	}

	return rule, nil
}

func floatOr(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}

// Filter returns a snapshot holding only the enabled rules. "all" enables
// every rule; an unknown id is an error.
func (s *RuleSet) Filter(enabled []string) (*RuleSet, error) {
	keep := make(map[string]bool, len(s.rules))
	for _, id := range enabled {
		if id == "all" {
			return s, nil
		}
		found := false
		for _, r := range s.rules {
			if r.ID == id {
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("unknown rule: %s", id)
		}
		keep[id] = true
	}

	out := &RuleSet{source: s.source, loadedAt: s.loadedAt}
	for _, r := range s.rules {
		if keep[r.ID] {
			out.rules = append(out.rules, r)
		}
	}
	return out, nil
}

// Score evaluates one rule against a column name and its non-empty samples
func (r Rule) Score(column string, samples []string) RuleScore {
	score := RuleScore{RuleID: r.ID, Tag: r.Tag}

	for _, p := range r.NamePatterns {
		if p.MatchString(column) {
			score.NameMatch = true
			break
		}
	}

	var confidence float64
	if score.NameMatch {
		confidence += r.NameWeight
	}

	if r.ValuePattern != nil {
		for _, v := range samples {
			if r.ValuePattern.MatchString(v) {
				score.Matches++
			}
		}
		if len(samples) > 0 && len(samples) >= r.MinSamples {
			fraction := float64(score.Matches) / float64(len(samples))
			if fraction >= r.ValueMatchRatio {
				confidence += r.ValueWeight * fraction
			}
		}
	}

	if confidence > 1.0 {
		confidence = 1.0
	}
	score.Confidence = confidence
	score.Tagged = confidence >= r.MinConfidence
	return score
}
