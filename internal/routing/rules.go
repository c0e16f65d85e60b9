package routing

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"trip_planner/pkg"
)

//go:embed rules.yaml
var defaultRules []byte

// FieldRule describes one travel requirement and how to spot it in text.
type FieldRule struct {
	Name     string   `yaml:"name"`
	Label    string   `yaml:"label"`
	Question string   `yaml:"question"`
	Patterns []string `yaml:"patterns"`
	Exclude  []string `yaml:"exclude"`

	compiled []*regexp.Regexp
}

// ResumeRule maps a kind of feedback to the stage it invalidates.
type ResumeRule struct {
	Stage    pkg.StageName `yaml:"stage"`
	Advisory bool          `yaml:"advisory"`
	Patterns []string      `yaml:"patterns"`

	compiled []*regexp.Regexp
}

// Rules is the rule table of the rule-based router.
type Rules struct {
	MinSecondary    int          `yaml:"min_secondary"`
	MaxQuestions    int          `yaml:"max_questions"`
	GenericQuestion string       `yaml:"generic_question"`
	Required        []FieldRule  `yaml:"required"`
	Secondary       []FieldRule  `yaml:"secondary"`
	Resume          []ResumeRule `yaml:"resume"`

	// DestinationSwitch holds phrases that announce a new destination.
	DestinationSwitch []string `yaml:"destination_switch"`

	switches []*regexp.Regexp
}

// DefaultRules returns the embedded rule table.
func DefaultRules() (*Rules, error) {
	return ParseRules(defaultRules)
}

// LoadRules reads a rule table from a YAML file.
func LoadRules(path string) (*Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read routing rules: %w", err)
	}
	return ParseRules(data)
}

// ParseRules decodes and compiles a rule table.
func ParseRules(data []byte) (*Rules, error) {
	var r Rules
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to parse routing rules: %w", err)
	}
	if err := r.compile(); err != nil {
		return nil, err
	}
	return &r, nil
}

func (r *Rules) compile() error {
	if len(r.Required) == 0 {
		return fmt.Errorf("routing rules need at least one required field")
	}
	if r.MaxQuestions <= 0 {
		r.MaxQuestions = 2
	}
	if r.GenericQuestion == "" {
		r.GenericQuestion = "Could you tell me more about the trip you have in mind?"
	}

	for _, group := range [][]FieldRule{r.Required, r.Secondary} {
		for i := range group {
			f := &group[i]
			if f.Label == "" {
				f.Label = f.Name
			}
			compiled, err := compileAll(f.Patterns)
			if err != nil {
				return fmt.Errorf("field %s: %w", f.Name, err)
			}
			f.compiled = compiled
		}
	}
	for i := range r.Resume {
		rr := &r.Resume[i]
		compiled, err := compileAll(rr.Patterns)
		if err != nil {
			return fmt.Errorf("resume rule %s: %w", rr.Stage, err)
		}
		rr.compiled = compiled
	}
	switches, err := compileAll(r.DestinationSwitch)
	if err != nil {
		return fmt.Errorf("destination switch: %w", err)
	}
	r.switches = switches
	return nil
}

// SwitchesDestination reports whether text announces a change of destination.
func (r *Rules) SwitchesDestination(text string) bool {
	for _, re := range r.switches {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

func compileAll(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("bad pattern %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

// Extract returns the first value of the field found in text.
func (f *FieldRule) Extract(text string) (string, bool) {
	for _, re := range f.compiled {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			value := m[0]
			if len(m) > 1 && m[1] != "" {
				value = m[1]
			}
			value = f.stripExcluded(value)
			if value == "" {
				continue
			}
			return value, true
		}
	}
	return "", false
}

// stripExcluded drops every excluded word from value, so "Nanjing Monday"
// keeps "Nanjing" and "March" leaves nothing.
func (f *FieldRule) stripExcluded(value string) string {
	words := strings.Fields(value)
	kept := words[:0]
	for _, w := range words {
		if !slices.ContainsFunc(f.Exclude, func(ex string) bool { return strings.EqualFold(w, ex) }) {
			kept = append(kept, w)
		}
	}
	return strings.Join(kept, " ")
}

// Matches reports whether any pattern of the rule matches text.
func (r *ResumeRule) Matches(text string) bool {
	for _, re := range r.compiled {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}
