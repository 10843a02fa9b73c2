package rules

import (
	"errors"

	"gopkg.in/yaml.v3"
)

// ErrEmptyPath is returned when selection is asked to classify an empty path
var ErrEmptyPath = errors.New("empty path")

// Mode controls how a matching rule combines with rules matched before it.
type Mode string

const (
	// ModeAccumulate appends the rule's stages to those already selected
	ModeAccumulate Mode = "accumulate"
	// ModeStop appends the rule's stages and ends the scan (first match wins)
	ModeStop Mode = "stop"
	// ModeReplace discards stages selected so far before appending its own
	ModeReplace Mode = "replace"
)

// Kind classifies a stage for selection purposes.
type Kind int

const (
	// KindTransform stages rewrite the artifact's bytes
	KindTransform Kind = iota
	// KindEmit stages decide where the artifact ends up; only one survives per pipeline
	KindEmit
)

func (k Kind) String() string {
	switch k {
	case KindEmit:
		return "emit"
	default:
		return "transform"
	}
}

// Catalog reports the kind of a stage id and whether it is known.
type Catalog interface {
	Kind(id string) (Kind, bool)
}

// StageRef names a stage and carries its per-rule options.
type StageRef struct {
	ID      string         `yaml:"stage" toml:"stage" json:"stage"`
	Options map[string]any `yaml:"options,omitempty" toml:"options,omitempty" json:"options,omitempty"`
}

// UnmarshalYAML accepts either a bare stage id or a {stage, options} mapping.
func (s *StageRef) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		s.ID = value.Value
		s.Options = nil
		return nil
	}

	type plain StageRef
	var p plain
	if err := value.Decode(&p); err != nil {
		return err
	}
	*s = StageRef(p)
	return nil
}

// Definition is the declarative form of a rule as it appears in configuration.
type Definition struct {
	Name    string     `yaml:"name" toml:"name"`
	Test    string     `yaml:"test,omitempty" toml:"test,omitempty"`
	Glob    string     `yaml:"glob,omitempty" toml:"glob,omitempty"`
	Exclude string     `yaml:"exclude,omitempty" toml:"exclude,omitempty"`
	Mode    Mode       `yaml:"mode,omitempty" toml:"mode,omitempty"`
	Use     []StageRef `yaml:"use" toml:"use"`
}

// Rule is a compiled Definition. It is immutable once compiled.
type Rule struct {
	Name    string
	Mode    Mode
	Stages  []StageRef
	match   []Matcher
	exclude Matcher
	kinds   []Kind
}

// Match reports whether the slash-separated path satisfies the rule's patterns.
func (r Rule) Match(path string) bool {
	if r.exclude != nil && r.exclude.Match(path) {
		return false
	}
	for _, m := range r.match {
		if !m.Match(path) {
			return false
		}
	}
	return len(r.match) > 0
}

// Patterns returns the textual form of the rule's matchers.
func (r Rule) Patterns() []string {
	patterns := make([]string, 0, len(r.match))
	for _, m := range r.match {
		patterns = append(patterns, m.String())
	}
	return patterns
}

// Set is an ordered, compiled rule list.
type Set struct {
	rules []Rule
}

// Rules returns the compiled rules in declaration order.
func (s *Set) Rules() []Rule {
	if s == nil {
		return nil
	}
	out := make([]Rule, len(s.rules))
	copy(out, s.rules)
	return out
}

// Len returns the number of rules in the set.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.rules)
}

// Select runs selection with accumulate semantics and no strict classification.
func (s *Set) Select(path string) (Result, error) {
	return Select(path, s.Rules(), SelectOptions{})
}

// SelectStrict is Select but fails with a NoMatchError when no rule matches.
func (s *Set) SelectStrict(path string) (Result, error) {
	return Select(path, s.Rules(), SelectOptions{Strict: true})
}
