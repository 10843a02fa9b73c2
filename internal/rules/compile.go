package rules

import (
	"fmt"

	"github.com/wolfeidau/assetpipe/internal/errdefs"
)

// Compile compiles the "rules" section of a configuration.
func Compile(defs []Definition, catalog Catalog) (*Set, error) {
	return CompileField("rules", defs, catalog)
}

// CompileField compiles defs, attributing errors to the given configuration key.
// Every error is an *errdefs.ConfigurationError.
func CompileField(field string, defs []Definition, catalog Catalog) (*Set, error) {
	set := &Set{rules: make([]Rule, 0, len(defs))}
	for i, def := range defs {
		rule, err := compileRule(fmt.Sprintf("%s[%d]", field, i), i, def, catalog)
		if err != nil {
			return nil, err
		}
		set.rules = append(set.rules, rule)
	}
	return set, nil
}

func compileRule(field string, index int, def Definition, catalog Catalog) (Rule, error) {
	name := def.Name
	if name == "" {
		name = fmt.Sprintf("rule-%d", index)
	}

	rule := Rule{Name: name, Mode: def.Mode}
	if rule.Mode == "" {
		rule.Mode = ModeAccumulate
	}
	switch rule.Mode {
	case ModeAccumulate, ModeStop, ModeReplace:
	default:
		return Rule{}, errdefs.ConfigurationRule(field+".mode", name,
			fmt.Errorf("%w: unknown mode %q", errdefs.ErrInvalidOption, def.Mode))
	}

	if def.Test == "" && def.Glob == "" {
		return Rule{}, errdefs.ConfigurationRule(field+".test", name,
			fmt.Errorf("%w: one of test or glob is required", errdefs.ErrInvalidPattern))
	}
	if def.Test != "" {
		m, err := NewRegexp(def.Test)
		if err != nil {
			return Rule{}, errdefs.ConfigurationRule(field+".test", name,
				fmt.Errorf("%w: %v", errdefs.ErrInvalidPattern, err))
		}
		rule.match = append(rule.match, m)
	}
	if def.Glob != "" {
		m, err := NewGlob(def.Glob)
		if err != nil {
			return Rule{}, errdefs.ConfigurationRule(field+".glob", name,
				fmt.Errorf("%w: %v", errdefs.ErrInvalidPattern, err))
		}
		rule.match = append(rule.match, m)
	}
	if def.Exclude != "" {
		m, err := NewGlob(def.Exclude)
		if err != nil {
			return Rule{}, errdefs.ConfigurationRule(field+".exclude", name,
				fmt.Errorf("%w: %v", errdefs.ErrInvalidPattern, err))
		}
		rule.exclude = m
	}

	emitters := 0
	for i, ref := range def.Use {
		if ref.ID == "" {
			return Rule{}, errdefs.ConfigurationRule(fmt.Sprintf("%s.use[%d]", field, i), name,
				fmt.Errorf("%w: stage id", errdefs.ErrMissingOption))
		}
		kind, ok := catalog.Kind(ref.ID)
		if !ok {
			return Rule{}, errdefs.ConfigurationRule(fmt.Sprintf("%s.use[%d]", field, i), name,
				fmt.Errorf("%w: %q", errdefs.ErrUnknownStage, ref.ID))
		}
		if kind == KindEmit {
			emitters++
		}
		rule.Stages = append(rule.Stages, ref)
		rule.kinds = append(rule.kinds, kind)
	}
	if emitters > 1 {
		return Rule{}, errdefs.ConfigurationRule(field+".use", name,
			fmt.Errorf("%w: a rule may use at most one emitting stage", errdefs.ErrInvalidOption))
	}

	return rule, nil
}
