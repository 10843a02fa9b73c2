package stages

import (
	"fmt"

	"github.com/wolfeidau/assetpipe/internal/errdefs"
)

// Options are the per-rule options of a stage, as decoded from YAML or TOML.
type Options map[string]any

// String returns the string option key, or def when absent.
func (o Options) String(key, def string) (string, error) {
	v, ok := o[key]
	if !ok || v == nil {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s must be a string, got %T", errdefs.ErrInvalidOption, key, v)
	}
	return s, nil
}

// Int returns the integer option key, or def when absent.
func (o Options) Int(key string, def int) (int, error) {
	v, ok := o[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case uint64:
		return int(n), nil
	case float64:
		if n != float64(int(n)) {
			return 0, fmt.Errorf("%w: %s must be a whole number, got %v", errdefs.ErrInvalidOption, key, n)
		}
		return int(n), nil
	default:
		return 0, fmt.Errorf("%w: %s must be a number, got %T", errdefs.ErrInvalidOption, key, v)
	}
}

// Float returns the numeric option key, or def when absent.
func (o Options) Float(key string, def float64) (float64, error) {
	v, ok := o[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("%w: %s must be a number, got %T", errdefs.ErrInvalidOption, key, v)
	}
}

// Bool returns the boolean option key, or def when absent.
func (o Options) Bool(key string, def bool) (bool, error) {
	v, ok := o[key]
	if !ok || v == nil {
		return def, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("%w: %s must be a boolean, got %T", errdefs.ErrInvalidOption, key, v)
	}
	return b, nil
}

// Strings returns the string list option key, or def when absent. A single
// string is accepted as a one element list.
func (o Options) Strings(key string, def []string) ([]string, error) {
	v, ok := o[key]
	if !ok || v == nil {
		return def, nil
	}
	switch list := v.(type) {
	case string:
		return []string{list}, nil
	case []string:
		return list, nil
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%w: %s must be a list of strings, got %T", errdefs.ErrInvalidOption, key, item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %s must be a list of strings, got %T", errdefs.ErrInvalidOption, key, v)
	}
}

// Sub returns the nested options under key. A missing key or an explicit
// empty mapping yields empty options; present reports whether key was set.
func (o Options) Sub(key string) (sub Options, present bool, err error) {
	v, ok := o[key]
	if !ok {
		return Options{}, false, nil
	}
	if v == nil {
		return Options{}, true, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, true, fmt.Errorf("%w: %s must be a mapping, got %T", errdefs.ErrInvalidOption, key, v)
	}
	return Options(m), true, nil
}
