package errdefs

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidPattern indicates a rule pattern is empty or does not compile
	ErrInvalidPattern = errors.New("invalid pattern")
	// ErrUnknownStage indicates a rule references a stage that is not registered
	ErrUnknownStage = errors.New("unknown stage")
	// ErrMissingOption indicates a required option or configuration value is absent
	ErrMissingOption = errors.New("missing required option")
	// ErrInvalidOption indicates an option value is out of range or of the wrong type
	ErrInvalidOption = errors.New("invalid option")
	// ErrInvalidTemplate indicates a naming template could not be parsed
	ErrInvalidTemplate = errors.New("invalid naming template")
	// ErrOutputConflict indicates two inputs resolve to the same output path
	ErrOutputConflict = errors.New("conflicting output paths")
	// ErrBuildLocked indicates another build holds the lock for the output directory
	ErrBuildLocked = errors.New("another build is running for this output directory")
)

// ConfigurationError is reported at load or plan time, before any file is processed.
type ConfigurationError struct {
	// Field is the configuration key at fault, e.g. "rules[2].test"
	Field string
	// Rule is the name of the rule involved, if any
	Rule string
	Err  error
}

func (e *ConfigurationError) Error() string {
	if e.Rule != "" {
		return fmt.Sprintf("configuration: %s (rule %q): %v", e.Field, e.Rule, e.Err)
	}
	return fmt.Sprintf("configuration: %s: %v", e.Field, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// Configuration creates a new configuration error for the given field
func Configuration(field string, err error) *ConfigurationError {
	return &ConfigurationError{Field: field, Err: err}
}

// ConfigurationRule creates a new configuration error attributed to a named rule
func ConfigurationRule(field, rule string, err error) *ConfigurationError {
	return &ConfigurationError{Field: field, Rule: rule, Err: err}
}

// StageExecutionError identifies the file and the stage that failed.
type StageExecutionError struct {
	Path  string
	Stage string
	Err   error
}

func (e *StageExecutionError) Error() string {
	return fmt.Sprintf("stage %q failed on %s: %v", e.Stage, e.Path, e.Err)
}

func (e *StageExecutionError) Unwrap() error {
	return e.Err
}

// StageExecution creates a new stage execution error
func StageExecution(path, stage string, err error) *StageExecutionError {
	return &StageExecutionError{Path: path, Stage: stage, Err: err}
}

// NoMatchError is returned by strict selection when no rule matches a path.
type NoMatchError struct {
	Path string
}

func (e *NoMatchError) Error() string {
	return fmt.Sprintf("no rule matches %s", e.Path)
}

// IsConfiguration reports whether err is or wraps a ConfigurationError
func IsConfiguration(err error) bool {
	var cfgErr *ConfigurationError
	return errors.As(err, &cfgErr)
}

// IsStageExecution reports whether err is or wraps a StageExecutionError
func IsStageExecution(err error) bool {
	var stageErr *StageExecutionError
	return errors.As(err, &stageErr)
}

// IsNoMatch reports whether err is or wraps a NoMatchError
func IsNoMatch(err error) bool {
	var noMatch *NoMatchError
	return errors.As(err, &noMatch)
}
