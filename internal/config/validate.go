package config

import (
	"fmt"
	"path"
	"strings"

	"github.com/gobwas/glob"

	"github.com/wolfeidau/assetpipe/internal/errdefs"
	"github.com/wolfeidau/assetpipe/internal/naming"
	"github.com/wolfeidau/assetpipe/internal/rules"
	"github.com/wolfeidau/assetpipe/internal/stages"
)

// Validate ensures the configuration is usable. Every failure is an
// *errdefs.ConfigurationError naming the offending key.
func (c *Config) Validate() error {
	if err := c.validateSettings(); err != nil {
		return err
	}
	if err := c.validateOutput(); err != nil {
		return err
	}
	if err := c.validateEntries(); err != nil {
		return err
	}
	if err := c.validateRules(); err != nil {
		return err
	}
	if err := c.validateCopy(); err != nil {
		return err
	}
	if err := c.Provide.Validate(); err != nil {
		return errdefs.Configuration("provide", fmt.Errorf("%w: %v", errdefs.ErrInvalidOption, err))
	}
	return nil
}

func (c *Config) validateSettings() error {
	switch c.Mode {
	case ModeDevelopment, ModeProduction:
	default:
		return invalid("mode", "must be %q or %q, got %q", ModeDevelopment, ModeProduction, c.Mode)
	}
	switch c.OnError {
	case OnErrorAbort, OnErrorContinue:
	default:
		return invalid("on_error", "must be %q or %q, got %q", OnErrorAbort, OnErrorContinue, c.OnError)
	}
	switch stages.SourceMap(c.Devtool) {
	case stages.SourceMapNone, stages.SourceMapInline, stages.SourceMapLinked:
	default:
		return invalid("devtool", "must be one of none, inline-source-map, source-map, got %q", c.Devtool)
	}
	switch c.Sass.OutputStyle {
	case "expanded", "compressed":
	default:
		return invalid("sass.output_style", "must be expanded or compressed, got %q", c.Sass.OutputStyle)
	}
	if c.Workers < 0 {
		return invalid("workers", "must not be negative, got %d", c.Workers)
	}
	if c.DevServer.Port < 0 || c.DevServer.Port > 65535 {
		return invalid("dev_server.port", "out of range: %d", c.DevServer.Port)
	}
	return nil
}

func (c *Config) validateOutput() error {
	if _, err := naming.Parse(c.Output.Filename); err != nil {
		return errdefs.Configuration("output.filename", err)
	}
	if _, err := naming.Parse(c.Output.CSSFilename); err != nil {
		return errdefs.Configuration("output.css_filename", err)
	}
	if c.ContextDir() == c.OutputDir() {
		return invalid("output.path", "must differ from the context directory")
	}
	return nil
}

func (c *Config) validateEntries() error {
	for _, name := range c.EntryNames() {
		field := "entry." + name
		if strings.TrimSpace(name) == "" {
			return errdefs.Configuration("entry", fmt.Errorf("%w: empty entry name", errdefs.ErrMissingOption))
		}
		files := c.Entry[name]
		if len(files) == 0 {
			return errdefs.Configuration(field, fmt.Errorf("%w: entry has no files", errdefs.ErrMissingOption))
		}
		for i, f := range files {
			if _, err := EntryPath(f); err != nil {
				return errdefs.Configuration(fmt.Sprintf("%s[%d]", field, i), err)
			}
		}
	}
	return nil
}

// EntryPath normalizes an entry file to a slash path relative to the context
// directory.
func EntryPath(f string) (string, error) {
	if f == "" {
		return "", fmt.Errorf("%w: empty entry file", errdefs.ErrMissingOption)
	}
	p := path.Clean(strings.ReplaceAll(f, "\\", "/"))
	if path.IsAbs(p) || p == "." || p == ".." || strings.HasPrefix(p, "../") {
		return "", fmt.Errorf("%w: entry file %q must be inside the context directory", errdefs.ErrInvalidOption, f)
	}
	return p, nil
}

func (c *Config) validateRules() error {
	registry := stages.Default(stages.Env{})

	if _, _, err := c.CompileRules(registry); err != nil {
		return err
	}

	for i, def := range c.Rules {
		if err := registry.Validate(def.Use); err != nil {
			return errdefs.ConfigurationRule(fmt.Sprintf("rules[%d].use", i), def.Name, err)
		}
	}

	for i, def := range c.Optimize {
		field := fmt.Sprintf("optimize[%d].use", i)
		for _, ref := range def.Use {
			s, _ := registry.Get(ref.ID)
			if s.Kind() == rules.KindEmit || s.Entry() {
				return errdefs.ConfigurationRule(field, def.Name,
					fmt.Errorf("%w: stage %q cannot run on emitted outputs", errdefs.ErrInvalidOption, ref.ID))
			}
		}
		if err := registry.Validate(def.Use); err != nil {
			return errdefs.ConfigurationRule(field, def.Name, err)
		}
	}
	return nil
}

func (c *Config) validateCopy() error {
	for i, cp := range c.Copy {
		field := fmt.Sprintf("copy[%d]", i)
		if _, err := CopyDir(cp.From); err != nil {
			return errdefs.Configuration(field+".from", err)
		}
		if _, err := CopyDir(cp.To); err != nil && cp.To != "" {
			return errdefs.Configuration(field+".to", err)
		}
		if cp.Glob != "" {
			if _, err := glob.Compile(cp.Glob, '/'); err != nil {
				return errdefs.Configuration(field+".glob", fmt.Errorf("%w: %v", errdefs.ErrInvalidPattern, err))
			}
		}
	}
	return nil
}

// CopyDir normalizes a copy pattern directory to a slash path relative to
// its root; "" and "./" mean the root itself.
func CopyDir(dir string) (string, error) {
	if dir == "" {
		return "", fmt.Errorf("%w: directory is required", errdefs.ErrMissingOption)
	}
	p := path.Clean(strings.ReplaceAll(dir, "\\", "/"))
	if path.IsAbs(p) || p == ".." || strings.HasPrefix(p, "../") {
		return "", fmt.Errorf("%w: %q escapes its root directory", errdefs.ErrInvalidOption, dir)
	}
	if p == "." {
		return "", nil
	}
	return p, nil
}

func invalid(field, format string, args ...any) error {
	return errdefs.Configuration(field, fmt.Errorf("%w: "+format, append([]any{errdefs.ErrInvalidOption}, args...)...))
}
