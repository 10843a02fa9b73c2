// Package config loads the assetpipe configuration from YAML or TOML.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/wolfeidau/assetpipe/internal/provide"
	"github.com/wolfeidau/assetpipe/internal/rules"
	"github.com/wolfeidau/assetpipe/internal/stages"
)

//go:embed default_config.yaml
var defaultConfig []byte

// FileNames are the configuration files looked up when no path is given, in
// order of preference.
var FileNames = []string{"assetpipe.yaml", "assetpipe.yml", "assetpipe.toml"}

// Build modes.
const (
	ModeDevelopment = "development"
	ModeProduction  = "production"
)

// Error policies.
const (
	OnErrorAbort    = "abort"
	OnErrorContinue = "continue"
)

// Files is the ordered file list of an entry. YAML accepts a single string.
type Files []string

// UnmarshalYAML accepts either a scalar or a sequence.
func (f *Files) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		*f = Files{value.Value}
		return nil
	}
	var files []string
	if err := value.Decode(&files); err != nil {
		return err
	}
	*f = files
	return nil
}

// Output controls where and under which names artifacts are written.
type Output struct {
	Path        string `yaml:"path" toml:"path"`
	Filename    string `yaml:"filename" toml:"filename"`
	CSSFilename string `yaml:"css_filename" toml:"css_filename"`
	PublicPath  string `yaml:"public_path" toml:"public_path"`
}

// DevServer configures `assetpipe serve`.
type DevServer struct {
	ContentBase string `yaml:"content_base" toml:"content_base"`
	Inline      bool   `yaml:"inline" toml:"inline"`
	Port        int    `yaml:"port" toml:"port"`
}

// Sass configures the Dart Sass compiler.
type Sass struct {
	Binary       string   `yaml:"binary,omitempty" toml:"binary,omitempty"`
	IncludePaths []string `yaml:"include_paths,omitempty" toml:"include_paths,omitempty"`
	OutputStyle  string   `yaml:"output_style" toml:"output_style"`
}

// CopyPattern copies files verbatim from the context into the output.
type CopyPattern struct {
	From string `yaml:"from" toml:"from"`
	To   string `yaml:"to" toml:"to"`
	// Glob optionally restricts the copied files, matched relative to From
	Glob string `yaml:"glob,omitempty" toml:"glob,omitempty"`
}

// Config is the complete build configuration.
type Config struct {
	Context   string             `yaml:"context" toml:"context"`
	Entry     map[string]Files   `yaml:"entry" toml:"entry"`
	Output    Output             `yaml:"output" toml:"output"`
	Devtool   string             `yaml:"devtool" toml:"devtool"`
	DevServer DevServer          `yaml:"dev_server" toml:"dev_server"`
	Mode      string             `yaml:"mode" toml:"mode"`
	Workers   int                `yaml:"workers" toml:"workers"`
	Strict    bool               `yaml:"strict" toml:"strict"`
	OnError   string             `yaml:"on_error" toml:"on_error"`
	CacheDir  string             `yaml:"cache_dir" toml:"cache_dir"`
	NodePaths []string           `yaml:"node_paths,omitempty" toml:"node_paths,omitempty"`
	Sass      Sass               `yaml:"sass" toml:"sass"`
	Rules     []rules.Definition `yaml:"rules" toml:"rules"`
	Optimize  []rules.Definition `yaml:"optimize" toml:"optimize"`
	Copy      []CopyPattern      `yaml:"copy" toml:"copy"`
	Provide   provide.Table      `yaml:"provide" toml:"provide"`

	// Root is the directory relative paths are resolved against
	Root string `yaml:"-" toml:"-"`
}

// Default returns the built-in configuration rooted at the working directory.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal(defaultConfig, &cfg); err != nil {
		panic(fmt.Errorf("parse default config: %w", err))
	}
	cfg.Root, _ = os.Getwd()
	return &cfg
}

// Sample returns the commented default configuration written by `init`.
func Sample() []byte {
	return bytes.Clone(defaultConfig)
}

// Load reads the configuration at path, or the first of FileNames in the
// working directory when path is empty. Without any file the defaults are
// used. The result is normalized and validated.
func Load(path string) (*Config, error) {
	if path == "" {
		found, err := find()
		if err != nil {
			return nil, err
		}
		if found == "" {
			log.Debug().Msg("no configuration file found, using defaults")
			cfg := Default()
			cfg.normalize()
			return cfg, cfg.Validate()
		}
		path = found
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	cfg.Root = filepath.Dir(abs)

	log.Debug().Str("path", abs).Msg("loaded configuration")

	return cfg, cfg.Validate()
}

// Parse decodes a configuration document; ext selects the format. Unknown
// keys are rejected. Omitted settings take their default values.
func Parse(data []byte, ext string) (*Config, error) {
	var cfg Config

	switch strings.ToLower(ext) {
	case ".toml":
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			return nil, err
		}
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", ext)
	}

	cfg.Root, _ = os.Getwd()
	cfg.normalize()
	return &cfg, nil
}

func find() (string, error) {
	for _, name := range FileNames {
		_, err := os.Stat(name)
		if err == nil {
			return name, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
	}
	return "", nil
}

// resolve joins p to the root unless it is absolute.
func (c *Config) resolve(p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(c.Root, filepath.FromSlash(p))
}

// ContextDir returns the absolute source directory.
func (c *Config) ContextDir() string {
	return c.resolve(c.Context)
}

// OutputDir returns the absolute output directory.
func (c *Config) OutputDir() string {
	return c.resolve(c.Output.Path)
}

// CacheDirPath returns the absolute directory for generated build inputs.
func (c *Config) CacheDirPath() string {
	return c.resolve(c.CacheDir)
}

// ContentBaseDir returns the absolute directory served by the dev server.
func (c *Config) ContentBaseDir() string {
	return c.resolve(c.DevServer.ContentBase)
}

// NodePathDirs returns the absolute module lookup directories.
func (c *Config) NodePathDirs() []string {
	dirs := make([]string, 0, len(c.NodePaths))
	for _, p := range c.NodePaths {
		dirs = append(dirs, c.resolve(p))
	}
	return dirs
}

// SassIncludePaths returns the absolute Sass load paths.
func (c *Config) SassIncludePaths() []string {
	dirs := make([]string, 0, len(c.Sass.IncludePaths))
	for _, p := range c.Sass.IncludePaths {
		dirs = append(dirs, c.resolve(p))
	}
	return dirs
}

// SourceMap returns the source map mode selected by devtool.
func (c *Config) SourceMap() stages.SourceMap {
	return stages.SourceMap(c.Devtool)
}

// WorkerCount returns the size of the worker pool.
func (c *Config) WorkerCount() int {
	if c.Workers > 0 {
		return c.Workers
	}
	return runtime.GOMAXPROCS(0)
}

// EntryNames returns the entry names in sorted order.
func (c *Config) EntryNames() []string {
	names := make([]string, 0, len(c.Entry))
	for name := range c.Entry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CompileRules compiles the rule and optimize lists against catalog.
func (c *Config) CompileRules(catalog rules.Catalog) (*rules.Set, *rules.Set, error) {
	set, err := rules.CompileField("rules", c.Rules, catalog)
	if err != nil {
		return nil, nil, err
	}
	optimize, err := rules.CompileField("optimize", c.Optimize, catalog)
	if err != nil {
		return nil, nil, err
	}
	return set, optimize, nil
}
