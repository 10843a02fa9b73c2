package commands

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/rs/zerolog/log"

	"github.com/wolfeidau/assetpipe/internal/assets"
	"github.com/wolfeidau/assetpipe/internal/config"
	"github.com/wolfeidau/assetpipe/internal/logger"
	"github.com/wolfeidau/assetpipe/internal/telemetry"
)

type Globals struct {
	Debug   bool
	JSON    bool
	Config  string
	Tracing bool
	Version string

	// Stdout receives command output; nil means os.Stdout
	Stdout io.Writer
}

func (g *Globals) stdout() io.Writer {
	if g.Stdout == nil {
		return os.Stdout
	}
	return g.Stdout
}

// setup configures logging and, with --tracing, OTLP export. The returned
// func flushes telemetry and must be called before exit.
func (g *Globals) setup(ctx context.Context) func() {
	logger.Setup(g.Debug, g.JSON)

	if !g.Tracing {
		return func() {}
	}

	log.Info().Msg("Tracing is enabled")
	shutdown, err := telemetry.Init(ctx, telemetry.Config{ServiceName: "assetpipe", Version: g.Version})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize telemetry, continuing without it")
		return func() {}
	}
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Failed to shutdown telemetry")
		}
	}
}

// BuildFlags override configuration settings for one run.
type BuildFlags struct {
	Mode      string `help:"Build mode overriding the configuration (development, production)" env:"ASSETPIPE_MODE"`
	KeepGoing bool   `help:"Skip files that fail and report them at the end" env:"ASSETPIPE_KEEP_GOING"`
	Strict    bool   `help:"Fail on files no rule matches" env:"ASSETPIPE_STRICT"`
	Workers   int    `help:"Concurrent workers (0 uses the configured value)" default:"0" env:"ASSETPIPE_WORKERS"`
	Minify    string `help:"Script minification (auto follows the mode)" enum:"auto,on,off" default:"auto" env:"ASSETPIPE_MINIFY"`
}

func (f *BuildFlags) apply(cfg *config.Config) []assets.Option {
	if f.Mode != "" {
		cfg.Mode = f.Mode
	}

	var opts []assets.Option
	if f.KeepGoing {
		opts = append(opts, assets.WithKeepGoing(true))
	}
	if f.Strict {
		opts = append(opts, assets.WithStrict(true))
	}
	if f.Workers > 0 {
		opts = append(opts, assets.WithWorkers(f.Workers))
	}
	switch f.Minify {
	case "on", "off":
		opts = append(opts, assets.WithMinify(f.Minify == "on"))
	}
	return opts
}

// loadPipeline loads the configuration named by globals and builds a
// pipeline from it.
func loadPipeline(globals *Globals, flags *BuildFlags) (*assets.Pipeline, error) {
	cfg, err := config.Load(globals.Config)
	if err != nil {
		return nil, err
	}

	var opts []assets.Option
	if flags != nil {
		opts = flags.apply(cfg)
	}
	return assets.New(cfg, opts...)
}

func newTable(w io.Writer, headers ...string) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleRounded)

	header := make(table.Row, len(headers))
	for i, h := range headers {
		header[i] = h
	}
	tw.AppendHeader(header)
	return tw
}

func alignRight(columns ...int) []table.ColumnConfig {
	configs := make([]table.ColumnConfig, 0, len(columns))
	for _, c := range columns {
		configs = append(configs, table.ColumnConfig{Number: c, Align: text.AlignRight, AlignHeader: text.AlignLeft})
	}
	return configs
}
