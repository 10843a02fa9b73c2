package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"github.com/wolfeidau/assetpipe/cmd/assetpipe/internal/commands"
)

var (
	version = "dev"
	cli     struct {
		Build   commands.BuildCmd   `cmd:"" default:"withargs" help:"Build assets into the output directory"`
		Serve   commands.ServeCmd   `cmd:"" help:"Serve the project and rebuild on change"`
		Explain commands.ExplainCmd `cmd:"" help:"Show the pipeline selected for files"`
		Check   commands.CheckCmd   `cmd:"" help:"Validate the configuration and plan a build"`
		Init    commands.InitCmd    `cmd:"" help:"Write the default configuration"`
		Config  string              `help:"Configuration file (default: assetpipe.yaml, assetpipe.yml or assetpipe.toml)" short:"c" type:"path" env:"ASSETPIPE_CONFIG"`
		Debug   bool                `help:"Enable debug mode." env:"ASSETPIPE_DEBUG"`
		JSON    bool                `help:"Log as JSON." env:"ASSETPIPE_JSON"`
		Tracing bool                `help:"Export traces and metrics over OTLP." env:"ASSETPIPE_TRACING"`
		Version kong.VersionFlag
	}
)

func main() {
	// .env only provides defaults for the ASSETPIPE_* variables
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
	}

	ctx, stop := signalContext()
	cmd := kong.Parse(&cli,
		kong.Name("assetpipe"),
		kong.Description("Rule-driven asset pipeline."),
		kong.Vars{
			"version": version,
		},
		kong.BindTo(ctx, (*context.Context)(nil)))
	err := cmd.Run(&commands.Globals{
		Debug:   cli.Debug,
		JSON:    cli.JSON,
		Config:  cli.Config,
		Tracing: cli.Tracing,
		Version: version,
	})
	// FatalIfErrorf exits without running deferred calls
	stop()
	cmd.FatalIfErrorf(err)
}

// signalContext is cancelled on SIGINT or SIGTERM so commands can stop their
// workers and remove staging directories before exiting.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
