package commands

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/wolfeidau/assetpipe/internal/devserver"
)

// ServeCmd runs the development server.
type ServeCmd struct {
	BuildFlags

	Host string `help:"Interface to listen on" default:"" env:"ASSETPIPE_HOST"`
	Port int    `help:"Port overriding dev_server.port" default:"0" env:"ASSETPIPE_PORT"`
}

func (c *ServeCmd) Run(ctx context.Context, globals *Globals) error {
	defer globals.setup(ctx)()

	p, err := loadPipeline(globals, &c.BuildFlags)
	if err != nil {
		return err
	}
	defer func() {
		if err := p.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to stop sass compiler")
		}
	}()

	opts := []devserver.Option{devserver.WithHost(c.Host)}
	if c.Port > 0 {
		opts = append(opts, devserver.WithPort(c.Port))
	}

	log.Info().Str("version", globals.Version).Bool("debug", globals.Debug).Msg("Starting dev server")
	return devserver.New(p, opts...).Run(ctx)
}
