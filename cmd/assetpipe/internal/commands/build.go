package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog/log"

	"github.com/wolfeidau/assetpipe/internal/assets"
)

// BuildCmd runs one build and commits it to the output directory.
type BuildCmd struct {
	BuildFlags

	Quiet bool `help:"Do not print the file table" short:"q"`
}

func (c *BuildCmd) Run(ctx context.Context, globals *Globals) error {
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

	res, err := p.Build(ctx)
	if err != nil {
		return err
	}

	if !c.Quiet {
		printManifest(globals, res.Manifest)
	}

	if len(res.Failures) > 0 {
		for _, f := range res.Failures {
			log.Error().Err(f).Msg("file skipped")
		}
		return fmt.Errorf("build committed with %d failed files", len(res.Failures))
	}
	return nil
}

func printManifest(globals *Globals, m *assets.Manifest) {
	tw := newTable(globals.stdout(), "Output", "Sources", "Stages", "Size")
	tw.SetColumnConfigs(alignRight(4))

	var total int
	for _, f := range m.Files {
		sources := strings.Join(f.Sources, ", ")
		if f.VariantOf != "" {
			sources = "variant of " + f.VariantOf
		}
		tw.AppendRow(table.Row{f.Output, sources, strings.Join(f.Stages, " > "), formatSize(f.Size)})
		total += f.Size
	}
	tw.AppendFooter(table.Row{fmt.Sprintf("%d files", len(m.Files)), "", "", formatSize(total)})
	tw.Render()
}

func formatSize(n int) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MiB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KiB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
