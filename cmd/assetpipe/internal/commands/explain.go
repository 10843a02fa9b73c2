package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/wolfeidau/assetpipe/internal/assets"
	"github.com/wolfeidau/assetpipe/internal/rules"
)

// ExplainCmd prints the pipeline selected for paths without building.
type ExplainCmd struct {
	BuildFlags

	Paths []string `arg:"" help:"Paths relative to the context directory"`
}

func (c *ExplainCmd) Run(ctx context.Context, globals *Globals) error {
	defer globals.setup(ctx)()

	p, err := loadPipeline(globals, &c.BuildFlags)
	if err != nil {
		return err
	}
	defer func() { _ = p.Close() }()

	tw := newTable(globals.stdout(), "Path", "Rules", "Stages", "Output", "Optimize", "Notes")
	for _, path := range c.Paths {
		ex, err := p.Explain(path)
		if err != nil {
			return fmt.Errorf("explain %s: %w", path, err)
		}
		tw.AppendRow(explainRow(ex))
	}
	tw.Render()
	return nil
}

func explainRow(ex *assets.Explanation) table.Row {
	var notes []string
	switch {
	case ex.Entry != "":
		notes = append(notes, ex.Entry)
	case ex.Module:
		notes = append(notes, "bundled through an entry")
	case ex.Copy:
		notes = append(notes, "copied")
	case ex.Selection.PassThrough():
		notes = append(notes, "pass-through")
	case ex.Output == "":
		notes = append(notes, "inlined")
	}
	for _, o := range ex.Selection.Overlaps {
		notes = append(notes, describeOverlap(o))
	}

	return table.Row{
		ex.Path,
		strings.Join(ex.Selection.Rules, ", "),
		strings.Join(ex.Selection.StageIDs(), " > "),
		ex.Output,
		strings.Join(ex.Optimize.StageIDs(), " > "),
		strings.Join(notes, "; "),
	}
}

func describeOverlap(o rules.Overlap) string {
	return fmt.Sprintf("%s from %s overridden by %s (%s wins)", o.Stage, o.Rule, o.By, o.Winner)
}
