package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/wolfeidau/assetpipe/internal/rules"
)

// CheckCmd validates the configuration and plans a build without running
// any stage.
type CheckCmd struct {
	BuildFlags
}

func (c *CheckCmd) Run(ctx context.Context, globals *Globals) error {
	defer globals.setup(ctx)()

	p, err := loadPipeline(globals, &c.BuildFlags)
	if err != nil {
		return err
	}
	defer func() { _ = p.Close() }()

	out := globals.stdout()

	printRules(globals, "rules", p.Rules())
	printRules(globals, "optimize", p.OptimizeRules())

	plan, err := p.Plan(ctx)
	if err != nil {
		return err
	}

	if len(plan.Overlaps) > 0 {
		tw := newTable(out, "Path", "Stage", "Rule", "Overridden by", "Winner")
		for _, o := range plan.Overlaps {
			tw.AppendRow(table.Row{o.Path, o.Stage, o.Rule, o.By, o.Winner})
		}
		tw.SetTitle("overlapping rules")
		tw.Render()
	}

	_, _ = fmt.Fprintf(out, "%d assets, %d entries, %d modules, %d copies, %d overlaps\n",
		len(plan.Assets), len(plan.Entries), len(plan.Modules), len(plan.Copies), len(plan.Overlaps))

	if len(plan.Unmatched) > 0 {
		return fmt.Errorf("%d files match no rule", len(plan.Unmatched))
	}
	return nil
}

func printRules(globals *Globals, title string, set *rules.Set) {
	if set.Len() == 0 {
		return
	}
	tw := newTable(globals.stdout(), "#", "Name", "Mode", "Stages")
	tw.SetTitle(title)
	for i, r := range set.Rules() {
		ids := make([]string, 0, len(r.Stages))
		for _, s := range r.Stages {
			ids = append(ids, s.ID)
		}
		tw.AppendRow(table.Row{i, r.Name, string(r.Mode), strings.Join(ids, " > ")})
	}
	tw.Render()
}
