package commands

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/wolfeidau/assetpipe/internal/config"
	"github.com/wolfeidau/assetpipe/internal/fsutil"
)

// ErrConfigExists is returned when init would overwrite a configuration.
var ErrConfigExists = errors.New("configuration file already exists")

// InitCmd writes the default configuration.
type InitCmd struct {
	Dir   string `help:"Directory to write the configuration into" default:"."`
	Force bool   `help:"Overwrite an existing configuration"`
}

func (c *InitCmd) Run(ctx context.Context, globals *Globals) error {
	path := filepath.Join(c.Dir, config.FileNames[0])

	if !c.Force {
		for _, name := range config.FileNames {
			existing := filepath.Join(c.Dir, name)
			if _, err := os.Stat(existing); err == nil {
				return fmt.Errorf("%w: %s (use --force to replace it)", ErrConfigExists, existing)
			} else if !errors.Is(err, fs.ErrNotExist) {
				return err
			}
		}
	}

	if err := os.MkdirAll(c.Dir, 0o755); err != nil {
		return err
	}
	if err := fsutil.WriteFileAtomic(path, config.Sample(), 0o644); err != nil {
		return fmt.Errorf("failed to write configuration: %w", err)
	}

	_, _ = fmt.Fprintf(globals.stdout(), "Wrote %s\n", path)
	return nil
}
