package stages

import (
	"context"
	"errors"
)

// extractStage moves an entry stylesheet out of the script bundle into its
// own file named by the CSS filename template. Stylesheets of one entry share
// that file and are concatenated in entry order.
type extractStage struct {
	base
	env Env
}

func (s *extractStage) ID() string  { return IDExtract }
func (s *extractStage) Entry() bool { return true }

func (s *extractStage) Apply(ctx context.Context, a *Asset, opts Options) error {
	if s.env.CSSFilename.String() == "" {
		return errors.New("css filename template not configured")
	}

	out, err := s.env.CSSFilename.Resolve(nameInput(a))
	if err != nil {
		return err
	}
	a.Output = out
	a.URL = s.env.PublicPath + out
	a.Inline = false
	a.Mergeable = true
	return nil
}
