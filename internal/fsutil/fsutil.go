// Package fsutil provides the write primitives a build relies on to never
// leave truncated or half-committed output behind.
package fsutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog/log"

	"github.com/wolfeidau/assetpipe/internal/errdefs"
)

// WriteFileAtomic writes data to a temporary file in the target directory and
// renames it over path once it is fully written.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath) // clean up partial file
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}

// Staging is a hidden sibling of a target directory that receives a complete
// build before it replaces the target in one rename.
type Staging struct {
	target string
	dir    string
	done   bool
}

// NewStaging creates the staging directory ".<target>.staging-<id>" next to
// target.
func NewStaging(target, id string) (*Staging, error) {
	target = filepath.Clean(target)
	parent := filepath.Dir(target)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return nil, err
	}

	dir := filepath.Join(parent, fmt.Sprintf(".%s.staging-%s", filepath.Base(target), id))
	if err := os.Mkdir(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create staging directory: %w", err)
	}
	return &Staging{target: target, dir: dir}, nil
}

// Dir returns the staging directory.
func (s *Staging) Dir() string {
	return s.dir
}

// Write writes a file below the staging directory. rel is slash-separated.
func (s *Staging) Write(rel string, data []byte) error {
	path, err := s.path(rel)
	if err != nil {
		return err
	}
	return WriteFileAtomic(path, data, 0o644)
}

func (s *Staging) path(rel string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(rel))
	if filepath.IsAbs(clean) || clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("output path %q escapes the output directory", rel)
	}
	return filepath.Join(s.dir, clean), nil
}

// Commit swaps the staging directory in for the target. A previous target is
// moved aside first and removed once the swap succeeded.
func (s *Staging) Commit() error {
	if s.done {
		return fmt.Errorf("staging directory already committed or cleaned up")
	}

	old := s.dir + ".old"
	hadTarget := false
	if _, err := os.Stat(s.target); err == nil {
		if err := os.Rename(s.target, old); err != nil {
			return fmt.Errorf("move previous output aside: %w", err)
		}
		hadTarget = true
	} else if !os.IsNotExist(err) {
		return err
	}

	if err := os.Rename(s.dir, s.target); err != nil {
		if hadTarget {
			// put the previous output back
			if rerr := os.Rename(old, s.target); rerr != nil {
				log.Error().Err(rerr).Str("path", s.target).Msg("failed to restore previous output")
			}
		}
		return fmt.Errorf("commit output: %w", err)
	}
	s.done = true

	if hadTarget {
		if err := os.RemoveAll(old); err != nil {
			log.Warn().Err(err).Str("path", old).Msg("failed to remove previous output")
		}
	}
	return nil
}

// Cleanup removes the staging directory unless it was committed. It is safe
// to defer.
func (s *Staging) Cleanup() {
	if s.done {
		return
	}
	s.done = true
	if err := os.RemoveAll(s.dir); err != nil {
		log.Warn().Err(err).Str("path", s.dir).Msg("failed to remove staging directory")
	}
}

// Lock is an exclusive, inter-process lock for builds into one output directory.
type Lock struct {
	path string
	fl   *flock.Flock
}

// TryLock takes the lock file ".<target>.lock" next to target without
// blocking; errdefs.ErrBuildLocked means another build holds it.
func TryLock(target string) (*Lock, error) {
	target = filepath.Clean(target)
	parent := filepath.Dir(target)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return nil, err
	}

	path := filepath.Join(parent, "."+filepath.Base(target)+".lock")
	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w (%s)", errdefs.ErrBuildLocked, path)
	}
	return &Lock{path: path, fl: fl}, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// Unlock releases the lock.
func (l *Lock) Unlock() error {
	return l.fl.Unlock()
}
