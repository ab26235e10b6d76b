package manifest

import (
	"context"
	"io/fs"
	"path/filepath"

	"github.com/jward/understory/internal/paths"
)

// Build walks cfg.Root and runs the full Setup, Process*, PostProcess
// sequence. When ctx is canceled mid-walk the pending snapshot is dropped and
// the previously published one stays in place.
func (s *Store) Build(ctx context.Context, cfg Config, ex *paths.Excluder) error {
	root := paths.Normalize(cfg.Root)
	if ex == nil {
		ex = paths.NewExcluder()
	}
	s.Setup(cfg)
	err := filepath.WalkDir(filepath.FromSlash(root), func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable entries are skipped, a missing root yields an empty snapshot.
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		np := paths.Normalize(p)
		rel := paths.Rel(root, np)
		if d.IsDir() {
			if ex.Excluded(rel, true) {
				return filepath.SkipDir
			}
			s.ProcessDirectory(np)
			return nil
		}
		if ex.Excluded(rel, false) {
			return nil
		}
		s.ProcessFile(np, cfg)
		return nil
	})
	if err != nil {
		s.Abort()
		return err
	}
	return s.PostProcess(cfg)
}
