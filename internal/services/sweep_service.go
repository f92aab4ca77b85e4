package services

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/thw/backend/internal/config"
)

// SweepResult counts what one sweep removed.
type SweepResult struct {
	Orphans int
	Staged  int
}

// SweepService reclaims files left behind by crashes: committed assets that
// no record references and staged uploads that were never promoted. Files
// younger than the grace period are left alone so in-flight requests are
// never touched.
type SweepService struct {
	repo    RecordRepository
	store   *StorageService
	staging string
	grace   time.Duration
	now     func() time.Time
	log     *slog.Logger
}

func NewSweepService(cfg *config.Config, repo RecordRepository, store *StorageService, log *slog.Logger) *SweepService {
	return &SweepService{
		repo:    repo,
		store:   store,
		staging: cfg.StagingPath,
		grace:   cfg.OrphanGracePeriod,
		now:     time.Now,
		log:     log,
	}
}

func (s *SweepService) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	cutoff := s.now().Add(-s.grace)

	refs, err := s.repo.AssetRefs(ctx)
	if err != nil {
		return res, err
	}

	uploads := s.store.UploadsDir()
	root := filepath.Dir(uploads)
	err = filepath.WalkDir(uploads, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil || info.ModTime().After(cutoff) {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return nil
		}
		ref := filepath.ToSlash(rel)
		if _, ok := refs[ref]; ok {
			return nil
		}
		s.store.Release(ctx, ref)
		res.Orphans++
		return nil
	})
	if err != nil {
		return res, err
	}

	entries, err := os.ReadDir(s.staging)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return res, err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		p := filepath.Join(s.staging, e.Name())
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.log.Warn("failed to remove stale staged file", "path", p, "error", err)
			continue
		}
		res.Staged++
	}
	return res, nil
}

// Run sweeps every interval until ctx is done.
func (s *SweepService) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		res, err := s.Sweep(ctx)
		if err != nil && ctx.Err() == nil {
			s.log.Error("orphan sweep failed", "error", err)
		} else if res.Orphans > 0 || res.Staged > 0 {
			s.log.Info("orphan sweep finished", "orphans", res.Orphans, "staged", res.Staged)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
