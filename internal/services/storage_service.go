package services

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/thw/backend/internal/config"
)

// UploadsPrefix is the first segment of every asset reference.
const UploadsPrefix = "uploads"

// AssetMirror receives copies of committed assets. Mirror failures never fail
// the local operation.
type AssetMirror interface {
	PutAsset(ctx context.Context, ref, localPath, contentType string) error
	DeleteAsset(ctx context.Context, ref string) error
}

// StorageService promotes staged files into permanent storage under the
// public root and deletes files that are no longer referenced.
type StorageService struct {
	cfg    *config.Config
	root   string
	mirror AssetMirror
	log    *slog.Logger
}

func NewStorageService(cfg *config.Config, log *slog.Logger) (*StorageService, error) {
	if err := os.MkdirAll(filepath.Join(cfg.PublicPath, UploadsPrefix), 0o755); err != nil {
		return nil, fmt.Errorf("create uploads dir: %w", err)
	}
	return &StorageService{cfg: cfg, root: cfg.PublicPath, log: log}, nil
}

// SetMirror enables mirroring of committed and released assets.
func (s *StorageService) SetMirror(m AssetMirror) {
	s.mirror = m
}

// Commit moves a staged file to uploads/<dir>/<uuid><ext> and returns that
// reference. The staged file no longer exists afterwards.
func (s *StorageService) Commit(ctx context.Context, dir string, sf *StagedFile) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if _, err := os.Lstat(sf.Path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrMissingStagedFile, filepath.Base(sf.Path))
		}
		return "", ioError("stat staged file", err)
	}

	destDir := filepath.Join(s.root, UploadsPrefix, filepath.FromSlash(dir))
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", ioError("create asset dir", err)
	}

	ext := strings.ToLower(sf.Ext)
	var ref, dest string
	for attempt := 0; ; attempt++ {
		if attempt == 5 {
			return "", ioError("pick asset name", errors.New("too many collisions"))
		}
		ref = path.Join(UploadsPrefix, dir, uuid.New().String()+ext)
		dest = filepath.Join(s.root, filepath.FromSlash(ref))
		if _, err := os.Lstat(dest); errors.Is(err, fs.ErrNotExist) {
			break
		}
	}

	if err := os.Rename(sf.Path, dest); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrMissingStagedFile, filepath.Base(sf.Path))
		}
		return "", ioError("commit asset", err)
	}

	if s.mirror != nil {
		if err := s.mirror.PutAsset(ctx, ref, dest, sf.MediaType); err != nil {
			s.log.Warn("failed to mirror asset", "ref", ref, "error", err)
		}
	}
	return ref, nil
}

// Release deletes the file behind ref. Missing files are fine and any other
// failure is only logged, so Release can be called any number of times.
func (s *StorageService) Release(ctx context.Context, ref string) {
	abs, err := s.ResolvePath(ref)
	if err != nil {
		s.log.Warn("refusing to release asset", "ref", ref, "error", err)
		return
	}
	if err := os.Remove(abs); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.log.Error("failed to release asset", "ref", ref, "error", err)
		return
	}
	if s.mirror != nil {
		if err := s.mirror.DeleteAsset(ctx, ref); err != nil {
			s.log.Warn("failed to delete mirrored asset", "ref", ref, "error", err)
		}
	}
	s.log.Debug("asset released", "ref", ref)
}

// ResolvePath maps a reference onto the local filesystem. References that
// leave the uploads directory are rejected.
func (s *StorageService) ResolvePath(ref string) (string, error) {
	clean := path.Clean(ref)
	if clean != ref || !strings.HasPrefix(clean, UploadsPrefix+"/") || strings.Contains(clean, "..") {
		return "", fmt.Errorf("invalid asset reference %q", ref)
	}
	return filepath.Join(s.root, filepath.FromSlash(clean)), nil
}

// Exists reports whether the file behind ref is present.
func (s *StorageService) Exists(ref string) bool {
	abs, err := s.ResolvePath(ref)
	if err != nil {
		return false
	}
	_, err = os.Stat(abs)
	return err == nil
}

// UploadsDir is the absolute directory committed assets live in.
func (s *StorageService) UploadsDir() string {
	return filepath.Join(s.root, UploadsPrefix)
}
