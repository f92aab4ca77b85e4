package services

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/thw/backend/internal/config"
)

// Upload is one file payload of an inbound request.
type Upload struct {
	Reader    io.Reader
	Filename  string
	MediaType string
}

// StagedFile is an uploaded file sitting in temporary storage.
type StagedFile struct {
	Path         string
	OriginalName string
	Ext          string
	MediaType    string
	Size         int64
}

// extensions accepted per media type
var imageExtensions = map[string][]string{
	"image/jpeg": {".jpg", ".jpeg"},
	"image/png":  {".png"},
	"image/webp": {".webp"},
	"image/gif":  {".gif"},
}

const sniffLen = 3072

// Stager receives uploads into the staging directory.
type Stager struct {
	dir     string
	maxSize int64
	allowed map[string]bool
	seq     atomic.Uint64
	log     *slog.Logger
}

func NewStager(cfg *config.Config, log *slog.Logger) (*Stager, error) {
	// Staged files must never be reachable through the static uploads route.
	if within(cfg.StagingPath, filepath.Join(cfg.PublicPath, UploadsPrefix)) {
		return nil, fmt.Errorf("staging dir %s is inside the public uploads dir", cfg.StagingPath)
	}
	if err := os.MkdirAll(cfg.StagingPath, 0o755); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	allowed := make(map[string]bool, len(cfg.UploadAllowedTypes))
	for _, t := range cfg.UploadAllowedTypes {
		allowed[strings.ToLower(strings.TrimSpace(t))] = true
	}
	return &Stager{
		dir:     cfg.StagingPath,
		maxSize: cfg.UploadMaxImageSize,
		allowed: allowed,
		log:     log,
	}, nil
}

func within(dir, parent string) bool {
	d, err := filepath.Abs(dir)
	if err != nil {
		return false
	}
	p, err := filepath.Abs(parent)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(p, d)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func (s *Stager) Dir() string {
	return s.dir
}

// Stage writes the upload to a fresh temporary file. Disallowed media types,
// mismatching content and oversized payloads fail with ErrInvalidMedia.
func (s *Stager) Stage(ctx context.Context, up Upload) (*StagedFile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mediaType := strings.ToLower(strings.TrimSpace(up.MediaType))
	if i := strings.Index(mediaType, ";"); i >= 0 {
		mediaType = strings.TrimSpace(mediaType[:i])
	}
	ext := strings.ToLower(filepath.Ext(up.Filename))
	if !s.allowed[mediaType] {
		return nil, fmt.Errorf("%w: media type %q not allowed", ErrInvalidMedia, up.MediaType)
	}
	if !extensionMatches(mediaType, ext) {
		return nil, fmt.Errorf("%w: extension %q does not match %s", ErrInvalidMedia, ext, mediaType)
	}

	br := bufio.NewReaderSize(up.Reader, sniffLen)
	head, err := br.Peek(sniffLen)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return nil, ioError("read upload", err)
	}
	if detected := mimetype.Detect(head); !detected.Is(mediaType) {
		return nil, fmt.Errorf("%w: content is %s, declared %s", ErrInvalidMedia, detected.String(), mediaType)
	}

	// timestamp + sequence keep names ordered; CreateTemp adds a random
	// suffix and opens with O_EXCL so nothing is ever overwritten
	pattern := fmt.Sprintf("stage-%d-%d-*%s", time.Now().UnixNano(), s.seq.Add(1), ext)
	f, err := os.CreateTemp(s.dir, pattern)
	if err != nil {
		return nil, ioError("create staged file", err)
	}

	n, err := io.Copy(f, io.LimitReader(br, s.maxSize+1))
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(f.Name())
		return nil, ioError("write staged file", err)
	}
	if n > s.maxSize {
		_ = os.Remove(f.Name())
		return nil, fmt.Errorf("%w: file too large (max %d bytes)", ErrInvalidMedia, s.maxSize)
	}

	return &StagedFile{
		Path:         f.Name(),
		OriginalName: up.Filename,
		Ext:          ext,
		MediaType:    mediaType,
		Size:         n,
	}, nil
}

// Discard removes a staged file if it is still there.
func (s *Stager) Discard(sf *StagedFile) {
	if sf == nil {
		return
	}
	if err := os.Remove(sf.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.log.Warn("failed to discard staged file", "path", sf.Path, "error", err)
	}
}

func extensionMatches(mediaType, ext string) bool {
	for _, e := range imageExtensions[mediaType] {
		if e == ext {
			return true
		}
	}
	return false
}

// Batch groups the files staged for one request.
type Batch struct {
	stager *Stager
	mu     sync.Mutex
	files  []*StagedFile
}

func (s *Stager) NewBatch() *Batch {
	return &Batch{stager: s}
}

// Stage stages up and tracks the result. On error nothing new is tracked.
func (b *Batch) Stage(ctx context.Context, up Upload) (*StagedFile, error) {
	sf, err := b.stager.Stage(ctx, up)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.files = append(b.files, sf)
	b.mu.Unlock()
	return sf, nil
}

func (b *Batch) Files() []*StagedFile {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*StagedFile(nil), b.files...)
}

// Discard removes every tracked file that is still staged. Files already
// promoted by the committer are gone from the staging dir, so calling
// Discard after a partial commit is safe. Calling it twice is a no-op.
func (b *Batch) Discard() {
	b.mu.Lock()
	files := b.files
	b.files = nil
	b.mu.Unlock()
	for _, sf := range files {
		b.stager.Discard(sf)
	}
}
