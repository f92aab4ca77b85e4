package services

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thw/backend/internal/logging"
	"github.com/thw/backend/internal/models"
)

// hookRepo lets a test intercept repository calls.
type hookRepo struct {
	RecordRepository
	beforeGet   func(ctx context.Context)
	beforeWrite func(ctx context.Context) error
}

func (h *hookRepo) GetByID(ctx context.Context, kind *Kind, id uuid.UUID) (*models.Record, error) {
	rec, err := h.RecordRepository.GetByID(ctx, kind, id)
	if h.beforeGet != nil {
		h.beforeGet(ctx)
	}
	return rec, err
}

func (h *hookRepo) GetSingleton(ctx context.Context, kind *Kind) (*models.Record, error) {
	rec, err := h.RecordRepository.GetSingleton(ctx, kind)
	if h.beforeGet != nil {
		h.beforeGet(ctx)
	}
	return rec, err
}

func (h *hookRepo) write(ctx context.Context) error {
	if h.beforeWrite != nil {
		return h.beforeWrite(ctx)
	}
	return nil
}

func (h *hookRepo) Create(ctx context.Context, kind *Kind, fields json.RawMessage, assets []string) (*models.Record, error) {
	if err := h.write(ctx); err != nil {
		return nil, err
	}
	return h.RecordRepository.Create(ctx, kind, fields, assets)
}

func (h *hookRepo) CreateSingleton(ctx context.Context, kind *Kind, fields json.RawMessage, assets []string) (*models.Record, error) {
	if err := h.write(ctx); err != nil {
		return nil, err
	}
	return h.RecordRepository.CreateSingleton(ctx, kind, fields, assets)
}

func (h *hookRepo) Update(ctx context.Context, kind *Kind, id uuid.UUID, c Change) (*models.Record, error) {
	if err := h.write(ctx); err != nil {
		return nil, err
	}
	return h.RecordRepository.Update(ctx, kind, id, c)
}

func (h *hookRepo) UpdateSingleton(ctx context.Context, kind *Kind, c Change) (*models.Record, error) {
	if err := h.write(ctx); err != nil {
		return nil, err
	}
	return h.RecordRepository.UpdateSingleton(ctx, kind, c)
}

type contentFixture struct {
	svc   *ContentService
	repo  *hookRepo
	store *StorageService
	cfg   *stagerDirs
}

type stagerDirs struct {
	staging string
	uploads string
}

func newContentFixture(t *testing.T) *contentFixture {
	t.Helper()
	cfg := testConfig(t)
	log := logging.Discard()
	stager, err := NewStager(cfg, log)
	require.NoError(t, err)
	store, err := NewStorageService(cfg, log)
	require.NoError(t, err)
	repo := &hookRepo{RecordRepository: NewMemoryRepository(NewFieldValidator())}
	return &contentFixture{
		svc:   NewContentService(cfg, DefaultKinds(), repo, stager, store, log),
		repo:  repo,
		store: store,
		cfg:   &stagerDirs{staging: cfg.StagingPath, uploads: store.UploadsDir()},
	}
}

// committedFiles lists the permanent files as references.
func (f *contentFixture) committedFiles(t *testing.T) []string {
	t.Helper()
	var refs []string
	root := filepath.Dir(f.cfg.uploads)
	err := filepath.WalkDir(f.cfg.uploads, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		refs = append(refs, filepath.ToSlash(rel))
		return nil
	})
	require.NoError(t, err)
	return refs
}

func (f *contentFixture) stagedFiles(t *testing.T) []os.DirEntry {
	t.Helper()
	entries, err := os.ReadDir(f.cfg.staging)
	require.NoError(t, err)
	return entries
}

// assertConsistent checks that every persisted reference exists and every
// committed file is referenced.
func (f *contentFixture) assertConsistent(t *testing.T) {
	t.Helper()
	refs, err := f.repo.AssetRefs(context.Background())
	require.NoError(t, err)
	for ref := range refs {
		assert.True(t, f.store.Exists(ref), "referenced asset %s missing on disk", ref)
	}
	for _, file := range f.committedFiles(t) {
		_, ok := refs[file]
		assert.True(t, ok, "orphaned asset %s", file)
	}
	assert.Empty(t, f.stagedFiles(t), "staging dir must be empty")
}

func pngUploads(n int) []Upload {
	ups := make([]Upload, n)
	for i := range ups {
		ups[i] = pngUpload(uuid.NewString() + ".png")
	}
	return ups
}

func TestCreate_AttractionWithImage(t *testing.T) {
	f := newContentFixture(t)

	rec, err := f.svc.Create(context.Background(), KindAttraction, json.RawMessage(validAttraction), pngUploads(1))
	require.NoError(t, err)
	require.Len(t, rec.Assets, 1)
	assert.True(t, strings.HasPrefix(rec.Assets[0], "uploads/attractions/"))
	assert.Equal(t, int64(1), rec.Version)
	f.assertConsistent(t)
}

func TestCreate_InvalidFieldRollsBackAllFiles(t *testing.T) {
	f := newContentFixture(t)

	fields := json.RawMessage(strings.Replace(validAbout, `"heroTitle":"H"`, `"heroTitle":""`, 1))
	_, err := f.svc.Create(context.Background(), KindAbout, fields, pngUploads(3))

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "heroTitle", verr.Field)
	assert.Empty(t, f.committedFiles(t))
	assert.Empty(t, f.stagedFiles(t))

	_, err = f.svc.GetSingleton(context.Background(), KindAbout)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreate_InvalidMediaMidBatchRollsBack(t *testing.T) {
	f := newContentFixture(t)

	uploads := append(pngUploads(2), Upload{
		Reader:    strings.NewReader("not an image"),
		Filename:  "evil.png",
		MediaType: "image/png",
	})
	_, err := f.svc.Create(context.Background(), KindAbout, json.RawMessage(validAbout), uploads)
	assert.ErrorIs(t, err, ErrInvalidMedia)
	assert.Empty(t, f.committedFiles(t))
	assert.Empty(t, f.stagedFiles(t))
}

func TestCreate_RequiresImages(t *testing.T) {
	f := newContentFixture(t)

	_, err := f.svc.Create(context.Background(), KindAttraction, json.RawMessage(validAttraction), nil)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "image", verr.Field)
}

func TestCreate_RejectsFilesForKindWithoutImages(t *testing.T) {
	f := newContentFixture(t)

	_, err := f.svc.Create(context.Background(), KindGuideline, json.RawMessage(`{"icon":"i","title":"t","points":["p"]}`), pngUploads(1))
	assert.ErrorIs(t, err, ErrValidation)
	assert.Empty(t, f.committedFiles(t))
}

func TestCreate_RepositoryFailureRollsBack(t *testing.T) {
	f := newContentFixture(t)
	f.repo.beforeWrite = func(context.Context) error { return errors.New("db down") }

	_, err := f.svc.Create(context.Background(), KindAttraction, json.RawMessage(validAttraction), pngUploads(1))
	require.Error(t, err)
	assert.Equal(t, KindInternal, ErrorKind(err))
	assert.Empty(t, f.committedFiles(t))
	assert.Empty(t, f.stagedFiles(t))
}

func TestCreate_CancelledDuringWriteStillRollsBack(t *testing.T) {
	f := newContentFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	f.repo.beforeWrite = func(ctx context.Context) error {
		cancel()
		return ctx.Err()
	}

	_, err := f.svc.Create(ctx, KindAttraction, json.RawMessage(validAttraction), pngUploads(1))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, f.committedFiles(t))
}

func TestCreateSingleton_ConcurrentCreatesExactlyOneWins(t *testing.T) {
	f := newContentFixture(t)

	const n = 8
	var wins, exists atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Create(context.Background(), KindAbout, json.RawMessage(validAbout), pngUploads(2))
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, ErrAlreadyExists):
				exists.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(n-1), exists.Load())

	rec, err := f.svc.GetSingleton(context.Background(), KindAbout)
	require.NoError(t, err)
	assert.Len(t, rec.Assets, 2)
	assert.Len(t, f.committedFiles(t), 2, "losers must not leave files behind")
	f.assertConsistent(t)
}

func TestUpdate_RemoveFirstAddOneKeepsOrderAndReleasesAfterWrite(t *testing.T) {
	f := newContentFixture(t)
	ctx := context.Background()

	rec, err := f.svc.Create(ctx, KindAbout, json.RawMessage(validAbout), pngUploads(2))
	require.NoError(t, err)
	a, b := rec.Assets[0], rec.Assets[1]

	var existedAtWrite bool
	f.repo.beforeWrite = func(context.Context) error {
		existedAtWrite = f.store.Exists(a)
		return nil
	}

	updated, err := f.svc.UpdateSingleton(ctx, KindAbout, UpdateRequest{
		RemoveIndices: []int{0},
		Uploads:       pngUploads(1),
	})
	require.NoError(t, err)

	require.Len(t, updated.Assets, 2)
	assert.Equal(t, b, updated.Assets[0])
	assert.NotEqual(t, a, updated.Assets[1])
	assert.True(t, existedAtWrite, "old asset must survive until the write is durable")
	assert.False(t, f.store.Exists(a))
	assert.Equal(t, int64(2), updated.Version)
	f.assertConsistent(t)
}

func TestUpdate_OutOfRangeIndexHasNoSideEffects(t *testing.T) {
	f := newContentFixture(t)
	ctx := context.Background()

	rec, err := f.svc.Create(ctx, KindAbout, json.RawMessage(validAbout), pngUploads(2))
	require.NoError(t, err)

	_, err = f.svc.UpdateSingleton(ctx, KindAbout, UpdateRequest{
		RemoveIndices: []int{5},
		Uploads:       pngUploads(1),
	})
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "imagesToRemove", verr.Field)

	stored, err := f.svc.GetSingleton(ctx, KindAbout)
	require.NoError(t, err)
	assert.Equal(t, rec.Assets, stored.Assets)
	assert.Equal(t, rec.Version, stored.Version)
	assert.Len(t, f.committedFiles(t), 2)
	f.assertConsistent(t)
}

func TestUpdate_DuplicateIndexRejected(t *testing.T) {
	f := newContentFixture(t)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, KindAbout, json.RawMessage(validAbout), pngUploads(3))
	require.NoError(t, err)

	_, err = f.svc.UpdateSingleton(ctx, KindAbout, UpdateRequest{RemoveIndices: []int{1, 1}})
	assert.ErrorIs(t, err, ErrValidation)
	assert.Len(t, f.committedFiles(t), 3)
}

func TestUpdate_CannotRemoveBelowMinimum(t *testing.T) {
	f := newContentFixture(t)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, KindAbout, json.RawMessage(validAbout), pngUploads(1))
	require.NoError(t, err)

	_, err = f.svc.UpdateSingleton(ctx, KindAbout, UpdateRequest{RemoveIndices: []int{0}})
	assert.ErrorIs(t, err, ErrValidation)
	f.assertConsistent(t)
}

func TestUpdate_InvalidFieldReleasesOnlyNewFiles(t *testing.T) {
	f := newContentFixture(t)
	ctx := context.Background()

	rec, err := f.svc.Create(ctx, KindAbout, json.RawMessage(validAbout), pngUploads(2))
	require.NoError(t, err)

	_, err = f.svc.UpdateSingleton(ctx, KindAbout, UpdateRequest{
		Fields:        map[string]json.RawMessage{"heroTitle": json.RawMessage(`""`)},
		RemoveIndices: []int{0},
		Uploads:       pngUploads(2),
	})
	assert.ErrorIs(t, err, ErrValidation)

	assert.ElementsMatch(t, rec.AssetList(), f.committedFiles(t))
	f.assertConsistent(t)
}

func TestUpdate_AttractionImageIsSuperseded(t *testing.T) {
	f := newContentFixture(t)
	ctx := context.Background()

	rec, err := f.svc.Create(ctx, KindAttraction, json.RawMessage(validAttraction), pngUploads(1))
	require.NoError(t, err)
	old := rec.Assets[0]

	updated, err := f.svc.Update(ctx, KindAttraction, rec.ID, UpdateRequest{Uploads: pngUploads(1)})
	require.NoError(t, err)
	require.Len(t, updated.Assets, 1)
	assert.NotEqual(t, old, updated.Assets[0])
	assert.False(t, f.store.Exists(old))
	f.assertConsistent(t)
}

func TestUpdate_FieldsOnlyKeepsAssets(t *testing.T) {
	f := newContentFixture(t)
	ctx := context.Background()

	rec, err := f.svc.Create(ctx, KindAttraction, json.RawMessage(validAttraction), pngUploads(1))
	require.NoError(t, err)

	updated, err := f.svc.Update(ctx, KindAttraction, rec.ID, UpdateRequest{
		Fields: map[string]json.RawMessage{"title": json.RawMessage(`"Lazy River"`)},
	})
	require.NoError(t, err)
	assert.Equal(t, rec.Assets, updated.Assets)
	assert.Contains(t, string(updated.Fields), "Lazy River")
	f.assertConsistent(t)
}

func TestUpdate_EmptyRequestRejected(t *testing.T) {
	f := newContentFixture(t)

	_, err := f.svc.Update(context.Background(), KindAttraction, uuid.New(), UpdateRequest{})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestUpdate_MissingRecord(t *testing.T) {
	f := newContentFixture(t)

	_, err := f.svc.Update(context.Background(), KindAttraction, uuid.New(), UpdateRequest{
		Fields:  map[string]json.RawMessage{"icon": json.RawMessage(`"x"`)},
		Uploads: pngUploads(1),
	})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, f.committedFiles(t))
	assert.Empty(t, f.stagedFiles(t))
}

func TestUpdate_ConcurrentRemovalsConflict(t *testing.T) {
	f := newContentFixture(t)
	ctx := context.Background()

	rec, err := f.svc.Create(ctx, KindAbout, json.RawMessage(validAbout), pngUploads(3))
	require.NoError(t, err)
	a, b := rec.Assets[0], rec.Assets[1]

	// both requests read version 1 before either writes
	var readers sync.WaitGroup
	readers.Add(2)
	f.repo.beforeGet = func(context.Context) {
		readers.Done()
		readers.Wait()
	}

	type result struct {
		rec *models.Record
		err error
	}
	results := make(chan result, 2)
	for _, idx := range []int{0, 1} {
		go func(idx int) {
			r, err := f.svc.UpdateSingleton(ctx, KindAbout, UpdateRequest{
				RemoveIndices: []int{idx},
				Uploads:       pngUploads(1),
			})
			results <- result{r, err}
		}(idx)
	}

	var winner *models.Record
	conflicts := 0
	for i := 0; i < 2; i++ {
		r := <-results
		if r.err == nil {
			winner = r.rec
			continue
		}
		require.ErrorIs(t, r.err, ErrConflict)
		conflicts++
	}
	f.repo.beforeGet = nil

	require.NotNil(t, winner)
	assert.Equal(t, 1, conflicts)
	assert.Equal(t, int64(2), winner.Version)
	assert.Len(t, winner.Assets, 3)

	// exactly one of a, b was removed; the loser's removal never happened
	assert.NotEqual(t, f.store.Exists(a), f.store.Exists(b))
	assert.Len(t, f.committedFiles(t), 3)
	f.assertConsistent(t)
}

func TestSave_CreatesThenReplaces(t *testing.T) {
	f := newContentFixture(t)
	ctx := context.Background()

	first, err := f.svc.Save(ctx, KindAbout, json.RawMessage(validAbout), pngUploads(2))
	require.NoError(t, err)

	replacement := strings.Replace(validAbout, `"heroTitle":"H"`, `"heroTitle":"New"`, 1)
	second, err := f.svc.Save(ctx, KindAbout, json.RawMessage(replacement), pngUploads(1))
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, int64(2), second.Version)
	require.Len(t, second.Assets, 1)
	assert.Contains(t, string(second.Fields), `"New"`)
	for _, old := range first.Assets {
		assert.False(t, f.store.Exists(old))
	}
	f.assertConsistent(t)
}

func TestSave_WithoutUploadsKeepsAssets(t *testing.T) {
	f := newContentFixture(t)
	ctx := context.Background()

	first, err := f.svc.Save(ctx, KindAbout, json.RawMessage(validAbout), pngUploads(2))
	require.NoError(t, err)

	second, err := f.svc.Save(ctx, KindAbout, json.RawMessage(validAbout), nil)
	require.NoError(t, err)
	assert.Equal(t, first.Assets, second.Assets)
	f.assertConsistent(t)
}

func TestSave_FirstSaveNeedsImages(t *testing.T) {
	f := newContentFixture(t)

	_, err := f.svc.Save(context.Background(), KindAbout, json.RawMessage(validAbout), nil)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestSave_DashboardWithoutAssets(t *testing.T) {
	f := newContentFixture(t)
	ctx := context.Background()

	_, err := f.svc.Save(ctx, KindDashboard, json.RawMessage(validDashboard), nil)
	require.NoError(t, err)

	updated := strings.Replace(validDashboard, `"phone":"123"`, `"phone":"456"`, 1)
	rec, err := f.svc.Save(ctx, KindDashboard, json.RawMessage(updated), nil)
	require.NoError(t, err)
	assert.Contains(t, string(rec.Fields), `"456"`)
	assert.Equal(t, int64(2), rec.Version)
}

func TestDelete_ReleasesAssets(t *testing.T) {
	f := newContentFixture(t)
	ctx := context.Background()

	rec, err := f.svc.Create(ctx, KindAttraction, json.RawMessage(validAttraction), pngUploads(1))
	require.NoError(t, err)

	deleted, err := f.svc.Delete(ctx, KindAttraction, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, deleted.ID)
	assert.Empty(t, f.committedFiles(t))

	_, err = f.svc.Delete(ctx, KindAttraction, rec.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDelete_SingletonIsRefused(t *testing.T) {
	f := newContentFixture(t)
	ctx := context.Background()

	rec, err := f.svc.Create(ctx, KindAbout, json.RawMessage(validAbout), pngUploads(2))
	require.NoError(t, err)

	_, err = f.svc.Delete(ctx, KindAbout, rec.ID)
	assert.ErrorIs(t, err, ErrValidation)

	got, err := f.svc.GetSingleton(ctx, KindAbout)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Len(t, f.committedFiles(t), 2)
	for _, ref := range got.AssetList() {
		assert.True(t, f.store.Exists(ref), ref)
	}
}

func TestSuperseded(t *testing.T) {
	assert.Equal(t, []string{"a"}, superseded([]string{"a", "b"}, []string{"b", "c"}))
	assert.Nil(t, superseded([]string{"a"}, []string{"a"}))
}
