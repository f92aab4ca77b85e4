package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/uuid"
	"github.com/thw/backend/internal/config"
	"github.com/thw/backend/internal/models"
)

// UpdateRequest is a partial update. RemoveIndices point into the asset list
// as it was read; Uploads are appended after the kept assets.
type UpdateRequest struct {
	Fields          map[string]json.RawMessage
	RemoveIndices   []int
	Uploads         []Upload
	ExpectedVersion int64
}

// ContentService keeps records and their image files consistent. Files are
// staged and committed before the database write, superseded files are only
// released after it succeeded, and a failed write takes this request's new
// files with it.
type ContentService struct {
	kinds    Kinds
	repo     RecordRepository
	stager   *Stager
	store    *StorageService
	maxFiles int
	log      *slog.Logger
}

func NewContentService(cfg *config.Config, kinds Kinds, repo RecordRepository, stager *Stager, store *StorageService, log *slog.Logger) *ContentService {
	return &ContentService{
		kinds:    kinds,
		repo:     repo,
		stager:   stager,
		store:    store,
		maxFiles: cfg.UploadMaxFiles,
		log:      log,
	}
}

func (s *ContentService) Kind(name string) (*Kind, error) {
	return s.kinds.Get(name)
}

func (s *ContentService) Get(ctx context.Context, kindName string, id uuid.UUID) (*models.Record, error) {
	kind, err := s.kinds.Get(kindName)
	if err != nil {
		return nil, err
	}
	return s.repo.GetByID(ctx, kind, id)
}

// GetSingleton returns ErrNotFound while the singleton has not been created.
func (s *ContentService) GetSingleton(ctx context.Context, kindName string) (*models.Record, error) {
	kind, err := s.kinds.Get(kindName)
	if err != nil {
		return nil, err
	}
	rec, err := s.repo.GetSingleton(ctx, kind)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, notFound(kind, "")
	}
	return rec, nil
}

func (s *ContentService) List(ctx context.Context, kindName string, order Order) ([]*models.Record, error) {
	kind, err := s.kinds.Get(kindName)
	if err != nil {
		return nil, err
	}
	return s.repo.List(ctx, kind, order)
}

// Create stores a new record with the uploaded files. For singleton kinds a
// second create fails with ErrAlreadyExists.
func (s *ContentService) Create(ctx context.Context, kindName string, fields json.RawMessage, uploads []Upload) (*models.Record, error) {
	kind, err := s.kinds.Get(kindName)
	if err != nil {
		return nil, err
	}
	if err := s.checkUploads(kind, len(uploads)); err != nil {
		return nil, err
	}
	if err := checkAssetCount(kind, len(uploads)); err != nil {
		return nil, err
	}

	tx := s.begin(kind, "create")
	committed, err := tx.stageAndCommit(ctx, uploads)
	if err != nil {
		return nil, tx.fail(ctx, err)
	}

	tx.enter(phasePersisting)
	var rec *models.Record
	if kind.Singleton {
		rec, err = s.repo.CreateSingleton(ctx, kind, fields, committed)
	} else {
		rec, err = s.repo.Create(ctx, kind, fields, committed)
	}
	if err != nil {
		return nil, tx.fail(ctx, err)
	}
	tx.finish(ctx, rec, nil)
	return rec, nil
}

// Save creates the singleton or, when it already exists, replaces its
// fields. New uploads supersede every stored asset; without uploads the
// stored assets are kept.
func (s *ContentService) Save(ctx context.Context, kindName string, fields json.RawMessage, uploads []Upload) (*models.Record, error) {
	kind, err := s.kinds.Get(kindName)
	if err != nil {
		return nil, err
	}
	if !kind.Singleton {
		return nil, fmt.Errorf("kind %q is not a singleton", kind.Name)
	}
	if err := s.checkUploads(kind, len(uploads)); err != nil {
		return nil, err
	}
	if len(uploads) > 0 {
		if err := checkAssetCount(kind, len(uploads)); err != nil {
			return nil, err
		}
	}
	var patch map[string]json.RawMessage
	if err := json.Unmarshal(fields, &patch); err != nil || patch == nil {
		return nil, validationError("", "fields must be a JSON object")
	}

	tx := s.begin(kind, "save")
	committed, err := tx.stageAndCommit(ctx, uploads)
	if err != nil {
		return nil, tx.fail(ctx, err)
	}

	tx.enter(phasePersisting)
	if len(committed) >= kind.MinAssets {
		rec, err := s.repo.CreateSingleton(ctx, kind, fields, committed)
		if err == nil {
			tx.finish(ctx, rec, nil)
			return rec, nil
		}
		if !errors.Is(err, ErrAlreadyExists) {
			return nil, tx.fail(ctx, err)
		}
	}

	cur, err := s.repo.GetSingleton(ctx, kind)
	if err != nil {
		return nil, tx.fail(ctx, err)
	}
	if cur == nil {
		if err := checkAssetCount(kind, len(committed)); err != nil {
			return nil, tx.fail(ctx, err)
		}
		return nil, tx.fail(ctx, ErrConflict)
	}

	change := Change{Fields: patch, ReplaceFields: true, ExpectedVersion: cur.Version}
	next := cur.AssetList()
	if len(committed) > 0 {
		next = committed
		change.Assets = &next
	}
	rec, err := s.repo.UpdateSingleton(ctx, kind, change)
	if err != nil {
		return nil, tx.fail(ctx, err)
	}
	tx.finish(ctx, rec, superseded(cur.AssetList(), next))
	return rec, nil
}

// Update applies a partial update to the record with id.
func (s *ContentService) Update(ctx context.Context, kindName string, id uuid.UUID, req UpdateRequest) (*models.Record, error) {
	kind, err := s.kinds.Get(kindName)
	if err != nil {
		return nil, err
	}
	load := func(ctx context.Context) (*models.Record, error) {
		return s.repo.GetByID(ctx, kind, id)
	}
	write := func(ctx context.Context, c Change) (*models.Record, error) {
		return s.repo.Update(ctx, kind, id, c)
	}
	return s.update(ctx, kind, req, load, write)
}

// UpdateSingleton applies a partial update to the singleton of kind.
func (s *ContentService) UpdateSingleton(ctx context.Context, kindName string, req UpdateRequest) (*models.Record, error) {
	kind, err := s.kinds.Get(kindName)
	if err != nil {
		return nil, err
	}
	if !kind.Singleton {
		return nil, fmt.Errorf("kind %q is not a singleton", kind.Name)
	}
	load := func(ctx context.Context) (*models.Record, error) {
		rec, err := s.repo.GetSingleton(ctx, kind)
		if err == nil && rec == nil {
			err = notFound(kind, "")
		}
		return rec, err
	}
	write := func(ctx context.Context, c Change) (*models.Record, error) {
		return s.repo.UpdateSingleton(ctx, kind, c)
	}
	return s.update(ctx, kind, req, load, write)
}

func (s *ContentService) update(
	ctx context.Context,
	kind *Kind,
	req UpdateRequest,
	load func(context.Context) (*models.Record, error),
	write func(context.Context, Change) (*models.Record, error),
) (*models.Record, error) {
	if len(req.Fields) == 0 && len(req.Uploads) == 0 && len(req.RemoveIndices) == 0 {
		return nil, validationError("", "at least one field must be provided to update")
	}
	if err := s.checkUploads(kind, len(req.Uploads)); err != nil {
		return nil, err
	}
	if !kind.HasAssets() && len(req.RemoveIndices) > 0 {
		return nil, validationError("imagesToRemove", "%s has no images", kind.Name)
	}

	cur, err := load(ctx)
	if err != nil {
		return nil, err
	}
	if req.ExpectedVersion != 0 && req.ExpectedVersion != cur.Version {
		return nil, ErrConflict
	}

	old := cur.AssetList()
	remove, err := removalSet(req.RemoveIndices, len(old))
	if err != nil {
		return nil, err
	}
	kept := make([]string, 0, len(old))
	for i, ref := range old {
		if !remove[i] {
			kept = append(kept, ref)
		}
	}
	replace := kind.ReplaceOnUpload && len(req.Uploads) > 0
	planned := len(kept) + len(req.Uploads)
	if replace {
		planned = len(req.Uploads)
	}
	if kind.HasAssets() && (len(req.Uploads) > 0 || len(remove) > 0) {
		if err := checkAssetCount(kind, planned); err != nil {
			return nil, err
		}
	}

	tx := s.begin(kind, "update")
	tx.recordID = cur.ID
	committed, err := tx.stageAndCommit(ctx, req.Uploads)
	if err != nil {
		return nil, tx.fail(ctx, err)
	}

	change := Change{ExpectedVersion: cur.Version}
	if len(req.Fields) > 0 {
		change.Fields = req.Fields
	}
	next := old
	if len(committed) > 0 || len(remove) > 0 {
		if replace {
			next = committed
		} else {
			next = append(kept, committed...)
		}
		change.Assets = &next
	}

	tx.enter(phasePersisting)
	rec, err := write(ctx, change)
	if err != nil {
		return nil, tx.fail(ctx, err)
	}
	tx.finish(ctx, rec, superseded(old, next))
	return rec, nil
}

// Delete removes the record and then the files it owned. Singletons are
// never deleted.
func (s *ContentService) Delete(ctx context.Context, kindName string, id uuid.UUID) (*models.Record, error) {
	kind, err := s.kinds.Get(kindName)
	if err != nil {
		return nil, err
	}
	if kind.Singleton {
		return nil, validationError("", "%s cannot be deleted", kind.Name)
	}
	tx := s.begin(kind, "delete")
	tx.recordID = id
	tx.enter(phasePersisting)
	rec, err := s.repo.Delete(ctx, kind, id)
	if err != nil {
		return nil, tx.fail(ctx, err)
	}
	tx.finish(ctx, rec, rec.AssetList())
	return rec, nil
}

func (s *ContentService) checkUploads(kind *Kind, n int) error {
	if n == 0 {
		return nil
	}
	if !kind.HasAssets() {
		return validationError("", "%s does not accept images", kind.Name)
	}
	if s.maxFiles > 0 && n > s.maxFiles {
		return validationError(kind.AssetField, "at most %d files per request", s.maxFiles)
	}
	return nil
}

func checkAssetCount(kind *Kind, n int) error {
	if !kind.HasAssets() {
		return nil
	}
	if n < kind.MinAssets {
		if kind.MinAssets == 1 {
			return validationError(kind.AssetField, "at least one image is required")
		}
		return validationError(kind.AssetField, "at least %d images are required", kind.MinAssets)
	}
	if n > kind.MaxAssets {
		return validationError(kind.AssetField, "at most %d images allowed", kind.MaxAssets)
	}
	return nil
}

// removalSet validates indices against an asset list of length n.
func removalSet(indices []int, n int) (map[int]bool, error) {
	set := make(map[int]bool, len(indices))
	for _, i := range indices {
		if i < 0 || i >= n {
			return nil, validationError("imagesToRemove", "invalid index for removal: %d", i)
		}
		if set[i] {
			return nil, validationError("imagesToRemove", "duplicate index for removal: %d", i)
		}
		set[i] = true
	}
	return set, nil
}

// superseded returns the references in old that are not in next.
func superseded(old, next []string) []string {
	keep := make(map[string]bool, len(next))
	for _, ref := range next {
		keep[ref] = true
	}
	var out []string
	for _, ref := range old {
		if !keep[ref] {
			out = append(out, ref)
		}
	}
	return out
}

type phase string

const (
	phaseStaging    phase = "staging"
	phaseCommitting phase = "committing"
	phasePersisting phase = "persisting"
	phaseCleanup    phase = "cleanup"
	phaseDone       phase = "done"
	phaseFailed     phase = "failed"
)

// assetTx tracks the files one request has staged and committed so a
// failure can take exactly those back.
type assetTx struct {
	svc       *ContentService
	kind      *Kind
	op        string
	recordID  uuid.UUID
	phase     phase
	batch     *Batch
	committed []string
}

func (s *ContentService) begin(kind *Kind, op string) *assetTx {
	return &assetTx{svc: s, kind: kind, op: op, phase: phaseStaging, batch: s.stager.NewBatch()}
}

func (t *assetTx) enter(p phase) {
	t.phase = p
}

func (t *assetTx) stageAndCommit(ctx context.Context, uploads []Upload) ([]string, error) {
	if len(uploads) == 0 {
		return nil, nil
	}
	t.enter(phaseStaging)
	staged := make([]*StagedFile, 0, len(uploads))
	for _, up := range uploads {
		sf, err := t.batch.Stage(ctx, up)
		if err != nil {
			return nil, err
		}
		staged = append(staged, sf)
	}

	t.enter(phaseCommitting)
	for _, sf := range staged {
		ref, err := t.svc.store.Commit(ctx, t.kind.AssetDir, sf)
		if err != nil {
			return nil, err
		}
		t.committed = append(t.committed, ref)
	}
	return append([]string(nil), t.committed...), nil
}

// fail undoes this request's file work and returns err unchanged. Cleanup
// runs even when ctx is already cancelled.
func (t *assetTx) fail(ctx context.Context, err error) error {
	from := t.phase
	t.enter(phaseFailed)
	cleanupCtx := context.WithoutCancel(ctx)
	t.batch.Discard()
	for _, ref := range t.committed {
		t.svc.store.Release(cleanupCtx, ref)
	}

	attrs := []any{"kind", t.kind.Name, "op", t.op, "phase", string(from), "rolled_back", len(t.committed), "error", err}
	if t.recordID != uuid.Nil {
		attrs = append(attrs, "id", t.recordID)
	}
	switch ErrorKind(err) {
	case KindInternal, KindIO:
		t.svc.log.Error("content operation failed", attrs...)
	default:
		t.svc.log.Info("content operation rejected", attrs...)
	}
	return err
}

// finish releases superseded files once the write is durable. Release
// problems are logged and never reverse the write.
func (t *assetTx) finish(ctx context.Context, rec *models.Record, released []string) {
	t.enter(phaseCleanup)
	cleanupCtx := context.WithoutCancel(ctx)
	sort.Strings(released)
	for _, ref := range released {
		t.svc.store.Release(cleanupCtx, ref)
	}
	t.enter(phaseDone)
	t.svc.log.Info("content saved",
		"kind", t.kind.Name,
		"op", t.op,
		"id", rec.ID,
		"version", rec.Version,
		"added", len(t.committed),
		"released", len(released),
	)
}
