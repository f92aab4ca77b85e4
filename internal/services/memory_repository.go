package services

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/thw/backend/internal/models"
	"gorm.io/datatypes"
)

// MemoryRepository keeps records in process memory. The mutex stands in for
// the atomic statements of the database backed repository.
type MemoryRepository struct {
	mu      sync.Mutex
	fields  *FieldValidator
	records map[uuid.UUID]*models.Record
	order   []uuid.UUID
	now     func() time.Time
}

func NewMemoryRepository(fields *FieldValidator) *MemoryRepository {
	return &MemoryRepository{
		fields:  fields,
		records: make(map[uuid.UUID]*models.Record),
		now:     time.Now,
	}
}

func (r *MemoryRepository) GetSingleton(ctx context.Context, kind *Kind) (*models.Record, error) {
	if err := requireKindShape(kind, true); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec := r.findSingleton(kind); rec != nil {
		return rec.Clone(), nil
	}
	return nil, nil
}

func (r *MemoryRepository) CreateSingleton(ctx context.Context, kind *Kind, fields json.RawMessage, assets []string) (*models.Record, error) {
	if err := requireKindShape(kind, true); err != nil {
		return nil, err
	}
	return r.create(kind, fields, assets)
}

func (r *MemoryRepository) UpdateSingleton(ctx context.Context, kind *Kind, change Change) (*models.Record, error) {
	if err := requireKindShape(kind, true); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.findSingleton(kind)
	if rec == nil {
		return nil, notFound(kind, "")
	}
	return r.apply(kind, rec, change)
}

func (r *MemoryRepository) GetByID(ctx context.Context, kind *Kind, id uuid.UUID) (*models.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok || rec.Kind != kind.Name {
		return nil, notFound(kind, id.String())
	}
	return rec.Clone(), nil
}

func (r *MemoryRepository) Create(ctx context.Context, kind *Kind, fields json.RawMessage, assets []string) (*models.Record, error) {
	if err := requireKindShape(kind, false); err != nil {
		return nil, err
	}
	return r.create(kind, fields, assets)
}

func (r *MemoryRepository) Update(ctx context.Context, kind *Kind, id uuid.UUID, change Change) (*models.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok || rec.Kind != kind.Name {
		return nil, notFound(kind, id.String())
	}
	return r.apply(kind, rec, change)
}

func (r *MemoryRepository) Delete(ctx context.Context, kind *Kind, id uuid.UUID) (*models.Record, error) {
	if err := requireKindShape(kind, false); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok || rec.Kind != kind.Name {
		return nil, notFound(kind, id.String())
	}
	delete(r.records, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return rec, nil
}

func (r *MemoryRepository) List(ctx context.Context, kind *Kind, order Order) ([]*models.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []*models.Record{}
	for _, id := range r.order {
		if rec := r.records[id]; rec.Kind == kind.Name {
			out = append(out, rec.Clone())
		}
	}
	if order == OrderCreatedDesc {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out, nil
}

func (r *MemoryRepository) AssetRefs(ctx context.Context) (map[string]struct{}, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	refs := map[string]struct{}{}
	for _, rec := range r.records {
		for _, a := range rec.Assets {
			refs[a] = struct{}{}
		}
	}
	return refs, nil
}

func (r *MemoryRepository) create(kind *Kind, fields json.RawMessage, assets []string) (*models.Record, error) {
	normalized, err := r.fields.Normalize(kind, fields)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if kind.Singleton && r.findSingleton(kind) != nil {
		return nil, ErrAlreadyExists
	}

	now := r.now()
	rec := &models.Record{
		ID:           uuid.New(),
		Kind:         kind.Name,
		SingletonKey: singletonKey(kind),
		Fields:       datatypes.JSON(normalized),
		Assets:       datatypes.JSONSlice[string](append([]string{}, assets...)),
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	r.records[rec.ID] = rec
	r.order = append(r.order, rec.ID)
	return rec.Clone(), nil
}

// apply runs with r.mu held.
func (r *MemoryRepository) apply(kind *Kind, rec *models.Record, change Change) (*models.Record, error) {
	if change.ExpectedVersion != 0 && rec.Version != change.ExpectedVersion {
		return nil, ErrConflict
	}
	fields, err := changedFields(r.fields, kind, json.RawMessage(rec.Fields), change)
	if err != nil {
		return nil, err
	}

	next := rec.Clone()
	next.Fields = datatypes.JSON(fields)
	if change.Assets != nil {
		next.Assets = datatypes.JSONSlice[string](append([]string{}, (*change.Assets)...))
	}
	next.Version = rec.Version + 1
	next.UpdatedAt = r.now()
	r.records[rec.ID] = next
	return next.Clone(), nil
}

func (r *MemoryRepository) findSingleton(kind *Kind) *models.Record {
	for _, id := range r.order {
		if rec := r.records[id]; rec.Kind == kind.Name {
			return rec
		}
	}
	return nil
}
