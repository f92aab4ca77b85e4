package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/thw/backend/internal/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormRepository stores records in the content_records table.
type GormRepository struct {
	db     *gorm.DB
	fields *FieldValidator
}

func NewGormRepository(db *gorm.DB, fields *FieldValidator) *GormRepository {
	return &GormRepository{db: db, fields: fields}
}

func (r *GormRepository) GetSingleton(ctx context.Context, kind *Kind) (*models.Record, error) {
	if err := requireKindShape(kind, true); err != nil {
		return nil, err
	}
	var rec models.Record
	err := r.db.WithContext(ctx).Where("singleton_key = ?", kind.Name).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", kind.Name, err)
	}
	return &rec, nil
}

// CreateSingleton inserts the singleton row. The unique index on
// singleton_key decides concurrent creates; the loser gets ErrAlreadyExists.
func (r *GormRepository) CreateSingleton(ctx context.Context, kind *Kind, fields json.RawMessage, assets []string) (*models.Record, error) {
	if err := requireKindShape(kind, true); err != nil {
		return nil, err
	}
	rec, err := r.newRecord(kind, fields, assets)
	if err != nil {
		return nil, err
	}
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "singleton_key"}}, DoNothing: true}).
		Create(rec)
	if res.Error != nil {
		return nil, fmt.Errorf("create %s: %w", kind.Name, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, ErrAlreadyExists
	}
	return rec, nil
}

func (r *GormRepository) UpdateSingleton(ctx context.Context, kind *Kind, change Change) (*models.Record, error) {
	if err := requireKindShape(kind, true); err != nil {
		return nil, err
	}
	cur, err := r.GetSingleton(ctx, kind)
	if err != nil {
		return nil, err
	}
	if cur == nil {
		return nil, notFound(kind, "")
	}
	return r.apply(ctx, kind, cur, change)
}

func (r *GormRepository) GetByID(ctx context.Context, kind *Kind, id uuid.UUID) (*models.Record, error) {
	var rec models.Record
	err := r.db.WithContext(ctx).Where("id = ? AND kind = ?", id, kind.Name).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound(kind, id.String())
	}
	if err != nil {
		return nil, fmt.Errorf("load %s %s: %w", kind.Name, id, err)
	}
	return &rec, nil
}

func (r *GormRepository) Create(ctx context.Context, kind *Kind, fields json.RawMessage, assets []string) (*models.Record, error) {
	if err := requireKindShape(kind, false); err != nil {
		return nil, err
	}
	rec, err := r.newRecord(kind, fields, assets)
	if err != nil {
		return nil, err
	}
	if err := r.db.WithContext(ctx).Create(rec).Error; err != nil {
		return nil, fmt.Errorf("create %s: %w", kind.Name, err)
	}
	return rec, nil
}

func (r *GormRepository) Update(ctx context.Context, kind *Kind, id uuid.UUID, change Change) (*models.Record, error) {
	cur, err := r.GetByID(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	return r.apply(ctx, kind, cur, change)
}

func (r *GormRepository) Delete(ctx context.Context, kind *Kind, id uuid.UUID) (*models.Record, error) {
	if err := requireKindShape(kind, false); err != nil {
		return nil, err
	}
	var rec models.Record
	res := r.db.WithContext(ctx).
		Clauses(clause.Returning{}).
		Where("id = ? AND kind = ?", id, kind.Name).
		Delete(&rec)
	if res.Error != nil {
		return nil, fmt.Errorf("delete %s %s: %w", kind.Name, id, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, notFound(kind, id.String())
	}
	return &rec, nil
}

func (r *GormRepository) List(ctx context.Context, kind *Kind, order Order) ([]*models.Record, error) {
	orderBy := "created_at ASC, id ASC"
	if order == OrderCreatedDesc {
		orderBy = "created_at DESC, id DESC"
	}
	var recs []*models.Record
	if err := r.db.WithContext(ctx).Where("kind = ?", kind.Name).Order(orderBy).Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list %s: %w", kind.Name, err)
	}
	return recs, nil
}

func (r *GormRepository) AssetRefs(ctx context.Context) (map[string]struct{}, error) {
	var recs []models.Record
	err := r.db.WithContext(ctx).
		Select("id", "assets").
		Where("jsonb_array_length(assets) > 0").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("collect asset refs: %w", err)
	}
	refs := map[string]struct{}{}
	for _, rec := range recs {
		for _, a := range rec.Assets {
			refs[a] = struct{}{}
		}
	}
	return refs, nil
}

func (r *GormRepository) newRecord(kind *Kind, fields json.RawMessage, assets []string) (*models.Record, error) {
	normalized, err := r.fields.Normalize(kind, fields)
	if err != nil {
		return nil, err
	}
	return &models.Record{
		ID:           uuid.New(),
		Kind:         kind.Name,
		SingletonKey: singletonKey(kind),
		Fields:       datatypes.JSON(normalized),
		Assets:       datatypes.JSONSlice[string](append([]string{}, assets...)),
		Version:      1,
	}, nil
}

// apply writes change conditioned on the version. Zero affected rows means
// the row was deleted or another writer got there first.
func (r *GormRepository) apply(ctx context.Context, kind *Kind, cur *models.Record, change Change) (*models.Record, error) {
	expected := cur.Version
	if change.ExpectedVersion != 0 {
		if change.ExpectedVersion != cur.Version {
			return nil, ErrConflict
		}
		expected = change.ExpectedVersion
	}

	changed, err := changedFields(r.fields, kind, json.RawMessage(cur.Fields), change)
	if err != nil {
		return nil, err
	}
	fields := datatypes.JSON(changed)

	now := time.Now()
	updates := map[string]interface{}{
		"fields":     fields,
		"version":    gorm.Expr("version + 1"),
		"updated_at": now,
	}
	next := cur.Clone()
	next.Fields = fields
	if change.Assets != nil {
		next.Assets = datatypes.JSONSlice[string](append([]string{}, (*change.Assets)...))
		updates["assets"] = next.Assets
	}

	res := r.db.WithContext(ctx).
		Model(&models.Record{}).
		Where("id = ? AND kind = ? AND version = ?", cur.ID, kind.Name, expected).
		Updates(updates)
	if res.Error != nil {
		return nil, fmt.Errorf("update %s %s: %w", kind.Name, cur.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		var n int64
		if err := r.db.WithContext(ctx).Model(&models.Record{}).Where("id = ?", cur.ID).Count(&n).Error; err != nil {
			return nil, fmt.Errorf("update %s %s: %w", kind.Name, cur.ID, err)
		}
		if n == 0 {
			return nil, notFound(kind, cur.ID.String())
		}
		return nil, ErrConflict
	}

	next.Version = expected + 1
	next.UpdatedAt = now
	return next, nil
}
