package services

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/thw/backend/internal/models"
)

// Change describes an update. Fields is merged into the stored document
// unless ReplaceFields is set, in which case it must be complete. A nil
// Assets leaves the asset list untouched. A non-zero ExpectedVersion makes
// the write fail with ErrConflict when the stored record has moved on.
type Change struct {
	Fields          map[string]json.RawMessage
	ReplaceFields   bool
	Assets          *[]string
	ExpectedVersion int64
}

// Order selects the sort order of List.
type Order string

const (
	OrderCreatedAsc  Order = "created_asc"
	OrderCreatedDesc Order = "created_desc"
)

func ParseOrder(s string) (Order, error) {
	switch Order(s) {
	case OrderCreatedAsc:
		return OrderCreatedAsc, nil
	case "", OrderCreatedDesc:
		return OrderCreatedDesc, nil
	}
	return "", validationError("sort", "unsupported sort order %q", s)
}

// RecordRepository persists records. Every mutation validates fields before
// touching storage and is atomic with respect to other mutations.
type RecordRepository interface {
	GetSingleton(ctx context.Context, kind *Kind) (*models.Record, error)
	CreateSingleton(ctx context.Context, kind *Kind, fields json.RawMessage, assets []string) (*models.Record, error)
	UpdateSingleton(ctx context.Context, kind *Kind, change Change) (*models.Record, error)

	GetByID(ctx context.Context, kind *Kind, id uuid.UUID) (*models.Record, error)
	Create(ctx context.Context, kind *Kind, fields json.RawMessage, assets []string) (*models.Record, error)
	Update(ctx context.Context, kind *Kind, id uuid.UUID, change Change) (*models.Record, error)
	Delete(ctx context.Context, kind *Kind, id uuid.UUID) (*models.Record, error)
	List(ctx context.Context, kind *Kind, order Order) ([]*models.Record, error)

	// AssetRefs returns every asset reference held by any record.
	AssetRefs(ctx context.Context) (map[string]struct{}, error)
}

func singletonKey(kind *Kind) *string {
	if !kind.Singleton {
		return nil
	}
	k := kind.Name
	return &k
}

func notFound(kind *Kind, id string) error {
	if id == "" {
		return fmt.Errorf("%w: %s", ErrNotFound, kind.Name)
	}
	return fmt.Errorf("%w: %s %s", ErrNotFound, kind.Name, id)
}

func requireKindShape(kind *Kind, singleton bool) error {
	if kind.Singleton != singleton {
		if singleton {
			return fmt.Errorf("kind %q is not a singleton", kind.Name)
		}
		return fmt.Errorf("kind %q is a singleton", kind.Name)
	}
	return nil
}

// changedFields computes the field document stored after change.
func changedFields(fv *FieldValidator, kind *Kind, stored json.RawMessage, change Change) (json.RawMessage, error) {
	if change.ReplaceFields {
		if err := checkKnownFields(kind, change.Fields); err != nil {
			return nil, err
		}
		raw, err := json.Marshal(change.Fields)
		if err != nil {
			return nil, fmt.Errorf("encode %s fields: %w", kind.Name, err)
		}
		return fv.Normalize(kind, raw)
	}
	if change.Fields == nil {
		return stored, nil
	}
	return fv.Merge(kind, stored, change.Fields)
}
