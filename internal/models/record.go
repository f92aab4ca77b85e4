package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Record is a content document of one kind. Singleton kinds carry
// SingletonKey = Kind so the unique index allows at most one row per kind;
// multi-instance kinds leave it NULL.
type Record struct {
	ID           uuid.UUID                   `gorm:"type:uuid;primaryKey" json:"id"`
	Kind         string                      `gorm:"size:64;not null;index" json:"kind"`
	SingletonKey *string                     `gorm:"size:64;uniqueIndex" json:"-"`
	Fields       datatypes.JSON              `gorm:"type:jsonb;not null" json:"fields"`
	Assets       datatypes.JSONSlice[string] `gorm:"type:jsonb;not null" json:"assets"`
	Version      int64                       `gorm:"not null" json:"version"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Record) TableName() string {
	return "content_records"
}

// BeforeCreate generates a UUID if not set
func (r *Record) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}

// AssetList returns a copy of the record's asset references.
func (r *Record) AssetList() []string {
	out := make([]string, len(r.Assets))
	copy(out, r.Assets)
	return out
}

// Clone returns a deep copy so callers never share slices with storage.
func (r *Record) Clone() *Record {
	c := *r
	c.Fields = append(datatypes.JSON(nil), r.Fields...)
	c.Assets = datatypes.JSONSlice[string](r.AssetList())
	if r.SingletonKey != nil {
		k := *r.SingletonKey
		c.SingletonKey = &k
	}
	return &c
}

// Document flattens the record into the response shape used by the API:
// content fields at the top level, assets under assetField, plus metadata.
// Single-asset kinds expose the reference as a plain string.
func (r *Record) Document(assetField string, single bool) (map[string]interface{}, error) {
	doc := map[string]interface{}{}
	if len(r.Fields) > 0 {
		if err := json.Unmarshal(r.Fields, &doc); err != nil {
			return nil, err
		}
	}
	if assetField != "" {
		assets := r.AssetList()
		if single {
			if len(assets) > 0 {
				doc[assetField] = assets[0]
			} else {
				doc[assetField] = nil
			}
		} else {
			doc[assetField] = assets
		}
	}
	doc["_id"] = r.ID
	doc["version"] = r.Version
	doc["createdAt"] = r.CreatedAt
	doc["updatedAt"] = r.UpdatedAt
	return doc, nil
}
