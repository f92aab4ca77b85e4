package models

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

func TestRecord_Document(t *testing.T) {
	rec := &Record{
		ID:      uuid.New(),
		Kind:    "about",
		Fields:  datatypes.JSON(`{"heroTitle":"Waves"}`),
		Assets:  datatypes.JSONSlice[string]{"uploads/about/a.jpg", "uploads/about/b.jpg"},
		Version: 3,
	}

	doc, err := rec.Document("slideshowImages", false)
	require.NoError(t, err)
	assert.Equal(t, "Waves", doc["heroTitle"])
	assert.Equal(t, []string{"uploads/about/a.jpg", "uploads/about/b.jpg"}, doc["slideshowImages"])
	assert.Equal(t, rec.ID, doc["_id"])
	assert.Equal(t, int64(3), doc["version"])
}

func TestRecord_DocumentSingleAsset(t *testing.T) {
	rec := &Record{Fields: datatypes.JSON(`{}`), Assets: datatypes.JSONSlice[string]{"uploads/attractions/x.png"}}
	doc, err := rec.Document("image", true)
	require.NoError(t, err)
	assert.Equal(t, "uploads/attractions/x.png", doc["image"])

	rec.Assets = nil
	doc, err = rec.Document("image", true)
	require.NoError(t, err)
	assert.Nil(t, doc["image"])
}

func TestRecord_CloneDoesNotShare(t *testing.T) {
	key := "about"
	rec := &Record{SingletonKey: &key, Fields: datatypes.JSON(`{"a":1}`), Assets: datatypes.JSONSlice[string]{"x"}}
	c := rec.Clone()
	c.Assets[0] = "y"
	c.Fields[0] = '['
	*c.SingletonKey = "other"

	assert.Equal(t, "x", rec.Assets[0])
	assert.Equal(t, byte('{'), rec.Fields[0])
	assert.Equal(t, "about", *rec.SingletonKey)
}

func TestRecord_BeforeCreateKeepsID(t *testing.T) {
	id := uuid.New()
	rec := &Record{ID: id}
	require.NoError(t, rec.BeforeCreate(nil))
	assert.Equal(t, id, rec.ID)

	fresh := &Record{}
	require.NoError(t, fresh.BeforeCreate(nil))
	assert.NotEqual(t, uuid.Nil, fresh.ID)
}
