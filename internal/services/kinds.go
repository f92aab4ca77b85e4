package services

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/thw/backend/internal/models"
)

// Kind describes one record type: its content fields and how it holds assets.
type Kind struct {
	Name      string
	Singleton bool

	// NewFields returns a pointer to a zero fields struct for this kind.
	NewFields func() interface{}

	// AssetField is the document key holding asset references; empty for
	// kinds without images.
	AssetField string
	// AssetDir is the sub-directory of uploads/ committed files go to.
	AssetDir  string
	MinAssets int
	MaxAssets int
	// ReplaceOnUpload makes a new upload supersede every existing asset
	// instead of being appended.
	ReplaceOnUpload bool
}

func (k *Kind) HasAssets() bool {
	return k.MaxAssets > 0
}

// SingleAsset reports whether the kind holds exactly one image.
func (k *Kind) SingleAsset() bool {
	return k.MaxAssets == 1
}

// fieldNames lists the json names accepted in a fields patch.
func (k *Kind) fieldNames() map[string]bool {
	names := map[string]bool{}
	t := reflect.TypeOf(k.NewFields()).Elem()
	for i := 0; i < t.NumField(); i++ {
		name := strings.SplitN(t.Field(i).Tag.Get("json"), ",", 2)[0]
		if name != "" && name != "-" {
			names[name] = true
		}
	}
	return names
}

// Kinds is a registry of record kinds by name.
type Kinds map[string]*Kind

func (ks Kinds) Get(name string) (*Kind, error) {
	k, ok := ks[name]
	if !ok {
		return nil, fmt.Errorf("unknown record kind %q", name)
	}
	return k, nil
}

func (ks Kinds) Names() []string {
	names := make([]string, 0, len(ks))
	for n := range ks {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

const (
	KindAbout      = "about"
	KindDashboard  = "dashboard"
	KindFooter     = "footer"
	KindAttraction = "attraction"
	KindGuideline  = "guideline"
	KindContact    = "contact"
)

// DefaultKinds returns the record kinds served by the site.
func DefaultKinds() Kinds {
	return Kinds{
		KindAbout: {
			Name:       KindAbout,
			Singleton:  true,
			NewFields:  func() interface{} { return &models.AboutFields{} },
			AssetField: "slideshowImages",
			AssetDir:   "about",
			MinAssets:  1,
			MaxAssets:  10,
		},
		KindDashboard: {
			Name:      KindDashboard,
			Singleton: true,
			NewFields: func() interface{} { return &models.DashboardFields{} },
		},
		KindFooter: {
			Name:      KindFooter,
			Singleton: true,
			NewFields: func() interface{} { return &models.FooterFields{} },
		},
		KindAttraction: {
			Name:            KindAttraction,
			NewFields:       func() interface{} { return &models.AttractionFields{} },
			AssetField:      "image",
			AssetDir:        "attractions",
			MinAssets:       1,
			MaxAssets:       1,
			ReplaceOnUpload: true,
		},
		KindGuideline: {
			Name:      KindGuideline,
			NewFields: func() interface{} { return &models.GuidelineFields{} },
		},
		KindContact: {
			Name:      KindContact,
			NewFields: func() interface{} { return &models.ContactFields{} },
		},
	}
}
