package services

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

// FieldValidator checks content fields against a kind's struct tags.
// Validation is fail-fast: only the first violation is reported.
type FieldValidator struct {
	validate *validator.Validate
}

func NewFieldValidator() *FieldValidator {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &FieldValidator{validate: v}
}

// Normalize validates a complete field document for kind and returns its
// canonical JSON encoding.
func (fv *FieldValidator) Normalize(kind *Kind, raw json.RawMessage) (json.RawMessage, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = json.RawMessage(`{}`)
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, validationError("", "fields must be a JSON object")
	}
	if err := checkKnownFields(kind, doc); err != nil {
		return nil, err
	}

	target := kind.NewFields()
	if err := json.Unmarshal(raw, target); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return nil, validationError(typeErr.Field, "must be of type %s", typeErr.Type)
		}
		return nil, validationError("", "invalid fields: %v", err)
	}

	if err := fv.validate.Struct(target); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return nil, validationError(fieldPath(fe), "failed '%s' validation", fe.Tag())
		}
		return nil, fmt.Errorf("validate %s fields: %w", kind.Name, err)
	}

	out, err := json.Marshal(target)
	if err != nil {
		return nil, fmt.Errorf("encode %s fields: %w", kind.Name, err)
	}
	return out, nil
}

// Merge applies patch on top of the stored field document. Unknown keys are
// rejected before anything is merged.
func (fv *FieldValidator) Merge(kind *Kind, stored json.RawMessage, patch map[string]json.RawMessage) (json.RawMessage, error) {
	if err := checkKnownFields(kind, patch); err != nil {
		return nil, err
	}
	doc := map[string]json.RawMessage{}
	if len(stored) > 0 {
		if err := json.Unmarshal(stored, &doc); err != nil {
			return nil, fmt.Errorf("decode stored %s fields: %w", kind.Name, err)
		}
	}
	for k, v := range patch {
		doc[k] = v
	}
	merged, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode merged %s fields: %w", kind.Name, err)
	}
	return fv.Normalize(kind, merged)
}

func checkKnownFields(kind *Kind, doc map[string]json.RawMessage) error {
	known := kind.fieldNames()
	keys := make([]string, 0, len(doc))
	for k := range doc {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !known[k] {
			return validationError(k, "unknown field")
		}
	}
	return nil
}

// fieldPath drops the struct name from the validator namespace,
// e.g. "AboutFields.valuesList[0].title" -> "valuesList[0].title".
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return fe.Field()
}
