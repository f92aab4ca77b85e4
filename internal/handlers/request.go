package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/thw/backend/internal/services"
)

const (
	removeIndicesKey = "imagesToRemove"
	versionKey       = "version"
)

// contentRequest is the parsed body of a write request.
type contentRequest struct {
	Fields        map[string]json.RawMessage
	RemoveIndices []int
	Version       int64
	Uploads       []services.Upload

	files []multipart.File
}

func (r *contentRequest) fieldsJSON() (json.RawMessage, error) {
	if r.Fields == nil {
		return json.RawMessage(`{}`), nil
	}
	return json.Marshal(r.Fields)
}

// Close releases the multipart file handles.
func (r *contentRequest) Close() {
	for _, f := range r.files {
		_ = f.Close()
	}
}

// parseContentRequest reads a JSON or multipart body. Files are only taken
// from assetField.
func parseContentRequest(c *gin.Context, assetField string, maxMemory int64) (*contentRequest, error) {
	req := &contentRequest{Fields: map[string]json.RawMessage{}}

	if strings.HasPrefix(c.ContentType(), "multipart/form-data") {
		if err := c.Request.ParseMultipartForm(maxMemory); err != nil {
			return nil, badRequest("", "failed to parse multipart form")
		}
		form := c.Request.MultipartForm
		for key, values := range form.Value {
			if len(values) == 0 {
				continue
			}
			if err := req.setValue(key, formValue(values[0])); err != nil {
				return nil, err
			}
		}
		for key, headers := range form.File {
			if key != assetField {
				req.Close()
				return nil, badRequest(key, "unexpected file field")
			}
			for _, fh := range headers {
				f, err := fh.Open()
				if err != nil {
					req.Close()
					return nil, badRequest(key, "failed to open file")
				}
				req.files = append(req.files, f)
				req.Uploads = append(req.Uploads, services.Upload{
					Reader:    f,
					Filename:  fh.Filename,
					MediaType: fh.Header.Get("Content-Type"),
				})
			}
		}
		return req, nil
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return nil, badRequest("", "failed to read body")
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return req, nil
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, badRequest("", "body must be a JSON object")
	}
	for key, raw := range doc {
		if err := req.setValue(key, raw); err != nil {
			return nil, err
		}
	}
	return req, nil
}

func (r *contentRequest) setValue(key string, raw json.RawMessage) error {
	switch key {
	case removeIndicesKey:
		indices, err := parseIndices(raw)
		if err != nil {
			return err
		}
		r.RemoveIndices = indices
	case versionKey:
		v, err := parseVersion(raw)
		if err != nil {
			return err
		}
		r.Version = v
	default:
		r.Fields[key] = raw
	}
	return nil
}

// formValue turns a multipart value into JSON. Values that already are JSON
// arrays or objects pass through; everything else becomes a JSON string.
func formValue(v string) json.RawMessage {
	trimmed := strings.TrimSpace(v)
	if strings.HasPrefix(trimmed, "[") || strings.HasPrefix(trimmed, "{") {
		if json.Valid([]byte(trimmed)) {
			return json.RawMessage(trimmed)
		}
	}
	b, _ := json.Marshal(v)
	return b
}

// parseIndices accepts a JSON array of integers or a string holding one.
func parseIndices(raw json.RawMessage) ([]int, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		raw = json.RawMessage(s)
	}
	var indices []int
	if err := json.Unmarshal(raw, &indices); err != nil {
		return nil, badRequest(removeIndicesKey, "must be a valid array of indices")
	}
	return indices, nil
}

func parseVersion(raw json.RawMessage) (int64, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		raw = json.RawMessage(s)
	}
	v, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil || v < 1 {
		return 0, badRequest(versionKey, "must be a positive integer")
	}
	return v, nil
}

type requestError struct {
	field   string
	message string
}

func (e *requestError) Error() string {
	if e.field == "" {
		return e.message
	}
	return fmt.Sprintf("%s: %s", e.field, e.message)
}

func badRequest(field, message string) error {
	return &requestError{field: field, message: message}
}

func isRequestError(err error) (*requestError, bool) {
	var re *requestError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	if _, ok := isRequestError(err); ok {
		return http.StatusBadRequest
	}
	switch services.ErrorKind(err) {
	case services.KindValidation, services.KindInvalidMedia:
		return http.StatusBadRequest
	case services.KindNotFound:
		return http.StatusNotFound
	case services.KindAlreadyExists, services.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func asValidationError(err error) (*services.ValidationError, bool) {
	var verr *services.ValidationError
	if errors.As(err, &verr) {
		return verr, true
	}
	return nil, false
}
