package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/thw/backend/internal/models"
	"github.com/thw/backend/internal/services"
)

// ContentHandler serves one record kind.
type ContentHandler struct {
	content   *services.ContentService
	kind      *services.Kind
	maxMemory int64
	log       *slog.Logger
}

func NewContentHandler(content *services.ContentService, kindName string, maxMemory int64, log *slog.Logger) (*ContentHandler, error) {
	kind, err := content.Kind(kindName)
	if err != nil {
		return nil, err
	}
	return &ContentHandler{
		content:   content,
		kind:      kind,
		maxMemory: maxMemory,
		log:       log.With("kind", kind.Name),
	}, nil
}

// GetSingleton returns the singleton document.
// GET /about/details
func (h *ContentHandler) GetSingleton(c *gin.Context) {
	rec, err := h.content.GetSingleton(c.Request.Context(), h.kind.Name)
	if err != nil {
		h.fail(c, err, "Error fetching "+h.kind.Name)
		return
	}
	h.respond(c, http.StatusOK, "", rec)
}

// List returns all documents, newest first unless ?sort=created_asc.
// GET /attractions/get-attractions
func (h *ContentHandler) List(c *gin.Context) {
	order, err := services.ParseOrder(c.Query("sort"))
	if err != nil {
		h.fail(c, err, "Invalid sort order")
		return
	}
	recs, err := h.content.List(c.Request.Context(), h.kind.Name, order)
	if err != nil {
		h.fail(c, err, "Error fetching "+h.kind.Name)
		return
	}
	docs := make([]map[string]interface{}, 0, len(recs))
	for _, rec := range recs {
		doc, err := rec.Document(h.kind.AssetField, h.kind.SingleAsset())
		if err != nil {
			h.fail(c, err, "Error fetching "+h.kind.Name)
			return
		}
		docs = append(docs, doc)
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "count": len(docs), "data": docs})
}

// Get returns one document by id.
// GET /attractions/attractions/:id
func (h *ContentHandler) Get(c *gin.Context) {
	id, ok := h.idParam(c)
	if !ok {
		return
	}
	rec, err := h.content.Get(c.Request.Context(), h.kind.Name, id)
	if err != nil {
		h.fail(c, err, "Error fetching "+h.kind.Name)
		return
	}
	h.respond(c, http.StatusOK, "", rec)
}

// Create stores a new document. Singleton kinds answer 409 once created.
// POST /attractions/attractions
func (h *ContentHandler) Create(c *gin.Context) {
	req, err := parseContentRequest(c, h.kind.AssetField, h.maxMemory)
	if err != nil {
		h.fail(c, err, "Invalid request")
		return
	}
	defer req.Close()

	fields, err := req.fieldsJSON()
	if err != nil {
		h.fail(c, err, "Invalid request")
		return
	}
	rec, err := h.content.Create(c.Request.Context(), h.kind.Name, fields, req.Uploads)
	if err != nil {
		h.fail(c, err, "Error creating "+h.kind.Name)
		return
	}
	h.respond(c, http.StatusCreated, h.kind.Name+" created successfully", rec)
}

// Save creates the singleton or replaces it.
// PUT /about/details
func (h *ContentHandler) Save(c *gin.Context) {
	req, err := parseContentRequest(c, h.kind.AssetField, h.maxMemory)
	if err != nil {
		h.fail(c, err, "Invalid request")
		return
	}
	defer req.Close()

	fields, err := req.fieldsJSON()
	if err != nil {
		h.fail(c, err, "Invalid request")
		return
	}
	rec, err := h.content.Save(c.Request.Context(), h.kind.Name, fields, req.Uploads)
	if err != nil {
		h.fail(c, err, "Error saving "+h.kind.Name)
		return
	}
	h.respond(c, http.StatusOK, h.kind.Name+" saved successfully", rec)
}

// Update applies a partial update by id.
// PUT /attractions/attractions/:id
func (h *ContentHandler) Update(c *gin.Context) {
	id, ok := h.idParam(c)
	if !ok {
		return
	}
	req, err := parseContentRequest(c, h.kind.AssetField, h.maxMemory)
	if err != nil {
		h.fail(c, err, "Invalid request")
		return
	}
	defer req.Close()

	rec, err := h.content.Update(c.Request.Context(), h.kind.Name, id, req.updateRequest())
	if err != nil {
		h.fail(c, err, "Error updating "+h.kind.Name)
		return
	}
	h.respond(c, http.StatusOK, h.kind.Name+" updated successfully", rec)
}

// UpdateSingleton applies a partial update to the singleton; the id in the
// path has to name it.
// PUT /about/detail/:id
func (h *ContentHandler) UpdateSingleton(c *gin.Context) {
	id, ok := h.idParam(c)
	if !ok {
		return
	}
	cur, err := h.content.GetSingleton(c.Request.Context(), h.kind.Name)
	if err != nil {
		h.fail(c, err, "Error updating "+h.kind.Name)
		return
	}
	if cur.ID != id {
		h.fail(c, services.ErrNotFound, h.kind.Name+" not found")
		return
	}

	req, err := parseContentRequest(c, h.kind.AssetField, h.maxMemory)
	if err != nil {
		h.fail(c, err, "Invalid request")
		return
	}
	defer req.Close()

	rec, err := h.content.UpdateSingleton(c.Request.Context(), h.kind.Name, req.updateRequest())
	if err != nil {
		h.fail(c, err, "Error updating "+h.kind.Name)
		return
	}
	h.respond(c, http.StatusOK, h.kind.Name+" updated successfully", rec)
}

// Delete removes a document and its images.
// DELETE /attractions/attractions/:id
func (h *ContentHandler) Delete(c *gin.Context) {
	id, ok := h.idParam(c)
	if !ok {
		return
	}
	if _, err := h.content.Delete(c.Request.Context(), h.kind.Name, id); err != nil {
		h.fail(c, err, "Error deleting "+h.kind.Name)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": h.kind.Name + " deleted successfully"})
}

func (r *contentRequest) updateRequest() services.UpdateRequest {
	return services.UpdateRequest{
		Fields:          r.Fields,
		RemoveIndices:   r.RemoveIndices,
		Uploads:         r.Uploads,
		ExpectedVersion: r.Version,
	}
}

func (h *ContentHandler) idParam(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		// ids that cannot exist are reported like missing ones
		h.fail(c, services.ErrNotFound, h.kind.Name+" not found")
		return uuid.Nil, false
	}
	return id, true
}

func (h *ContentHandler) respond(c *gin.Context, status int, message string, rec *models.Record) {
	doc, err := rec.Document(h.kind.AssetField, h.kind.SingleAsset())
	if err != nil {
		h.fail(c, err, "Error encoding "+h.kind.Name)
		return
	}
	body := gin.H{"success": true, "data": doc}
	if message != "" {
		body["message"] = message
	}
	c.JSON(status, body)
}

func (h *ContentHandler) fail(c *gin.Context, err error, message string) {
	status := statusFor(err)
	body := gin.H{
		"success": false,
		"message": message,
		"error":   err.Error(),
	}
	if re, ok := isRequestError(err); ok {
		body["kind"] = services.KindValidation
		if re.field != "" {
			body["field"] = re.field
		}
	} else {
		body["kind"] = services.ErrorKind(err)
		if verr, ok := asValidationError(err); ok && verr.Field != "" {
			body["field"] = verr.Field
		}
	}
	if status == http.StatusConflict && services.ErrorKind(err) == services.KindConflict {
		body["retryable"] = true
	}
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed", "path", c.FullPath(), "error", err)
		body["error"] = "internal error"
	}
	c.JSON(status, body)
}
