package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/kimhsiao/syncore/internal/errors"
	"github.com/kimhsiao/syncore/internal/models"
	"github.com/kimhsiao/syncore/internal/services"
)

// RecordService is the cache service of one entity kind.
type RecordService interface {
	Kind() models.EntityKind
	List(ctx context.Context) ([]services.Record, error)
	Get(ctx context.Context, id string) (*services.Record, error)
	Create(ctx context.Context, p models.Payload) (*services.Record, error)
	Update(ctx context.Context, p models.Payload) (*services.Record, error)
	Delete(ctx context.Context, id string) error
}

// RecordHandler serves cache-first CRUD for one entity kind. Writes return
// as soon as the local store has them; delivery happens in the background.
type RecordHandler struct {
	svc RecordService
}

// NewRecordHandler creates a RecordHandler.
func NewRecordHandler(svc RecordService) *RecordHandler {
	return &RecordHandler{svc: svc}
}

// Routes mounts the collection under the kind's endpoint.
func (h *RecordHandler) Routes(r chi.Router) {
	r.Route(h.svc.Kind().Endpoint(), func(r chi.Router) {
		r.Get("/", h.List)
		r.Post("/", h.Create)
		r.Get("/{id}", h.Get)
		r.Put("/{id}", h.Update)
		r.Delete("/{id}", h.Delete)
	})
}

// List handles GET /api/{kind}.
func (h *RecordHandler) List(w http.ResponseWriter, r *http.Request) {
	records, err := h.svc.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if records == nil {
		records = []services.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

// Get handles GET /api/{kind}/{id}.
func (h *RecordHandler) Get(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Create handles POST /api/{kind}.
func (h *RecordHandler) Create(w http.ResponseWriter, r *http.Request) {
	p, err := h.decode(r)
	if err != nil {
		writeError(w, err)
		return
	}
	rec, err := h.svc.Create(r.Context(), p)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// Update handles PUT /api/{kind}/{id}. The id in the path wins over one in
// the body.
func (h *RecordHandler) Update(w http.ResponseWriter, r *http.Request) {
	p, err := h.decode(r)
	if err != nil {
		writeError(w, err)
		return
	}
	p.SetRecordID(chi.URLParam(r, "id"))
	rec, err := h.svc.Update(r.Context(), p)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Delete handles DELETE /api/{kind}/{id}.
func (h *RecordHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *RecordHandler) decode(r *http.Request) (models.Payload, error) {
	body, err := readBody(r)
	if err != nil {
		return nil, err
	}
	p, err := models.DecodeRecord(h.svc.Kind(), body)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "invalid record", err)
	}
	return p, nil
}
