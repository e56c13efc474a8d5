// Package http provides the HTTP handlers of the cloud document store.
package http

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/atinyakov/ReliefNet/internal/repository"
	"github.com/atinyakov/ReliefNet/internal/service"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// maxDocumentSize bounds request bodies.
const maxDocumentSize = 1 << 20

// DocumentService defines the operations required by DocumentHandler.
type DocumentService interface {
	Append(ctx context.Context, collection string, body []byte) (string, error)
	Upsert(ctx context.Context, collection, id string, body []byte) error
	Get(ctx context.Context, collection, id string) ([]byte, error)
	Collection(ctx context.Context, collection string) ([]byte, error)
}

// DocumentHandler serves collections of JSON documents.
type DocumentHandler struct {
	DocumentService DocumentService
	Logger          *zap.Logger
}

// List handles GET /{collection}. The response is an object keyed by document id.
func (h *DocumentHandler) List(w http.ResponseWriter, r *http.Request) {
	out, err := h.DocumentService.Collection(r.Context(), param(r, "collection"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// Get handles GET /{collection}/{id}.
func (h *DocumentHandler) Get(w http.ResponseWriter, r *http.Request) {
	out, err := h.DocumentService.Get(r.Context(), param(r, "collection"), param(r, "id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// Append handles POST /{collection}. It responds with {"name": "<generated key>"}.
func (h *DocumentHandler) Append(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxDocumentSize))
	if err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	id, err := h.DocumentService.Append(r.Context(), param(r, "collection"), body)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, []byte(`{"name":"`+id+`"}`))
}

// Put handles PUT /{collection}/{id} and echoes the stored document.
func (h *DocumentHandler) Put(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxDocumentSize))
	if err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if err := h.DocumentService.Upsert(r.Context(), param(r, "collection"), param(r, "id"), body); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

func (h *DocumentHandler) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidCollection), errors.Is(err, service.ErrInvalidDocument):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, repository.ErrNotFound):
		writeJSON(w, http.StatusOK, []byte("null"))
	default:
		if h.Logger != nil {
			h.Logger.Error("document store failure", zap.Error(err))
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// param returns a URL parameter with an optional ".json" suffix removed.
func param(r *http.Request, name string) string {
	return strings.TrimSuffix(chi.URLParam(r, name), ".json")
}

func writeJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
