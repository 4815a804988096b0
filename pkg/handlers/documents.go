package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"visitor-tracker/pkg/models"
	"visitor-tracker/pkg/storage"
	"visitor-tracker/pkg/tally"
)

const (
	CodeInvalidJSON        = "INVALID_JSON"
	CodeValidation         = "VALIDATION_ERROR"
	CodeNotFound           = "NOT_FOUND"
	CodeInvalidWrite       = "INVALID_WRITE"
	CodeStoreUnavailable   = "STORE_UNAVAILABLE"
	CodeInternal           = "INTERNAL_ERROR"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeInvalidContentType = "INVALID_CONTENT_TYPE"
	CodeBodyTooLarge       = "BODY_TOO_LARGE"
)

const defaultTopDomains = 10

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeSuccess(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, models.APIResponse{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, models.ErrorResponse{Success: false, Error: message, Code: code})
}

// writeStoreError maps storage errors onto HTTP statuses.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, CodeNotFound, err.Error())
	case errors.Is(err, storage.ErrInvalidWrite):
		writeError(w, http.StatusBadRequest, CodeInvalidWrite, err.Error())
	case errors.Is(err, storage.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, CodeStoreUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, CodeInternal, err.Error())
	}
}

func documentKey(r *http.Request) (string, string, bool) {
	vars := mux.Vars(r)
	collection, id := vars["collection"], vars["id"]
	return collection, id, collection != "" && id != ""
}

func GetDocumentHandler(store storage.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "Method not allowed")
			return
		}
		collection, id, ok := documentKey(r)
		if !ok {
			writeError(w, http.StatusBadRequest, CodeValidation, "Missing collection or document id")
			return
		}

		doc, err := store.Get(r.Context(), collection, id)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeSuccess(w, http.StatusOK, doc)
	}
}

// SetDocumentHandler merge-writes a storage.SetRequest into a document.
// Bodies larger than maxBody bytes are rejected; zero means no limit.
func SetDocumentHandler(store storage.Store, maxBody int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch {
			writeError(w, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "Method not allowed")
			return
		}
		collection, id, ok := documentKey(r)
		if !ok {
			writeError(w, http.StatusBadRequest, CodeValidation, "Missing collection or document id")
			return
		}
		if maxBody > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, maxBody)
		}

		var req storage.SetRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeError(w, http.StatusRequestEntityTooLarge, CodeBodyTooLarge, "Request body too large")
				return
			}
			writeError(w, http.StatusBadRequest, CodeInvalidJSON, "Invalid JSON")
			return
		}
		if len(req.Writes) == 0 {
			writeError(w, http.StatusBadRequest, CodeValidation, "At least one write is required")
			return
		}

		writes, err := storage.DecodeWrites(req.Writes)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		if err := store.Set(r.Context(), collection, id, writes); err != nil {
			writeStoreError(w, err)
			return
		}
		writeSuccess(w, http.StatusOK, map[string]any{
			"collection": collection,
			"id":         id,
			"writes":     len(writes),
		})
	}
}

// VisitorClicksHandler reports the click tally of one visitor document.
// Query parameters: collection (default userTracking), limit (top domains).
func VisitorClicksHandler(store storage.Store, defaultCollection string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "Method not allowed")
			return
		}
		id := mux.Vars(r)["id"]
		if id == "" {
			writeError(w, http.StatusBadRequest, CodeValidation, "Missing visitor id")
			return
		}

		collection := r.URL.Query().Get("collection")
		if collection == "" {
			collection = defaultCollection
		}
		limit := defaultTopDomains
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				writeError(w, http.StatusBadRequest, CodeValidation, "limit must be a non-negative integer")
				return
			}
			limit = n
		}

		doc, err := store.Get(r.Context(), collection, id)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		clicks := doc.Tally(models.FieldExternalLinkClicks)
		writeSuccess(w, http.StatusOK, models.ClickStats{
			VisitorID:           id,
			ExternalLinkClicks:  clicks,
			TotalExternalClicks: doc.Int(models.FieldTotalExternalClicks),
			TopDomains:          tally.Top(clicks, limit),
			LastUpdated:         doc.Time(models.FieldLastUpdated),
		})
	}
}
