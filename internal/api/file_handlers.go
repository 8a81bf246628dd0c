package api

import (
	"io"
	"net/http"
	"strings"
)

const maxUploadBytes = 32 << 20

// POST /api/files stores an answer attachment and returns its opaque id.
func (rt *Router) handleFileUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if _, ok := access(r); !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if rt.files == nil {
		http.Error(w, "file storage not configured", http.StatusServiceUnavailable)
		return
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, maxUploadBytes+1))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(data) == 0 {
		http.Error(w, "empty upload", http.StatusBadRequest)
		return
	}
	if len(data) > maxUploadBytes {
		http.Error(w, "upload too large", http.StatusRequestEntityTooLarge)
		return
	}
	id, err := rt.files.Put(data)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"file_id": id})
}

// GET /api/files/{id}
func (rt *Router) handleFileDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if _, ok := access(r); !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if rt.files == nil {
		http.Error(w, "file storage not configured", http.StatusServiceUnavailable)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/files/")
	data, err := rt.files.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(data)
}
