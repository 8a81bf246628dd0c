package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/opencohort/cohortq/internal/services"
)

// POST /api/questionnaires
func (rt *Router) handleCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	tok, ok := access(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var q services.Questionnaire
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	created, err := rt.questionnaires.Create(tok, &q)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// /api/questionnaires/{id}/{version} and /api/questionnaires/{id}/revise
func (rt *Router) handleQScoped(w http.ResponseWriter, r *http.Request) {
	tok, ok := access(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/questionnaires/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 {
		http.NotFound(w, r)
		return
	}
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		http.Error(w, "invalid questionnaire id", http.StatusBadRequest)
		return
	}

	if parts[1] == "revise" {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var q services.Questionnaire
		if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		revised, err := rt.questionnaires.Revise(tok, id, &q)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, revised)
		return
	}

	version, err := strconv.Atoi(parts[1])
	if err != nil {
		http.Error(w, "invalid questionnaire version", http.StatusBadRequest)
		return
	}
	switch r.Method {
	case http.MethodGet:
		q, err := rt.questionnaires.Get(tok, id, version)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, q)
	case http.MethodPut:
		var q services.Questionnaire
		if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		updated, err := rt.questionnaires.Update(tok, id, version, &q)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, updated)
	case http.MethodDelete:
		q, err := rt.questionnaires.Deactivate(tok, id, version)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, q)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// GET /api/studies/{study}/questionnaires and /api/studies/{study}/instances
func (rt *Router) handleStudyScoped(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	tok, ok := access(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/studies/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 {
		http.NotFound(w, r)
		return
	}
	study := parts[0]
	switch parts[1] {
	case "questionnaires":
		out, err := rt.questionnaires.List(tok, study)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"questionnaires": out})
	case "instances":
		out, err := rt.instances.List(tok, study)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"questionnaire_instances": out})
	default:
		http.NotFound(w, r)
	}
}

// GET /api/export?questionnaire_id=...&version=...
func (rt *Router) handleExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	tok, ok := access(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	id, err := strconv.ParseInt(r.URL.Query().Get("questionnaire_id"), 10, 64)
	if err != nil {
		http.Error(w, "questionnaire_id required", http.StatusBadRequest)
		return
	}
	version, err := strconv.Atoi(r.URL.Query().Get("version"))
	if err != nil {
		http.Error(w, "version required", http.StatusBadRequest)
		return
	}
	data, err := rt.export.ExportAnswers(tok, id, version)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", "attachment; filename=answers.csv")
	_, _ = w.Write(data)
}
