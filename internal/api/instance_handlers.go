package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/opencohort/cohortq/internal/services"
)

// POST /api/instances
func (rt *Router) handleIssueInstance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	tok, ok := access(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req services.IssueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	inst, err := rt.instances.Issue(tok, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, inst)
}

// /api/instances/{id}, /api/instances/{id}/answers,
// /api/instances/{id}/answers/{answerOptionID}
func (rt *Router) handleInstanceScoped(w http.ResponseWriter, r *http.Request) {
	tok, ok := access(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/instances/")
	parts := strings.Split(rest, "/")
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		http.Error(w, "invalid instance id", http.StatusBadRequest)
		return
	}

	switch {
	case len(parts) == 1:
		rt.handleInstance(w, r, tok, id)
	case len(parts) == 2 && parts[1] == "answers":
		rt.handleAnswers(w, r, tok, id)
	case len(parts) == 3 && parts[1] == "answers":
		answerOptionID, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			http.Error(w, "invalid answer option id", http.StatusBadRequest)
			return
		}
		if r.Method != http.MethodDelete {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if err := rt.instances.DeleteAnswer(tok, id, answerOptionID); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.NotFound(w, r)
	}
}

func (rt *Router) handleInstance(w http.ResponseWriter, r *http.Request, tok services.AccessToken, id int64) {
	switch r.Method {
	case http.MethodGet:
		inst, err := rt.instances.Get(tok, id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, inst)
	case http.MethodPut:
		var req services.InstanceUpdate
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		inst, err := rt.instances.Update(tok, id, req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, inst)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (rt *Router) handleAnswers(w http.ResponseWriter, r *http.Request, tok services.AccessToken, id int64) {
	switch r.Method {
	case http.MethodGet:
		versioning := 0
		if v := r.URL.Query().Get("versioning"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				http.Error(w, "invalid versioning", http.StatusBadRequest)
				return
			}
			versioning = n
		}
		answers, err := rt.instances.ListAnswers(tok, id, versioning)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"answers": answers})
	case http.MethodPost:
		var req struct {
			Answers []*services.Answer `json:"answers"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		saved, err := rt.instances.SaveAnswers(tok, id, req.Answers)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"answers": saved})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}
