package api

import (
	"encoding/json"
	"net/http"

	"github.com/opencohort/cohortq/internal/middleware"
	"github.com/opencohort/cohortq/internal/services"
	"github.com/opencohort/cohortq/internal/storage"
)

// Router wires the HTTP surface to the services. Handlers only decode and
// encode; every rule lives in internal/services.
type Router struct {
	store          services.Store
	questionnaires *services.QuestionnaireService
	instances      *services.InstanceService
	export         *services.ExportService
	auth           *services.AuthService
	files          *storage.FileStore
}

func NewRouter(store services.Store, publisher services.ReleasePublisher, files *storage.FileStore) *Router {
	return &Router{
		store:          store,
		questionnaires: services.NewQuestionnaireService(store),
		instances:      services.NewInstanceService(store, publisher),
		export:         services.NewExportService(store),
		auth:           services.NewAuthService(store, middleware.SignToken),
		files:          files,
	}
}

func (rt *Router) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/auth/login", rt.handleLogin)          // POST
	mux.HandleFunc("/api/users", rt.handleCreateUser)          // POST
	mux.HandleFunc("/api/questionnaires", rt.handleCreate)     // POST
	mux.HandleFunc("/api/questionnaires/", rt.handleQScoped)   // GET/PUT/DELETE .../{id}/{version}, POST .../{id}/revise
	mux.HandleFunc("/api/studies/", rt.handleStudyScoped)      // GET .../{study}/questionnaires|instances
	mux.HandleFunc("/api/instances", rt.handleIssueInstance)   // POST
	mux.HandleFunc("/api/instances/", rt.handleInstanceScoped) // GET/PUT .../{id}, answers subresource
	mux.HandleFunc("/api/export", rt.handleExport)             // GET
	mux.HandleFunc("/api/files", rt.handleFileUpload)          // POST
	mux.HandleFunc("/api/files/", rt.handleFileDownload)       // GET .../{id}
}

// access converts the middleware claims into the services access descriptor.
func access(r *http.Request) (services.AccessToken, bool) {
	c, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		return services.AccessToken{}, false
	}
	return services.AccessToken{
		Role:     services.Role(c.Role),
		Username: c.Username,
		Studies:  c.Studies,
	}, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	if se, ok := services.AsServiceError(err); ok {
		writeJSON(w, statusForCode(se.Code), map[string]string{"error": se.Message, "code": string(se.Code)})
		return
	}
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error(), "code": string(services.ErrorInternal)})
}

func statusForCode(code services.ErrorCode) int {
	switch code {
	case services.ErrorInvalid:
		return http.StatusBadRequest
	case services.ErrorUnauthorized:
		return http.StatusUnauthorized
	case services.ErrorForbidden:
		return http.StatusForbidden
	case services.ErrorNotFound:
		return http.StatusNotFound
	case services.ErrorConflict:
		return http.StatusConflict
	case services.ErrorPreconditionFailed:
		return http.StatusPreconditionFailed
	default:
		return http.StatusInternalServerError
	}
}
