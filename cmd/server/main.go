package main

import (
	"encoding/json"
	"log"
	"net/http"
	"os"

	"github.com/opencohort/cohortq/internal/api"
	"github.com/opencohort/cohortq/internal/db"
	"github.com/opencohort/cohortq/internal/events"
	"github.com/opencohort/cohortq/internal/middleware"
	"github.com/opencohort/cohortq/internal/services"
	"github.com/opencohort/cohortq/internal/storage"
	"github.com/opencohort/cohortq/internal/utils"
)

func main() {
	addr := utils.SafeEnv("COHORTQ_ADDR", ":8080")
	commit := os.Getenv("COHORTQ_COMMIT")
	buildTime := os.Getenv("COHORTQ_BUILD_TIME")

	store, err := openStore()
	if err != nil {
		log.Fatalf("open store: %v", err)
	}

	var publisher services.ReleasePublisher = events.LogPublisher{}
	if url := os.Getenv("COHORTQ_RELEASE_WEBHOOK_URL"); url != "" {
		publisher = events.NewWebhookPublisher(url)
	}

	files, err := storage.NewFileStore(utils.SafeEnv("COHORTQ_UPLOAD_DIR", "data/uploads"))
	if err != nil {
		log.Fatalf("open file store: %v", err)
	}

	mux := http.NewServeMux()
	api.NewRouter(store, publisher, files).Register(mux)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok":   true,
			"name": "CohortQ API",
		})
	})
	mux.HandleFunc("/version", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"commit":     commit,
			"build_time": buildTime,
		})
	})

	handler := middleware.CORS(middleware.SecureHeaders(middleware.NoStore(middleware.WithAuth(mux))))

	log.Printf("CohortQ server listening on %s", addr)
	if err := http.ListenAndServe(addr, handler); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

// openStore picks sqlite when a database path is configured and falls back
// to the in-memory store for local development.
func openStore() (services.Store, error) {
	path := os.Getenv("COHORTQ_SQLITE_PATH")
	if path == "" {
		log.Printf("COHORTQ_SQLITE_PATH not set, using in-memory store")
		return api.NewMemoryStore(), nil
	}
	conn, err := db.Open(path)
	if err != nil {
		return nil, err
	}
	if err := db.RunMigrations(conn, os.Getenv("COHORTQ_MIGRATIONS_DIR")); err != nil {
		return nil, err
	}
	return db.NewStore(conn)
}
