// internal/api/routes/routes.go
package routes

import (
	"net/http"
	"time"

	"github.com/fawad-mazhar/kxcreation/internal/api/handlers"
	"github.com/fawad-mazhar/kxcreation/internal/catalog"
	"github.com/fawad-mazhar/kxcreation/internal/models"
	"github.com/fawad-mazhar/kxcreation/internal/storage"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Orchestrator is what the API needs from the run engine
type Orchestrator interface {
	handlers.Submitter
	handlers.StatsProvider
}

// Deps are the collaborators the router is built from
type Deps struct {
	Orchestrator Orchestrator
	Store        storage.TaskStore
	Catalog      *catalog.Catalog
	Adapters     catalog.Adapters
	StageTimeout func(models.StageKind) time.Duration
	// RequestTimeout bounds every request except the synchronous stage endpoints
	RequestTimeout time.Duration
}

func SetupRouter(deps Deps) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			next.ServeHTTP(w, r)
		})
	})

	requestTimeout := deps.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = 30 * time.Second
	}

	// Initialize handlers
	pipelineHandler := handlers.NewPipelineHandler(deps.Orchestrator, deps.Catalog)
	taskHandler := handlers.NewTaskHandler(deps.Store, deps.Catalog)
	stageHandler := handlers.NewStageHandler(deps.Adapters, deps.StageTimeout)
	statusHandler := handlers.NewStatusHandler(deps.Orchestrator)

	// Routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(requestTimeout))

			// Pipeline endpoints
			r.Route("/pipelines", func(r chi.Router) {
				r.Get("/", pipelineHandler.List)
				r.Post("/{name}", pipelineHandler.Submit)
			})

			// Task endpoints
			r.Route("/tasks", func(r chi.Router) {
				r.Get("/", taskHandler.List)
				r.Get("/{id}/status", taskHandler.GetStatus)
				r.Get("/{id}/result", taskHandler.GetResult)
			})

			// System Status endpoint
			r.Get("/system/status", statusHandler.GetSystemStatus)
		})

		// Step-by-step endpoints run under their stage timeout
		r.Route("/stages", func(r chi.Router) {
			r.Post("/fetch", stageHandler.Fetch)
			r.Post("/analyze", stageHandler.Analyze)
			r.Post("/compose", stageHandler.Compose)
			r.Post("/publish", stageHandler.Publish)
		})
	})

	// Health check endpoint
	r.Get("/health", statusHandler.Health)

	return r
}
