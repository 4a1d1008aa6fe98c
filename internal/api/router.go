package api

import (
	"net/http"

	"kvdata/internal/logging"

	"github.com/gorilla/mux"
)

// SetupRoutes configures all REST API routes
func (h *RESTHandler) SetupRoutes() *mux.Router {
	router := mux.NewRouter()

	// Apply middleware
	router.Use(logging.CorrelationIDMiddleware(h.logger))
	router.Use(logging.LoggingMiddleware(h.logger))
	router.Use(h.CORSMiddleware)

	// API version 1
	v1 := router.PathPrefix("/api/v1").Subrouter()

	// Value operations
	keyPath := "/tables/{table}/targets/{target}/keys/{key}"
	v1.HandleFunc(keyPath, h.GetKey).Methods(http.MethodGet)
	v1.HandleFunc(keyPath, h.PutKey).Methods(http.MethodPut)
	v1.HandleFunc(keyPath, h.DeleteKey).Methods(http.MethodDelete)

	// Target operations
	targetPath := "/tables/{table}/targets/{target}"
	v1.HandleFunc(targetPath, h.GetTarget).Methods(http.MethodGet)
	v1.HandleFunc(targetPath, h.PutTarget).Methods(http.MethodPut)

	// Lifecycle
	v1.HandleFunc("/cache/flush", h.FlushCache).Methods(http.MethodPost)
	v1.HandleFunc("/migrations", h.Migrate).Methods(http.MethodPost)

	v1.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	v1.HandleFunc("/stats", h.Stats).Methods(http.MethodGet)

	// Handle OPTIONS for all routes (CORS preflight)
	v1.Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// Root endpoints
	router.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	router.HandleFunc("/", h.RootHandler).Methods(http.MethodGet)

	return router
}

// RootHandler handles requests to the root path
func (h *RESTHandler) RootHandler(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"service":     "kvdata",
		"version":     Version,
		"api_version": "v1",
		"method":      h.data.Manager().Config().Method().Name,
		"endpoints": map[string]interface{}{
			"health": "/health or /api/v1/health",
			"stats":  "/api/v1/stats",
			"value_operations": map[string]string{
				"get":    "GET /api/v1/tables/{table}/targets/{target}/keys/{key}?cache={true|false}",
				"put":    "PUT /api/v1/tables/{table}/targets/{target}/keys/{key}",
				"delete": "DELETE /api/v1/tables/{table}/targets/{target}/keys/{key}",
			},
			"target_operations": map[string]string{
				"get": "GET /api/v1/tables/{table}/targets/{target}?keys={a,b}",
				"put": "PUT /api/v1/tables/{table}/targets/{target}",
			},
			"lifecycle": map[string]string{
				"flush":   "POST /api/v1/cache/flush",
				"migrate": "POST /api/v1/migrations",
			},
		},
	}

	h.writeJSONResponse(w, http.StatusOK, response)
}
