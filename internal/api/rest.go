package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"kvdata/internal/logging"
	"kvdata/internal/storage"

	"github.com/gorilla/mux"
)

// Version is reported by the root and health endpoints.
const Version = "1.0.0"

// RESTHandler handles HTTP REST API requests
type RESTHandler struct {
	data      *storage.Data
	logger    *logging.Logger
	startTime time.Time
}

// NewRESTHandler creates a new REST API handler
func NewRESTHandler(data *storage.Data, logger *logging.Logger) *RESTHandler {
	return &RESTHandler{
		data:      data,
		logger:    logger,
		startTime: time.Now(),
	}
}

// Request/Response types for JSON handling

// PutRequest sets one key. A null value removes it.
type PutRequest struct {
	Value *string `json:"value"`
}

// PutResponse represents a PUT response
type PutResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// GetResponse represents a GET response
type GetResponse struct {
	Found  bool   `json:"found"`
	Table  string `json:"table"`
	Target string `json:"target"`
	Key    string `json:"key"`
	Value  string `json:"value,omitempty"`
}

// DeleteResponse represents a DELETE response
type DeleteResponse struct {
	Success bool `json:"success"`
}

// BulkPutRequest sets several keys of one target.
type BulkPutRequest struct {
	Values map[string]*string `json:"values"`
}

// BulkPutResponse represents a bulk PUT response
type BulkPutResponse struct {
	Success bool `json:"success"`
	Count   int  `json:"count"`
}

// TargetResponse holds the requested keys of one target. Missing keys map
// to null.
type TargetResponse struct {
	Table  string             `json:"table"`
	Target string             `json:"target"`
	Values map[string]*string `json:"values"`
}

// FailedItem is a value that could not be written.
type FailedItem struct {
	Table  string `json:"table"`
	Target string `json:"target"`
	Key    string `json:"key"`
	Error  string `json:"error"`
}

// FlushResponse represents a cache flush response
type FlushResponse struct {
	Success     bool         `json:"success"`
	FailedCount int          `json:"failed_count"`
	Failures    []FailedItem `json:"failures,omitempty"`
}

// MigrationResponse represents the outcome of a migration check
type MigrationResponse struct {
	Migrated   bool         `json:"migrated"`
	State      string       `json:"state"`
	From       string       `json:"from,omitempty"`
	To         string       `json:"to,omitempty"`
	Tables     int          `json:"tables"`
	Targets    int          `json:"targets"`
	Values     int          `json:"values"`
	DurationMS int64        `json:"duration_ms"`
	Failures   []FailedItem `json:"failures,omitempty"`
	Error      string       `json:"error,omitempty"`
}

// HealthResponse represents a health check response
type HealthResponse struct {
	Healthy       bool   `json:"healthy"`
	Status        string `json:"status"`
	State         string `json:"state"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Version       string `json:"version"`
	Timestamp     int64  `json:"timestamp"`
}

// StatsResponse represents a stats response
type StatsResponse struct {
	Method        string `json:"method"`
	URL           string `json:"url"`
	State         string `json:"state"`
	CacheEnabled  bool   `json:"cache_enabled"`
	FlushInterval string `json:"flush_interval,omitempty"`
	CacheHits     int64  `json:"cache_hits"`
	CacheMisses   int64  `json:"cache_misses"`
	CacheTargets  int    `json:"cache_targets"`
	CacheEntries  int    `json:"cache_entries"`
	CacheDirty    int    `json:"cache_dirty"`
}

// ErrorResponse represents a generic error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func failedItems(failed []storage.FailedSet) []FailedItem {
	items := make([]FailedItem, 0, len(failed))
	for _, f := range failed {
		items = append(items, FailedItem{Table: f.Table, Target: f.Target, Key: f.Key, Error: f.Err.Error()})
	}
	return items
}

// accessOptions reads the optional ?cache=true|false override.
func accessOptions(r *http.Request) ([]storage.AccessOption, error) {
	raw := r.URL.Query().Get("cache")
	if raw == "" {
		return nil, nil
	}
	enabled, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, errors.New("cache must be true or false")
	}
	return []storage.AccessOption{storage.WithCache(enabled)}, nil
}

// coordinates extracts table, target and (when present) key from the path.
func coordinates(r *http.Request) (table, target, key string, err error) {
	vars := mux.Vars(r)
	table, target, key = vars["table"], vars["target"], vars["key"]
	if strings.TrimSpace(table) == "" || strings.TrimSpace(target) == "" {
		return "", "", "", errors.New("table and target cannot be empty")
	}
	if _, ok := vars["key"]; ok && strings.TrimSpace(key) == "" {
		return "", "", "", errors.New("key cannot be empty")
	}
	return table, target, key, nil
}

// GET /api/v1/tables/{table}/targets/{target}/keys/{key}
func (h *RESTHandler) GetKey(w http.ResponseWriter, r *http.Request) {
	table, target, key, err := coordinates(r)
	if err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	opts, err := accessOptions(r)
	if err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	h.logger.DebugContext(r.Context(), "Processing GET request",
		"table", table,
		"target", target,
		"key", key,
	)

	value, found := h.data.Get(r.Context(), table, target, key, opts...)
	status := http.StatusOK
	if !found {
		status = http.StatusNotFound
	}
	h.writeJSONResponse(w, status, GetResponse{
		Found:  found,
		Table:  table,
		Target: target,
		Key:    key,
		Value:  value,
	})
}

// PUT /api/v1/tables/{table}/targets/{target}/keys/{key}
func (h *RESTHandler) PutKey(w http.ResponseWriter, r *http.Request) {
	table, target, key, err := coordinates(r)
	if err != nil {
		h.logger.WarnContext(r.Context(), "PUT request with empty coordinates")
		h.writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	opts, err := accessOptions(r)
	if err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	var req PutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.WarnContext(r.Context(), "PUT request with invalid JSON", "error", err.Error())
		h.writeErrorResponse(w, http.StatusBadRequest, "Invalid JSON request")
		return
	}
	if strings.EqualFold(key, storage.TargetKey) {
		h.writeErrorResponse(w, http.StatusBadRequest, storage.ErrReservedKey.Error())
		return
	}

	h.data.Set(r.Context(), table, target, key, storage.FromPtr(req.Value), opts...)
	h.writeJSONResponse(w, http.StatusOK, PutResponse{Success: true})
}

// DELETE /api/v1/tables/{table}/targets/{target}/keys/{key}
func (h *RESTHandler) DeleteKey(w http.ResponseWriter, r *http.Request) {
	table, target, key, err := coordinates(r)
	if err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	opts, err := accessOptions(r)
	if err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	h.data.Remove(r.Context(), table, target, key, opts...)
	h.writeJSONResponse(w, http.StatusOK, DeleteResponse{Success: true})
}

// GET /api/v1/tables/{table}/targets/{target}?keys=a,b
func (h *RESTHandler) GetTarget(w http.ResponseWriter, r *http.Request) {
	table, target, _, err := coordinates(r)
	if err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	opts, err := accessOptions(r)
	if err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	var keys []string
	for _, k := range strings.Split(r.URL.Query().Get("keys"), ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		h.writeErrorResponse(w, http.StatusBadRequest, "keys query parameter is required")
		return
	}

	values := make(map[string]*string, len(keys))
	for _, k := range keys {
		values[k] = h.data.GetValue(r.Context(), table, target, k, opts...).Ptr()
	}
	h.writeJSONResponse(w, http.StatusOK, TargetResponse{Table: table, Target: target, Values: values})
}

// PUT /api/v1/tables/{table}/targets/{target}
func (h *RESTHandler) PutTarget(w http.ResponseWriter, r *http.Request) {
	table, target, _, err := coordinates(r)
	if err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	opts, err := accessOptions(r)
	if err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	var req BulkPutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, "Invalid JSON request")
		return
	}
	if len(req.Values) == 0 {
		h.writeErrorResponse(w, http.StatusBadRequest, "values cannot be empty")
		return
	}

	values := make(map[string]storage.Value, len(req.Values))
	for k, v := range req.Values {
		if strings.TrimSpace(k) == "" || strings.EqualFold(k, storage.TargetKey) {
			h.writeErrorResponse(w, http.StatusBadRequest, "invalid key "+strconv.Quote(k))
			return
		}
		values[k] = storage.FromPtr(v)
	}

	h.logger.DebugContext(r.Context(), "Processing bulk PUT request",
		"table", table,
		"target", target,
		"count", len(values),
	)

	h.data.SetAll(r.Context(), table, target, values, opts...)
	h.writeJSONResponse(w, http.StatusOK, BulkPutResponse{Success: true, Count: len(values)})
}

// POST /api/v1/cache/flush
func (h *RESTHandler) FlushCache(w http.ResponseWriter, r *http.Request) {
	failed := h.data.Flush(r.Context())

	status := http.StatusOK
	if len(failed) > 0 {
		status = http.StatusMultiStatus
	}
	h.writeJSONResponse(w, status, FlushResponse{
		Success:     len(failed) == 0,
		FailedCount: len(failed),
		Failures:    failedItems(failed),
	})
}

// POST /api/v1/migrations
func (h *RESTHandler) Migrate(w http.ResponseWriter, r *http.Request) {
	report, err := h.data.CheckMigration(r.Context())

	resp := MigrationResponse{State: h.data.State().String()}
	if report != nil {
		resp.Migrated = true
		resp.From = report.From
		resp.To = report.To
		resp.Tables = report.Tables
		resp.Targets = report.Targets
		resp.Values = report.Values
		resp.DurationMS = report.Duration.Milliseconds()
		resp.Failures = failedItems(report.Failures)
	}

	status := http.StatusOK
	if err != nil {
		resp.Error = err.Error()
		h.logger.WithError(err).Error("Migration request failed")
		status = http.StatusInternalServerError
		var commitErr *storage.CommitError
		if errors.As(err, &commitErr) {
			status = http.StatusConflict
		}
	}
	h.writeJSONResponse(w, status, resp)
}

// GET /health
func (h *RESTHandler) Health(w http.ResponseWriter, r *http.Request) {
	h.logger.Debug("Processing health check request")

	state := h.data.State()
	manager := h.data.Manager()
	healthy := !manager.Closed() && state != storage.StateNeedsRecovery

	resp := HealthResponse{
		Healthy:       healthy,
		Status:        "healthy",
		State:         state.String(),
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Version:       Version,
		Timestamp:     time.Now().Unix(),
	}
	status := http.StatusOK
	if !healthy {
		resp.Status = "unhealthy"
		status = http.StatusServiceUnavailable
	}
	h.writeJSONResponse(w, status, resp)
}

// GET /api/v1/stats
func (h *RESTHandler) Stats(w http.ResponseWriter, r *http.Request) {
	manager := h.data.Manager()
	cfg := manager.Config()
	stats := manager.Dialect().CacheStats()

	resp := StatsResponse{
		Method:       cfg.Method().Name,
		URL:          manager.RedactedURL(),
		State:        h.data.State().String(),
		CacheEnabled: cfg.CacheEnabled(),
		CacheHits:    stats.Hits,
		CacheMisses:  stats.Misses,
		CacheTargets: stats.Targets,
		CacheEntries: stats.Entries,
		CacheDirty:   stats.Dirty,
	}
	if interval := cfg.FlushInterval(); interval > 0 {
		resp.FlushInterval = interval.String()
	}
	h.writeJSONResponse(w, http.StatusOK, resp)
}

// Helper methods

func (h *RESTHandler) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.WithError(err).Error("Failed to encode JSON response")
	}
}

func (h *RESTHandler) writeErrorResponse(w http.ResponseWriter, statusCode int, message string) {
	h.writeJSONResponse(w, statusCode, ErrorResponse{
		Error:   message,
		Code:    statusCode,
		Message: http.StatusText(statusCode),
	})
}

// CORS middleware
func (h *RESTHandler) CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Correlation-ID")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
