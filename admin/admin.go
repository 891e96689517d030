// Package admin exposes the operator surface: one action-dispatched
// endpoint over the cache and sync services, plus health and metrics.
package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/waveline/feedsync"
	"github.com/waveline/feedsync/analytics"
	"github.com/waveline/feedsync/breaker"
	"github.com/waveline/feedsync/compression"
	"github.com/waveline/feedsync/invalidation"
	"github.com/waveline/feedsync/msgqueue"
	"github.com/waveline/feedsync/prewarm"
	"github.com/waveline/feedsync/store"
	"github.com/waveline/feedsync/swr"
)

// API wires the admin actions to the underlying services.
type API struct {
	cache       *store.TieredStore
	recorder    *analytics.Recorder
	codec       *compression.Codec
	breakers    *breaker.Registry
	invalidator *invalidation.Service
	swr         *swr.Service
	prewarmer   *prewarm.Service
	queue       *msgqueue.Queue
	registry    *prometheus.Registry
	logger      *zap.SugaredLogger
}

func NewAPI(
	cache *store.TieredStore,
	recorder *analytics.Recorder,
	codec *compression.Codec,
	breakers *breaker.Registry,
	invalidator *invalidation.Service,
	swrService *swr.Service,
	prewarmer *prewarm.Service,
	queue *msgqueue.Queue,
	registry *prometheus.Registry,
	logger *zap.SugaredLogger,
) *API {
	return &API{
		cache:       cache,
		recorder:    recorder,
		codec:       codec,
		breakers:    breakers,
		invalidator: invalidator,
		swr:         swrService,
		prewarmer:   prewarmer,
		queue:       queue,
		registry:    registry,
		logger:      logger,
	}
}

// RegisterRoutes registers all admin routes
func (api *API) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/admin/cache", api.handleGet).Methods("GET")
	router.HandleFunc("/admin/cache", api.handlePost).Methods("POST")
	router.HandleFunc("/admin/cache", api.handleDelete).Methods("DELETE")
	router.HandleFunc("/healthz", api.handleHealthz).Methods("GET")
	if api.registry != nil {
		router.Handle("/metrics", promhttp.HandlerFor(api.registry, promhttp.HandlerOpts{}))
	}
}

func (api *API) handleGet(w http.ResponseWriter, r *http.Request) {
	switch action := r.URL.Query().Get("action"); action {
	case "health":
		summary := api.recorder.Summary()
		api.writeJSON(w, http.StatusOK, map[string]any{
			"success":         true,
			"healthScore":     summary.HealthScore,
			"hitRate":         summary.HitRate,
			"errorRate":       summary.ErrorRate,
			"recommendations": api.recorder.Recommendations(),
		})
	case "analytics":
		api.writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"summary": api.recorder.Summary(),
			"topKeys": api.recorder.TopKeys(10),
		})
	case "compression-stats":
		api.writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"stats":   api.codec.Stats(),
		})
	case "prewarming-status":
		api.writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"queue":   api.prewarmer.GetQueueStatus(),
		})
	case "circuit-breakers":
		api.writeJSON(w, http.StatusOK, map[string]any{
			"success":  true,
			"breakers": api.breakers.Snapshot(),
		})
	case "swr-status":
		api.writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"status":  api.swr.Status(),
		})
	case "queue-status":
		api.writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"queue":   api.queue.Status(),
		})
	case "invalidation-stats":
		api.writeJSON(w, http.StatusOK, map[string]any{
			"success":  true,
			"counters": api.invalidator.Counters(),
		})
	case "export":
		data, err := api.recorder.Export()
		if err != nil {
			api.writeError(w, http.StatusInternalServerError, "failed to export analytics")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(data)
	default:
		api.writeError(w, http.StatusBadRequest, "unknown action: "+action)
	}
}

func (api *API) handlePost(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	switch action := r.URL.Query().Get("action"); action {
	case "invalidate":
		var event invalidation.Event
		if !api.decode(w, r, &event) {
			return
		}
		if err := api.invalidator.Invalidate(ctx, event); err != nil {
			api.writeDomainError(w, err)
			return
		}
		api.writeSuccess(w, nil)
	case "bulk-invalidate":
		var body struct {
			Events []invalidation.Event `json:"events"`
		}
		if !api.decode(w, r, &body) {
			return
		}
		if err := api.invalidator.BulkInvalidate(ctx, body.Events); err != nil {
			api.writeDomainError(w, err)
			return
		}
		api.writeSuccess(w, nil)
	case "emergency-clear":
		deleted, err := api.invalidator.EmergencyClear(ctx)
		if err != nil {
			api.writeDomainError(w, err)
			return
		}
		api.writeSuccess(w, map[string]any{"deleted": deleted})
	case "prewarm-user":
		var body struct {
			UserID string `json:"userId"`
		}
		if !api.decode(w, r, &body) {
			return
		}
		job, err := api.prewarmer.PrewarmNewUser(body.UserID)
		if err != nil {
			api.writeDomainError(w, err)
			return
		}
		api.writeSuccess(w, map[string]any{"jobId": job.ID})
	case "prewarm-batch":
		var body struct {
			UserIDs []string `json:"userIds"`
		}
		if !api.decode(w, r, &body) {
			return
		}
		jobs, err := api.prewarmer.PrewarmBatch(body.UserIDs)
		if err != nil {
			api.writeDomainError(w, err)
			return
		}
		ids := make([]string, len(jobs))
		for i, job := range jobs {
			ids[i] = job.ID
		}
		api.writeSuccess(w, map[string]any{"jobIds": ids})
	case "prewarm-premium":
		jobs, err := api.prewarmer.PrewarmPremiumUsers(ctx)
		if err != nil {
			api.writeDomainError(w, err)
			return
		}
		api.writeSuccess(w, map[string]any{"enqueued": len(jobs)})
	case "cancel-prewarming-job":
		var body struct {
			JobID string `json:"jobId"`
		}
		if !api.decode(w, r, &body) {
			return
		}
		cancelled, err := api.prewarmer.CancelJob(body.JobID)
		if err != nil {
			api.writeDomainError(w, err)
			return
		}
		api.writeSuccess(w, map[string]any{"cancelled": cancelled})
	case "clear-prewarming":
		removed := api.prewarmer.Clear()
		api.writeSuccess(w, map[string]any{"removed": removed})
	case "mutate-swr":
		var body struct {
			Key   string          `json:"key"`
			Value json.RawMessage `json:"value"`
		}
		if !api.decode(w, r, &body) {
			return
		}
		if body.Key == "" {
			api.writeError(w, http.StatusBadRequest, "key is required")
			return
		}
		if err := api.swr.Mutate(ctx, body.Key, body.Value); err != nil {
			api.writeDomainError(w, err)
			return
		}
		api.writeSuccess(w, nil)
	case "clear-swr-state":
		api.swr.ResetStats()
		api.writeSuccess(w, nil)
	case "reset-circuit-breaker":
		var body struct {
			Resource string `json:"resource"`
		}
		if !api.decode(w, r, &body) {
			return
		}
		if !api.breakers.Reset(body.Resource) {
			api.writeError(w, http.StatusNotFound, "no circuit breaker for resource "+body.Resource)
			return
		}
		api.writeSuccess(w, nil)
	case "reset-all-circuit-breakers":
		reset := api.breakers.ResetAll()
		api.writeSuccess(w, map[string]any{"reset": reset})
	case "reset-analytics":
		api.recorder.Reset()
		api.writeSuccess(w, nil)
	case "compress-existing":
		var body struct {
			Pattern string `json:"pattern"`
			TTL     string `json:"ttl"`
		}
		if !api.decode(w, r, &body) {
			return
		}
		count, err := api.compressExisting(ctx, body.Pattern, body.TTL)
		if err != nil {
			api.writeDomainError(w, err)
			return
		}
		api.writeSuccess(w, map[string]any{"compressed": count})
	case "update-invalidation-config":
		var body struct {
			Rules invalidation.Rules `json:"rules"`
		}
		if !api.decode(w, r, &body) {
			return
		}
		if len(body.Rules) == 0 {
			api.writeError(w, http.StatusBadRequest, "rules are required")
			return
		}
		api.invalidator.UpdateRules(body.Rules)
		api.writeSuccess(w, nil)
	default:
		api.writeError(w, http.StatusBadRequest, "unknown action: "+r.URL.Query().Get("action"))
	}
}

func (api *API) handleDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	query := r.URL.Query()
	if key := query.Get("key"); key != "" {
		if err := api.cache.Delete(ctx, key); err != nil {
			api.writeDomainError(w, err)
			return
		}
		api.writeSuccess(w, nil)
		return
	}
	if pattern := query.Get("pattern"); pattern != "" {
		deleted, err := api.cache.DeletePattern(ctx, pattern)
		if err != nil {
			api.writeDomainError(w, err)
			return
		}
		api.writeSuccess(w, map[string]any{"deleted": deleted})
		return
	}
	api.writeError(w, http.StatusBadRequest, "key or pattern is required")
}

func (api *API) handleHealthz(w http.ResponseWriter, r *http.Request) {
	api.writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": feedsync.Version,
	})
}

// compressExisting rewrites uncompressed values in place. Re-setting a
// key restarts its TTL, so the caller picks the new one.
func (api *API) compressExisting(ctx context.Context, pattern, rawTTL string) (int, error) {
	if pattern == "" {
		pattern = "*"
	}
	ttl := time.Hour
	if rawTTL != "" {
		parsed, err := time.ParseDuration(rawTTL)
		if err != nil {
			return 0, feedsync.NewValidationError("invalid ttl %q: %v", rawTTL, err)
		}
		ttl = parsed
	}

	keys, err := api.cache.Keys(ctx, pattern)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, key := range keys {
		if api.cache.Encoded(ctx, key) {
			continue
		}
		value, err := api.cache.Get(ctx, key)
		if err != nil || value == nil {
			continue
		}
		if len(value) < api.codec.Threshold() {
			continue
		}
		if err := api.cache.Set(ctx, key, value, ttl); err != nil {
			api.logger.Warnw("Failed to recompress key", "key", key, "error", err)
			continue
		}
		count++
	}
	return count, nil
}

func (api *API) decode(w http.ResponseWriter, r *http.Request, into any) bool {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		api.writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func (api *API) writeSuccess(w http.ResponseWriter, extra map[string]any) {
	response := map[string]any{"success": true}
	for key, value := range extra {
		response[key] = value
	}
	api.writeJSON(w, http.StatusOK, response)
}

func (api *API) writeDomainError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case feedsync.IsNotFound(err):
		status = http.StatusNotFound
	case feedsync.IsTerminal(err):
		status = http.StatusBadRequest
	}
	api.writeError(w, status, err.Error())
}

func (api *API) writeError(w http.ResponseWriter, status int, message string) {
	api.writeJSON(w, status, map[string]any{
		"success": false,
		"error":   message,
	})
}

func (api *API) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		api.logger.Errorw("Failed to encode JSON response", "error", err)
	}
}
