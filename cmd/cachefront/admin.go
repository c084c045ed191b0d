package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cachefront/cachefront/pkg/stats"
	"github.com/cachefront/cachefront/pkg/store"
)

// readinessProbeKey is looked up by the readiness check. It is never
// written: a not-found answer proves the store round-trip works.
const readinessProbeKey = "cachefront:readyz:probe"

// newAdminRouter exposes the operational endpoints, kept off the proxy
// port so the origin's URL space stays untouched.
func newAdminRouter(st store.Store, collector *stats.Collector, secret string) http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", handleHealthz)
	r.Get("/readyz", handleReadyz(st))
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/stats", handleStats(collector))
	r.Post("/cache/purge", requireSecret(secret, handlePurge(st)))
	return r
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "ok")
}

// handleReadyz answers 200 once the store responds to a lookup. The probe
// key never exists, so not-found is the healthy answer.
func handleReadyz(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if _, _, err := st.Get(ctx, readinessProbeKey); err != nil && !errors.Is(err, store.ErrNotFound) {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, "store unavailable: %v", err)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ready")
	}
}

type statsResponse struct {
	stats.Counters
	Total   int64   `json:"total"`
	HitRate float64 `json:"hit_rate"`
}

func handleStats(collector *stats.Collector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap := collector.Snapshot(r.Context())
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(statsResponse{
			Counters: snap,
			Total:    snap.Total(),
			HitRate:  snap.HitRate(),
		})
	}
}

type purgeRequest struct {
	Key string `json:"key"`
}

// handlePurge removes a single entry by its exact cache key.
func handlePurge(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req purgeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid purge request: "+err.Error(), http.StatusBadRequest)
			return
		}
		if req.Key == "" {
			http.Error(w, "key is required", http.StatusBadRequest)
			return
		}
		if err := st.Delete(r.Context(), req.Key); err != nil {
			http.Error(w, "purge failed: "+err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// requireSecret guards an endpoint with a bearer token. Without a
// configured secret the endpoint stays disabled.
func requireSecret(secret string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if secret == "" {
			http.Error(w, "purge disabled: no admin secret configured", http.StatusForbidden)
			return
		}
		if r.Header.Get("Authorization") != "Bearer "+secret {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}
