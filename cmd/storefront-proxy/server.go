package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/storefront-fetch/pkg/fetch"
	"github.com/Sternrassler/storefront-fetch/pkg/fetcherr"
	"github.com/Sternrassler/storefront-fetch/pkg/metrics"
)

// productFilters are the listing parameters forwarded to the commerce API.
var productFilters = []string{"page", "per_page", "category", "search", "orderby", "order", "on_sale", "featured"}

// newRouter exposes the fetch layer over HTTP.
//
// Routes:
//   - GET /api/categories - All categories
//   - GET /api/products - Product listing, filtered by productFilters
//   - GET /api/products/{id} - Single product
//   - DELETE /api/cache - Clear one key (?key=) or the whole cache
//   - GET /health - Liveness probe
//   - GET /status - Connectivity state and cache size
//   - GET /metrics - Prometheus metrics
//
// Any resource request accepts ?refresh=true to bypass the freshness check.
// The X-Cache response header tells whether the body came from the cache,
// the network, or a stale entry.
func newRouter(a *app) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(a.logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", healthHandler)
	r.Get("/status", statusHandler(a))
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/categories", func(w http.ResponseWriter, req *http.Request) {
			writeResult(w, a.categories(req.Context(), wantsRefresh(req)))
		})

		r.Route("/products", func(r chi.Router) {
			r.Get("/", func(w http.ResponseWriter, req *http.Request) {
				writeResult(w, a.products(req.Context(), listingQuery(req), wantsRefresh(req)))
			})
			r.Get("/{id}", func(w http.ResponseWriter, req *http.Request) {
				id, err := strconv.Atoi(chi.URLParam(req, "id"))
				if err != nil || id <= 0 {
					writeError(w, http.StatusBadRequest, "invalid product id")
					return
				}
				writeResult(w, a.product(req.Context(), id, wantsRefresh(req)))
			})
		})

		r.Delete("/cache", clearCacheHandler(a))
	})

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

type statusResponse struct {
	Phase             string    `json:"phase"`
	IsConnected       bool      `json:"is_connected"`
	InternetReachable string    `json:"internet_reachable"`
	JustReconnected   bool      `json:"just_reconnected"`
	LastTransitionAt  time.Time `json:"last_transition_at,omitzero"`
	CacheEntries      int       `json:"cache_entries"`
	Subscriptions     int       `json:"subscriptions"`
}

func statusHandler(a *app) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		state := a.monitor.State()
		writeJSON(w, http.StatusOK, statusResponse{
			Phase:             string(state.Phase),
			IsConnected:       state.IsConnected,
			InternetReachable: state.InternetReachable.String(),
			JustReconnected:   state.JustReconnected,
			LastTransitionAt:  state.LastTransitionAt,
			CacheEntries:      a.orchestrator.Store().Len(),
			Subscriptions:     a.orchestrator.Subscriptions(),
		})
	}
}

func clearCacheHandler(a *app) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		keys := r.URL.Query()["key"]
		if err := a.orchestrator.ClearCache(r.Context(), keys...); err != nil {
			// The in-memory entries are gone; only the persister failed.
			a.logger.Warn().Err(err).Strs("keys", keys).Msg("Cache clear incomplete")
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// writeResult writes a fetch result. A stale fallback is served with 200 and
// a Warning header.
func writeResult[T any](w http.ResponseWriter, res fetch.Result[T]) {
	if res.Source == "" {
		writeFetchError(w, res.Err)
		return
	}

	w.Header().Set("X-Cache", string(res.Source))
	if !res.StoredAt.IsZero() {
		w.Header().Set("X-Cache-Stored-At", res.StoredAt.UTC().Format(time.RFC3339))
	}
	if res.Degraded() {
		w.Header().Set("Warning", `110 - "Response is Stale"`)
	}
	writeJSON(w, http.StatusOK, res.Value)
}

// writeFetchError maps a failed fetch onto a gateway status. Client errors
// from the commerce API keep their status code.
func writeFetchError(w http.ResponseWriter, err error) {
	var httpErr *fetcherr.HTTPError
	switch class := fetcherr.Classify(err); {
	case class == fetcherr.ErrorClassClient && errors.As(err, &httpErr):
		writeError(w, httpErr.StatusCode, http.StatusText(httpErr.StatusCode))
	case class == fetcherr.ErrorClassCancelled:
		writeError(w, http.StatusGatewayTimeout, "request cancelled")
	default:
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func wantsRefresh(r *http.Request) bool {
	refresh, _ := strconv.ParseBool(r.URL.Query().Get("refresh"))
	return refresh
}

func listingQuery(r *http.Request) url.Values {
	q := url.Values{}
	for _, name := range productFilters {
		if v := r.URL.Query().Get(name); v != "" {
			q.Set(name, v)
		}
	}
	return q
}

// requestLogger logs completed requests. Health and metrics scrapes are
// logged at debug level.
func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			event := logger.Info()
			if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
				event = logger.Debug()
			}
			event.
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Str("cache", ww.Header().Get("X-Cache")).
				Dur("duration", time.Since(start)).
				Msg("Request completed")
		})
	}
}
