package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/JosueRhea/sockudo/internal/apps"
	"github.com/JosueRhea/sockudo/internal/auth"
	"github.com/JosueRhea/sockudo/internal/monitoring"
)

// maxBodyBytes caps control API request bodies well above any per-app
// payload limit; oversized payloads are rejected per-event afterwards.
const maxBodyBytes = 10 << 20

// appHandler is a route handler running after app lookup, rate limiting,
// and signature verification.
type appHandler func(w http.ResponseWriter, r *http.Request, app *apps.Application, body []byte)

// signed wraps a handler with the control API admission chain: app lookup,
// per-app rate limit, then Pusher v1.1 signature verification over the
// canonical request.
func (a *API) signed(next appHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		defer func() {
			monitoring.HTTPAPIRequests.WithLabelValues(r.Pattern, strconv.Itoa(rec.status)).Inc()
		}()
		w = rec

		appID := r.PathValue("app_id")
		app, err := a.apps.ByID(r.Context(), appID)
		if err != nil {
			if errors.Is(err, apps.ErrAppNotFound) {
				writeError(w, http.StatusNotFound, "app "+appID+" not found")
				return
			}
			a.logger.Error().Err(err).Str("app_id", appID).Msg("app lookup failed")
			writeError(w, http.StatusInternalServerError, "app lookup failed")
			return
		}
		if !app.Enabled {
			writeError(w, http.StatusForbidden, "app is disabled")
			return
		}

		if res := a.quota.Allow(app.ID); !res.Allowed {
			monitoring.RateLimited.WithLabelValues("http_api").Inc()
			w.Header().Set("Retry-After", strconv.Itoa(int(res.RetryAfter.Seconds())+1))
			writeError(w, http.StatusTooManyRequests, "API rate limit exceeded")
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			writeError(w, http.StatusBadRequest, "reading request body failed")
			return
		}

		if err := auth.VerifyRequest(app.Key, app.Secret, r.Method, r.URL.Path, r.URL.Query(), body, time.Now()); err != nil {
			a.logger.Debug().Err(err).Str("app_id", app.ID).Str("path", r.URL.Path).Msg("request signature rejected")
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}

		next(w, r, app, body)
	}
}

// statusRecorder captures the response status for the request metric.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError emits the Pusher-style error body.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message, "code": status})
}
