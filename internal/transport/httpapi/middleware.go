package httpapi

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"notifyrouter/internal/model"
	logx "notifyrouter/pkg/logx"
)

// DomainHeader carries the tenant of every /v1 request.
const DomainHeader = "X-Domain-Id"

type ctxKey int

const domainKey ctxKey = iota

func domainFrom(r *http.Request) string {
	v, _ := r.Context().Value(domainKey).(string)
	return v
}

func (a *API) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			fields := []logx.Field{
				logx.String("method", r.Method),
				logx.String("path", r.URL.Path),
				logx.Int("status", status),
				logx.Int("bytes", ww.BytesWritten()),
				logx.Duration("took", time.Since(start)),
				logx.String("req_id", middleware.GetReqID(r.Context())),
			}
			if status >= http.StatusInternalServerError {
				a.log.Warn("http request", fields...)
				return
			}
			a.log.Debug("http request", fields...)
		}()
		next.ServeHTTP(ww, r)
	})
}

// tenant rejects requests without a domain header and scopes the rest.
func (a *API) tenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d := strings.TrimSpace(r.Header.Get(DomainHeader))
		if d == "" {
			a.fail(w, r, model.Invalid("domain_id", "header %s is required", DomainHeader))
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), domainKey, d)))
	})
}

func bearer(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeJSON(w, r, http.StatusUnauthorized, errorBody{Error: errorDetail{Code: "unauthorized", Message: "missing or invalid token"}})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
