package rest

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/lmv-io/lmv/internal/vault"
)

type ctxKey int

const authKindCtxKey ctxKey = iota

// writeGate enforces §6 "Write gate": when a write token is configured,
// PATCH /v1/memory and POST /v1/snapshot require an exact-match bearer
// token. The comparison is constant-time so the gate does not leak timing
// information about the configured token. The resolved auth kind ("token"
// or "none") is stashed in the request context for the handler to record on
// the journal entry.
func (s *Server) writeGate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.WriteToken == "" {
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), authKindCtxKey, "none")))
			return
		}

		hdr := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(hdr, prefix) {
			s.writeError(w, vault.KindUnauthorized, "missing or malformed Authorization header", "")
			return
		}
		token := strings.TrimPrefix(hdr, prefix)
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.WriteToken)) != 1 {
			s.writeError(w, vault.KindUnauthorized, "invalid bearer token", "")
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), authKindCtxKey, "token")))
	})
}

func authKindFromContext(ctx context.Context) string {
	v, _ := ctx.Value(authKindCtxKey).(string)
	if v == "" {
		return "none"
	}
	return v
}

// requestLogger logs one structured line per request at completion,
// mirroring the teacher's slog-based access logging.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.InfoContext(r.Context(), "http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Int("bytes", ww.BytesWritten()),
			slog.Duration("duration", time.Since(start)),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
