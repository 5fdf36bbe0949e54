package idem

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
)

const maxSignedBody = 1 << 20 // 1 MiB

// Middleware rejects duplicate mutating requests with 429. Reads that carry
// no side effects (GET, HEAD, OPTIONS) pass through untouched. The request
// body is buffered to build the signature and restored for the handler.
func Middleware(g *Guard, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet, http.MethodHead, http.MethodOptions:
				next.ServeHTTP(w, r)
				return
			}

			var body []byte
			if r.Body != nil {
				var err error
				body, err = io.ReadAll(io.LimitReader(r.Body, maxSignedBody))
				if err != nil {
					http.Error(w, "failed to read request body", http.StatusBadRequest)
					return
				}
				r.Body.Close()
				r.Body = io.NopCloser(bytes.NewReader(body))
			}

			sig := Signature(r.Method, r.URL.Path, r.URL.RawQuery, body)
			if !g.Admit(r.URL.Path, sig) {
				logger.Debug("duplicate request rejected",
					"method", r.Method,
					"path", r.URL.Path,
					"ttl", g.TTLFor(r.URL.Path))
				http.Error(w, "duplicate request", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
