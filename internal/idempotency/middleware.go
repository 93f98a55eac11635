package idempotency

import (
	"bytes"
	"net/http"
)

// Request headers consumed by the middleware and the response header marking
// a replayed body.
const (
	KeyHeader      = "Idempotency-Key"
	UserHeader     = "X-User-ID"
	ReplayedHeader = "Idempotency-Replayed"
)

// anonymousUser scopes keys sent without a user header.
const anonymousUser = "anonymous"

// Middleware wraps next with replay semantics for requests carrying an
// Idempotency-Key header. Requests without the header pass through untouched.
// Responses with status < 500 finalize the key; 5xx responses mark it failed
// so the client's retry executes again.
func Middleware(svc *Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(KeyHeader)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			userID := r.Header.Get(UserHeader)
			if userID == "" {
				userID = anonymousUser
			}

			replay, err := svc.Begin(r.Context(), key, userID)
			if err != nil {
				svc.logger.Error("idempotency check failed", "key", key, "error", err)
				http.Error(w, "idempotency check failed", http.StatusServiceUnavailable)
				return
			}
			if replay != nil {
				for k, v := range replay.Headers {
					w.Header().Set(k, v)
				}
				w.Header().Set(ReplayedHeader, "true")
				w.WriteHeader(replay.StatusCode)
				w.Write(replay.Response)
				return
			}

			rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			if rec.status >= http.StatusInternalServerError {
				if err := svc.Fail(r.Context(), key, userID); err != nil {
					svc.logger.Warn("failed to mark idempotency record", "key", key, "error", err)
				}
				return
			}

			headers := make(map[string]string)
			if ct := rec.Header().Get("Content-Type"); ct != "" {
				headers["Content-Type"] = ct
			}
			if err := svc.Complete(r.Context(), key, userID, rec.status, rec.body.Bytes(), headers); err != nil {
				svc.logger.Warn("failed to finalize idempotency record", "key", key, "error", err)
			}
		})
	}
}

// responseRecorder tees the response so the finalized status and body can be
// stored for replay.
type responseRecorder struct {
	http.ResponseWriter
	status      int
	body        bytes.Buffer
	wroteHeader bool
}

func (r *responseRecorder) WriteHeader(code int) {
	if r.wroteHeader {
		return
	}
	r.wroteHeader = true
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(p []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	r.body.Write(p)
	return r.ResponseWriter.Write(p)
}
