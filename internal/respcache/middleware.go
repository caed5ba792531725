package respcache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/tidwall/gjson"
)

// HeaderCache reports HIT, MISS or STALE on cached routes.
const HeaderCache = "X-Cache"

// TTLFunc returns the TTL for a request, or false when the request is not cacheable.
type TTLFunc func(r *http.Request) (time.Duration, bool)

// upstreamError carries a non-2xx downstream response.
type upstreamError struct {
	status int
	header http.Header
	body   []byte
}

func (e *upstreamError) Error() string {
	return fmt.Sprintf("upstream status %d", e.status)
}

type staleEnvelope struct {
	Success    bool            `json:"success"`
	Stale      bool            `json:"stale"`
	AgeSeconds int64           `json:"age_seconds"`
	Data       json.RawMessage `json:"data"`
}

// Middleware caches successful GET responses produced by next.
// 4xx responses pass through uncached; 5xx responses and deadline misses are
// replaced by the last successful payload when one exists.
func (c *Cache) Middleware(ttlFor TTLFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodGet {
				next.ServeHTTP(w, r)
				return
			}
			ttl, ok := ttlFor(r)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			key := Key(r.Method, r.URL.Path, r.URL.Query())
			res, err := c.Serve(r.Context(), key, ttl, func(ctx context.Context) ([]byte, error) {
				rec := newRecorder()
				next.ServeHTTP(rec, r.WithContext(ctx))
				switch {
				case rec.status >= 200 && rec.status < 300:
					return rec.body.Bytes(), nil
				case rec.status >= 500:
					return nil, &upstreamError{status: rec.status, header: rec.header, body: rec.body.Bytes()}
				default:
					return nil, NoFallback(&upstreamError{status: rec.status, header: rec.header, body: rec.body.Bytes()})
				}
			})
			if err != nil {
				writeError(w, err)
				return
			}

			w.Header().Set("Content-Type", "application/json")
			w.Header().Set(HeaderCache, res.Source.String())
			if res.Source != SourceStale {
				w.WriteHeader(http.StatusOK)
				_, _ = w.Write(res.Payload)
				return
			}

			data := json.RawMessage("null")
			if raw := gjson.GetBytes(res.Payload, "data"); raw.Exists() {
				data = json.RawMessage(raw.Raw)
			}
			w.Header().Set("Age", strconv.FormatInt(int64(res.Age.Seconds()), 10))
			w.WriteHeader(http.StatusOK)
			_ = json.NewEncoder(w).Encode(staleEnvelope{
				Success:    true,
				Stale:      true,
				AgeSeconds: int64(res.Age.Seconds()),
				Data:       data,
			})
		})
	}
}

func writeError(w http.ResponseWriter, err error) {
	var up *upstreamError
	if errors.As(err, &up) {
		for k, vs := range up.header {
			for _, v := range vs {
				w.Header().Add(k, v)
			}
		}
		w.WriteHeader(up.status)
		_, _ = w.Write(up.body)
		return
	}

	status := http.StatusServiceUnavailable
	code := "unavailable"
	message := err.Error()
	switch {
	case errors.Is(err, ErrDeadline):
		status = http.StatusGatewayTimeout
		code = "timeout"
	case errors.Is(err, ErrComputePanic):
		status = http.StatusInternalServerError
		code = "internal"
		message = "internal server error"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success": false,
		"error":   map[string]string{"code": code, "message": message},
	})
}

// recorder buffers a downstream response so it can be cached or discarded.
type recorder struct {
	header      http.Header
	body        bytes.Buffer
	status      int
	wroteHeader bool
}

func newRecorder() *recorder {
	return &recorder{header: make(http.Header), status: http.StatusOK}
}

func (r *recorder) Header() http.Header { return r.header }

func (r *recorder) WriteHeader(status int) {
	if r.wroteHeader {
		return
	}
	r.status = status
	r.wroteHeader = true
}

func (r *recorder) Write(p []byte) (int, error) {
	r.wroteHeader = true
	return r.body.Write(p)
}
