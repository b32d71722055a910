package mw

import (
	"net/http"

	"github.com/3xpluto/go-ipset/internal/httpx"
)

func MaxBodyBytes(limit int64, next http.Handler) http.Handler {
	if limit <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Fast fail when Content-Length is known.
		if r.ContentLength > limit && r.ContentLength != -1 {
			httpx.Error(w, http.StatusRequestEntityTooLarge, "request_too_large", map[string]any{"max_bytes": limit})
			return
		}

		// Chunked bodies: the JSON decoder fails once the limit is crossed.
		r.Body = http.MaxBytesReader(w, r.Body, limit)
		next.ServeHTTP(w, r)
	})
}
