package middleware

import (
	"bytes"
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/markjakearzadon/pushpay-gateway/internal/cache"
)

const (
	idempotencyTTL = 24 * time.Hour
	// bounds how long a crashed request can hold its key
	inFlightTTL = time.Minute
)

// responseRecorder copies what the handler writes.
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	body       *bytes.Buffer
}

func (r *responseRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

func replay(w http.ResponseWriter, key string, cached *cache.CachedResponse) {
	log.Info().Str("key", key).Msg("idempotency cache hit")
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Idempotency-Hit", "true")
	w.WriteHeader(cached.StatusCode)
	if _, err := w.Write(cached.Body); err != nil {
		log.Error().Err(err).Msg("failed to write cached response")
	}
}

// Idempotency replays the stored reply for a repeated Idempotency-Key so a
// retried create does not send a second push prompt. 5xx replies are not
// stored; the client may retry those. While the first request with a key is
// in flight, repeats get 409. Store failures fail open.
func Idempotency(store cache.IdempotencyStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("Idempotency-Key")
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			ctx := r.Context()
			logger := log.Ctx(ctx)

			cached, err := store.Get(ctx, key)
			if err != nil {
				logger.Error().Err(err).Msg("idempotency lookup failed")
				next.ServeHTTP(w, r)
				return
			}

			if cached != nil {
				replay(w, key, cached)
				return
			}

			reserved, err := store.Reserve(ctx, key, inFlightTTL)
			if err != nil {
				logger.Error().Err(err).Msg("idempotency reserve failed")
				next.ServeHTTP(w, r)
				return
			}
			if !reserved {
				// the first request may have finished since the lookup above
				if cached, err := store.Get(ctx, key); err == nil && cached != nil {
					replay(w, key, cached)
					return
				}
				logger.Warn().Str("key", key).Msg("idempotency key already in flight")
				writeError(w, http.StatusConflict, "a request with this Idempotency-Key is still being processed")
				return
			}
			defer func() {
				if err := store.Release(context.WithoutCancel(ctx), key); err != nil {
					logger.Error().Err(err).Msg("failed to release idempotency key")
				}
			}()

			// a request that finished between the lookup and the reserve
			if cached, err := store.Get(ctx, key); err == nil && cached != nil {
				replay(w, key, cached)
				return
			}

			recorder := &responseRecorder{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
				body:           &bytes.Buffer{},
			}
			next.ServeHTTP(recorder, r)

			if recorder.statusCode < 500 {
				err := store.Save(ctx, key, cache.CachedResponse{
					StatusCode: recorder.statusCode,
					Body:       recorder.body.Bytes(),
				}, idempotencyTTL)
				if err != nil {
					logger.Error().Err(err).Msg("failed to save idempotency key")
				}
			}
		})
	}
}
