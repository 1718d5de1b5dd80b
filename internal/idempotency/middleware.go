package idempotency

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

const (
	// HeaderKey 為用戶端提供的冪等鍵標頭。
	HeaderKey = "Idempotency-Key"
	// HeaderReplayed 標示回應為回放。
	HeaderReplayed = "Idempotent-Replayed"

	inflightTTL = 30 * time.Second
	maxKeyLen   = 255
	// 只雜湊前 1MB；更大的 body 會被 handler 拒絕。
	maxFingerprintBytes = 1 << 20
)

// responseRecorder 同時寫給用戶端並保留一份回應。
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
}

func (r *responseRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

// Middleware 回放相同 Idempotency-Key 的回應。
//   - 沒有標頭：直接放行。
//   - Store 錯誤：記錄後放行（fail open）。
//   - 同一個 key 正在處理：409。
//   - 同一個 key 但請求內容不同：422。
//   - 只保存 < 500 的回應；5xx 允許用戶端重試。
func Middleware(store Store, ttl time.Duration, log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(HeaderKey)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			if len(key) > maxKeyLen {
				writeError(w, http.StatusBadRequest, "Idempotency-Key is too long")
				return
			}
			ctx := r.Context()
			log := log.With().Str("idempotency_key", key).Logger()

			fp, err := fingerprint(r)
			if err != nil {
				writeError(w, http.StatusBadRequest, "unable to read request body")
				return
			}

			cached, claimed, err := store.Claim(ctx, key, inflightTTL)
			if err != nil {
				log.Error().Err(err).Msg("idempotency claim failed")
				next.ServeHTTP(w, r)
				return
			}
			if cached != nil {
				if cached.Fingerprint != "" && cached.Fingerprint != fp {
					log.Warn().Msg("idempotency key reused with a different request")
					writeError(w, http.StatusUnprocessableEntity, "Idempotency-Key was used with a different request")
					return
				}
				log.Info().Msg("idempotency cache hit")
				replay(w, cached)
				return
			}
			if !claimed {
				writeError(w, http.StatusConflict, "a request with this Idempotency-Key is in progress")
				return
			}
			// Save 必須在 End 之前完成，後到的 Claim 才看得到回應。
			defer func() {
				if err := store.End(context.WithoutCancel(ctx), key); err != nil {
					log.Error().Err(err).Msg("idempotency in-flight clear failed")
				}
			}()

			rec := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rec, r)

			if rec.statusCode >= http.StatusInternalServerError {
				return
			}
			err = store.Save(context.WithoutCancel(ctx), key, CachedResponse{
				StatusCode:  rec.statusCode,
				Body:        rec.body.Bytes(),
				Headers:     map[string][]string{"Content-Type": rec.Header().Values("Content-Type")},
				Fingerprint: fp,
			}, ttl)
			if err != nil {
				log.Error().Err(err).Msg("idempotency save failed")
			}
		})
	}
}

// fingerprint 雜湊 method、path 與 body，並把讀過的 body 接回 r.Body。
func fingerprint(r *http.Request) (string, error) {
	h := sha256.New()
	h.Write([]byte(r.Method + " " + r.URL.Path + "\n"))
	if r.Body != nil {
		head, err := io.ReadAll(io.LimitReader(r.Body, maxFingerprintBytes))
		if err != nil {
			return "", err
		}
		h.Write(head)
		r.Body = readCloser{io.MultiReader(bytes.NewReader(head), r.Body), r.Body}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

type readCloser struct {
	io.Reader
	io.Closer
}

func replay(w http.ResponseWriter, c *CachedResponse) {
	for k, vs := range c.Headers {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set(HeaderReplayed, "true")
	w.WriteHeader(c.StatusCode)
	_, _ = w.Write(c.Body)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}
