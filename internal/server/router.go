// internal/server/router.go
//
// 路由註冊。handler.go 定義「如何處理請求」，本檔定義「請求如何被導向」。
// 所有端點掛在 /api/v1 下；/health 在根路徑供存活檢查使用。
package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

// Router 建立並回傳整個 HTTP 處理鏈。
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(hlog.NewHandler(s.log))
	r.Use(requestIDLogger)
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("request")
	}))
	r.Use(middleware.Recoverer)

	r.Get("/health", s.health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/accounts", func(r chi.Router) {
			r.Get("/", s.listAccounts)
			r.Post("/", s.createAccount)
			r.Get("/{accountId}", s.getAccount)
			r.Delete("/{accountId}", s.deleteAccount)
		})
		r.Route("/transactions", func(r chi.Router) {
			r.Get("/", s.listTransactions)
			r.With(s.idempotencyMiddleware).Post("/", s.createTransaction)
			r.Get("/{transactionId}", s.getTransaction)
		})
	})

	return r
}

// requestIDLogger 把 chi 產生的 request id 加入該請求的 logger。
func requestIDLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := middleware.GetReqID(r.Context()); id != "" {
			zerolog.Ctx(r.Context()).UpdateContext(func(c zerolog.Context) zerolog.Context {
				return c.Str("request_id", id)
			})
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) idempotencyMiddleware(next http.Handler) http.Handler {
	if s.idempotency == nil {
		return next
	}
	return s.idempotency(next)
}
