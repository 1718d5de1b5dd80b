// internal/server/handler.go
//
// Package server 提供 HTTP RESTful 介面，作為 bank 模組的應用層。
// 每個 handler 僅負責：
//  1. 解析並驗證請求（validation.go）
//  2. 呼叫 bank 層執行商業邏輯
//  3. 回傳標準化 JSON 回應
//  4. 成功變更狀態後呼叫 persist hook（記憶體後端寫入 JSON 快照）
package server

import (
	"maps"
	"net/http"
	"slices"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"bankledger/internal/bank"
)

// Server 為 HTTP 層核心結構。
type Server struct {
	bank        *bank.Bank
	persist     func() error
	log         zerolog.Logger
	idempotency func(http.Handler) http.Handler
	checks      map[string]func() error
}

// Option 調整 Server。
type Option func(*Server)

// WithPersist 設定成功變更後呼叫的持久化鉤子；錯誤只記錄不影響回應。
func WithPersist(fn func() error) Option { return func(s *Server) { s.persist = fn } }

// WithLogger 設定日誌。
func WithLogger(l zerolog.Logger) Option { return func(s *Server) { s.log = l } }

// WithIdempotency 為 POST /transactions 掛上冪等中介層。
func WithIdempotency(mw func(http.Handler) http.Handler) Option {
	return func(s *Server) { s.idempotency = mw }
}

// WithHealthCheck 註冊 /health 回報的相依元件檢查；失敗時狀態為 degraded，仍回 200。
func WithHealthCheck(name string, check func() error) Option {
	return func(s *Server) {
		if s.checks == nil {
			s.checks = make(map[string]func() error)
		}
		s.checks[name] = check
	}
}

// NewServer 建立 HTTP 伺服器。
func NewServer(b *bank.Bank, opts ...Option) *Server {
	s := &Server{bank: b, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type healthBody struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	body := healthBody{Status: "ok"}
	if len(s.checks) > 0 {
		body.Checks = make(map[string]string, len(s.checks))
	}
	for _, name := range slices.Sorted(maps.Keys(s.checks)) {
		if err := s.checks[name](); err != nil {
			hlog.FromRequest(r).Warn().Err(err).Str("check", name).Msg("health check failed")
			body.Checks[name] = err.Error()
			body.Status = "degraded"
			continue
		}
		body.Checks[name] = "ok"
	}
	writeJSON(w, http.StatusOK, body)
}

// createAccount 處理 POST /accounts。
func (s *Server) createAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	na, err := req.toNewAccount()
	if err != nil {
		writeErr(w, r, err)
		return
	}
	a, err := s.bank.CreateAccount(r.Context(), na)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	s.afterMutation(r)
	writeJSON(w, http.StatusCreated, a)
}

// listAccounts 處理 GET /accounts；沒有任何帳戶時回傳 404。
func (s *Server) listAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.bank.ListAccounts(r.Context())
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if len(accounts) == 0 {
		writeMsg(w, http.StatusNotFound, "There are no accounts")
		return
	}
	writeJSON(w, http.StatusOK, accounts)
}

// getAccount 處理 GET /accounts/{accountId}。
func (s *Server) getAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "accountId", "Invalid account ID.")
	if !ok {
		return
	}
	a, err := s.bank.GetAccount(r.Context(), id)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// deleteAccount 處理 DELETE /accounts/{accountId}；已有交易紀錄的帳戶回 409。
func (s *Server) deleteAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "accountId", "Invalid account ID.")
	if !ok {
		return
	}
	if err := s.bank.DeleteAccount(r.Context(), id); err != nil {
		writeErr(w, r, err)
		return
	}
	s.afterMutation(r)
	w.WriteHeader(http.StatusNoContent)
}

// createTransaction 處理 POST /transactions（轉帳）。
func (s *Server) createTransaction(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	tr, err := req.toTransfer()
	if err != nil {
		writeErr(w, r, err)
		return
	}
	t, err := s.bank.Transfer(r.Context(), tr)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	s.afterMutation(r)
	writeJSON(w, http.StatusCreated, t)
}

// listTransactions 處理 GET /transactions；依 id 遞增輸出，空時回 404。
func (s *Server) listTransactions(w http.ResponseWriter, r *http.Request) {
	out := []bank.Transaction{}
	for t, err := range s.bank.ListTransactions(r.Context()) {
		if err != nil {
			writeErr(w, r, err)
			return
		}
		out = append(out, t)
	}
	if len(out) == 0 {
		writeMsg(w, http.StatusNotFound, "There are no transactions")
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// transactionDetail 為交易明細，附上來源與目標帳戶。
// 帳戶已被刪除時對應欄位為 null。
type transactionDetail struct {
	bank.Transaction
	SourceAccount      *bank.Account `json:"sourceAccount"`
	DestinationAccount *bank.Account `json:"destinationAccount"`
}

// getTransaction 處理 GET /transactions/{transactionId}。
func (s *Server) getTransaction(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "transactionId", "Invalid transaction ID.")
	if !ok {
		return
	}
	t, err := s.bank.GetTransaction(r.Context(), id)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	detail := transactionDetail{Transaction: t}
	for _, side := range []struct {
		id  int64
		dst **bank.Account
	}{
		{t.SourceAccountID, &detail.SourceAccount},
		{t.DestinationAccountID, &detail.DestinationAccount},
	} {
		a, err := s.bank.GetAccount(r.Context(), side.id)
		switch {
		case err == nil:
			*side.dst = &a
		case statusFor(err) == http.StatusNotFound:
		default:
			writeErr(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, detail)
}

// pathID 解析路徑參數；非正整數時回 400。
func pathID(w http.ResponseWriter, r *http.Request, key, msg string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, key), 10, 64)
	if err != nil || id <= 0 {
		writeMsg(w, http.StatusBadRequest, msg)
		return 0, false
	}
	return id, true
}

// afterMutation 觸發持久化；失敗只記錄，變更已經提交。
func (s *Server) afterMutation(r *http.Request) {
	if s.persist == nil {
		return
	}
	if err := s.persist(); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("persist snapshot failed")
	}
}
