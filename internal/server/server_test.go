// internal/server/server_test.go
//
// server 層的端對端測試：以 httptest.Server 搭配記憶體儲存，
// 驗證路由、驗證層、錯誤碼對應與 persist hook。
package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bankledger/internal/bank"
	"bankledger/internal/idempotency"
	"bankledger/internal/storage"
)

type testEnv struct {
	ts       *httptest.Server
	store    *storage.MemStore
	persists *atomic.Int32
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	store := storage.NewMemStore()
	b := bank.New(store.Accounts(), store.Ledger(), store, bank.NewLocalGuard())

	var persists atomic.Int32
	opts = append([]Option{WithPersist(func() error {
		persists.Add(1)
		return nil
	})}, opts...)
	ts := httptest.NewServer(NewServer(b, opts...).Router())
	t.Cleanup(ts.Close)
	return &testEnv{ts: ts, store: store, persists: &persists}
}

// doJSON 送出請求並檢查狀態碼；out 非 nil 時解析回應。
func (e *testEnv) doJSON(t *testing.T, method, path, body string, wantCode int, out any) http.Header {
	t.Helper()
	req, err := http.NewRequest(method, e.ts.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var raw bytes.Buffer
	_, _ = raw.ReadFrom(resp.Body)
	require.Equalf(t, wantCode, resp.StatusCode, "%s %s body=%s", method, path, raw.String())
	if out != nil {
		require.NoError(t, json.Unmarshal(raw.Bytes(), out))
	}
	return resp.Header
}

func (e *testEnv) createAccount(t *testing.T, balance string) bank.Account {
	t.Helper()
	var a bank.Account
	e.doJSON(t, http.MethodPost, "/api/v1/accounts",
		`{"userId":1,"bankName":"BCA","bankAccountNumber":"123","balance":`+balance+`}`,
		http.StatusCreated, &a)
	return a
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t)
	var body healthBody
	e.doJSON(t, http.MethodGet, "/health", "", http.StatusOK, &body)
	assert.Equal(t, "ok", body.Status)
	assert.Empty(t, body.Checks)
}

func TestHealthReportsDegradedDependency(t *testing.T) {
	var brokerDown atomic.Bool
	e := newTestEnv(t, WithHealthCheck("events", func() error {
		if brokerDown.Load() {
			return errors.New("event broker unavailable")
		}
		return nil
	}))

	var body healthBody
	e.doJSON(t, http.MethodGet, "/health", "", http.StatusOK, &body)
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "ok", body.Checks["events"])

	brokerDown.Store(true)
	e.doJSON(t, http.MethodGet, "/health", "", http.StatusOK, &body)
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, "event broker unavailable", body.Checks["events"])
}

func TestAccountsFlow(t *testing.T) {
	e := newTestEnv(t)

	var errBody errorBody
	e.doJSON(t, http.MethodGet, "/api/v1/accounts", "", http.StatusNotFound, &errBody)
	assert.Equal(t, "There are no accounts", errBody.Error)

	a := e.createAccount(t, "100.25")
	assert.Equal(t, int64(1), a.ID)
	assert.Equal(t, int64(1), a.OwnerID)
	assert.True(t, a.Balance.Equal(decimal.RequireFromString("100.25")))

	var got bank.Account
	e.doJSON(t, http.MethodGet, "/api/v1/accounts/1", "", http.StatusOK, &got)
	assert.Equal(t, a.BankName, got.BankName)

	var list []bank.Account
	e.doJSON(t, http.MethodGet, "/api/v1/accounts", "", http.StatusOK, &list)
	assert.Len(t, list, 1)

	e.doJSON(t, http.MethodGet, "/api/v1/accounts/99", "", http.StatusNotFound, nil)
	e.doJSON(t, http.MethodGet, "/api/v1/accounts/abc", "", http.StatusBadRequest, &errBody)
	assert.Equal(t, "Invalid account ID.", errBody.Error)

	e.doJSON(t, http.MethodDelete, "/api/v1/accounts/1", "", http.StatusNoContent, nil)
	e.doJSON(t, http.MethodGet, "/api/v1/accounts/1", "", http.StatusNotFound, nil)
	assert.Equal(t, int32(2), e.persists.Load())
}

func TestCreateAccountValidation(t *testing.T) {
	e := newTestEnv(t)
	bodies := map[string]string{
		"missing userId":   `{"bankName":"BCA","bankAccountNumber":"1","balance":0}`,
		"missing bankName": `{"userId":1,"bankAccountNumber":"1","balance":0}`,
		"negative balance": `{"userId":1,"bankName":"BCA","bankAccountNumber":"1","balance":-1}`,
		"unknown field":    `{"userId":1,"bankName":"BCA","bankAccountNumber":"1","balance":0,"x":1}`,
		"malformed":        `{"userId":`,
		"string balance":   `{"userId":1,"bankName":"BCA","bankAccountNumber":"1","balance":"ten"}`,
		"huge balance":     `{"userId":1,"bankName":"BCA","bankAccountNumber":"1","balance":1e30000000}`,
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			e.doJSON(t, http.MethodPost, "/api/v1/accounts", body, http.StatusBadRequest, nil)
		})
	}
	assert.Zero(t, e.persists.Load())
}

func TestTransactionsFlow(t *testing.T) {
	e := newTestEnv(t)
	src := e.createAccount(t, "100")
	dst := e.createAccount(t, "0")

	var errBody errorBody
	e.doJSON(t, http.MethodGet, "/api/v1/transactions", "", http.StatusNotFound, &errBody)
	assert.Equal(t, "There are no transactions", errBody.Error)

	var tx bank.Transaction
	e.doJSON(t, http.MethodPost, "/api/v1/transactions",
		`{"sourceAccountId":1,"destinationAccountId":2,"amount":30.5}`, http.StatusCreated, &tx)
	assert.Equal(t, int64(1), tx.ID)
	assert.Equal(t, bank.StatusCommitted, tx.Status)
	assert.True(t, tx.Amount.Equal(decimal.RequireFromString("30.5")))

	var detail struct {
		bank.Transaction
		SourceAccount      *bank.Account `json:"sourceAccount"`
		DestinationAccount *bank.Account `json:"destinationAccount"`
	}
	e.doJSON(t, http.MethodGet, "/api/v1/transactions/1", "", http.StatusOK, &detail)
	require.NotNil(t, detail.SourceAccount)
	require.NotNil(t, detail.DestinationAccount)
	assert.Equal(t, src.ID, detail.SourceAccount.ID)
	assert.True(t, detail.SourceAccount.Balance.Equal(decimal.RequireFromString("69.5")))
	assert.Equal(t, dst.ID, detail.DestinationAccount.ID)
	assert.True(t, detail.DestinationAccount.Balance.Equal(decimal.RequireFromString("30.5")))

	var list []bank.Transaction
	e.doJSON(t, http.MethodGet, "/api/v1/transactions", "", http.StatusOK, &list)
	assert.Len(t, list, 1)

	e.doJSON(t, http.MethodGet, "/api/v1/transactions/2", "", http.StatusNotFound, nil)
	e.doJSON(t, http.MethodGet, "/api/v1/transactions/x", "", http.StatusBadRequest, &errBody)
	assert.Equal(t, "Invalid transaction ID.", errBody.Error)

	// 已有交易紀錄的帳戶不可刪除
	e.doJSON(t, http.MethodDelete, "/api/v1/accounts/1", "", http.StatusConflict, nil)
}

func TestTransferErrorMapping(t *testing.T) {
	e := newTestEnv(t)
	e.createAccount(t, "10")
	e.createAccount(t, "0")
	before := e.persists.Load()

	tests := []struct {
		name string
		body string
		code int
	}{
		{"insufficient funds", `{"sourceAccountId":1,"destinationAccountId":2,"amount":10.01}`, http.StatusUnprocessableEntity},
		{"same account", `{"sourceAccountId":1,"destinationAccountId":1,"amount":1}`, http.StatusBadRequest},
		{"zero amount", `{"sourceAccountId":1,"destinationAccountId":2,"amount":0}`, http.StatusBadRequest},
		{"negative amount", `{"sourceAccountId":1,"destinationAccountId":2,"amount":-5}`, http.StatusBadRequest},
		{"missing amount", `{"sourceAccountId":1,"destinationAccountId":2}`, http.StatusBadRequest},
		{"unknown source", `{"sourceAccountId":9,"destinationAccountId":2,"amount":1}`, http.StatusNotFound},
		{"unknown destination", `{"sourceAccountId":1,"destinationAccountId":9,"amount":1}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e.doJSON(t, http.MethodPost, "/api/v1/transactions", tt.body, tt.code, nil)
		})
	}

	// 失敗的轉帳不寫入交易紀錄，也不觸發持久化
	e.doJSON(t, http.MethodGet, "/api/v1/transactions", "", http.StatusNotFound, nil)
	assert.Equal(t, before, e.persists.Load())
}

func TestConcurrentTransfersOverHTTP(t *testing.T) {
	e := newTestEnv(t)
	e.createAccount(t, "100")
	e.createAccount(t, "100")

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			body := `{"sourceAccountId":1,"destinationAccountId":2,"amount":1}`
			if i%2 == 0 {
				body = `{"sourceAccountId":2,"destinationAccountId":1,"amount":1}`
			}
			resp, err := e.ts.Client().Post(e.ts.URL+"/api/v1/transactions", "application/json", strings.NewReader(body))
			if err == nil {
				resp.Body.Close()
			}
		}()
	}
	wg.Wait()

	var a1, a2 bank.Account
	e.doJSON(t, http.MethodGet, "/api/v1/accounts/1", "", http.StatusOK, &a1)
	e.doJSON(t, http.MethodGet, "/api/v1/accounts/2", "", http.StatusOK, &a2)
	assert.True(t, a1.Balance.Add(a2.Balance).Equal(decimal.NewFromInt(200)))
}

func TestTransferAmountBounds(t *testing.T) {
	e := newTestEnv(t)
	e.createAccount(t, "100")
	e.createAccount(t, "0")

	for _, amount := range []string{"1e30000000", "1e-30000000", "1e20", "0.0000000000000000001", strings.Repeat("9", 200)} {
		var errBody errorBody
		e.doJSON(t, http.MethodPost, "/api/v1/transactions",
			`{"sourceAccountId":1,"destinationAccountId":2,"amount":`+amount+`}`, http.StatusBadRequest, &errBody)
		assert.Contains(t, errBody.Error, "decimal places")
	}

	var tx bank.Transaction
	e.doJSON(t, http.MethodPost, "/api/v1/transactions",
		`{"sourceAccountId":1,"destinationAccountId":2,"amount":0.000000000000000001}`, http.StatusCreated, &tx)
	assert.True(t, tx.Amount.Equal(decimal.New(1, -18)))
}

func TestIdempotentTransfer(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	mw := idempotency.Middleware(idempotency.NewRedisStore(client), time.Hour, zerolog.Nop())

	e := newTestEnv(t, WithIdempotency(mw))
	e.createAccount(t, "50")
	e.createAccount(t, "0")

	send := func() (*http.Response, bank.Transaction) {
		req, err := http.NewRequest(http.MethodPost, e.ts.URL+"/api/v1/transactions",
			strings.NewReader(`{"sourceAccountId":1,"destinationAccountId":2,"amount":20}`))
		require.NoError(t, err)
		req.Header.Set(idempotency.HeaderKey, "transfer-1")
		resp, err := e.ts.Client().Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		var tx bank.Transaction
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&tx))
		return resp, tx
	}

	r1, tx1 := send()
	r2, tx2 := send()
	assert.Equal(t, http.StatusCreated, r1.StatusCode)
	assert.Equal(t, http.StatusCreated, r2.StatusCode)
	assert.Equal(t, tx1.ID, tx2.ID)
	assert.Equal(t, "true", r2.Header.Get(idempotency.HeaderReplayed))

	var src bank.Account
	e.doJSON(t, http.MethodGet, "/api/v1/accounts/1", "", http.StatusOK, &src)
	assert.True(t, src.Balance.Equal(decimal.NewFromInt(30)))
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, statusFor(bank.ErrInvalidRequest))
	assert.Equal(t, http.StatusNotFound, statusFor(&bank.TransferError{State: bank.StateValidating, Err: bank.ErrNotFound}))
	assert.Equal(t, http.StatusUnprocessableEntity, statusFor(bank.ErrInsufficientFunds))
	assert.Equal(t, http.StatusConflict, statusFor(bank.ErrAccountInUse))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(bank.ErrBusy))
	assert.Equal(t, http.StatusInternalServerError, statusFor(bank.ErrStorageFailure))
	assert.Equal(t, http.StatusInternalServerError, statusFor(assert.AnError))
}
