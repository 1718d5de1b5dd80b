// internal/server/response.go
//
// 統一 HTTP 回應格式：成功回應為 JSON，錯誤回應為 {"error": "..."}。
// 領域錯誤到狀態碼的對應集中在 statusFor。
package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/hlog"

	"bankledger/internal/bank"
)

type errorBody struct {
	Error string `json:"error"`
}

// writeJSON 統一輸出成功回應。
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeMsg 以固定訊息輸出錯誤。
func writeMsg(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorBody{Error: msg})
}

// writeErr 依錯誤分類輸出狀態碼；5xx 不回傳內部細節，只記錄日誌。
func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	msg := err.Error()
	if code >= http.StatusInternalServerError {
		hlog.FromRequest(r).Error().Err(err).Msg("request failed")
		msg = http.StatusText(code)
		if errors.Is(err, bank.ErrBusy) {
			w.Header().Set("Retry-After", "1")
			msg = bank.ErrBusy.Error()
		}
	}
	writeMsg(w, code, msg)
}

// statusFor 將領域錯誤對應為 HTTP 狀態碼。
func statusFor(err error) int {
	switch {
	case errors.Is(err, bank.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, bank.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, bank.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity
	case errors.Is(err, bank.ErrAccountInUse):
		return http.StatusConflict
	case errors.Is(err, bank.ErrBusy):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
