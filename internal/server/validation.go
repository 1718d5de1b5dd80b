// internal/server/validation.go
//
// 驗證層：把 HTTP JSON 轉成 bank 層的已型別化請求。
// 欄位規則以 validator/v10 的 struct tag 宣告；金額以 json.Number 接收，
// 再轉為 decimal.Decimal，全程不經過浮點數。
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"bankledger/internal/bank"
)

const (
	maxBodyBytes = 1 << 20
	// 整數 + 小數 + 小數點與指數記號的寬鬆上限
	maxAmountLen = bank.MaxAmountIntegerDigits + bank.MaxAmountScale + 8
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
	errValidate  error
)

func getValidator() (*validator.Validate, error) {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		v.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			return name
		})
		for tag, fn := range map[string]func(decimal.Decimal) bool{
			"positive_amount":    decimal.Decimal.IsPositive,
			"nonnegative_amount": func(d decimal.Decimal) bool { return !d.IsNegative() },
		} {
			if err := v.RegisterValidation(tag, amountRule(fn)); err != nil {
				errValidate = fmt.Errorf("register %q: %w", tag, err)
				return
			}
		}
		validate = v
	})
	return validate, errValidate
}

// amountRule 套用在字串型別（json.Number）的金額欄位；空值交給 required 判斷。
// 位數超出 bank.CheckAmount 範圍的金額一律拒絕。
func amountRule(ok func(decimal.Decimal) bool) validator.Func {
	return func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		if s == "" {
			return true
		}
		if len(s) > maxAmountLen {
			return false
		}
		d, err := decimal.NewFromString(s)
		return err == nil && bank.CheckAmount(d) == nil && ok(d)
	}
}

// createAccountRequest 對應 POST /api/v1/accounts。
type createAccountRequest struct {
	UserID            *int64      `json:"userId" validate:"required,gt=0"`
	BankName          string      `json:"bankName" validate:"required,max=100"`
	BankAccountNumber string      `json:"bankAccountNumber" validate:"required,max=64"`
	Balance           json.Number `json:"balance" validate:"required,nonnegative_amount"`
}

func (r createAccountRequest) toNewAccount() (bank.NewAccount, error) {
	bal, err := decimal.NewFromString(r.Balance.String())
	if err != nil {
		return bank.NewAccount{}, fmt.Errorf("%w: balance: %w", bank.ErrInvalidRequest, err)
	}
	return bank.NewAccount{
		OwnerID:           *r.UserID,
		BankName:          r.BankName,
		BankAccountNumber: r.BankAccountNumber,
		Balance:           bal,
	}, nil
}

// transferRequest 對應 POST /api/v1/transactions。
type transferRequest struct {
	SourceAccountID      *int64      `json:"sourceAccountId" validate:"required,gt=0"`
	DestinationAccountID *int64      `json:"destinationAccountId" validate:"required,gt=0"`
	Amount               json.Number `json:"amount" validate:"required,positive_amount"`
}

func (r transferRequest) toTransfer() (bank.TransferRequest, error) {
	amt, err := decimal.NewFromString(r.Amount.String())
	if err != nil {
		return bank.TransferRequest{}, fmt.Errorf("%w: amount: %w", bank.ErrInvalidRequest, err)
	}
	return bank.TransferRequest{
		SourceAccountID:      *r.SourceAccountID,
		DestinationAccountID: *r.DestinationAccountID,
		Amount:               amt,
	}, nil
}

// decodeAndValidate 解析 JSON（拒絕未知欄位與多餘內容）後執行欄位驗證。
// 任何失敗都包裝 bank.ErrInvalidRequest。
func decodeAndValidate(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: malformed JSON body: %w", bank.ErrInvalidRequest, err)
	}
	if dec.More() {
		return fmt.Errorf("%w: unexpected data after JSON body", bank.ErrInvalidRequest)
	}

	v, err := getValidator()
	if err != nil {
		return err
	}
	if err := v.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("%w: %s", bank.ErrInvalidRequest, describe(verrs[0]))
		}
		return fmt.Errorf("%w: %w", bank.ErrInvalidRequest, err)
	}
	return nil
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%q is required", fe.Field())
	case "gt":
		return fmt.Sprintf("%q must be greater than %s", fe.Field(), fe.Param())
	case "max":
		return fmt.Sprintf("%q must be at most %s characters", fe.Field(), fe.Param())
	case "positive_amount":
		return fmt.Sprintf("%q must be a positive number below 1e%d with at most %d decimal places",
			fe.Field(), bank.MaxAmountIntegerDigits, bank.MaxAmountScale)
	case "nonnegative_amount":
		return fmt.Sprintf("%q must be a non-negative number below 1e%d with at most %d decimal places",
			fe.Field(), bank.MaxAmountIntegerDigits, bank.MaxAmountScale)
	default:
		return fmt.Sprintf("%q is invalid", fe.Field())
	}
}
