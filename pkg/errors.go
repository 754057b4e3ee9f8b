package payroll

import (
	"fmt"

	"github.com/go-faster/errors"
)

type ErrorCode string

const (
	BadRequest    ErrorCode = "bad-request"
	NotAvailable  ErrorCode = "not-available"
	NotFound      ErrorCode = "not-found"
	AlreadyExists ErrorCode = "already-exists"
	Unauthorized  ErrorCode = "unauthorized"
	UnknownError  ErrorCode = "unknown-error"

	// payout composition and submission
	MetamaskAuthRequired     ErrorCode = "metamask-auth-required"
	NetworkBatchNotSupported ErrorCode = "network-batch-not-supported"
	SmartWalletPaymentFailed ErrorCode = "smart-wallet-payment-failed"
	PaymentFailed            ErrorCode = "payment-failed"

	InvalidWalletAddress ErrorCode = "invalid-wallet-address"
	WrongPasscode        ErrorCode = "wrong-passcode"
	CreateWalletFailed   ErrorCode = "create-wallet-failed"
	SaveFailed           ErrorCode = "save-failed"

	// external contact sync
	GoogleConnectFailed ErrorCode = "google-connect-failed"
	SheetsNoIntegration ErrorCode = "sheets-no-integration"
	SheetsReadFailed    ErrorCode = "sheets-read-failed"
	SheetsMergeFailed   ErrorCode = "sheets-merge-failed"
)

// Messages shown to the user for each code.
var ErrorMessages = map[ErrorCode]string{
	UnknownError:             "Something went wrong, please try again or contact support.",
	MetamaskAuthRequired:     "Please sign into MetaMask.",
	NetworkBatchNotSupported: "Batch payments are not supported on the current network.",
	SmartWalletPaymentFailed: "Failed to make payment from smart wallet.",
	InvalidWalletAddress:     "Invalid wallet address.",
	WrongPasscode:            "Wrong passcode.",
	CreateWalletFailed:       "Failed to create wallet",
	SaveFailed:               "Failed to save, please try again or contact support.",
	GoogleConnectFailed:      "Failed to connect to Google.",
	SheetsNoIntegration:      "No Google Sheets Integration.",
	SheetsReadFailed:         "Failed to read Google Sheet.",
	SheetsMergeFailed:        "Failed to merge with Google Sheet.",
}

type ErrorInfo struct {
	Code    ErrorCode // machine-readble ErrorCode enumeration
	Message string    // human-readable message
}

func (e *ErrorInfo) Error() string {
	return e.Message
}

func NewErr(code ErrorCode, format string, args ...any) error {
	return &ErrorInfo{Code: code, Message: fmt.Sprintf(format, args...)}
}

// UserErr creates an error carrying the user-facing message for code.
func UserErr(code ErrorCode) error {
	msg, ok := ErrorMessages[code]
	if !ok {
		msg = ErrorMessages[UnknownError]
	}
	return &ErrorInfo{Code: code, Message: msg}
}

// PaymentFailedErr is the generic fallback when a payout cannot be made.
func PaymentFailedErr(recipients int) error {
	return NewErr(PaymentFailed, "Failed to pay %d recipient%s", recipients, plural(recipients))
}

// UserMessage returns a message safe to show to the user for any error.
func UserMessage(err error) string {
	var info *ErrorInfo
	if errors.As(err, &info) && info.Message != "" {
		return info.Message
	}
	return ErrorMessages[UnknownError]
}

func IsNotFoundError(err error) bool {
	return IsError(err, NotFound)
}

func IsAlreadyExistsError(err error) bool {
	return IsError(err, AlreadyExists)
}

func IsError(err error, ofType ErrorCode) bool {
	var info *ErrorInfo
	if errors.As(err, &info) {
		return info.Code == ofType
	}
	return false
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}
