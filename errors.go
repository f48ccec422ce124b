package gsn

import (
	"errors"
	"fmt"
	"strings"
)

// RelayError represents a relay protocol error
type RelayError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *RelayError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// On-chain revert codes. Revert reasons start with one of these.
const (
	ErrCodeInvalidSignature    = "InvalidSignature"
	ErrCodeNonceMismatch       = "NonceMismatch"
	ErrCodeExpired             = "Expired"
	ErrCodeDelayTooShort       = "DelayTooShort"
	ErrCodeNotStaked           = "NotStaked"
	ErrCodeCooldownNotReached  = "CooldownNotReached"
	ErrCodeUnauthorized        = "Unauthorized"
	ErrCodeInvalidProof        = "InvalidProof"
	ErrCodeInsufficientDeposit = "InsufficientDeposit"
	ErrCodeApprovalRejected    = "ApprovalRejected"
	ErrCodeRelayNotRegistered  = "RelayNotRegistered"
	ErrCodeRejectedByPaymaster = "RejectedByPaymaster"
	ErrCodeInsufficientGas     = "InsufficientGas"
	ErrCodeRelayedCallFailed   = "RelayedCallFailed"
)

// Client and daemon error codes
const (
	ErrCodeNoRelaySelected = "NoRelaySelected"
	ErrCodeRelayRejected   = "RelayRejected"
	ErrCodeTimeout         = "Timeout"
	ErrCodeInvalidRequest  = "InvalidRequest"
	ErrCodeNotReady        = "NotReady"
	ErrCodeInvalidRelayTx  = "InvalidRelayTransaction"
)

// NewRelayError creates a new relay error
func NewRelayError(code, message string, details map[string]interface{}) *RelayError {
	return &RelayError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

// Category groups error codes into the failure taxonomy.
type Category string

const (
	CategorySignature           Category = "SignatureError"
	CategoryNonce               Category = "NonceError"
	CategoryStake               Category = "StakeError"
	CategoryPaymasterRejection  Category = "PaymasterRejection"
	CategoryInsufficientDeposit Category = "InsufficientDeposit"
	CategoryInsufficientGas     Category = "InsufficientGas"
	CategoryTimeout             Category = "Timeout"
	CategoryPenalization        Category = "PenalizationProof"
	CategoryRevert              Category = "Revert"
	CategoryUnknown             Category = "Unknown"
)

// Disposition says what a client should do after a failure.
type Disposition int

const (
	// Fatal errors surface to the user.
	Fatal Disposition = iota
	// Retryable errors are retried with another relay.
	Retryable
	// Benign errors mean the request was already handled or the nonce moved on.
	// The same signature must not be resent.
	Benign
)

var codeCategories = map[string]Category{
	ErrCodeInvalidSignature:    CategorySignature,
	ErrCodeNonceMismatch:       CategoryNonce,
	ErrCodeExpired:             CategorySignature,
	ErrCodeRelayNotRegistered:  CategoryStake,
	ErrCodeNotStaked:           CategoryStake,
	ErrCodeDelayTooShort:       CategoryStake,
	ErrCodeCooldownNotReached:  CategoryStake,
	ErrCodeRejectedByPaymaster: CategoryPaymasterRejection,
	ErrCodeApprovalRejected:    CategoryPaymasterRejection,
	ErrCodeInsufficientDeposit: CategoryInsufficientDeposit,
	ErrCodeInsufficientGas:     CategoryInsufficientGas,
	ErrCodeTimeout:             CategoryTimeout,
	ErrCodeInvalidProof:        CategoryPenalization,
	ErrCodeRelayedCallFailed:   CategoryRevert,
}

var categoryDispositions = map[Category]Disposition{
	CategorySignature:           Fatal,
	CategoryNonce:               Benign,
	CategoryStake:               Retryable,
	CategoryPaymasterRejection:  Retryable,
	CategoryInsufficientDeposit: Fatal,
	CategoryInsufficientGas:     Fatal,
	CategoryTimeout:             Retryable,
	CategoryPenalization:        Fatal,
	CategoryRevert:              Fatal,
	CategoryUnknown:             Retryable,
}

// orderedCodes are searched in reason text. The earliest occurrence wins, so
// "RejectedByPaymaster: InsufficientDeposit" is a paymaster rejection.
var orderedCodes = []string{
	ErrCodeRejectedByPaymaster,
	ErrCodeRelayNotRegistered,
	ErrCodeInsufficientGas,
	ErrCodeInsufficientDeposit,
	ErrCodeNonceMismatch,
	ErrCodeInvalidSignature,
	ErrCodeExpired,
	ErrCodeApprovalRejected,
	ErrCodeNotStaked,
	ErrCodeDelayTooShort,
	ErrCodeCooldownNotReached,
	ErrCodeInvalidProof,
	ErrCodeRelayedCallFailed,
	ErrCodeTimeout,
}

// CodeOf extracts the protocol error code carried by err, either from a
// RelayError or from a revert reason embedded in the message.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var relayErr *RelayError
	if errors.As(err, &relayErr) {
		if _, known := codeCategories[relayErr.Code]; known {
			return relayErr.Code
		}
		if code := codeInText(relayErr.Message); code != "" {
			return code
		}
		return relayErr.Code
	}
	return codeInText(err.Error())
}

func codeInText(text string) string {
	best, bestIdx := "", -1
	for _, code := range orderedCodes {
		idx := strings.Index(text, code)
		if idx >= 0 && (bestIdx < 0 || idx < bestIdx) {
			best, bestIdx = code, idx
		}
	}
	return best
}

// Classify maps an error to its taxonomy category and the client's next move.
func Classify(err error) (Category, Disposition) {
	if err == nil {
		return CategoryUnknown, Fatal
	}
	code := CodeOf(err)
	category, ok := codeCategories[code]
	if !ok {
		if strings.Contains(err.Error(), "execution reverted") {
			category = CategoryRevert
		} else {
			category = CategoryUnknown
		}
	}
	return category, categoryDispositions[category]
}

// IsBenign reports whether err means the request was consumed elsewhere.
func IsBenign(err error) bool {
	_, d := Classify(err)
	return d == Benign
}

// IsRetryable reports whether another relay may succeed where this one failed.
func IsRetryable(err error) bool {
	_, d := Classify(err)
	return d == Retryable
}
