package domain

import "errors"

// Error taxonomy shared by the OTP service, the dispatcher and the HTTP layer.
// Components wrap these with fmt.Errorf("...: %w", err); callers match with errors.Is.
var (
	ErrServiceUnavailable = errors.New("whatsapp service not ready")
	ErrInvalidInput       = errors.New("invalid input")
	ErrNotFound           = errors.New("otp not found")
	ErrAlreadyConsumed    = errors.New("otp already used")
	ErrExpired            = errors.New("otp has expired")
	ErrCodeMismatch       = errors.New("invalid otp code")
	ErrTooManyAttempts    = errors.New("too many failed otp attempts")
	ErrRateLimited        = errors.New("too many otp requests")
	ErrDeliveryFailed     = errors.New("message delivery failed")
	ErrInternal           = errors.New("internal error")
)

// InvalidInput wraps ErrInvalidInput with a caller-facing reason.
func InvalidInput(reason string) error {
	return &inputError{reason: reason}
}

type inputError struct {
	reason string
}

func (e *inputError) Error() string { return e.reason }

func (e *inputError) Unwrap() error { return ErrInvalidInput }
