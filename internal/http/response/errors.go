package response

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/diagnosis/wa-relay/internal/domain"
	"github.com/diagnosis/wa-relay/pkg/logger"
)

// ErrorResponse represents a structured JSON error response
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
}

// WriteJSON writes v with the given status
func WriteJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("failed to encode response", "error", err)
	}
}

// WriteError writes a structured JSON error response
func WriteError(w http.ResponseWriter, statusCode int, message string, code string) {
	WriteJSON(w, statusCode, ErrorResponse{
		Success: false,
		Error:   message,
		Code:    code,
	})
}

// Common error codes
const (
	CodeInvalidInput       = "INVALID_INPUT"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeForbidden          = "FORBIDDEN"
	CodeNotFound           = "NOT_FOUND"
	CodeRateLimit          = "RATE_LIMIT_EXCEEDED"
	CodeInternalError      = "INTERNAL_ERROR"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeDeliveryFailed     = "DELIVERY_FAILED"
	CodeOTPNotFound        = "OTP_NOT_FOUND"
	CodeOTPAlreadyUsed     = "OTP_ALREADY_USED"
	CodeOTPExpired         = "OTP_EXPIRED"
	CodeInvalidOTP         = "INVALID_OTP"
	CodeOTPLocked          = "OTP_ATTEMPTS_EXCEEDED"
)

// FromError maps a domain error to status, code and a caller-facing message.
// Anything unrecognized is logged and reported as an internal error.
func FromError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		msg := err.Error()
		if err == domain.ErrInvalidInput {
			msg = "Invalid input"
		}
		WriteError(w, http.StatusBadRequest, msg, CodeInvalidInput)
	case errors.Is(err, domain.ErrNotFound):
		WriteError(w, http.StatusBadRequest, "OTP not found. Please request a new code.", CodeOTPNotFound)
	case errors.Is(err, domain.ErrAlreadyConsumed):
		WriteError(w, http.StatusBadRequest, "OTP has already been used", CodeOTPAlreadyUsed)
	case errors.Is(err, domain.ErrExpired):
		WriteError(w, http.StatusBadRequest, "OTP has expired. Please request a new code.", CodeOTPExpired)
	case errors.Is(err, domain.ErrCodeMismatch):
		WriteError(w, http.StatusBadRequest, "Invalid OTP code", CodeInvalidOTP)
	case errors.Is(err, domain.ErrTooManyAttempts):
		WriteError(w, http.StatusBadRequest, "Too many failed attempts. Please request a new code.", CodeOTPLocked)
	case errors.Is(err, domain.ErrRateLimited):
		w.Header().Set("Retry-After", "60")
		RateLimit(w, "Too many OTP requests for this phone number. Try again later.")
	case errors.Is(err, domain.ErrServiceUnavailable):
		WriteError(w, http.StatusServiceUnavailable, "WhatsApp service is not ready. Please try again later.", CodeServiceUnavailable)
	case errors.Is(err, domain.ErrDeliveryFailed):
		logger.WarnContext(r.Context(), "Delivery failed", "error", err)
		WriteError(w, http.StatusBadGateway, "Failed to send WhatsApp message. Please try again.", CodeDeliveryFailed)
	default:
		logger.ErrorContext(r.Context(), "Unhandled error", "error", err)
		InternalError(w, "Internal server error")
	}
}

// Convenience functions for common errors
func BadRequest(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, message, CodeInvalidInput)
}

func Unauthorized(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusUnauthorized, message, CodeUnauthorized)
}

func Forbidden(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusForbidden, message, CodeForbidden)
}

func NotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, message, CodeNotFound)
}

func InternalError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, message, CodeInternalError)
}

func RateLimit(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusTooManyRequests, message, CodeRateLimit)
}
