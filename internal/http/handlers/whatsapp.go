package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/diagnosis/wa-relay/internal/domain"
	"github.com/diagnosis/wa-relay/internal/http/response"
	"github.com/diagnosis/wa-relay/internal/session"
	"github.com/go-chi/chi/v5"
)

type Session interface {
	IsReady() bool
	QRCode() (string, bool)
	Status() session.Status
}

type OTPService interface {
	Issue(ctx context.Context, phone string) (*domain.IssuedOTP, error)
	Verify(ctx context.Context, otpID, phone, code string) (string, error)
}

type Notifier interface {
	SendApplication(ctx context.Context, n domain.ApplicationNotification) error
	SendInterview(ctx context.Context, n domain.InterviewNotification) error
}

// Middlewares are optional per-route wrappers; nil entries are skipped.
type Middlewares struct {
	OTPLimit    func(http.Handler) http.Handler // send-otp and verify-otp
	Idempotency func(http.Handler) http.Handler // notification sends
}

type WhatsAppHandler struct {
	Session  Session
	OTP      OTPService
	Notifier Notifier
	mw       Middlewares
}

func NewWhatsAppHandler(sess Session, otp OTPService, notifier Notifier, mw Middlewares) *WhatsAppHandler {
	return &WhatsAppHandler{Session: sess, OTP: otp, Notifier: notifier, mw: mw}
}

func (h *WhatsAppHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/qr", h.qr)

	r.Group(func(r chi.Router) {
		if h.mw.OTPLimit != nil {
			r.Use(h.mw.OTPLimit)
		}
		r.Post("/send-otp", h.sendOTP)     // {phoneNumber}
		r.Post("/verify-otp", h.verifyOTP) // {otpId|phoneNumber, code|otpCode}
	})

	r.Group(func(r chi.Router) {
		if h.mw.Idempotency != nil {
			r.Use(h.mw.Idempotency)
		}
		r.Post("/send-application-notification", h.sendApplication)
		r.Post("/send-interview-notification", h.sendInterview)
	})
	return r
}

type qrOut struct {
	Success bool   `json:"success"`
	QRCode  string `json:"qrCode,omitempty"`
	IsReady bool   `json:"isReady"`
	Message string `json:"message,omitempty"`
}

func (h *WhatsAppHandler) qr(w http.ResponseWriter, r *http.Request) {
	if h.Session.IsReady() {
		response.WriteJSON(w, http.StatusOK, qrOut{Success: true, IsReady: true, Message: "WhatsApp is connected"})
		return
	}
	if code, ok := h.Session.QRCode(); ok {
		response.WriteJSON(w, http.StatusOK, qrOut{Success: true, QRCode: code, IsReady: false})
		return
	}
	response.WriteJSON(w, http.StatusOK, qrOut{
		Success: false,
		IsReady: false,
		Message: "QR code not available yet. WhatsApp client is initializing.",
	})
}

func (h *WhatsAppHandler) sendOTP(w http.ResponseWriter, r *http.Request) {
	var in domain.SendOTPRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		response.BadRequest(w, "Invalid JSON format")
		return
	}
	if in.PhoneNumber == "" {
		response.BadRequest(w, "phoneNumber is required")
		return
	}

	issued, err := h.OTP.Issue(r.Context(), in.PhoneNumber)
	if err != nil {
		response.FromError(w, r, err)
		return
	}

	response.WriteJSON(w, http.StatusOK, domain.SendOTPResponse{
		Success: true,
		Message: "OTP sent successfully",
		OTPID:   issued.ID,
	})
}

func (h *WhatsAppHandler) verifyOTP(w http.ResponseWriter, r *http.Request) {
	var in domain.VerifyOTPRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		response.BadRequest(w, "Invalid JSON format")
		return
	}

	phone, err := h.OTP.Verify(r.Context(), in.OTPID, in.PhoneNumber, in.EffectiveCode())
	if err != nil {
		response.FromError(w, r, err)
		return
	}

	response.WriteJSON(w, http.StatusOK, domain.VerifyOTPResponse{
		Success:     true,
		Message:     "OTP verified successfully",
		PhoneNumber: phone,
	})
}

type messageOut struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func (h *WhatsAppHandler) sendApplication(w http.ResponseWriter, r *http.Request) {
	var in domain.ApplicationNotification
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		response.BadRequest(w, "Invalid JSON format")
		return
	}

	if err := h.Notifier.SendApplication(r.Context(), in); err != nil {
		response.FromError(w, r, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, messageOut{Success: true, Message: "Application notification sent"})
}

func (h *WhatsAppHandler) sendInterview(w http.ResponseWriter, r *http.Request) {
	var in domain.InterviewNotification
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		response.BadRequest(w, "Invalid JSON format")
		return
	}

	if err := h.Notifier.SendInterview(r.Context(), in); err != nil {
		response.FromError(w, r, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, messageOut{Success: true, Message: "Interview notification sent"})
}
