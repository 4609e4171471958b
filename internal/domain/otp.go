package domain

import "time"

// OTPRecord is one issued code. Only the bcrypt hash of the code is kept.
type OTPRecord struct {
	ID          string
	CodeHash    string
	PhoneNumber string
	IssuedAt    time.Time
	ExpiresAt   time.Time
	Consumed    bool
	ConsumedAt  *time.Time
	Attempts    int // failed verifications so far
}

// ExpiredAt reports whether the record is no longer valid at t.
// The boundary instant itself counts as expired.
func (r *OTPRecord) ExpiredAt(t time.Time) bool {
	return !t.Before(r.ExpiresAt)
}

type SendOTPRequest struct {
	PhoneNumber string `json:"phoneNumber"`
}

type SendOTPResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	OTPID   string `json:"otpId"`
}

// VerifyOTPRequest accepts either otpId or phoneNumber, and code or otpCode.
type VerifyOTPRequest struct {
	OTPID       string `json:"otpId"`
	PhoneNumber string `json:"phoneNumber"`
	Code        string `json:"code"`
	OTPCode     string `json:"otpCode"`
}

// EffectiveCode returns code, falling back to otpCode.
func (r VerifyOTPRequest) EffectiveCode() string {
	if r.Code != "" {
		return r.Code
	}
	return r.OTPCode
}

type VerifyOTPResponse struct {
	Success     bool   `json:"success"`
	Message     string `json:"message"`
	PhoneNumber string `json:"phoneNumber"`
}

type IssuedOTP struct {
	ID          string
	PhoneNumber string
	ExpiresAt   time.Time
}
