package otp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/diagnosis/wa-relay/internal/domain"
	"github.com/diagnosis/wa-relay/internal/utils"
	"github.com/diagnosis/wa-relay/pkg/events"
	"github.com/diagnosis/wa-relay/pkg/logger"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// Sender is the part of the session manager the service needs.
type Sender interface {
	IsReady() bool
	Send(ctx context.Context, phone, text string) error
}

// Limiter throttles issuance per normalized phone number.
type Limiter interface {
	Allow(key string) bool
}

type Config struct {
	TTL               time.Duration
	ConsumedRetention time.Duration
	CodeLength        int
	HashCost          int
	// MaxAttempts failed verifications invalidate a record.
	MaxAttempts int
	CountryCode string
	AppName     string
}

type Service struct {
	store  Store
	sender Sender
	bus    events.Publisher
	cfg    Config
	limit  Limiter
	now    func() time.Time
	log    *slog.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

type Option func(*Service)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.log = l }
}

// WithIssueLimiter rate limits Issue per phone number.
func WithIssueLimiter(l Limiter) Option {
	return func(s *Service) { s.limit = l }
}

func NewService(store Store, sender Sender, bus events.Publisher, cfg Config, opts ...Option) *Service {
	if cfg.CodeLength == 0 {
		cfg.CodeLength = 6
	}
	if cfg.HashCost == 0 {
		cfg.HashCost = bcrypt.DefaultCost
	}
	if cfg.TTL == 0 {
		cfg.TTL = 5 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if bus == nil {
		bus = events.NoopBus{}
	}
	s := &Service{
		store:  store,
		sender: sender,
		bus:    bus,
		cfg:    cfg,
		now:    time.Now,
		timers: make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logger.Component("otp")
	}
	return s
}

// Issue generates a code for phone, stores it and delivers it over WhatsApp.
func (s *Service) Issue(ctx context.Context, rawPhone string) (*domain.IssuedOTP, error) {
	if !s.sender.IsReady() {
		return nil, domain.ErrServiceUnavailable
	}

	phone, err := utils.NormalizePhone(rawPhone, s.cfg.CountryCode)
	if err != nil {
		return nil, domain.InvalidInput("Invalid phone number format")
	}

	if s.limit != nil && !s.limit.Allow(phone) {
		s.log.WarnContext(ctx, "OTP issuance rate limited", "phone", logger.MaskPhone(phone))
		return nil, domain.ErrRateLimited
	}

	code, err := GenerateCode(s.cfg.CodeLength)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrInternal, err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), s.cfg.HashCost)
	if err != nil {
		return nil, fmt.Errorf("%w: hash otp: %w", domain.ErrInternal, err)
	}

	now := s.now()
	rec := &domain.OTPRecord{
		ID:          uuid.NewString(),
		CodeHash:    string(hash),
		PhoneNumber: phone,
		IssuedAt:    now,
		ExpiresAt:   now.Add(s.cfg.TTL),
	}
	if err := s.store.Put(ctx, rec); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrInternal, err)
	}

	if err := s.sender.Send(ctx, phone, s.message(code)); err != nil {
		if derr := s.store.Delete(context.WithoutCancel(ctx), rec.ID); derr != nil {
			s.log.ErrorContext(ctx, "Failed to remove undelivered OTP", "otp_id", rec.ID, "error", derr)
		}
		s.log.WarnContext(ctx, "OTP delivery failed", "phone", logger.MaskPhone(phone), "error", err)
		if errors.Is(err, domain.ErrServiceUnavailable) {
			return nil, err
		}
		if !errors.Is(err, domain.ErrDeliveryFailed) {
			err = fmt.Errorf("%w: %w", domain.ErrDeliveryFailed, err)
		}
		return nil, err
	}

	if n, err := s.store.Supersede(ctx, phone, rec.ID, rec.IssuedAt); err != nil {
		s.log.WarnContext(ctx, "Failed to supersede older OTPs", "phone", logger.MaskPhone(phone), "error", err)
	} else if n > 0 {
		s.log.DebugContext(ctx, "Superseded older OTPs", "phone", logger.MaskPhone(phone), "count", n)
	}

	s.publish(ctx, events.OTPIssued, events.OTPIssuedEvent{
		OTPID:       rec.ID,
		PhoneNumber: phone,
		ExpiresAt:   rec.ExpiresAt,
		IssuedAt:    rec.IssuedAt,
	})
	s.log.InfoContext(ctx, "OTP issued", "otp_id", rec.ID, "phone", logger.MaskPhone(phone))

	return &domain.IssuedOTP{ID: rec.ID, PhoneNumber: phone, ExpiresAt: rec.ExpiresAt}, nil
}

// Verify checks code against the record named by otpID, or the latest
// record of phone when otpID is empty. It returns the verified phone number.
func (s *Service) Verify(ctx context.Context, otpID, phone, code string) (string, error) {
	otpID = strings.TrimSpace(otpID)
	code = strings.TrimSpace(code)

	if code == "" {
		return "", domain.InvalidInput("OTP code is required")
	}
	if len(code) != s.cfg.CodeLength || !utils.IsNumeric(code) {
		return "", domain.InvalidInput(fmt.Sprintf("OTP code must be %d digits", s.cfg.CodeLength))
	}

	var (
		rec *domain.OTPRecord
		err error
	)
	switch {
	case otpID != "":
		rec, err = s.store.Get(ctx, otpID)
	case strings.TrimSpace(phone) != "":
		normalized, nerr := utils.NormalizePhone(phone, s.cfg.CountryCode)
		if nerr != nil {
			return "", domain.InvalidInput("Invalid phone number format")
		}
		rec, err = s.store.FindActiveByPhone(ctx, normalized)
	default:
		return "", domain.InvalidInput("otpId or phoneNumber is required")
	}
	if errors.Is(err, domain.ErrNotFound) {
		return "", domain.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrInternal, err)
	}

	if rec.Consumed {
		return "", domain.ErrAlreadyConsumed
	}

	now := s.now()
	if rec.ExpiredAt(now) {
		if err := s.store.Delete(ctx, rec.ID); err != nil {
			s.log.WarnContext(ctx, "Failed to delete expired OTP", "otp_id", rec.ID, "error", err)
		}
		return "", domain.ErrExpired
	}

	if rec.Attempts >= s.cfg.MaxAttempts {
		return "", s.invalidate(ctx, rec)
	}

	if bcrypt.CompareHashAndPassword([]byte(rec.CodeHash), []byte(code)) != nil {
		return "", s.recordMismatch(ctx, rec)
	}

	ok, err := s.store.MarkConsumed(ctx, rec.ID, now)
	if errors.Is(err, domain.ErrNotFound) {
		return "", domain.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrInternal, err)
	}
	if !ok {
		return "", domain.ErrAlreadyConsumed
	}

	s.scheduleDelete(rec.ID)
	s.publish(ctx, events.OTPVerified, events.OTPVerifiedEvent{
		OTPID:       rec.ID,
		PhoneNumber: rec.PhoneNumber,
		VerifiedAt:  now,
	})
	s.log.InfoContext(ctx, "OTP verified", "otp_id", rec.ID, "phone", logger.MaskPhone(rec.PhoneNumber))

	return rec.PhoneNumber, nil
}

// recordMismatch counts a wrong code against rec and invalidates the record
// once MaxAttempts is reached.
func (s *Service) recordMismatch(ctx context.Context, rec *domain.OTPRecord) error {
	n, err := s.store.RecordFailedAttempt(ctx, rec.ID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.ErrCodeMismatch
	}
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrInternal, err)
	}
	if n >= s.cfg.MaxAttempts {
		return s.invalidate(ctx, rec)
	}
	return domain.ErrCodeMismatch
}

func (s *Service) invalidate(ctx context.Context, rec *domain.OTPRecord) error {
	if err := s.store.Delete(ctx, rec.ID); err != nil {
		s.log.WarnContext(ctx, "Failed to delete locked OTP", "otp_id", rec.ID, "error", err)
	}
	s.log.WarnContext(ctx, "OTP invalidated after failed attempts", "otp_id", rec.ID, "phone", logger.MaskPhone(rec.PhoneNumber))
	return domain.ErrTooManyAttempts
}

func (s *Service) scheduleDelete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.timers[id] = time.AfterFunc(s.cfg.ConsumedRetention, func() {
		s.mu.Lock()
		delete(s.timers, id)
		s.mu.Unlock()
		if err := s.store.Delete(context.Background(), id); err != nil {
			s.log.Warn("Failed to delete consumed OTP", "otp_id", id, "error", err)
		}
	})
}

// Close stops pending retention timers. Records they would have removed
// stay until the next sweep or store clear.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}

func (s *Service) publish(ctx context.Context, subject string, data interface{}) {
	if err := s.bus.Publish(ctx, subject, data); err != nil {
		s.log.WarnContext(ctx, "Failed to publish event", "subject", subject, "error", err)
	}
}

func (s *Service) message(code string) string {
	var b strings.Builder
	if s.cfg.AppName != "" {
		fmt.Fprintf(&b, "*%s* verification code\n\n", s.cfg.AppName)
	}
	fmt.Fprintf(&b, "Your OTP code is: *%s*\n\n", code)
	fmt.Fprintf(&b, "This code is valid for %s.\n", humanDuration(s.cfg.TTL))
	b.WriteString("Do not share this code with anyone.")
	return b.String()
}

func humanDuration(d time.Duration) string {
	switch {
	case d >= time.Minute && d%time.Minute == 0:
		if d == time.Minute {
			return "1 minute"
		}
		return fmt.Sprintf("%d minutes", int(d/time.Minute))
	case d >= time.Second && d%time.Second == 0:
		return fmt.Sprintf("%d seconds", int(d/time.Second))
	default:
		return d.String()
	}
}
