package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/diagnosis/wa-relay/internal/domain"
	"github.com/diagnosis/wa-relay/pkg/logger"
)

type State string

const (
	StateUninitialized State = "uninitialized"
	StateInitializing  State = "initializing"
	StatePairing       State = "pairing"
	StateAuthenticated State = "authenticated"
	StateReady         State = "ready"
	StateDisconnected  State = "disconnected"
	StateLoggedOut     State = "logged_out"
	StateFailed        State = "failed"
	StateDestroyed     State = "destroyed"
)

var ErrDestroyed = errors.New("session destroyed")

// Status is a point-in-time snapshot of the session.
type Status struct {
	State     State     `json:"state"`
	Ready     bool      `json:"ready"`
	HasQRCode bool      `json:"hasQrCode"`
	LastError string    `json:"lastError,omitempty"`
	Since     time.Time `json:"since"`
}

type Options struct {
	SendTimeout    time.Duration
	RepairOnLogout bool
	// EncodeQR converts the raw pairing payload into the stored artifact.
	// Defaults to EncodeQR.
	EncodeQR func(payload string) (string, error)
	Logger   *slog.Logger
}

// Manager owns the single messaging session of the process.
type Manager struct {
	driver Driver
	opts   Options
	log    *slog.Logger

	mu          sync.RWMutex
	runCtx      context.Context
	state       State
	since       time.Time
	ready       bool
	qrCode      string
	lastErr     string
	initialized bool
	destroyed   bool
	hooks       []func(context.Context)

	destroyOnce sync.Once
}

func NewManager(driver Driver, opts Options) *Manager {
	if opts.EncodeQR == nil {
		opts.EncodeQR = EncodeQR
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 20 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = logger.Component("session")
	}
	return &Manager{
		driver: driver,
		opts:   opts,
		log:    log,
		state:  StateUninitialized,
		since:  time.Now(),
	}
}

// Initialize starts the driver once. Calls made while a session is already
// initialized return nil without doing anything. A failed start leaves the
// manager in StateFailed and may be retried.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return ErrDestroyed
	}
	if m.initialized {
		m.mu.Unlock()
		return nil
	}
	m.initialized = true
	m.runCtx = ctx
	m.setStateLocked(StateInitializing)
	m.mu.Unlock()

	m.log.Info("Initializing WhatsApp session")

	if err := m.startDriver(ctx); err != nil {
		m.mu.Lock()
		m.initialized = false
		m.lastErr = err.Error()
		m.setStateLocked(StateFailed)
		m.mu.Unlock()
		m.log.Error("WhatsApp session failed to initialize", "error", err)
		return fmt.Errorf("initialize session: %w", err)
	}
	return nil
}

func (m *Manager) startDriver(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("driver panic: %v", r)
		}
	}()
	return m.driver.Start(ctx, m)
}

// QRCode returns the current pairing artifact, if any.
func (m *Manager) QRCode() (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.qrCode, m.qrCode != ""
}

func (m *Manager) IsReady() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ready
}

func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Status{
		State:     m.state,
		Ready:     m.ready,
		HasQRCode: m.qrCode != "",
		LastError: m.lastErr,
		Since:     m.since,
	}
}

// Send delivers text to phone (canonical +<digits> form).
func (m *Manager) Send(ctx context.Context, phone, text string) (err error) {
	if !m.IsReady() {
		return domain.ErrServiceUnavailable
	}

	ctx, cancel := context.WithTimeout(ctx, m.opts.SendTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: driver panic: %v", domain.ErrDeliveryFailed, r)
		}
	}()

	if err := m.driver.Send(ctx, phone, text); err != nil {
		m.log.Warn("WhatsApp send failed", "phone", logger.MaskPhone(phone), "error", err)
		return fmt.Errorf("%w: %w", domain.ErrDeliveryFailed, err)
	}
	return nil
}

// OnDestroy registers cleanup run by Destroy, in registration order.
func (m *Manager) OnDestroy(fn func(context.Context)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, fn)
}

// Destroy stops the driver and runs cleanup hooks. Only the first call has any effect.
func (m *Manager) Destroy(ctx context.Context) {
	m.destroyOnce.Do(func() {
		m.mu.Lock()
		m.destroyed = true
		m.ready = false
		m.qrCode = ""
		m.setStateLocked(StateDestroyed)
		hooks := append([]func(context.Context){}, m.hooks...)
		m.mu.Unlock()

		m.log.Info("Destroying WhatsApp session")
		m.driver.Stop()

		for _, fn := range hooks {
			fn(ctx)
		}
	})
}

func (m *Manager) OnPairingChallenge(payload string) {
	artifact, err := m.opts.EncodeQR(payload)
	if err != nil {
		m.log.Error("Failed to encode pairing QR code", "error", err)
		return
	}

	m.mu.Lock()
	if m.destroyed || m.ready {
		m.mu.Unlock()
		return
	}
	m.qrCode = artifact
	m.setStateLocked(StatePairing)
	m.mu.Unlock()

	m.log.Info("WhatsApp pairing QR code issued, scan it via /api/whatsapp/qr")
}

func (m *Manager) OnAuthenticated() {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	m.qrCode = ""
	m.setStateLocked(StateAuthenticated)
	m.mu.Unlock()

	m.log.Info("WhatsApp session authenticated")
}

func (m *Manager) OnReady() {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	m.ready = true
	m.qrCode = ""
	m.lastErr = ""
	m.setStateLocked(StateReady)
	m.mu.Unlock()

	m.log.Info("WhatsApp session ready")
}

func (m *Manager) OnAuthFailure(err error) {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	m.ready = false
	if err != nil {
		m.lastErr = err.Error()
	}
	m.setStateLocked(StateFailed)
	m.mu.Unlock()

	m.log.Error("WhatsApp authentication failed", "error", err)
}

func (m *Manager) OnDisconnected(reason string, loggedOut bool) {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	m.ready = false
	repair := false
	if loggedOut {
		m.qrCode = ""
		m.initialized = false
		m.setStateLocked(StateLoggedOut)
		repair = m.opts.RepairOnLogout
	} else if m.state == StateReady || m.state == StateAuthenticated {
		m.setStateLocked(StateDisconnected)
	}
	ctx := m.runCtx
	m.mu.Unlock()

	m.log.Warn("WhatsApp session disconnected", "reason", reason, "logged_out", loggedOut)

	if repair && ctx != nil && ctx.Err() == nil {
		go func() {
			m.log.Info("Starting new pairing after logout")
			_ = m.Initialize(ctx)
		}()
	}
}

func (m *Manager) setStateLocked(s State) {
	if m.state != s {
		m.state = s
		m.since = time.Now()
	}
}
