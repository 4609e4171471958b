package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/diagnosis/wa-relay/internal/domain"
	"github.com/diagnosis/wa-relay/internal/utils"
	"github.com/diagnosis/wa-relay/pkg/events"
	"github.com/diagnosis/wa-relay/pkg/logger"
)

const (
	KindApplication = "application"
	KindInterview   = "interview"
)

// Sender is the part of the session manager the dispatcher needs.
type Sender interface {
	IsReady() bool
	Send(ctx context.Context, phone, text string) error
}

type Dispatcher struct {
	sender      Sender
	bus         events.Publisher
	countryCode string
	appName     string
	log         *slog.Logger
}

func NewDispatcher(sender Sender, bus events.Publisher, countryCode, appName string) *Dispatcher {
	if bus == nil {
		bus = events.NoopBus{}
	}
	return &Dispatcher{
		sender:      sender,
		bus:         bus,
		countryCode: countryCode,
		appName:     appName,
		log:         logger.Component("notify"),
	}
}

func (d *Dispatcher) SendApplication(ctx context.Context, n domain.ApplicationNotification) error {
	if !d.sender.IsReady() {
		return domain.ErrServiceUnavailable
	}

	n.Normalize()
	if err := n.Validate(); err != nil {
		return err
	}
	phone, err := utils.NormalizePhone(n.PhoneNumber, d.countryCode)
	if err != nil {
		return domain.InvalidInput("Invalid phone number format")
	}

	return d.deliver(ctx, KindApplication, phone, ApplicationMessage(n, d.appName))
}

func (d *Dispatcher) SendInterview(ctx context.Context, n domain.InterviewNotification) error {
	if !d.sender.IsReady() {
		return domain.ErrServiceUnavailable
	}

	n.Normalize()
	if err := n.Validate(); err != nil {
		return err
	}
	phone, err := utils.NormalizePhone(n.PhoneNumber, d.countryCode)
	if err != nil {
		return domain.InvalidInput("Invalid phone number format")
	}

	return d.deliver(ctx, KindInterview, phone, InterviewMessage(n, d.appName))
}

func (d *Dispatcher) deliver(ctx context.Context, kind, phone, text string) error {
	err := d.sender.Send(ctx, phone, text)

	evt := events.NotifyOutcomeEvent{Kind: kind, PhoneNumber: phone, At: time.Now()}
	subject := events.NotifySent
	if err != nil {
		subject = events.NotifyFailed
		evt.Error = err.Error()
		d.log.ErrorContext(ctx, "Notification delivery failed", "kind", kind, "phone", logger.MaskPhone(phone), "error", err)
	} else {
		d.log.InfoContext(ctx, "Notification sent", "kind", kind, "phone", logger.MaskPhone(phone))
	}
	if perr := d.bus.Publish(ctx, subject, evt); perr != nil {
		d.log.WarnContext(ctx, "Failed to publish event", "subject", subject, "error", perr)
	}

	if err != nil && !errors.Is(err, domain.ErrDeliveryFailed) && !errors.Is(err, domain.ErrServiceUnavailable) {
		return fmt.Errorf("%w: %w", domain.ErrDeliveryFailed, err)
	}
	return err
}
