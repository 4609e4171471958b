package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/diagnosis/wa-relay/internal/domain"
	"github.com/diagnosis/wa-relay/pkg/events"
	"github.com/diagnosis/wa-relay/pkg/logger"
)

// Intake feeds notification requests published on the event bus into the
// dispatcher. Publishers get no reply; failures are logged and reported
// through notify.failed.
type Intake struct {
	bus        events.Subscriber
	queue      string
	dispatcher *Dispatcher
	timeout    time.Duration
	log        *slog.Logger
}

func NewIntake(bus events.Subscriber, queue string, dispatcher *Dispatcher, timeout time.Duration) *Intake {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Intake{
		bus:        bus,
		queue:      queue,
		dispatcher: dispatcher,
		timeout:    timeout,
		log:        logger.Component("notify-intake"),
	}
}

// Start subscribes to both notification kinds. With a queue group each
// request reaches one relay instance; without one every instance sends it.
func (i *Intake) Start() error {
	if err := i.subscribe(events.NotifyApplicationRequested, i.handleApplication); err != nil {
		return err
	}
	if err := i.subscribe(events.NotifyInterviewRequested, i.handleInterview); err != nil {
		return err
	}
	i.log.Info("Notification intake subscribed",
		"queue", i.queue,
		"subjects", []string{events.NotifyApplicationRequested, events.NotifyInterviewRequested},
	)
	return nil
}

func (i *Intake) subscribe(subject string, handler func(*events.Message)) error {
	if i.queue == "" {
		return i.bus.Subscribe(subject, handler)
	}
	return i.bus.QueueSubscribe(subject, i.queue, handler)
}

func (i *Intake) handleApplication(msg *events.Message) {
	var n domain.ApplicationNotification
	if err := json.Unmarshal(msg.Data, &n); err != nil {
		i.log.Warn("Dropping malformed application notification", "message_id", msg.ID, "error", err)
		return
	}

	ctx, cancel := i.context(msg)
	defer cancel()
	if err := i.dispatcher.SendApplication(ctx, n); err != nil {
		i.log.Warn("Application notification not delivered", "message_id", msg.ID, "error", err)
	}
}

func (i *Intake) handleInterview(msg *events.Message) {
	var n domain.InterviewNotification
	if err := json.Unmarshal(msg.Data, &n); err != nil {
		i.log.Warn("Dropping malformed interview notification", "message_id", msg.ID, "error", err)
		return
	}

	ctx, cancel := i.context(msg)
	defer cancel()
	if err := i.dispatcher.SendInterview(ctx, n); err != nil {
		i.log.Warn("Interview notification not delivered", "message_id", msg.ID, "error", err)
	}
}

func (i *Intake) context(msg *events.Message) (context.Context, context.CancelFunc) {
	ctx := context.WithValue(context.Background(), logger.RequestIDKey, msg.ID)
	return context.WithTimeout(ctx, i.timeout)
}
