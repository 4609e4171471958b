package session

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/diagnosis/wa-relay/pkg/logger"
)

// DevDriver prints messages instead of sending them. It reports ready as
// soon as it starts, so the relay can be exercised without a paired phone.
type DevDriver struct {
	mu  sync.Mutex
	out io.Writer
}

func NewDevDriver() *DevDriver {
	return &DevDriver{out: os.Stdout}
}

func (d *DevDriver) Start(ctx context.Context, sink EventSink) error {
	logger.Warn("💬 [DEV WHATSAPP] Messages will be printed, not sent")
	sink.OnAuthenticated()
	sink.OnReady()
	return nil
}

func (d *DevDriver) Send(ctx context.Context, phone, text string) error {
	logger.InfoContext(ctx, "💬 [DEV WHATSAPP] Message", "to", phone)

	d.mu.Lock()
	defer d.mu.Unlock()
	fmt.Fprintf(d.out, "\n"+
		"━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n"+
		"💬 WHATSAPP MESSAGE (DEV MODE)\n"+
		"━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n"+
		"To: %s\n"+
		"\n"+
		"%s\n"+
		"━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n",
		phone, text)
	return nil
}

func (d *DevDriver) Stop() {}
