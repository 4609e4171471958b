package otp

import (
	"context"
	"log/slog"
	"time"

	"github.com/diagnosis/wa-relay/pkg/logger"
)

// Sweeper periodically removes expired records from a Store.
type Sweeper struct {
	store    Store
	interval time.Duration
	now      func() time.Time
	log      *slog.Logger
}

func NewSweeper(store Store, interval time.Duration) *Sweeper {
	return &Sweeper{
		store:    store,
		interval: interval,
		now:      time.Now,
		log:      logger.Component("otp-sweeper"),
	}
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

func (s *Sweeper) SweepOnce(ctx context.Context) int {
	n, err := s.store.SweepExpired(ctx, s.now())
	if err != nil {
		s.log.Error("OTP sweep failed", "error", err)
		return 0
	}
	if n > 0 {
		s.log.Info("Swept expired OTPs", "count", n)
	}
	return n
}
