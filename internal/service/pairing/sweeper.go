package pairing

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Sweeper periodically removes idle sessions.
type Sweeper struct {
	sched *cron.Cron
}

// NewSweeper schedules m.Sweep every interval. Call Start to run it.
func NewSweeper(m *Manager, interval time.Duration) (*Sweeper, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("invalid sweep interval %s", interval)
	}

	sched := cron.New(cron.WithChain(cron.Recover(cron.DiscardLogger)))
	_, err := sched.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		removed := m.Sweep(time.Now())
		if removed > 0 {
			zap.L().Info("sweeper: idle sessions removed", zap.Int("count", removed))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("schedule sweeper: %w", err)
	}
	return &Sweeper{sched: sched}, nil
}

// Start begins the schedule in the background.
func (s *Sweeper) Start() {
	s.sched.Start()
}

// Stop halts the schedule and waits for a running sweep or ctx.
func (s *Sweeper) Stop(ctx context.Context) {
	done := s.sched.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}
