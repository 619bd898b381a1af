package reconciler

import (
	"fmt"
	"sync/atomic"

	"github.com/dlcnode/coordinator/chantypes"
	"github.com/dlcnode/coordinator/notifier"
	"github.com/dlcnode/coordinator/store"
	"github.com/robfig/cron/v3"
)

// DefaultRolloverSpec fires the rollover reminder every Friday at 16:00,
// ahead of the weekly contract expiry.
const DefaultRolloverSpec = "0 16 * * FRI"

// Scheduler runs calendar-driven operator jobs. The periodic reconciliation
// jobs live in Reconciler; anything tied to a wall-clock schedule lives
// here.
type Scheduler struct {
	started uint32
	stopped uint32

	cron *cron.Cron
	db   store.Store
	push notifier.Sender

	rolloverSpec string
}

// NewScheduler creates a Scheduler sending reminders through the given
// push sender.
func NewScheduler(db store.Store, push notifier.Sender,
	rolloverSpec string) *Scheduler {

	if rolloverSpec == "" {
		rolloverSpec = DefaultRolloverSpec
	}

	return &Scheduler{
		cron:         cron.New(),
		db:           db,
		push:         push,
		rolloverSpec: rolloverSpec,
	}
}

// Start registers the jobs and starts the cron runner.
func (s *Scheduler) Start() error {
	if !atomic.CompareAndSwapUint32(&s.started, 0, 1) {
		return nil
	}

	_, err := s.cron.AddFunc(s.rolloverSpec, s.RemindRollover)
	if err != nil {
		return fmt.Errorf("invalid rollover schedule %q: %w",
			s.rolloverSpec, err)
	}

	s.cron.Start()

	return nil
}

// Stop stops the cron runner, waiting for a running job to finish.
func (s *Scheduler) Stop() {
	if !atomic.CompareAndSwapUint32(&s.stopped, 0, 1) {
		return
	}

	<-s.cron.Stop().Done()
}

// RemindRollover pushes a rollover reminder to every trader with an open
// position. Exported so operators can trigger it out of schedule.
func (s *Scheduler) RemindRollover() {
	positions, err := s.db.OpenOrClosingPositions()
	if err != nil {
		log.Errorf("Unable to list positions for rollover "+
			"reminder: %v", err)
		return
	}

	for _, position := range positions {
		if position.State != chantypes.PositionOpen {
			continue
		}

		err := s.push.Send(position.Trader, "Rollover",
			"Your position is ready to be rolled over to the "+
				"next cycle.")
		if err != nil {
			log.Warnf("Unable to send rollover reminder to %x: %v",
				position.Trader.SerializeCompressed(), err)
		}
	}
}
