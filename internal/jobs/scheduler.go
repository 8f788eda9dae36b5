package jobs

import (
	"log"
	"time"

	"github.com/coursehub/backend/internal/services/subscription"
	"github.com/go-co-op/gocron"
)

// stalePendingAge is how old a pending payment must be before the sweep
// marks it failed
const stalePendingAge = 24 * time.Hour

// Scheduler runs the background sweeps that drive time-based subscription
// transitions. Webhooks cover most state changes but not all: soft
// cancellations, grace expiry and trial boundaries have no guaranteed
// gateway event at the moment they take effect.
type Scheduler struct {
	scheduler *gocron.Scheduler
	subs      *subscription.SubscriptionService
}

// NewScheduler creates a new job scheduler
func NewScheduler(subs *subscription.SubscriptionService) *Scheduler {
	return &Scheduler{
		scheduler: gocron.NewScheduler(time.UTC),
		subs:      subs,
	}
}

// Start registers and starts all recurring sweeps
func (s *Scheduler) Start() error {
	if _, err := s.scheduler.Every(1).Hour().Do(s.runTrialExpiry); err != nil {
		return err
	}
	if _, err := s.scheduler.Every(1).Hour().Do(s.runGraceExpiry); err != nil {
		return err
	}
	if _, err := s.scheduler.Every(1).Hour().Do(s.runPeriodEndCancellations); err != nil {
		return err
	}
	if _, err := s.scheduler.Every(30).Minutes().Do(s.runStalePendingPayments); err != nil {
		return err
	}

	s.scheduler.StartAsync()
	log.Printf("Job scheduler started with %d jobs", len(s.scheduler.Jobs()))
	return nil
}

// Stop stops the scheduler
func (s *Scheduler) Stop() {
	s.scheduler.Stop()
}

func (s *Scheduler) runTrialExpiry() {
	n, err := s.subs.ExpireTrialSubscriptions()
	if err != nil {
		log.Printf("Trial expiry sweep failed: %v", err)
		return
	}
	if n > 0 {
		log.Printf("Trial expiry sweep moved %d subscriptions to active", n)
	}
}

func (s *Scheduler) runGraceExpiry() {
	n, err := s.subs.ExpireGracePeriods()
	if err != nil {
		log.Printf("Grace expiry sweep failed: %v", err)
		return
	}
	if n > 0 {
		log.Printf("Grace expiry sweep halted %d subscriptions", n)
	}
}

func (s *Scheduler) runPeriodEndCancellations() {
	n, err := s.subs.SweepPeriodEndCancellations()
	if err != nil {
		log.Printf("Period-end cancellation sweep failed: %v", err)
		return
	}
	if n > 0 {
		log.Printf("Period-end sweep cancelled %d subscriptions", n)
	}
}

func (s *Scheduler) runStalePendingPayments() {
	n, err := s.subs.ExpireStalePendingPayments(stalePendingAge)
	if err != nil {
		log.Printf("Stale pending payment sweep failed: %v", err)
		return
	}
	if n > 0 {
		log.Printf("Stale payment sweep failed %d abandoned payments", n)
	}
}
