package jobscheduler

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/dbcdk/dataio/internal/common/logging"
)

// Scheduler runs the dispatch cycle while this instance is leader.
// The service learns about leadership changes as a lease listener; a cycle finding the store
// not yet active under the current token rehydrates it first.
type Scheduler struct {
	service          *Service
	dispatcher       *Dispatcher
	leaderController LeaderController
	// Minimum duration between dispatch cycles
	cyclePeriod time.Duration
	// Used for all timing decisions. Injected here so that we can mock out for testing
	clock clock.WithTicker
	log   *logrus.Entry
}

func NewScheduler(
	service *Service,
	dispatcher *Dispatcher,
	leaderController LeaderController,
	cyclePeriod time.Duration,
	clock clock.WithTicker,
) *Scheduler {
	return &Scheduler{
		service:          service,
		dispatcher:       dispatcher,
		leaderController: leaderController,
		cyclePeriod:      cyclePeriod,
		clock:            clock,
		log:              logrus.StandardLogger().WithField("service", "Scheduler"),
	}
}

// Run performs a cycle immediately and then one every cyclePeriod until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Infof("starting dispatch cycle every %s", s.cyclePeriod)
	ticker := s.clock.NewTicker(s.cyclePeriod)
	defer ticker.Stop()
	for {
		s.cycle(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
		}
	}
}

// cycle returns true if this instance was leader and dispatched.
func (s *Scheduler) cycle(ctx context.Context) bool {
	start := s.clock.Now()
	token := s.leaderController.GetToken()
	if !s.leaderController.ValidateToken(token) {
		return false
	}
	if !s.service.IsActive() {
		if err := s.service.BecomeLeader(ctx, token); err != nil {
			logging.WithStacktrace(s.log, err).Error("could not rehydrate store")
			return false
		}
	}
	n, err := s.dispatcher.Cycle(ctx)
	if err != nil {
		logging.WithStacktrace(s.log, err).Error("error in dispatch cycle")
	}
	s.log.Debugf("dispatched %d chunks in %s", n, s.clock.Since(start))
	return true
}
