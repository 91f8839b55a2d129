// Package scheduler drives occasion processing. Each tick sweeps for due
// occasions, claims them one at a time with a conditional update, and walks
// every claimed occasion through generate -> persist -> notify -> recur.
// Failures before the processed state is persisted release the claim so the
// occasion is retried on a later tick; failures after it are logged and
// swallowed, because the occasion has already reached its terminal state.
package scheduler

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/occasionalert/occasion-alerts/internal/models"
	"github.com/occasionalert/occasion-alerts/internal/occasion"
	"github.com/occasionalert/occasion-alerts/internal/store"
)

// Generator turns an occasion into the message text.
type Generator interface {
	Generate(ctx context.Context, occ *models.Occasion) (string, error)
}

// Notifier queues the occasion notification for best-effort delivery.
type Notifier interface {
	QueueOccasionNotification(ctx context.Context, occ *models.Occasion, summary string) error
}

type Sweeper struct {
	store     store.Store
	occasions *occasion.Service
	generator Generator
	notifier  Notifier
	lease     time.Duration
}

func NewSweeper(st store.Store, occ *occasion.Service, gen Generator, not Notifier, lease time.Duration) *Sweeper {
	return &Sweeper{
		store:     st,
		occasions: occ,
		generator: gen,
		notifier:  not,
		lease:     lease,
	}
}

// RunOnce executes one sweep tick. Per-occasion failures are recovered
// locally and never abort the rest of the batch.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	now := time.Now().UTC()

	due, err := s.store.ListDueOccasions(ctx, now)
	if err != nil {
		return err
	}
	if len(due) == 0 {
		return nil
	}

	logrus.WithField("count", len(due)).Info("Sweep found due occasions")

	for _, occ := range due {
		claimed, err := s.store.ClaimOccasion(ctx, occ.ID, now)
		if err != nil {
			logrus.WithError(err).WithField("occasion_id", occ.ID).Error("Failed to claim occasion")
			continue
		}
		if !claimed {
			// Another sweep or process won the claim.
			continue
		}

		if err := s.process(ctx, occ); err != nil {
			logrus.WithError(err).WithField("occasion_id", occ.ID).Error("Failed to process occasion")
			if err := s.store.ReleaseClaim(ctx, occ.ID); err != nil {
				logrus.WithError(err).WithField("occasion_id", occ.ID).Error("Failed to release claim")
			}
		}
	}

	return nil
}

// process runs one claimed occasion to its terminal state. An error return
// means the processed state was not persisted and the claim must be
// released; everything after MarkProcessed is best-effort.
func (s *Sweeper) process(ctx context.Context, occ *models.Occasion) error {
	summary, err := s.generator.Generate(ctx, occ)
	if err != nil {
		return err
	}

	if err := s.store.MarkProcessed(ctx, occ.ID, summary, time.Now().UTC()); err != nil {
		return err
	}

	if err := s.notifier.QueueOccasionNotification(ctx, occ, summary); err != nil {
		logrus.WithError(err).WithField("occasion_id", occ.ID).Error("Failed to queue notification")
	}

	if occ.IsRecurring {
		if _, err := s.occasions.SpawnSuccessor(ctx, occ); err != nil {
			logrus.WithError(err).WithField("occasion_id", occ.ID).Error("Failed to spawn recurring occasion")
		}
	}

	logrus.WithFields(logrus.Fields{
		"occasion_id": occ.ID,
		"user_id":     occ.UserID,
	}).Info("Occasion processed")

	return nil
}

// ReclaimStale resets claims older than the lease whose occasions never
// reached the processed state, e.g. after a crash mid-sweep.
func (s *Sweeper) ReclaimStale(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-s.lease)

	n, err := s.store.ReleaseStaleClaims(ctx, cutoff)
	if err != nil {
		return err
	}
	if n > 0 {
		logrus.WithField("count", n).Warn("Reclaimed stale occasion claims")
	}
	return nil
}
