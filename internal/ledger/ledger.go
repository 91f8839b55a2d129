// Package ledger manages the per-user prepaid credit balance. One credit is
// consumed per active occasion and refunded when a non-draft occasion is
// deleted. Balances are simple counters, not an audit log; every mutation is
// a single atomic statement at the storage layer so concurrent create,
// activate and recurrence paths cannot lose updates.
package ledger

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/occasionalert/occasion-alerts/internal/store"
)

type Service struct {
	store store.Store
}

func NewService(st store.Store) *Service {
	return &Service{store: st}
}

// Grant adds qty credits to the user's balance, creating the balance row if
// none exists. This is the fulfillment entry point: the billing layer calls
// it once per confirmed purchase.
func (s *Service) Grant(ctx context.Context, userID, qty int) error {
	if qty <= 0 {
		return fmt.Errorf("credit quantity must be positive, got %d", qty)
	}

	if err := s.store.AddCredits(ctx, userID, qty); err != nil {
		return fmt.Errorf("failed to grant credits: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"user_id":  userID,
		"quantity": qty,
	}).Info("Credits granted")

	return nil
}

// Spend atomically debits one credit if the balance is positive. It returns
// whether a credit was available; it is not an error to be out of credits.
func (s *Service) Spend(ctx context.Context, userID int) (bool, error) {
	return s.store.SpendCredit(ctx, userID)
}

// Refund returns one credit to the user.
func (s *Service) Refund(ctx context.Context, userID int) error {
	return s.store.AddCredits(ctx, userID, 1)
}

// Balance returns the user's current credit balance, zero when the user has
// no balance row yet.
func (s *Service) Balance(ctx context.Context, userID int) (int, error) {
	return s.store.GetBalance(ctx, userID)
}

// WithStore returns a Service bound to st, used to run ledger operations
// inside a caller's transaction.
func (s *Service) WithStore(st store.Store) *Service {
	return &Service{store: st}
}
