// Package occasion implements the occasion lifecycle: creation gated by the
// credit ledger, owner-scoped reads and updates, draft activation, and the
// recurrence materialization used by the sweep.
package occasion

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/occasionalert/occasion-alerts/internal/ledger"
	"github.com/occasionalert/occasion-alerts/internal/models"
	"github.com/occasionalert/occasion-alerts/internal/store"
)

// MaxUpcomingOccasions caps how many non-draft, unprocessed occasions with a
// future date a user may hold at once.
const MaxUpcomingOccasions = 3

// recurrenceInterval is how far ahead a recurring occasion's successor is
// dated.
const recurrenceInterval = 365 * 24 * time.Hour

type Service struct {
	store  store.Store
	ledger *ledger.Service
}

func NewService(st store.Store, lg *ledger.Service) *Service {
	return &Service{store: st, ledger: lg}
}

// CreateInput carries the caller-supplied occasion fields. Date accepts an
// RFC3339 timestamp or a bare YYYY-MM-DD date.
type CreateInput struct {
	Label          string `json:"label"`
	Type           string `json:"type"`
	Tone           string `json:"tone"`
	RecipientEmail string `json:"recipient_email"`
	Date           string `json:"date"`
	CustomInput    string `json:"custom_input"`
	IsRecurring    bool   `json:"is_recurring"`
}

// ParseDate normalizes a caller-supplied date to a canonical UTC instant.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}

// Create validates and persists a new occasion for the user, spending one
// credit in the same transaction. When the user has no credit available the
// occasion is stored as a draft and nothing is debited. A user already at
// the upcoming cap cannot create another active occasion.
func (s *Service) Create(ctx context.Context, userID int, input CreateInput) (*models.Occasion, error) {
	date, err := ParseDate(input.Date)
	if err != nil {
		return nil, validationErr("date", err.Error())
	}

	occ := &models.Occasion{
		UserID:         userID,
		Label:          strings.TrimSpace(input.Label),
		Type:           input.Type,
		Tone:           input.Tone,
		RecipientEmail: strings.TrimSpace(input.RecipientEmail),
		Date:           date,
		CustomInput:    input.CustomInput,
		Created:        time.Now().UTC(),
		IsRecurring:    input.IsRecurring,
	}

	if err := validateFields(occ); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	err = s.store.WithTx(ctx, func(tx store.Store) error {
		spent, err := s.ledger.WithStore(tx).Spend(ctx, userID)
		if err != nil {
			return err
		}
		occ.IsDraft = !spent

		if !occ.IsDraft && occ.Upcoming(now) {
			count, err := tx.CountUpcoming(ctx, userID, now, 0)
			if err != nil {
				return err
			}
			if count >= MaxUpcomingOccasions {
				return validationErr("date",
					fmt.Sprintf("at most %d upcoming occasions allowed", MaxUpcomingOccasions))
			}
		}

		return tx.CreateOccasion(ctx, occ)
	})
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"user_id":     userID,
		"occasion_id": occ.ID,
		"type":        occ.Type,
		"is_draft":    occ.IsDraft,
	}).Info("Occasion created")

	return occ, nil
}

// Get returns the occasion scoped to its owner.
func (s *Service) Get(ctx context.Context, id, userID int) (*models.Occasion, error) {
	occ, err := s.store.GetOccasion(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	if occ == nil {
		return nil, ErrNotFound
	}
	return occ, nil
}

// ListForUser returns the user's entire occasion set.
func (s *Service) ListForUser(ctx context.Context, userID int) ([]*models.Occasion, error) {
	return s.store.ListOccasionsForUser(ctx, userID)
}

// Update applies the patch to an owned occasion. Non-draft occasions whose
// date has passed are immutable.
func (s *Service) Update(ctx context.Context, id, userID int, patch models.OccasionPatch) (*models.Occasion, error) {
	var updated *models.Occasion

	now := time.Now().UTC()
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		occ, err := tx.GetOccasion(ctx, id, userID)
		if err != nil {
			return err
		}
		if occ == nil {
			return ErrNotFound
		}
		if !occ.IsDraft && occ.Date.Before(now) {
			return fmt.Errorf("%w: cannot modify processed occasions", ErrForbidden)
		}

		applyPatch(occ, patch)
		if err := validateFields(occ); err != nil {
			return err
		}

		if occ.Upcoming(now) {
			count, err := tx.CountUpcoming(ctx, userID, now, occ.ID)
			if err != nil {
				return err
			}
			if count >= MaxUpcomingOccasions {
				return validationErr("date",
					fmt.Sprintf("at most %d upcoming occasions allowed", MaxUpcomingOccasions))
			}
		}

		if err := tx.UpdateOccasion(ctx, occ); err != nil {
			return err
		}
		updated = occ
		return nil
	})
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"user_id":     userID,
		"occasion_id": id,
	}).Info("Occasion updated")

	return updated, nil
}

// Delete removes an owned occasion and refunds its credit. Drafts never
// consumed a credit, so only non-draft deletions refund. The processed-state
// rule makes processed occasions undeletable.
func (s *Service) Delete(ctx context.Context, id, userID int) error {
	now := time.Now().UTC()
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		occ, err := tx.GetOccasion(ctx, id, userID)
		if err != nil {
			return err
		}
		if occ == nil {
			return ErrNotFound
		}
		if !occ.IsDraft && occ.Date.Before(now) {
			return fmt.Errorf("%w: cannot delete processed occasions", ErrForbidden)
		}

		if err := tx.DeleteOccasion(ctx, id); err != nil {
			return err
		}
		if !occ.IsDraft {
			return s.ledger.WithStore(tx).Refund(ctx, userID)
		}
		return nil
	})
	if err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"user_id":     userID,
		"occasion_id": id,
	}).Info("Occasion deleted")

	return nil
}

// ActivateDraft flips a draft occasion to active, spending one credit
// atomically. With a zero balance it fails with ErrInsufficientCredits and
// leaves the occasion untouched.
func (s *Service) ActivateDraft(ctx context.Context, id, userID int) (*models.Occasion, error) {
	var activated *models.Occasion

	now := time.Now().UTC()
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		occ, err := tx.GetOccasion(ctx, id, userID)
		if err != nil {
			return err
		}
		if occ == nil {
			return ErrNotFound
		}
		if !occ.IsDraft {
			return fmt.Errorf("%w: occasion is not a draft", ErrForbidden)
		}

		if !occ.Date.Before(now) {
			count, err := tx.CountUpcoming(ctx, userID, now, occ.ID)
			if err != nil {
				return err
			}
			if count >= MaxUpcomingOccasions {
				return validationErr("date",
					fmt.Sprintf("at most %d upcoming occasions allowed", MaxUpcomingOccasions))
			}
		}

		spent, err := s.ledger.WithStore(tx).Spend(ctx, userID)
		if err != nil {
			return err
		}
		if !spent {
			return ErrInsufficientCredits
		}

		if err := tx.SetDraft(ctx, id, false); err != nil {
			return err
		}
		occ.IsDraft = false
		activated = occ
		return nil
	})
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"user_id":     userID,
		"occasion_id": id,
	}).Info("Draft occasion activated")

	return activated, nil
}

// SpawnSuccessor materializes the next instance of a recurring occasion,
// dated one recurrence interval after the original. The successor is active
// if a credit could be spent at spawn time, otherwise a draft.
func (s *Service) SpawnSuccessor(ctx context.Context, occ *models.Occasion) (*models.Occasion, error) {
	successor := &models.Occasion{
		UserID:         occ.UserID,
		Label:          occ.Label,
		Type:           occ.Type,
		Tone:           occ.Tone,
		RecipientEmail: occ.RecipientEmail,
		Date:           occ.Date.Add(recurrenceInterval),
		CustomInput:    occ.CustomInput,
		Created:        time.Now().UTC(),
		IsRecurring:    occ.IsRecurring,
	}

	err := s.store.WithTx(ctx, func(tx store.Store) error {
		spent, err := s.ledger.WithStore(tx).Spend(ctx, occ.UserID)
		if err != nil {
			return err
		}
		successor.IsDraft = !spent
		return tx.CreateOccasion(ctx, successor)
	})
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"user_id":      occ.UserID,
		"occasion_id":  occ.ID,
		"successor_id": successor.ID,
		"is_draft":     successor.IsDraft,
	}).Info("Recurring occasion rescheduled")

	return successor, nil
}

func validateFields(occ *models.Occasion) error {
	if occ.Label == "" {
		return validationErr("label", "label is required")
	}
	if !models.ValidOccasionType(occ.Type) {
		return validationErr("type", fmt.Sprintf("unknown occasion type %q", occ.Type))
	}
	if !models.ValidOccasionTone(occ.Tone) {
		return validationErr("tone", fmt.Sprintf("unknown occasion tone %q", occ.Tone))
	}
	if occ.RecipientEmail == "" || !strings.Contains(occ.RecipientEmail, "@") {
		return validationErr("recipient_email", "a recipient email is required")
	}
	return nil
}

func applyPatch(occ *models.Occasion, patch models.OccasionPatch) {
	if patch.Label != nil {
		occ.Label = strings.TrimSpace(*patch.Label)
	}
	if patch.Type != nil {
		occ.Type = *patch.Type
	}
	if patch.Tone != nil {
		occ.Tone = *patch.Tone
	}
	if patch.RecipientEmail != nil {
		occ.RecipientEmail = strings.TrimSpace(*patch.RecipientEmail)
	}
	if patch.Date != nil {
		occ.Date = patch.Date.UTC()
	}
	if patch.CustomInput != nil {
		occ.CustomInput = *patch.CustomInput
	}
	if patch.IsRecurring != nil {
		occ.IsRecurring = *patch.IsRecurring
	}
}
