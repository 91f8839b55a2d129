package occasion_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/occasionalert/occasion-alerts/internal/database"
	"github.com/occasionalert/occasion-alerts/internal/ledger"
	"github.com/occasionalert/occasion-alerts/internal/models"
	"github.com/occasionalert/occasion-alerts/internal/occasion"
	"github.com/occasionalert/occasion-alerts/internal/store"
)

type fixture struct {
	store   store.Store
	ledger  *ledger.Service
	service *occasion.Service
	userID  int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := db.RunMigrations(); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}

	st, err := store.New(db)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	user := &models.User{Email: "alice@example.com", Username: "alice", Created: time.Now().UTC()}
	if err := st.CreateUser(context.Background(), user); err != nil {
		t.Fatalf("failed to create user: %v", err)
	}

	lg := ledger.NewService(st)
	return &fixture{
		store:   st,
		ledger:  lg,
		service: occasion.NewService(st, lg),
		userID:  user.ID,
	}
}

func (f *fixture) grant(t *testing.T, qty int) {
	t.Helper()
	if err := f.ledger.Grant(context.Background(), f.userID, qty); err != nil {
		t.Fatalf("failed to grant credits: %v", err)
	}
}

func (f *fixture) balance(t *testing.T) int {
	t.Helper()
	balance, err := f.ledger.Balance(context.Background(), f.userID)
	if err != nil {
		t.Fatalf("failed to get balance: %v", err)
	}
	return balance
}

func validInput(date time.Time) occasion.CreateInput {
	return occasion.CreateInput{
		Label:          "Mom's birthday",
		Type:           models.OccasionTypeBirthday,
		Tone:           models.OccasionToneCelebratory,
		RecipientEmail: "mom@example.com",
		Date:           date.UTC().Format(time.RFC3339),
		CustomInput:    "she loves gardening",
	}
}

func TestCreateDebitsOneCreditAtomically(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.grant(t, 2)

	occ, err := f.service.Create(ctx, f.userID, validInput(time.Now().Add(24*time.Hour)))
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if occ.ID == 0 {
		t.Fatal("expected occasion to have an id")
	}
	if occ.IsDraft {
		t.Fatal("occasion should be active with credits available")
	}
	if got := f.balance(t); got != 1 {
		t.Fatalf("expected balance 1, got %d", got)
	}

	list, err := f.service.ListForUser(ctx, f.userID)
	if err != nil || len(list) != 1 {
		t.Fatalf("expected 1 occasion, got %d (err %v)", len(list), err)
	}
}

func TestCreateWithZeroBalanceYieldsDraft(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	occ, err := f.service.Create(ctx, f.userID, validInput(time.Now().Add(24*time.Hour)))
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if !occ.IsDraft {
		t.Fatal("occasion should be a draft with zero balance")
	}
	if got := f.balance(t); got != 0 {
		t.Fatalf("draft creation must not debit, balance %d", got)
	}
}

func TestUpcomingCap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.grant(t, 5)

	for i := 0; i < 3; i++ {
		input := validInput(time.Now().Add(time.Duration(i+1) * 24 * time.Hour))
		if _, err := f.service.Create(ctx, f.userID, input); err != nil {
			t.Fatalf("create %d returned error: %v", i+1, err)
		}
	}

	// The 4th upcoming active occasion is over the cap.
	_, err := f.service.Create(ctx, f.userID, validInput(time.Now().Add(96*time.Hour)))
	var vErr *occasion.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}

	// The failed create must not have consumed a credit.
	if got := f.balance(t); got != 2 {
		t.Fatalf("expected balance 2 after rejected create, got %d", got)
	}
	list, err := f.service.ListForUser(ctx, f.userID)
	if err != nil || len(list) != 3 {
		t.Fatalf("expected 3 occasions, got %d (err %v)", len(list), err)
	}
}

func TestCreateRejectsUnknownEnums(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.grant(t, 1)

	input := validInput(time.Now().Add(24 * time.Hour))
	input.Type = "retirement"
	_, err := f.service.Create(ctx, f.userID, input)
	var vErr *occasion.ValidationError
	if !errors.As(err, &vErr) || vErr.Field != "type" {
		t.Fatalf("expected type validation error, got %v", err)
	}

	input = validInput(time.Now().Add(24 * time.Hour))
	input.Tone = "gloomy"
	_, err = f.service.Create(ctx, f.userID, input)
	if !errors.As(err, &vErr) || vErr.Field != "tone" {
		t.Fatalf("expected tone validation error, got %v", err)
	}

	if got := f.balance(t); got != 1 {
		t.Fatalf("rejected creates must not debit, balance %d", got)
	}
	list, err := f.service.ListForUser(ctx, f.userID)
	if err != nil || len(list) != 0 {
		t.Fatalf("rejected creates must not persist, got %d (err %v)", len(list), err)
	}
}

func TestGetIsOwnerScoped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.grant(t, 1)

	occ, err := f.service.Create(ctx, f.userID, validInput(time.Now().Add(24*time.Hour)))
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	if _, err := f.service.Get(ctx, occ.ID, f.userID); err != nil {
		t.Fatalf("owner Get returned error: %v", err)
	}

	_, err = f.service.Get(ctx, occ.ID, f.userID+1)
	if !errors.Is(err, occasion.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for foreign user, got %v", err)
	}
}

func TestUpdateAppliesPatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.grant(t, 1)

	occ, err := f.service.Create(ctx, f.userID, validInput(time.Now().Add(24*time.Hour)))
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	label := "Dad's birthday"
	tone := models.OccasionToneSarcastic
	newDate := time.Now().Add(36 * time.Hour).UTC().Truncate(time.Second)
	recurring := true
	updated, err := f.service.Update(ctx, occ.ID, f.userID, models.OccasionPatch{
		Label:       &label,
		Tone:        &tone,
		Date:        &newDate,
		IsRecurring: &recurring,
	})
	if err != nil {
		t.Fatalf("Update returned error: %v", err)
	}
	if updated.Label != label || updated.Tone != tone || !updated.IsRecurring {
		t.Fatalf("patch not applied: %+v", updated)
	}
	if !updated.Date.Equal(newDate) {
		t.Fatalf("date not applied: want %v, got %v", newDate, updated.Date)
	}

	badTone := "gloomy"
	_, err = f.service.Update(ctx, occ.ID, f.userID, models.OccasionPatch{Tone: &badTone})
	var vErr *occasion.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestUpdateForbiddenOnPastActiveOccasion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.grant(t, 1)

	occ, err := f.service.Create(ctx, f.userID, validInput(time.Now().Add(-24*time.Hour)))
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	label := "too late"
	_, err = f.service.Update(ctx, occ.ID, f.userID, models.OccasionPatch{Label: &label})
	if !errors.Is(err, occasion.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}

	if err := f.service.Delete(ctx, occ.ID, f.userID); !errors.Is(err, occasion.ErrForbidden) {
		t.Fatalf("expected ErrForbidden on delete, got %v", err)
	}
}

func TestUpdateCapExcludesOwnID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.grant(t, 3)

	var last *models.Occasion
	for i := 0; i < 3; i++ {
		input := validInput(time.Now().Add(time.Duration(i+1) * 24 * time.Hour))
		occ, err := f.service.Create(ctx, f.userID, input)
		if err != nil {
			t.Fatalf("create %d returned error: %v", i+1, err)
		}
		last = occ
	}

	// Moving an occasion's own date must not trip the cap on itself.
	newDate := time.Now().Add(120 * time.Hour).UTC()
	if _, err := f.service.Update(ctx, last.ID, f.userID, models.OccasionPatch{Date: &newDate}); err != nil {
		t.Fatalf("Update returned error: %v", err)
	}
}

func TestDeleteRefundsOnlyNonDraft(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.grant(t, 1)

	active, err := f.service.Create(ctx, f.userID, validInput(time.Now().Add(24*time.Hour)))
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if got := f.balance(t); got != 0 {
		t.Fatalf("expected balance 0, got %d", got)
	}

	draft, err := f.service.Create(ctx, f.userID, validInput(time.Now().Add(48*time.Hour)))
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if !draft.IsDraft {
		t.Fatal("second occasion should be a draft at zero balance")
	}

	if err := f.service.Delete(ctx, active.ID, f.userID); err != nil {
		t.Fatalf("Delete returned error: %v", err)
	}
	if got := f.balance(t); got != 1 {
		t.Fatalf("deleting an active occasion should refund one credit, balance %d", got)
	}

	if err := f.service.Delete(ctx, draft.ID, f.userID); err != nil {
		t.Fatalf("Delete returned error: %v", err)
	}
	if got := f.balance(t); got != 1 {
		t.Fatalf("deleting a draft must not refund, balance %d", got)
	}
}

func TestActivateDraft(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	draft, err := f.service.Create(ctx, f.userID, validInput(time.Now().Add(24*time.Hour)))
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if !draft.IsDraft {
		t.Fatal("expected a draft at zero balance")
	}

	// No credits: activation fails and changes nothing.
	_, err = f.service.ActivateDraft(ctx, draft.ID, f.userID)
	if !errors.Is(err, occasion.ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	still, err := f.service.Get(ctx, draft.ID, f.userID)
	if err != nil || !still.IsDraft {
		t.Fatalf("failed activation must leave the draft untouched: %+v (err %v)", still, err)
	}

	f.grant(t, 1)
	activated, err := f.service.ActivateDraft(ctx, draft.ID, f.userID)
	if err != nil {
		t.Fatalf("ActivateDraft returned error: %v", err)
	}
	if activated.IsDraft {
		t.Fatal("activation should clear the draft flag")
	}
	if got := f.balance(t); got != 0 {
		t.Fatalf("activation should debit exactly one credit, balance %d", got)
	}

	// Activating a non-draft is a state violation.
	_, err = f.service.ActivateDraft(ctx, draft.ID, f.userID)
	if !errors.Is(err, occasion.ErrForbidden) {
		t.Fatalf("expected ErrForbidden for non-draft, got %v", err)
	}
}

func TestSpawnSuccessor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.grant(t, 2)

	input := validInput(time.Now().Add(-time.Hour))
	input.IsRecurring = true
	occ, err := f.service.Create(ctx, f.userID, input)
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	successor, err := f.service.SpawnSuccessor(ctx, occ)
	if err != nil {
		t.Fatalf("SpawnSuccessor returned error: %v", err)
	}
	if !successor.Date.Equal(occ.Date.Add(365 * 24 * time.Hour)) {
		t.Fatalf("successor should be dated +365 days: %v vs %v", occ.Date, successor.Date)
	}
	if successor.IsDraft {
		t.Fatal("successor should be active while credits remain")
	}
	if !successor.IsRecurring || successor.Label != occ.Label || successor.Tone != occ.Tone {
		t.Fatalf("successor should copy the original's fields: %+v", successor)
	}
	if got := f.balance(t); got != 0 {
		t.Fatalf("active successor should debit one credit, balance %d", got)
	}

	// Out of credits now: the next successor is a draft.
	second, err := f.service.SpawnSuccessor(ctx, successor)
	if err != nil {
		t.Fatalf("SpawnSuccessor returned error: %v", err)
	}
	if !second.IsDraft {
		t.Fatal("successor should be a draft at zero balance")
	}
	if got := f.balance(t); got != 0 {
		t.Fatalf("draft successor must not debit, balance %d", got)
	}
}

func TestParseDate(t *testing.T) {
	got, err := occasion.ParseDate("2026-09-01")
	if err != nil {
		t.Fatalf("ParseDate returned error: %v", err)
	}
	want := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("want %v, got %v", want, got)
	}

	got, err = occasion.ParseDate("2026-09-01T15:00:00+02:00")
	if err != nil {
		t.Fatalf("ParseDate returned error: %v", err)
	}
	want = time.Date(2026, 9, 1, 13, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("want %v, got %v", want, got)
	}

	if _, err := occasion.ParseDate("next tuesday"); err == nil {
		t.Fatal("expected error for unrecognized date")
	}
}
