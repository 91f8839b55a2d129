package scheduler_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/occasionalert/occasion-alerts/internal/database"
	"github.com/occasionalert/occasion-alerts/internal/ledger"
	"github.com/occasionalert/occasion-alerts/internal/models"
	"github.com/occasionalert/occasion-alerts/internal/occasion"
	"github.com/occasionalert/occasion-alerts/internal/scheduler"
	"github.com/occasionalert/occasion-alerts/internal/store"
)

type fakeGenerator struct {
	mu    sync.Mutex
	text  string
	err   error
	calls int
}

func (g *fakeGenerator) Generate(ctx context.Context, occ *models.Occasion) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.err != nil {
		return "", g.err
	}
	return g.text, nil
}

func (g *fakeGenerator) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

type fakeNotifier struct {
	mu     sync.Mutex
	queued []int
	err    error
}

func (n *fakeNotifier) QueueOccasionNotification(ctx context.Context, occ *models.Occasion, summary string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.queued = append(n.queued, occ.ID)
	return nil
}

func (n *fakeNotifier) queuedCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.queued)
}

type fixture struct {
	store     store.Store
	ledger    *ledger.Service
	occasions *occasion.Service
	generator *fakeGenerator
	notifier  *fakeNotifier
	sweeper   *scheduler.Sweeper
	userID    int
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
	svc := occasion.NewService(st, lg)
	gen := &fakeGenerator{text: "Happy birthday! Hope the garden is blooming."}
	not := &fakeNotifier{}

	return &fixture{
		store:     st,
		ledger:    lg,
		occasions: svc,
		generator: gen,
		notifier:  not,
		sweeper:   scheduler.NewSweeper(st, svc, gen, not, 15*time.Minute),
		userID:    user.ID,
	}
}

func (f *fixture) create(t *testing.T, date time.Time, recurring bool) *models.Occasion {
	t.Helper()
	occ, err := f.occasions.Create(context.Background(), f.userID, occasion.CreateInput{
		Label:          "Mom's birthday",
		Type:           models.OccasionTypeBirthday,
		Tone:           models.OccasionToneCelebratory,
		RecipientEmail: "mom@example.com",
		Date:           date.UTC().Format(time.RFC3339),
		CustomInput:    "she loves gardening",
		IsRecurring:    recurring,
	})
	if err != nil {
		t.Fatalf("failed to create occasion: %v", err)
	}
	return occ
}

func (f *fixture) reload(t *testing.T, id int) *models.Occasion {
	t.Helper()
	occ, err := f.store.GetOccasionByID(context.Background(), id)
	if err != nil {
		t.Fatalf("failed to reload occasion: %v", err)
	}
	if occ == nil {
		t.Fatalf("occasion %d disappeared", id)
	}
	return occ
}

func (f *fixture) grant(t *testing.T, qty int) {
	t.Helper()
	if err := f.ledger.Grant(context.Background(), f.userID, qty); err != nil {
		t.Fatalf("failed to grant credits: %v", err)
	}
}

func TestSweepProcessesDueOccasion(t *testing.T) {
	f := newFixture(t)
	f.grant(t, 1)

	occ := f.create(t, time.Now().Add(-time.Hour), false)

	if err := f.sweeper.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}

	got := f.reload(t, occ.ID)
	if got.DateProcessed == nil {
		t.Fatal("occasion should be processed")
	}
	if got.Summary == nil || *got.Summary == "" {
		t.Fatal("summary should be persisted")
	}
	if got.IsProcessing || got.ClaimedAt != nil {
		t.Fatalf("processed occasion must not hold a claim: %+v", got)
	}
	if f.notifier.queuedCount() != 1 {
		t.Fatalf("expected 1 queued notification, got %d", f.notifier.queuedCount())
	}
}

func TestSweepIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.grant(t, 1)

	f.create(t, time.Now().Add(-time.Hour), false)

	for i := 0; i < 3; i++ {
		if err := f.sweeper.RunOnce(context.Background()); err != nil {
			t.Fatalf("RunOnce %d returned error: %v", i+1, err)
		}
	}

	if f.generator.callCount() != 1 {
		t.Fatalf("processed occasion must not regenerate, got %d calls", f.generator.callCount())
	}
	if f.notifier.queuedCount() != 1 {
		t.Fatalf("processed occasion must not renotify, got %d", f.notifier.queuedCount())
	}
}

func TestSweepSkipsDraftsAndFutureOccasions(t *testing.T) {
	f := newFixture(t)

	// Zero balance: this past-dated occasion lands as a draft.
	draft := f.create(t, time.Now().Add(-time.Hour), false)
	if !draft.IsDraft {
		t.Fatal("expected a draft at zero balance")
	}

	f.grant(t, 1)
	future := f.create(t, time.Now().Add(24*time.Hour), false)

	if err := f.sweeper.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}

	if f.generator.callCount() != 0 {
		t.Fatalf("nothing should be generated, got %d calls", f.generator.callCount())
	}
	if got := f.reload(t, draft.ID); got.DateProcessed != nil || got.IsProcessing {
		t.Fatalf("draft must never be claimed: %+v", got)
	}
	if got := f.reload(t, future.ID); got.DateProcessed != nil || got.IsProcessing {
		t.Fatalf("future occasion must not be processed: %+v", got)
	}
}

func TestGenerationFailureReleasesClaimForRetry(t *testing.T) {
	f := newFixture(t)
	f.grant(t, 1)

	occ := f.create(t, time.Now().Add(-time.Hour), false)

	f.generator.err = errors.New("model unavailable")
	if err := f.sweeper.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}

	got := f.reload(t, occ.ID)
	if got.DateProcessed != nil {
		t.Fatal("failed occasion must not be processed")
	}
	if got.IsProcessing || got.ClaimedAt != nil {
		t.Fatalf("failed occasion must have its claim released: %+v", got)
	}
	if f.notifier.queuedCount() != 0 {
		t.Fatal("no notification on failure")
	}

	// Backend recovers: the next tick picks the occasion up again.
	f.generator.err = nil
	if err := f.sweeper.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}

	got = f.reload(t, occ.ID)
	if got.DateProcessed == nil || got.Summary == nil {
		t.Fatalf("occasion should be processed after retry: %+v", got)
	}
}

func TestNotifierFailureDoesNotUndoProcessing(t *testing.T) {
	f := newFixture(t)
	f.grant(t, 1)

	occ := f.create(t, time.Now().Add(-time.Hour), false)

	f.notifier.err = errors.New("outbox unavailable")
	if err := f.sweeper.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}

	got := f.reload(t, occ.ID)
	if got.DateProcessed == nil {
		t.Fatal("dispatch failure must not roll back the processed state")
	}
}

func TestRecurringOccasionSpawnsSuccessor(t *testing.T) {
	f := newFixture(t)
	f.grant(t, 2)

	occ := f.create(t, time.Now().Add(-time.Hour), true)

	if err := f.sweeper.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}

	list, err := f.occasions.ListForUser(context.Background(), f.userID)
	if err != nil {
		t.Fatalf("ListForUser returned error: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected exactly one successor, got %d occasions", len(list))
	}

	var successor *models.Occasion
	for _, o := range list {
		if o.ID != occ.ID {
			successor = o
		}
	}
	if successor == nil {
		t.Fatal("successor not found")
	}
	if !successor.Date.Equal(occ.Date.Add(365 * 24 * time.Hour)) {
		t.Fatalf("successor should be dated +365 days, got %v", successor.Date)
	}
	if successor.IsDraft {
		t.Fatal("successor should be active, a credit was available")
	}
	if !successor.IsRecurring {
		t.Fatal("successor should stay recurring")
	}

	balance, err := f.ledger.Balance(context.Background(), f.userID)
	if err != nil || balance != 0 {
		t.Fatalf("successor should debit one credit, balance %d (err %v)", balance, err)
	}
}

func TestRecurringSuccessorIsDraftAtZeroBalance(t *testing.T) {
	f := newFixture(t)
	f.grant(t, 1)

	occ := f.create(t, time.Now().Add(-time.Hour), true)

	// Balance is 0 by the time the successor is spawned.
	if err := f.sweeper.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}

	list, err := f.occasions.ListForUser(context.Background(), f.userID)
	if err != nil || len(list) != 2 {
		t.Fatalf("expected 2 occasions, got %d (err %v)", len(list), err)
	}
	for _, o := range list {
		if o.ID == occ.ID {
			continue
		}
		if !o.IsDraft {
			t.Fatalf("successor should be a draft at zero balance: %+v", o)
		}
	}
}

func TestReclaimStale(t *testing.T) {
	f := newFixture(t)
	f.grant(t, 1)

	occ := f.create(t, time.Now().Add(-2*time.Hour), false)

	// Simulate a crashed sweep: claim taken an hour ago, never finished.
	claimed, err := f.store.ClaimOccasion(context.Background(), occ.ID, time.Now().UTC().Add(-time.Hour))
	if err != nil || !claimed {
		t.Fatalf("claim failed: (%v, %v)", claimed, err)
	}

	if err := f.sweeper.ReclaimStale(context.Background()); err != nil {
		t.Fatalf("ReclaimStale returned error: %v", err)
	}

	got := f.reload(t, occ.ID)
	if got.IsProcessing || got.ClaimedAt != nil {
		t.Fatalf("stale claim should be released: %+v", got)
	}

	// The reclaimed occasion is processed on the next tick.
	if err := f.sweeper.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}
	if got := f.reload(t, occ.ID); got.DateProcessed == nil {
		t.Fatal("reclaimed occasion should be processed")
	}
}

// Mirrors the product walkthrough: two credits, three creates, one due.
func TestEndToEndScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.grant(t, 2)

	a := f.create(t, time.Now().Add(-time.Minute), false) // already due
	b := f.create(t, time.Now().Add(48*time.Hour), false)
	c := f.create(t, time.Now().Add(72*time.Hour), false)

	if a.IsDraft || b.IsDraft {
		t.Fatal("first two creates should be active")
	}
	if !c.IsDraft {
		t.Fatal("third create should be a draft at zero balance")
	}
	balance, err := f.ledger.Balance(ctx, f.userID)
	if err != nil || balance != 0 {
		t.Fatalf("expected balance 0, got %d (err %v)", balance, err)
	}

	if err := f.sweeper.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}

	if got := f.reload(t, a.ID); got.DateProcessed == nil || got.Summary == nil {
		t.Fatalf("A should be processed: %+v", got)
	}
	if got := f.reload(t, b.ID); got.DateProcessed != nil || got.IsProcessing {
		t.Fatalf("B is not due and must be untouched: %+v", got)
	}
	if got := f.reload(t, c.ID); got.DateProcessed != nil || got.IsProcessing {
		t.Fatalf("C is a draft and must be untouched: %+v", got)
	}
}
