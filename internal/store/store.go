package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/occasionalert/occasion-alerts/internal/database"
	"github.com/occasionalert/occasion-alerts/internal/models"
)

// Store is the transactional unit-of-work over users, credits, occasions
// and the email outbox. Lookups return (nil, nil) when no row matches.
type Store interface {
	// WithTx runs fn against a transaction-bound Store and commits if fn
	// returns nil. Calls made inside fn on the passed Store share the
	// transaction; any error rolls the whole unit back.
	WithTx(ctx context.Context, fn func(tx Store) error) error

	CreateUser(ctx context.Context, user *models.User) error
	GetUser(ctx context.Context, id int) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	ListUsers(ctx context.Context) ([]*models.User, error)

	// AddCredits increments the user's balance by qty, lazily creating the
	// balance row when none exists.
	AddCredits(ctx context.Context, userID, qty int) error
	// SpendCredit decrements the balance by one iff it is currently
	// positive, as a single conditional update. Returns whether a credit
	// was actually spent.
	SpendCredit(ctx context.Context, userID int) (bool, error)
	GetBalance(ctx context.Context, userID int) (int, error)

	CreateOccasion(ctx context.Context, occ *models.Occasion) error
	// GetOccasion is owner-scoped: an id belonging to another user is not
	// found.
	GetOccasion(ctx context.Context, id, userID int) (*models.Occasion, error)
	GetOccasionByID(ctx context.Context, id int) (*models.Occasion, error)
	ListOccasionsForUser(ctx context.Context, userID int) ([]*models.Occasion, error)
	// UpdateOccasion persists the mutable fields (label, type, tone,
	// recipient_email, date, custom_input, is_recurring) of occ.
	UpdateOccasion(ctx context.Context, occ *models.Occasion) error
	DeleteOccasion(ctx context.Context, id int) error
	// CountUpcoming counts the user's non-draft, unprocessed occasions with
	// date >= now, excluding excludeID (0 excludes nothing).
	CountUpcoming(ctx context.Context, userID int, now time.Time, excludeID int) (int, error)

	// ListDueOccasions returns non-draft, unprocessed, unclaimed occasions
	// with date <= now.
	ListDueOccasions(ctx context.Context, now time.Time) ([]*models.Occasion, error)
	// ClaimOccasion flips is_processing in a single conditional update.
	// Returns true iff this caller won the claim.
	ClaimOccasion(ctx context.Context, id int, now time.Time) (bool, error)
	ReleaseClaim(ctx context.Context, id int) error
	// MarkProcessed records the summary and processed timestamp and clears
	// the claim, atomically.
	MarkProcessed(ctx context.Context, id int, summary string, processedAt time.Time) error
	SetDraft(ctx context.Context, id int, draft bool) error
	// ReleaseStaleClaims resets unprocessed claims taken before cutoff and
	// returns how many were reclaimed.
	ReleaseStaleClaims(ctx context.Context, cutoff time.Time) (int, error)

	QueueEmail(ctx context.Context, e *models.EmailLog) error
	ListPendingEmails(ctx context.Context, limit int) ([]*models.EmailLog, error)
	MarkEmailSent(ctx context.Context, id int, messageID string, at time.Time) error
	MarkEmailFailed(ctx context.Context, id int, errMsg string) error
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New returns the Store implementation matching the handle's driver.
func New(db *database.DB) (Store, error) {
	switch db.Driver {
	case database.DriverPostgres:
		return &Postgres{db: db.DB, q: db.DB}, nil
	case database.DriverSQLite:
		return &SQLite{db: db.DB, q: db.DB}, nil
	default:
		return nil, fmt.Errorf("unknown database driver: %q", db.Driver)
	}
}

func runInTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (original error: %w)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
