package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/occasionalert/occasion-alerts/internal/models"
)

// Postgres implements Store over lib/pq.
type Postgres struct {
	db *sql.DB
	q  querier
}

func (s *Postgres) WithTx(ctx context.Context, fn func(tx Store) error) error {
	if _, inTx := s.q.(*sql.Tx); inTx {
		return fn(s)
	}
	return runInTx(ctx, s.db, func(tx *sql.Tx) error {
		return fn(&Postgres{db: s.db, q: tx})
	})
}

func (s *Postgres) CreateUser(ctx context.Context, user *models.User) error {
	query := `
		INSERT INTO users (email, username, created)
		VALUES ($1, $2, $3)
		RETURNING id`

	err := s.q.QueryRowContext(ctx, query, user.Email, user.Username, user.Created).Scan(&user.ID)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

func (s *Postgres) GetUser(ctx context.Context, id int) (*models.User, error) {
	return s.scanUser(s.q.QueryRowContext(ctx,
		`SELECT id, email, username, created FROM users WHERE id = $1`, id))
}

func (s *Postgres) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return s.scanUser(s.q.QueryRowContext(ctx,
		`SELECT id, email, username, created FROM users WHERE email = $1`, email))
}

func (s *Postgres) scanUser(row *sql.Row) (*models.User, error) {
	var user models.User
	err := row.Scan(&user.ID, &user.Email, &user.Username, &user.Created)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}
	return &user, nil
}

func (s *Postgres) ListUsers(ctx context.Context) ([]*models.User, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, email, username, created FROM users ORDER BY created DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()

	var users []*models.User
	for rows.Next() {
		var user models.User
		if err := rows.Scan(&user.ID, &user.Email, &user.Username, &user.Created); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, &user)
	}
	return users, rows.Err()
}

func (s *Postgres) AddCredits(ctx context.Context, userID, qty int) error {
	query := `
		INSERT INTO credits (user_id, balance)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET balance = credits.balance + EXCLUDED.balance`

	if _, err := s.q.ExecContext(ctx, query, userID, qty); err != nil {
		return fmt.Errorf("failed to add credits: %w", err)
	}
	return nil
}

func (s *Postgres) SpendCredit(ctx context.Context, userID int) (bool, error) {
	query := `UPDATE credits SET balance = balance - 1 WHERE user_id = $1 AND balance > 0`

	result, err := s.q.ExecContext(ctx, query, userID)
	if err != nil {
		return false, fmt.Errorf("failed to spend credit: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return affected == 1, nil
}

func (s *Postgres) GetBalance(ctx context.Context, userID int) (int, error) {
	var balance int
	err := s.q.QueryRowContext(ctx,
		`SELECT balance FROM credits WHERE user_id = $1`, userID).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get balance: %w", err)
	}
	return balance, nil
}

const pgOccasionColumns = `id, user_id, label, type, tone, recipient_email, date, custom_input,
	created, summary, date_processed, is_recurring, is_draft, is_processing, claimed_at`

func (s *Postgres) CreateOccasion(ctx context.Context, occ *models.Occasion) error {
	query := `
		INSERT INTO occasions (user_id, label, type, tone, recipient_email, date, custom_input,
			created, is_recurring, is_draft)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`

	err := s.q.QueryRowContext(ctx, query,
		occ.UserID, occ.Label, occ.Type, occ.Tone, occ.RecipientEmail, occ.Date,
		occ.CustomInput, occ.Created, occ.IsRecurring, occ.IsDraft).Scan(&occ.ID)
	if err != nil {
		return fmt.Errorf("failed to create occasion: %w", err)
	}
	return nil
}

func (s *Postgres) GetOccasion(ctx context.Context, id, userID int) (*models.Occasion, error) {
	query := fmt.Sprintf(`SELECT %s FROM occasions WHERE id = $1 AND user_id = $2`, pgOccasionColumns)
	return scanPgOccasionRow(s.q.QueryRowContext(ctx, query, id, userID))
}

func (s *Postgres) GetOccasionByID(ctx context.Context, id int) (*models.Occasion, error) {
	query := fmt.Sprintf(`SELECT %s FROM occasions WHERE id = $1`, pgOccasionColumns)
	return scanPgOccasionRow(s.q.QueryRowContext(ctx, query, id))
}

func (s *Postgres) ListOccasionsForUser(ctx context.Context, userID int) ([]*models.Occasion, error) {
	query := fmt.Sprintf(`SELECT %s FROM occasions WHERE user_id = $1 ORDER BY date ASC`, pgOccasionColumns)
	rows, err := s.q.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query occasions: %w", err)
	}
	defer rows.Close()
	return collectPgOccasions(rows)
}

func (s *Postgres) UpdateOccasion(ctx context.Context, occ *models.Occasion) error {
	query := `
		UPDATE occasions
		SET label = $2, type = $3, tone = $4, recipient_email = $5, date = $6,
			custom_input = $7, is_recurring = $8
		WHERE id = $1`

	_, err := s.q.ExecContext(ctx, query, occ.ID, occ.Label, occ.Type, occ.Tone,
		occ.RecipientEmail, occ.Date, occ.CustomInput, occ.IsRecurring)
	if err != nil {
		return fmt.Errorf("failed to update occasion: %w", err)
	}
	return nil
}

func (s *Postgres) DeleteOccasion(ctx context.Context, id int) error {
	if _, err := s.q.ExecContext(ctx, `DELETE FROM occasions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete occasion: %w", err)
	}
	return nil
}

func (s *Postgres) CountUpcoming(ctx context.Context, userID int, now time.Time, excludeID int) (int, error) {
	query := `
		SELECT COUNT(*) FROM occasions
		WHERE user_id = $1 AND is_draft = FALSE AND date_processed IS NULL
		  AND date >= $2 AND id <> $3`

	var count int
	if err := s.q.QueryRowContext(ctx, query, userID, now, excludeID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count upcoming occasions: %w", err)
	}
	return count, nil
}

func (s *Postgres) ListDueOccasions(ctx context.Context, now time.Time) ([]*models.Occasion, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM occasions
		WHERE is_draft = FALSE AND date_processed IS NULL AND is_processing = FALSE
		  AND date <= $1
		ORDER BY date ASC`, pgOccasionColumns)

	rows, err := s.q.QueryContext(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query due occasions: %w", err)
	}
	defer rows.Close()
	return collectPgOccasions(rows)
}

func (s *Postgres) ClaimOccasion(ctx context.Context, id int, now time.Time) (bool, error) {
	query := `
		UPDATE occasions
		SET is_processing = TRUE, claimed_at = $2
		WHERE id = $1 AND is_processing = FALSE AND date_processed IS NULL AND is_draft = FALSE`

	result, err := s.q.ExecContext(ctx, query, id, now)
	if err != nil {
		return false, fmt.Errorf("failed to claim occasion: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return affected == 1, nil
}

func (s *Postgres) ReleaseClaim(ctx context.Context, id int) error {
	query := `UPDATE occasions SET is_processing = FALSE, claimed_at = NULL WHERE id = $1`
	if _, err := s.q.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to release claim: %w", err)
	}
	return nil
}

func (s *Postgres) MarkProcessed(ctx context.Context, id int, summary string, processedAt time.Time) error {
	query := `
		UPDATE occasions
		SET summary = $2, date_processed = $3, is_processing = FALSE, claimed_at = NULL
		WHERE id = $1`

	if _, err := s.q.ExecContext(ctx, query, id, summary, processedAt); err != nil {
		return fmt.Errorf("failed to mark occasion processed: %w", err)
	}
	return nil
}

func (s *Postgres) SetDraft(ctx context.Context, id int, draft bool) error {
	query := `UPDATE occasions SET is_draft = $2 WHERE id = $1`
	if _, err := s.q.ExecContext(ctx, query, id, draft); err != nil {
		return fmt.Errorf("failed to set draft flag: %w", err)
	}
	return nil
}

func (s *Postgres) ReleaseStaleClaims(ctx context.Context, cutoff time.Time) (int, error) {
	query := `
		UPDATE occasions
		SET is_processing = FALSE, claimed_at = NULL
		WHERE is_processing = TRUE AND date_processed IS NULL AND claimed_at < $1`

	result, err := s.q.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to release stale claims: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return int(affected), nil
}

func (s *Postgres) QueueEmail(ctx context.Context, e *models.EmailLog) error {
	query := `
		INSERT INTO email_logs (user_id, recipient_email, email_type, subject, body_text, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`

	err := s.q.QueryRowContext(ctx, query, e.UserID, e.RecipientEmail, e.EmailType,
		e.Subject, e.BodyText, models.EmailStatusPending, e.CreatedAt).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("failed to queue email: %w", err)
	}
	e.Status = models.EmailStatusPending
	return nil
}

func (s *Postgres) ListPendingEmails(ctx context.Context, limit int) ([]*models.EmailLog, error) {
	query := `
		SELECT id, user_id, recipient_email, email_type, subject, body_text, status, retry_count, created_at
		FROM email_logs
		WHERE status = 'pending'
		ORDER BY created_at ASC
		LIMIT $1`

	rows, err := s.q.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending emails: %w", err)
	}
	defer rows.Close()

	var emails []*models.EmailLog
	for rows.Next() {
		var e models.EmailLog
		var userID sql.NullInt64
		err := rows.Scan(&e.ID, &userID, &e.RecipientEmail, &e.EmailType,
			&e.Subject, &e.BodyText, &e.Status, &e.RetryCount, &e.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan email log: %w", err)
		}
		if userID.Valid {
			id := int(userID.Int64)
			e.UserID = &id
		}
		emails = append(emails, &e)
	}
	return emails, rows.Err()
}

func (s *Postgres) MarkEmailSent(ctx context.Context, id int, messageID string, at time.Time) error {
	query := `
		UPDATE email_logs
		SET status = 'sent', ses_message_id = $2, sent_at = $3
		WHERE id = $1`

	if _, err := s.q.ExecContext(ctx, query, id, messageID, at); err != nil {
		return fmt.Errorf("failed to mark email as sent: %w", err)
	}
	return nil
}

func (s *Postgres) MarkEmailFailed(ctx context.Context, id int, errMsg string) error {
	query := `
		UPDATE email_logs
		SET status = 'failed', error_message = $2, retry_count = retry_count + 1
		WHERE id = $1`

	if _, err := s.q.ExecContext(ctx, query, id, errMsg); err != nil {
		return fmt.Errorf("failed to mark email as failed: %w", err)
	}
	return nil
}

func scanPgOccasionRow(row *sql.Row) (*models.Occasion, error) {
	var occ models.Occasion
	var summary sql.NullString
	var dateProcessed, claimedAt sql.NullTime

	err := row.Scan(&occ.ID, &occ.UserID, &occ.Label, &occ.Type, &occ.Tone,
		&occ.RecipientEmail, &occ.Date, &occ.CustomInput, &occ.Created,
		&summary, &dateProcessed, &occ.IsRecurring, &occ.IsDraft,
		&occ.IsProcessing, &claimedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan occasion: %w", err)
	}

	applyPgNullables(&occ, summary, dateProcessed, claimedAt)
	return &occ, nil
}

func collectPgOccasions(rows *sql.Rows) ([]*models.Occasion, error) {
	var occasions []*models.Occasion
	for rows.Next() {
		var occ models.Occasion
		var summary sql.NullString
		var dateProcessed, claimedAt sql.NullTime

		err := rows.Scan(&occ.ID, &occ.UserID, &occ.Label, &occ.Type, &occ.Tone,
			&occ.RecipientEmail, &occ.Date, &occ.CustomInput, &occ.Created,
			&summary, &dateProcessed, &occ.IsRecurring, &occ.IsDraft,
			&occ.IsProcessing, &claimedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan occasion: %w", err)
		}

		applyPgNullables(&occ, summary, dateProcessed, claimedAt)
		occasions = append(occasions, &occ)
	}
	return occasions, rows.Err()
}

func applyPgNullables(occ *models.Occasion, summary sql.NullString, dateProcessed, claimedAt sql.NullTime) {
	if summary.Valid {
		occ.Summary = &summary.String
	}
	if dateProcessed.Valid {
		t := dateProcessed.Time
		occ.DateProcessed = &t
	}
	if claimedAt.Valid {
		t := claimedAt.Time
		occ.ClaimedAt = &t
	}
}
