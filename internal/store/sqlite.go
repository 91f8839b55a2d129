package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/occasionalert/occasion-alerts/internal/models"
)

// SQLite implements Store over modernc.org/sqlite. Timestamps are stored as
// RFC3339 TEXT in UTC and booleans as 0/1 integers.
type SQLite struct {
	db *sql.DB
	q  querier
}

func (s *SQLite) WithTx(ctx context.Context, fn func(tx Store) error) error {
	if _, inTx := s.q.(*sql.Tx); inTx {
		return fn(s)
	}
	return runInTx(ctx, s.db, func(tx *sql.Tx) error {
		return fn(&SQLite{db: s.db, q: tx})
	})
}

// timeLayout is RFC3339 with a fixed-width fraction so stored TEXT
// timestamps compare lexicographically in temporal order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func encodeTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func decodeTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *SQLite) CreateUser(ctx context.Context, user *models.User) error {
	result, err := s.q.ExecContext(ctx,
		`INSERT INTO users (email, username, created) VALUES (?, ?, ?)`,
		user.Email, user.Username, encodeTime(user.Created))
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read insert id: %w", err)
	}
	user.ID = int(id)
	return nil
}

func (s *SQLite) GetUser(ctx context.Context, id int) (*models.User, error) {
	return s.scanUser(s.q.QueryRowContext(ctx,
		`SELECT id, email, username, created FROM users WHERE id = ?`, id))
}

func (s *SQLite) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return s.scanUser(s.q.QueryRowContext(ctx,
		`SELECT id, email, username, created FROM users WHERE email = ?`, email))
}

func (s *SQLite) scanUser(row *sql.Row) (*models.User, error) {
	var user models.User
	var created string
	err := row.Scan(&user.ID, &user.Email, &user.Username, &created)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}
	if user.Created, err = decodeTime(created); err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *SQLite) ListUsers(ctx context.Context) ([]*models.User, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, email, username, created FROM users ORDER BY created DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()

	var users []*models.User
	for rows.Next() {
		var user models.User
		var created string
		if err := rows.Scan(&user.ID, &user.Email, &user.Username, &created); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		if user.Created, err = decodeTime(created); err != nil {
			return nil, err
		}
		users = append(users, &user)
	}
	return users, rows.Err()
}

func (s *SQLite) AddCredits(ctx context.Context, userID, qty int) error {
	query := `
		INSERT INTO credits (user_id, balance)
		VALUES (?, ?)
		ON CONFLICT (user_id) DO UPDATE SET balance = balance + excluded.balance`

	if _, err := s.q.ExecContext(ctx, query, userID, qty); err != nil {
		return fmt.Errorf("failed to add credits: %w", err)
	}
	return nil
}

func (s *SQLite) SpendCredit(ctx context.Context, userID int) (bool, error) {
	result, err := s.q.ExecContext(ctx,
		`UPDATE credits SET balance = balance - 1 WHERE user_id = ? AND balance > 0`, userID)
	if err != nil {
		return false, fmt.Errorf("failed to spend credit: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return affected == 1, nil
}

func (s *SQLite) GetBalance(ctx context.Context, userID int) (int, error) {
	var balance int
	err := s.q.QueryRowContext(ctx,
		`SELECT balance FROM credits WHERE user_id = ?`, userID).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get balance: %w", err)
	}
	return balance, nil
}

const liteOccasionColumns = `id, user_id, label, type, tone, recipient_email, date, custom_input,
	created, summary, date_processed, is_recurring, is_draft, is_processing, claimed_at`

func (s *SQLite) CreateOccasion(ctx context.Context, occ *models.Occasion) error {
	query := `
		INSERT INTO occasions (user_id, label, type, tone, recipient_email, date, custom_input,
			created, is_recurring, is_draft)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	result, err := s.q.ExecContext(ctx, query,
		occ.UserID, occ.Label, occ.Type, occ.Tone, occ.RecipientEmail,
		encodeTime(occ.Date), occ.CustomInput, encodeTime(occ.Created),
		boolToInt(occ.IsRecurring), boolToInt(occ.IsDraft))
	if err != nil {
		return fmt.Errorf("failed to create occasion: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read insert id: %w", err)
	}
	occ.ID = int(id)
	return nil
}

func (s *SQLite) GetOccasion(ctx context.Context, id, userID int) (*models.Occasion, error) {
	query := fmt.Sprintf(`SELECT %s FROM occasions WHERE id = ? AND user_id = ?`, liteOccasionColumns)
	return scanLiteOccasionRow(s.q.QueryRowContext(ctx, query, id, userID))
}

func (s *SQLite) GetOccasionByID(ctx context.Context, id int) (*models.Occasion, error) {
	query := fmt.Sprintf(`SELECT %s FROM occasions WHERE id = ?`, liteOccasionColumns)
	return scanLiteOccasionRow(s.q.QueryRowContext(ctx, query, id))
}

func (s *SQLite) ListOccasionsForUser(ctx context.Context, userID int) ([]*models.Occasion, error) {
	query := fmt.Sprintf(`SELECT %s FROM occasions WHERE user_id = ? ORDER BY date ASC`, liteOccasionColumns)
	rows, err := s.q.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query occasions: %w", err)
	}
	defer rows.Close()
	return collectLiteOccasions(rows)
}

func (s *SQLite) UpdateOccasion(ctx context.Context, occ *models.Occasion) error {
	query := `
		UPDATE occasions
		SET label = ?, type = ?, tone = ?, recipient_email = ?, date = ?,
			custom_input = ?, is_recurring = ?
		WHERE id = ?`

	_, err := s.q.ExecContext(ctx, query, occ.Label, occ.Type, occ.Tone,
		occ.RecipientEmail, encodeTime(occ.Date), occ.CustomInput,
		boolToInt(occ.IsRecurring), occ.ID)
	if err != nil {
		return fmt.Errorf("failed to update occasion: %w", err)
	}
	return nil
}

func (s *SQLite) DeleteOccasion(ctx context.Context, id int) error {
	if _, err := s.q.ExecContext(ctx, `DELETE FROM occasions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete occasion: %w", err)
	}
	return nil
}

func (s *SQLite) CountUpcoming(ctx context.Context, userID int, now time.Time, excludeID int) (int, error) {
	query := `
		SELECT COUNT(*) FROM occasions
		WHERE user_id = ? AND is_draft = 0 AND date_processed IS NULL
		  AND date >= ? AND id <> ?`

	var count int
	if err := s.q.QueryRowContext(ctx, query, userID, encodeTime(now), excludeID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count upcoming occasions: %w", err)
	}
	return count, nil
}

func (s *SQLite) ListDueOccasions(ctx context.Context, now time.Time) ([]*models.Occasion, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM occasions
		WHERE is_draft = 0 AND date_processed IS NULL AND is_processing = 0
		  AND date <= ?
		ORDER BY date ASC`, liteOccasionColumns)

	rows, err := s.q.QueryContext(ctx, query, encodeTime(now))
	if err != nil {
		return nil, fmt.Errorf("failed to query due occasions: %w", err)
	}
	defer rows.Close()
	return collectLiteOccasions(rows)
}

func (s *SQLite) ClaimOccasion(ctx context.Context, id int, now time.Time) (bool, error) {
	query := `
		UPDATE occasions
		SET is_processing = 1, claimed_at = ?
		WHERE id = ? AND is_processing = 0 AND date_processed IS NULL AND is_draft = 0`

	result, err := s.q.ExecContext(ctx, query, encodeTime(now), id)
	if err != nil {
		return false, fmt.Errorf("failed to claim occasion: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return affected == 1, nil
}

func (s *SQLite) ReleaseClaim(ctx context.Context, id int) error {
	query := `UPDATE occasions SET is_processing = 0, claimed_at = NULL WHERE id = ?`
	if _, err := s.q.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to release claim: %w", err)
	}
	return nil
}

func (s *SQLite) MarkProcessed(ctx context.Context, id int, summary string, processedAt time.Time) error {
	query := `
		UPDATE occasions
		SET summary = ?, date_processed = ?, is_processing = 0, claimed_at = NULL
		WHERE id = ?`

	if _, err := s.q.ExecContext(ctx, query, summary, encodeTime(processedAt), id); err != nil {
		return fmt.Errorf("failed to mark occasion processed: %w", err)
	}
	return nil
}

func (s *SQLite) SetDraft(ctx context.Context, id int, draft bool) error {
	query := `UPDATE occasions SET is_draft = ? WHERE id = ?`
	if _, err := s.q.ExecContext(ctx, query, boolToInt(draft), id); err != nil {
		return fmt.Errorf("failed to set draft flag: %w", err)
	}
	return nil
}

func (s *SQLite) ReleaseStaleClaims(ctx context.Context, cutoff time.Time) (int, error) {
	query := `
		UPDATE occasions
		SET is_processing = 0, claimed_at = NULL
		WHERE is_processing = 1 AND date_processed IS NULL AND claimed_at < ?`

	result, err := s.q.ExecContext(ctx, query, encodeTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to release stale claims: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return int(affected), nil
}

func (s *SQLite) QueueEmail(ctx context.Context, e *models.EmailLog) error {
	query := `
		INSERT INTO email_logs (user_id, recipient_email, email_type, subject, body_text, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	var userID any
	if e.UserID != nil {
		userID = *e.UserID
	}

	result, err := s.q.ExecContext(ctx, query, userID, e.RecipientEmail, e.EmailType,
		e.Subject, e.BodyText, models.EmailStatusPending, encodeTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to queue email: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read insert id: %w", err)
	}
	e.ID = int(id)
	e.Status = models.EmailStatusPending
	return nil
}

func (s *SQLite) ListPendingEmails(ctx context.Context, limit int) ([]*models.EmailLog, error) {
	query := `
		SELECT id, user_id, recipient_email, email_type, subject, body_text, status, retry_count, created_at
		FROM email_logs
		WHERE status = 'pending'
		ORDER BY created_at ASC
		LIMIT ?`

	rows, err := s.q.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending emails: %w", err)
	}
	defer rows.Close()

	var emails []*models.EmailLog
	for rows.Next() {
		var e models.EmailLog
		var userID sql.NullInt64
		var createdAt string
		err := rows.Scan(&e.ID, &userID, &e.RecipientEmail, &e.EmailType,
			&e.Subject, &e.BodyText, &e.Status, &e.RetryCount, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan email log: %w", err)
		}
		if userID.Valid {
			id := int(userID.Int64)
			e.UserID = &id
		}
		if e.CreatedAt, err = decodeTime(createdAt); err != nil {
			return nil, err
		}
		emails = append(emails, &e)
	}
	return emails, rows.Err()
}

func (s *SQLite) MarkEmailSent(ctx context.Context, id int, messageID string, at time.Time) error {
	query := `
		UPDATE email_logs
		SET status = 'sent', ses_message_id = ?, sent_at = ?
		WHERE id = ?`

	if _, err := s.q.ExecContext(ctx, query, messageID, encodeTime(at), id); err != nil {
		return fmt.Errorf("failed to mark email as sent: %w", err)
	}
	return nil
}

func (s *SQLite) MarkEmailFailed(ctx context.Context, id int, errMsg string) error {
	query := `
		UPDATE email_logs
		SET status = 'failed', error_message = ?, retry_count = retry_count + 1
		WHERE id = ?`

	if _, err := s.q.ExecContext(ctx, query, errMsg, id); err != nil {
		return fmt.Errorf("failed to mark email as failed: %w", err)
	}
	return nil
}

func scanLiteOccasionRow(row *sql.Row) (*models.Occasion, error) {
	var raw liteOccasionRow
	err := row.Scan(&raw.id, &raw.userID, &raw.label, &raw.typ, &raw.tone,
		&raw.recipientEmail, &raw.date, &raw.customInput, &raw.created,
		&raw.summary, &raw.dateProcessed, &raw.isRecurring, &raw.isDraft,
		&raw.isProcessing, &raw.claimedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan occasion: %w", err)
	}
	return raw.toOccasion()
}

func collectLiteOccasions(rows *sql.Rows) ([]*models.Occasion, error) {
	var occasions []*models.Occasion
	for rows.Next() {
		var raw liteOccasionRow
		err := rows.Scan(&raw.id, &raw.userID, &raw.label, &raw.typ, &raw.tone,
			&raw.recipientEmail, &raw.date, &raw.customInput, &raw.created,
			&raw.summary, &raw.dateProcessed, &raw.isRecurring, &raw.isDraft,
			&raw.isProcessing, &raw.claimedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan occasion: %w", err)
		}
		occ, err := raw.toOccasion()
		if err != nil {
			return nil, err
		}
		occasions = append(occasions, occ)
	}
	return occasions, rows.Err()
}

type liteOccasionRow struct {
	id             int
	userID         int
	label          string
	typ            string
	tone           string
	recipientEmail string
	date           string
	customInput    string
	created        string
	summary        sql.NullString
	dateProcessed  sql.NullString
	isRecurring    int
	isDraft        int
	isProcessing   int
	claimedAt      sql.NullString
}

func (r *liteOccasionRow) toOccasion() (*models.Occasion, error) {
	occ := &models.Occasion{
		ID:             r.id,
		UserID:         r.userID,
		Label:          r.label,
		Type:           r.typ,
		Tone:           r.tone,
		RecipientEmail: r.recipientEmail,
		CustomInput:    r.customInput,
		IsRecurring:    r.isRecurring == 1,
		IsDraft:        r.isDraft == 1,
		IsProcessing:   r.isProcessing == 1,
	}

	var err error
	if occ.Date, err = decodeTime(r.date); err != nil {
		return nil, err
	}
	if occ.Created, err = decodeTime(r.created); err != nil {
		return nil, err
	}
	if r.summary.Valid {
		occ.Summary = &r.summary.String
	}
	if r.dateProcessed.Valid {
		t, err := decodeTime(r.dateProcessed.String)
		if err != nil {
			return nil, err
		}
		occ.DateProcessed = &t
	}
	if r.claimedAt.Valid {
		t, err := decodeTime(r.claimedAt.String)
		if err != nil {
			return nil, err
		}
		occ.ClaimedAt = &t
	}
	return occ, nil
}
