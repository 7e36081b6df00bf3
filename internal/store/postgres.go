package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"central/api/internal/reconcile"
)

// PostgresStore is the sole writer of persisted record state.
type PostgresStore struct {
	db *DB
}

// NewPostgresStore constructs a store over the given pool.
func NewPostgresStore(db *DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Ping verifies database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Pool.Ping(ctx)
}

// UpsertUserProfile creates the profile on first sight (created_at is
// assigned by the database and never touched again) or merges the provided
// fields into the stored row. Only fields flagged as set are written, so a
// present null clears the column while an absent field keeps the stored
// value; there is no revision comparison for profiles.
func (s *PostgresStore) UpsertUserProfile(ctx context.Context, up UserUpsert) error {
	const q = `INSERT INTO users (id, label, consent, extra_data) VALUES ($1, $2, $3, $4) ON CONFLICT (id) DO UPDATE SET label = CASE WHEN $5 THEN EXCLUDED.label ELSE users.label END, consent = CASE WHEN $6 THEN EXCLUDED.consent ELSE users.consent END, extra_data = CASE WHEN $7 THEN EXCLUDED.extra_data ELSE users.extra_data END`
	if _, err := s.db.Pool.Exec(ctx, q, up.ID, up.Label, up.Consent, up.ExtraData, up.SetLabel, up.SetConsent, up.SetExtraData); err != nil {
		return fmt.Errorf("upsert user profile: %w", err)
	}
	return nil
}

// SyncEntries reconciles a batch of journal entries inside one transaction.
// Each record is decided independently; row locks on the existing revision
// serialize concurrent pushes touching the same id.
func (s *PostgresStore) SyncEntries(ctx context.Context, entries []Entry) (applied []string, err error) {
	tx, err := s.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = e
		}
	}()

	return reconcile.Batch(ctx, &entryTx{tx: tx}, entries)
}

// SyncProNotes reconciles a batch of professional notes, same contract as
// SyncEntries.
func (s *PostgresStore) SyncProNotes(ctx context.Context, notes []ProNote) (applied []string, err error) {
	tx, err := s.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = e
		}
	}()

	return reconcile.Batch(ctx, &proNoteTx{tx: tx}, notes)
}

// entryTx binds the reconcile engine to the entries table.
type entryTx struct {
	tx pgx.Tx
}

func (t *entryTx) Get(ctx context.Context, id string) (Entry, bool, error) {
	// Only the fields the merge decision needs; FOR UPDATE holds the row
	// until the batch commits.
	const q = `SELECT last_modified FROM entries WHERE id=$1 FOR UPDATE`
	var existing Entry
	existing.ID = id
	err := t.tx.QueryRow(ctx, q, id).Scan(&existing.LastModified)
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("lookup entry: %w", err)
	}
	return existing, true, nil
}

func (t *entryTx) Insert(ctx context.Context, e Entry) error {
	const q = `INSERT INTO entries (id, user_id, ts, mood, stress, note, deleted, last_modified) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	if _, err := t.tx.Exec(ctx, q, e.ID, e.UserID, e.Timestamp, e.Mood, e.Stress, e.Note, e.Deleted, e.LastModified); err != nil {
		return fmt.Errorf("insert entry: %w", err)
	}
	return nil
}

func (t *entryTx) Update(ctx context.Context, e Entry) error {
	const q = `UPDATE entries SET ts=$2, mood=$3, stress=$4, note=$5, deleted=$6, last_modified=$7 WHERE id=$1`
	if _, err := t.tx.Exec(ctx, q, e.ID, e.Timestamp, e.Mood, e.Stress, e.Note, e.Deleted, e.LastModified); err != nil {
		return fmt.Errorf("update entry: %w", err)
	}
	return nil
}

// proNoteTx binds the reconcile engine to the pro_notes table.
type proNoteTx struct {
	tx pgx.Tx
}

func (t *proNoteTx) Get(ctx context.Context, id string) (ProNote, bool, error) {
	const q = `SELECT last_modified FROM pro_notes WHERE id=$1 FOR UPDATE`
	var existing ProNote
	existing.ID = id
	err := t.tx.QueryRow(ctx, q, id).Scan(&existing.LastModified)
	if errors.Is(err, pgx.ErrNoRows) {
		return ProNote{}, false, nil
	}
	if err != nil {
		return ProNote{}, false, fmt.Errorf("lookup pro note: %w", err)
	}
	return existing, true, nil
}

func (t *proNoteTx) Insert(ctx context.Context, n ProNote) error {
	const q = `INSERT INTO pro_notes (id, user_id, professional_email, ts, note, deleted, last_modified) VALUES ($1, $2, $3, $4, $5, $6, $7)`
	if _, err := t.tx.Exec(ctx, q, n.ID, n.UserID, n.ProfessionalEmail, n.Timestamp, n.Note, n.Deleted, n.LastModified); err != nil {
		return fmt.Errorf("insert pro note: %w", err)
	}
	return nil
}

func (t *proNoteTx) Update(ctx context.Context, n ProNote) error {
	const q = `UPDATE pro_notes SET ts=$2, note=$3, deleted=$4, last_modified=$5 WHERE id=$1`
	if _, err := t.tx.Exec(ctx, q, n.ID, n.Timestamp, n.Note, n.Deleted, n.LastModified); err != nil {
		return fmt.Errorf("update pro note: %w", err)
	}
	return nil
}

// EnsureProfessional registers an authoring professional by email. Repeat
// pushes with a known email are a no-op.
func (s *PostgresStore) EnsureProfessional(ctx context.Context, email string) error {
	const q = `INSERT INTO professionals (id, email) VALUES ($1, $2) ON CONFLICT (email) DO NOTHING`
	if _, err := s.db.Pool.Exec(ctx, q, uuid.NewString(), email); err != nil {
		return fmt.Errorf("ensure professional: %w", err)
	}
	return nil
}

// ListUsers returns the most recently created profiles.
func (s *PostgresStore) ListUsers(ctx context.Context, limit int) ([]User, error) {
	const q = `SELECT id, label, consent, extra_data, created_at FROM users ORDER BY created_at DESC LIMIT $1`
	rows, err := s.db.Pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	users := make([]User, 0)
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Label, &u.Consent, &u.ExtraData, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return users, nil
}

// ListEntries returns a user's entries ordered by event time descending.
// The cursor bound on last_modified is exclusive, so the record that
// established the cursor is never re-delivered.
func (s *PostgresStore) ListEntries(ctx context.Context, q EntryQuery) ([]Entry, error) {
	sql := `SELECT id, user_id, ts, mood, stress, note, deleted, last_modified FROM entries WHERE user_id=$1`
	args := []any{q.UserID}
	if q.Since != nil {
		args = append(args, *q.Since)
		sql += fmt.Sprintf(" AND last_modified > $%d", len(args))
	}
	if !q.IncludeDeleted {
		sql += " AND deleted = false"
	}
	args = append(args, q.Limit)
	sql += fmt.Sprintf(" ORDER BY ts DESC LIMIT $%d", len(args))

	rows, err := s.db.Pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0)
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Timestamp, &e.Mood, &e.Stress, &e.Note, &e.Deleted, &e.LastModified); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return entries, nil
}
