package records

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"pledger/pkg/domain"
	"pledger/pkg/platform/sentinel"
	txcontext "pledger/pkg/platform/tx"
)

// PostgresStore persists transaction records in the donations table.
// Conditional status updates make transitions race-safe without row locks.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *PostgresStore) execer(ctx context.Context) dbExecutor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

const recordColumns = `
	id, donor_id, campaign_id, amount, currency, kind, visibility, status,
	ledger_hash, failure_detail, aggregates_applied,
	recurring_frequency, recurring_next_run_at, recurring_cycle_count,
	recurring_cancelled, recurring_cancelled_at,
	created_at, updated_at
`

func (s *PostgresStore) Create(ctx context.Context, rec *TransactionRecord) error {
	var donorID any
	if rec.DonorID != nil {
		donorID = uuid.UUID(*rec.DonorID)
	}
	var (
		freq        any
		nextRun     any
		cycles      any
		cancelled   any
		cancelledAt any
	)
	if rec.Recurring != nil {
		freq = string(rec.Recurring.Frequency)
		nextRun = rec.Recurring.NextRunAt
		cycles = rec.Recurring.CycleCount
		cancelled = rec.Recurring.Cancelled
		cancelledAt = rec.Recurring.CancelledAt
	}

	query := `
		INSERT INTO donations (
			id, donor_id, campaign_id, amount, currency, kind, visibility, status,
			ledger_hash, failure_detail, aggregates_applied,
			recurring_frequency, recurring_next_run_at, recurring_cycle_count,
			recurring_cancelled, recurring_cancelled_at,
			created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
	`
	_, err := s.execer(ctx).ExecContext(ctx, query,
		uuid.UUID(rec.ID), donorID, uuid.UUID(rec.CampaignID),
		rec.Amount.Amount.String(), rec.Amount.Currency,
		string(rec.Kind), string(rec.Visibility), string(rec.Status),
		nullIfEmpty(rec.LedgerHash), nullIfEmpty(rec.FailureDetail), rec.AggregatesApplied,
		freq, nextRun, cycles, cancelled, cancelledAt,
		rec.CreatedAt, rec.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
		return sentinel.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert transaction record: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindByID(ctx context.Context, id domain.TransactionID) (*TransactionRecord, error) {
	row := s.execer(ctx).QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM donations WHERE id = $1`, uuid.UUID(id))
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select transaction record: %w", err)
	}
	return rec, nil
}

// MarkCompleted is conditional on status = pending; zero rows affected means
// the record already transitioned elsewhere.
func (s *PostgresStore) MarkCompleted(ctx context.Context, id domain.TransactionID, ledgerHash string) error {
	return s.conditionalUpdate(ctx, id, `
		UPDATE donations SET status = 'completed', ledger_hash = $2, updated_at = $3
		WHERE id = $1 AND status = 'pending'
	`, ledgerHash, time.Now())
}

func (s *PostgresStore) MarkFailed(ctx context.Context, id domain.TransactionID, detail string) error {
	return s.conditionalUpdate(ctx, id, `
		UPDATE donations SET status = 'failed', failure_detail = $2, updated_at = $3
		WHERE id = $1 AND status = 'pending'
	`, detail, time.Now())
}

func (s *PostgresStore) MarkAggregatesApplied(ctx context.Context, id domain.TransactionID) error {
	return s.conditionalUpdate(ctx, id, `
		UPDATE donations SET aggregates_applied = TRUE, updated_at = $2
		WHERE id = $1 AND status = 'completed'
	`, time.Now())
}

func (s *PostgresStore) conditionalUpdate(ctx context.Context, id domain.TransactionID, query string, args ...any) error {
	all := append([]any{uuid.UUID(id)}, args...)
	res, err := s.execer(ctx).ExecContext(ctx, query, all...)
	if err != nil {
		return fmt.Errorf("update transaction record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, findErr := s.FindByID(ctx, id); errors.Is(findErr, sentinel.ErrNotFound) {
			return sentinel.ErrNotFound
		}
		return sentinel.ErrInvalidState
	}
	return nil
}

func (s *PostgresStore) UpdateRecurring(ctx context.Context, id domain.TransactionID, meta RecurringMetadata) error {
	res, err := s.execer(ctx).ExecContext(ctx, `
		UPDATE donations SET
			recurring_frequency = $2, recurring_next_run_at = $3,
			recurring_cycle_count = $4, recurring_cancelled = $5,
			recurring_cancelled_at = $6, updated_at = $7
		WHERE id = $1
	`, uuid.UUID(id), string(meta.Frequency), meta.NextRunAt, meta.CycleCount,
		meta.Cancelled, meta.CancelledAt, time.Now())
	if err != nil {
		return fmt.Errorf("update recurring metadata: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListByCampaign(ctx context.Context, campaignID domain.CampaignID) ([]*TransactionRecord, error) {
	return s.list(ctx, `SELECT `+recordColumns+` FROM donations WHERE campaign_id = $1 ORDER BY created_at`, uuid.UUID(campaignID))
}

func (s *PostgresStore) ListByDonor(ctx context.Context, donorID domain.UserID) ([]*TransactionRecord, error) {
	return s.list(ctx, `SELECT `+recordColumns+` FROM donations WHERE donor_id = $1 ORDER BY created_at`, uuid.UUID(donorID))
}

func (s *PostgresStore) ListUnreconciled(ctx context.Context, campaignID domain.CampaignID) ([]*TransactionRecord, error) {
	return s.list(ctx, `
		SELECT `+recordColumns+` FROM donations
		WHERE campaign_id = $1 AND status = 'completed' AND aggregates_applied = FALSE
		ORDER BY created_at
	`, uuid.UUID(campaignID))
}

func (s *PostgresStore) list(ctx context.Context, query string, args ...any) ([]*TransactionRecord, error) {
	rows, err := s.execer(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transaction records: %w", err)
	}
	defer rows.Close()

	var out []*TransactionRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*TransactionRecord, error) {
	var (
		rec         TransactionRecord
		recID       uuid.UUID
		donorID     uuid.NullUUID
		campaignID  uuid.UUID
		amount      string
		currency    string
		kind        string
		visibility  string
		status      string
		ledgerHash  sql.NullString
		detail      sql.NullString
		freq        sql.NullString
		nextRun     sql.NullTime
		cycles      sql.NullInt64
		cancelled   sql.NullBool
		cancelledAt sql.NullTime
	)
	err := row.Scan(
		&recID, &donorID, &campaignID, &amount, &currency, &kind, &visibility, &status,
		&ledgerHash, &detail, &rec.AggregatesApplied,
		&freq, &nextRun, &cycles, &cancelled, &cancelledAt,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.ID = domain.TransactionID(recID)
	if donorID.Valid {
		d := domain.UserID(donorID.UUID)
		rec.DonorID = &d
	}
	rec.CampaignID = domain.CampaignID(campaignID)
	amt, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("parse stored amount %q: %w", amount, err)
	}
	rec.Amount = domain.Money{Amount: amt, Currency: currency}
	rec.Kind = domain.TransactionKind(kind)
	rec.Visibility = domain.Visibility(visibility)
	rec.Status = domain.TransactionStatus(status)
	rec.LedgerHash = ledgerHash.String
	rec.FailureDetail = detail.String

	if freq.Valid {
		meta := RecurringMetadata{
			Frequency:  domain.Frequency(freq.String),
			NextRunAt:  nextRun.Time,
			CycleCount: int(cycles.Int64),
			Cancelled:  cancelled.Bool,
		}
		if cancelledAt.Valid {
			t := cancelledAt.Time
			meta.CancelledAt = &t
		}
		rec.Recurring = &meta
	}
	return &rec, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
