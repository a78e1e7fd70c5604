package donor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"pledger/pkg/domain"
	"pledger/pkg/platform/sentinel"
	txcontext "pledger/pkg/platform/tx"
)

// PostgresStore persists donor aggregates in the donors table. Subscription
// columns live on the same row; the cancel transition is a conditional
// update so it commits exactly once.
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

const donorColumns = `
	id, total_donated, currency, donation_count, last_donation_at, last_campaign_id,
	sub_amount, sub_frequency, sub_status, sub_next_run_at, sub_cycle_count,
	sub_cancelled_at, sub_cancelled_by
`

func (s *PostgresStore) FindByID(ctx context.Context, id domain.UserID) (*Donor, error) {
	row := s.execer(ctx).QueryRowContext(ctx,
		`SELECT `+donorColumns+` FROM donors WHERE id = $1`, uuid.UUID(id))
	d, err := scanDonor(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	return d, err
}

// RecordDonation upserts: insert on first donation, otherwise additive
// increment. The upsert keeps the lazily-created row race-safe under
// concurrent first donations from the same donor.
func (s *PostgresStore) RecordDonation(ctx context.Context, id domain.UserID, campaignID domain.CampaignID, amount domain.Money, at time.Time) error {
	_, err := s.execer(ctx).ExecContext(ctx, `
		INSERT INTO donors (id, total_donated, currency, donation_count, last_donation_at, last_campaign_id)
		VALUES ($1, $2, $3, 1, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			total_donated = donors.total_donated + EXCLUDED.total_donated,
			donation_count = donors.donation_count + 1,
			last_donation_at = EXCLUDED.last_donation_at,
			last_campaign_id = EXCLUDED.last_campaign_id
	`, uuid.UUID(id), amount.Amount.String(), amount.Currency, at, uuid.UUID(campaignID))
	if err != nil {
		return fmt.Errorf("record donation: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpsertSubscription(ctx context.Context, id domain.UserID, sub Subscription) error {
	res, err := s.execer(ctx).ExecContext(ctx, `
		UPDATE donors SET
			sub_amount = $2, sub_frequency = $3, sub_status = $4,
			sub_next_run_at = $5, sub_cycle_count = $6,
			sub_cancelled_at = NULL, sub_cancelled_by = NULL
		WHERE id = $1
	`, uuid.UUID(id), sub.Amount.Amount.String(), string(sub.Frequency),
		string(sub.Status), sub.NextRunAt, sub.CycleCount)
	if err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
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

func (s *PostgresStore) ListDue(ctx context.Context, now time.Time) ([]*Donor, error) {
	rows, err := s.execer(ctx).QueryContext(ctx, `
		SELECT `+donorColumns+` FROM donors
		WHERE sub_status = 'active' AND sub_next_run_at <= $1
		ORDER BY sub_next_run_at
	`, now)
	if err != nil {
		return nil, fmt.Errorf("list due subscriptions: %w", err)
	}
	defer rows.Close()

	var out []*Donor
	for rows.Next() {
		d, err := scanDonor(rows)
		if err != nil {
			return nil, fmt.Errorf("scan donor: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AdvanceSubscription(ctx context.Context, id domain.UserID, nextRunAt time.Time) error {
	res, err := s.execer(ctx).ExecContext(ctx, `
		UPDATE donors SET sub_next_run_at = $2, sub_cycle_count = sub_cycle_count + 1
		WHERE id = $1 AND sub_status IS NOT NULL
	`, uuid.UUID(id), nextRunAt)
	if err != nil {
		return fmt.Errorf("advance subscription: %w", err)
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

func (s *PostgresStore) CancelSubscription(ctx context.Context, id domain.UserID, at time.Time, by domain.UserID) error {
	res, err := s.execer(ctx).ExecContext(ctx, `
		UPDATE donors SET sub_status = 'cancelled', sub_cancelled_at = $2, sub_cancelled_by = $3
		WHERE id = $1 AND sub_status = 'active'
	`, uuid.UUID(id), at, uuid.UUID(by))
	if err != nil {
		return fmt.Errorf("cancel subscription: %w", err)
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDonor(row rowScanner) (*Donor, error) {
	var (
		d           Donor
		dID         uuid.UUID
		total       string
		currency    string
		lastAt      sql.NullTime
		lastCamp    uuid.NullUUID
		subAmount   sql.NullString
		subFreq     sql.NullString
		subStatus   sql.NullString
		subNextRun  sql.NullTime
		subCycles   sql.NullInt64
		cancelledAt sql.NullTime
		cancelledBy uuid.NullUUID
	)
	err := row.Scan(&dID, &total, &currency, &d.DonationCount, &lastAt, &lastCamp,
		&subAmount, &subFreq, &subStatus, &subNextRun, &subCycles, &cancelledAt, &cancelledBy)
	if err != nil {
		return nil, err
	}
	d.ID = domain.UserID(dID)
	amt, err := decimal.NewFromString(total)
	if err != nil {
		return nil, fmt.Errorf("parse donated total %q: %w", total, err)
	}
	d.TotalDonated = domain.Money{Amount: amt, Currency: currency}
	if lastAt.Valid {
		d.LastDonationAt = lastAt.Time
	}
	if lastCamp.Valid {
		d.LastCampaignID = domain.CampaignID(lastCamp.UUID)
	}

	if subStatus.Valid {
		subAmt, err := decimal.NewFromString(subAmount.String)
		if err != nil {
			return nil, fmt.Errorf("parse subscription amount %q: %w", subAmount.String, err)
		}
		sub := Subscription{
			Amount:     domain.Money{Amount: subAmt, Currency: currency},
			Frequency:  domain.Frequency(subFreq.String),
			Status:     domain.SubscriptionStatus(subStatus.String),
			NextRunAt:  subNextRun.Time,
			CycleCount: int(subCycles.Int64),
		}
		if cancelledAt.Valid {
			t := cancelledAt.Time
			sub.CancelledAt = &t
		}
		if cancelledBy.Valid {
			sub.CancelledBy = domain.UserID(cancelledBy.UUID)
		}
		d.Subscription = &sub
	}
	return &d, nil
}
