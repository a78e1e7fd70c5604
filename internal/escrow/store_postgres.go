package escrow

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

// PostgresStore persists escrow accounts and entries. Entries are keyed by
// (campaign_id, milestone_id) so the release guard is one conditional UPDATE.
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

func (s *PostgresStore) Create(ctx context.Context, a *Account) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	if _, joined := txcontext.From(ctx); !joined {
		// The account row and its entries land together or not at all.
		return txcontext.Run(ctx, s.db, func(ctx context.Context) error {
			return s.create(ctx, a)
		})
	}
	return s.create(ctx, a)
}

func (s *PostgresStore) create(ctx context.Context, a *Account) error {
	_, err := s.execer(ctx).ExecContext(ctx, `
		INSERT INTO escrows (id, campaign_id, ledger_address, created_at)
		VALUES ($1, $2, $3, $4)
	`, uuid.UUID(a.ID), uuid.UUID(a.CampaignID), a.LedgerAddress, a.CreatedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
		return sentinel.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert escrow: %w", err)
	}

	for _, e := range a.Entries {
		_, err := s.execer(ctx).ExecContext(ctx, `
			INSERT INTO escrow_entries (campaign_id, milestone_id, allocated, currency, status, scheduled_release_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, uuid.UUID(a.CampaignID), uuid.UUID(e.MilestoneID),
			e.Allocated.Amount.String(), e.Allocated.Currency,
			string(domain.EscrowEntryPending), e.ScheduledReleaseAt)
		if err != nil {
			return fmt.Errorf("insert escrow entry: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) FindByCampaign(ctx context.Context, campaignID domain.CampaignID) (*Account, error) {
	var (
		a   Account
		aID uuid.UUID
		cID uuid.UUID
	)
	err := s.execer(ctx).QueryRowContext(ctx, `
		SELECT id, campaign_id, ledger_address, created_at FROM escrows WHERE campaign_id = $1
	`, uuid.UUID(campaignID)).Scan(&aID, &cID, &a.LedgerAddress, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select escrow: %w", err)
	}
	a.ID = domain.EscrowID(aID)
	a.CampaignID = domain.CampaignID(cID)

	rows, err := s.execer(ctx).QueryContext(ctx, `
		SELECT milestone_id, allocated, currency, status, scheduled_release_at,
		       released_at, released_by, release_tx_hash
		FROM escrow_entries WHERE campaign_id = $1
	`, uuid.UUID(campaignID))
	if err != nil {
		return nil, fmt.Errorf("select escrow entries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			e          Entry
			mID        uuid.UUID
			allocated  string
			currency   string
			status     string
			schedAt    sql.NullTime
			releasedAt sql.NullTime
			releasedBy uuid.NullUUID
			txHash     sql.NullString
		)
		if err := rows.Scan(&mID, &allocated, &currency, &status, &schedAt, &releasedAt, &releasedBy, &txHash); err != nil {
			return nil, fmt.Errorf("scan escrow entry: %w", err)
		}
		e.MilestoneID = domain.MilestoneID(mID)
		amt, err := decimal.NewFromString(allocated)
		if err != nil {
			return nil, fmt.Errorf("parse allocated amount %q: %w", allocated, err)
		}
		e.Allocated = domain.Money{Amount: amt, Currency: currency}
		e.Status = domain.EscrowEntryStatus(status)
		if schedAt.Valid {
			t := schedAt.Time
			e.ScheduledReleaseAt = &t
		}
		if releasedAt.Valid {
			t := releasedAt.Time
			e.ReleasedAt = &t
		}
		if releasedBy.Valid {
			e.ReleasedBy = domain.UserID(releasedBy.UUID)
		}
		e.ReleaseTxHash = txHash.String
		a.Entries = append(a.Entries, &e)
	}
	return &a, rows.Err()
}

func (s *PostgresStore) ListDue(ctx context.Context, now time.Time) ([]*Account, error) {
	rows, err := s.execer(ctx).QueryContext(ctx, `
		SELECT DISTINCT campaign_id FROM escrow_entries
		WHERE status = 'pending' AND scheduled_release_at IS NOT NULL AND scheduled_release_at <= $1
	`, now)
	if err != nil {
		return nil, fmt.Errorf("select due escrow entries: %w", err)
	}
	defer rows.Close()

	var ids []domain.CampaignID
	for rows.Next() {
		var cID uuid.UUID
		if err := rows.Scan(&cID); err != nil {
			return nil, fmt.Errorf("scan due escrow campaign: %w", err)
		}
		ids = append(ids, domain.CampaignID(cID))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*Account, 0, len(ids))
	for _, id := range ids {
		a, err := s.FindByCampaign(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *PostgresStore) MarkReleased(ctx context.Context, campaignID domain.CampaignID, milestoneID domain.MilestoneID, at time.Time, by domain.UserID, txHash string) (bool, error) {
	res, err := s.execer(ctx).ExecContext(ctx, `
		UPDATE escrow_entries
		SET status = 'released', released_at = $3, released_by = $4, release_tx_hash = $5
		WHERE campaign_id = $1 AND milestone_id = $2 AND status = 'pending'
	`, uuid.UUID(campaignID), uuid.UUID(milestoneID), at, uuid.UUID(by), txHash)
	if err != nil {
		return false, fmt.Errorf("mark escrow entry released: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
