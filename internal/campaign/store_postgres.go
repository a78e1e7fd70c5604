package campaign

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

// PostgresStore persists campaigns, milestones and the campaign_donors
// membership table. Milestones live in their own table keyed by
// (campaign_id, id) so the lifecycle guards are single conditional UPDATEs.
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

func (s *PostgresStore) Create(ctx context.Context, c *Campaign) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	_, err := s.execer(ctx).ExecContext(ctx, `
		INSERT INTO campaigns (id, creator_id, title, funding_address, active, raised, currency, donor_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, uuid.UUID(c.ID), uuid.UUID(c.CreatorID), c.Title, c.FundingAddress, c.Active,
		c.Raised.Amount.String(), c.Raised.Currency, c.DonorCount, c.CreatedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
		return sentinel.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert campaign: %w", err)
	}

	for _, m := range c.Milestones {
		status := m.Status
		if status == "" {
			status = domain.MilestonePending
		}
		_, err := s.execer(ctx).ExecContext(ctx, `
			INSERT INTO milestones (id, campaign_id, title, target, currency, status, position)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, uuid.UUID(m.ID), uuid.UUID(c.ID), m.Title, m.Target.Amount.String(),
			m.Target.Currency, string(status), m.Position)
		if err != nil {
			return fmt.Errorf("insert milestone: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) FindByID(ctx context.Context, id domain.CampaignID) (*Campaign, error) {
	var (
		c         Campaign
		cID       uuid.UUID
		creatorID uuid.UUID
		raised    string
		currency  string
	)
	err := s.execer(ctx).QueryRowContext(ctx, `
		SELECT id, creator_id, title, funding_address, active, raised, currency, donor_count, created_at
		FROM campaigns WHERE id = $1
	`, uuid.UUID(id)).Scan(&cID, &creatorID, &c.Title, &c.FundingAddress, &c.Active,
		&raised, &currency, &c.DonorCount, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select campaign: %w", err)
	}
	c.ID = domain.CampaignID(cID)
	c.CreatorID = domain.UserID(creatorID)
	amt, err := decimal.NewFromString(raised)
	if err != nil {
		return nil, fmt.Errorf("parse raised amount %q: %w", raised, err)
	}
	c.Raised = domain.Money{Amount: amt, Currency: currency}

	rows, err := s.execer(ctx).QueryContext(ctx, `
		SELECT id, title, target, currency, status, activated_at, completed_at, position
		FROM milestones WHERE campaign_id = $1 ORDER BY position
	`, uuid.UUID(id))
	if err != nil {
		return nil, fmt.Errorf("select milestones: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		m, err := scanMilestone(rows, c.ID)
		if err != nil {
			return nil, err
		}
		c.Milestones = append(c.Milestones, m)
	}
	return &c, rows.Err()
}

func (s *PostgresStore) FindMilestone(ctx context.Context, campaignID domain.CampaignID, milestoneID domain.MilestoneID) (*Milestone, error) {
	row := s.execer(ctx).QueryRowContext(ctx, `
		SELECT id, title, target, currency, status, activated_at, completed_at, position
		FROM milestones WHERE campaign_id = $1 AND id = $2
	`, uuid.UUID(campaignID), uuid.UUID(milestoneID))
	m, err := scanMilestone(row, campaignID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	return m, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMilestone(row rowScanner, campaignID domain.CampaignID) (*Milestone, error) {
	var (
		m           Milestone
		mID         uuid.UUID
		target      string
		currency    string
		status      string
		activatedAt sql.NullTime
		completedAt sql.NullTime
	)
	if err := row.Scan(&mID, &m.Title, &target, &currency, &status, &activatedAt, &completedAt, &m.Position); err != nil {
		return nil, err
	}
	m.ID = domain.MilestoneID(mID)
	m.CampaignID = campaignID
	amt, err := decimal.NewFromString(target)
	if err != nil {
		return nil, fmt.Errorf("parse milestone target %q: %w", target, err)
	}
	m.Target = domain.Money{Amount: amt, Currency: currency}
	m.Status = domain.MilestoneStatus(status)
	if activatedAt.Valid {
		t := activatedAt.Time
		m.ActivatedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		m.CompletedAt = &t
	}
	return &m, nil
}

func (s *PostgresStore) SetActive(ctx context.Context, id domain.CampaignID, active bool) error {
	res, err := s.execer(ctx).ExecContext(ctx, `
		UPDATE campaigns SET active = $2 WHERE id = $1
	`, uuid.UUID(id), active)
	if err != nil {
		return fmt.Errorf("set campaign active: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

// AddFunding increments raised atomically and bumps donor_count only when
// the campaign_donors insert actually created a row. Both statements are
// atomic increments, so the aggregate is lost-update-safe even outside a
// shared transaction.
func (s *PostgresStore) AddFunding(ctx context.Context, campaignID domain.CampaignID, donorID domain.UserID, amount domain.Money) (Funding, error) {
	res, err := s.execer(ctx).ExecContext(ctx, `
		INSERT INTO campaign_donors (campaign_id, donor_id)
		VALUES ($1, $2) ON CONFLICT DO NOTHING
	`, uuid.UUID(campaignID), uuid.UUID(donorID))
	if err != nil {
		return Funding{}, fmt.Errorf("record campaign donor: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return Funding{}, err
	}

	var (
		raised     string
		currency   string
		donorCount int
	)
	err = s.execer(ctx).QueryRowContext(ctx, `
		UPDATE campaigns
		SET raised = raised + $2, donor_count = donor_count + $3
		WHERE id = $1
		RETURNING raised, currency, donor_count
	`, uuid.UUID(campaignID), amount.Amount.String(), inserted).Scan(&raised, &currency, &donorCount)
	if errors.Is(err, sql.ErrNoRows) {
		return Funding{}, sentinel.ErrNotFound
	}
	if err != nil {
		return Funding{}, fmt.Errorf("increment campaign funding: %w", err)
	}
	amt, err := decimal.NewFromString(raised)
	if err != nil {
		return Funding{}, fmt.Errorf("parse raised amount %q: %w", raised, err)
	}
	return Funding{Raised: domain.Money{Amount: amt, Currency: currency}, DonorCount: donorCount}, nil
}

// ActivateMilestone is the single-statement race guard: it wins only while
// the row is still pending and the campaign's raised amount covers the
// target at this instant.
func (s *PostgresStore) ActivateMilestone(ctx context.Context, campaignID domain.CampaignID, milestoneID domain.MilestoneID, at time.Time) (bool, error) {
	res, err := s.execer(ctx).ExecContext(ctx, `
		UPDATE milestones m
		SET status = 'active', activated_at = $3
		FROM campaigns c
		WHERE m.campaign_id = $1 AND m.id = $2
		  AND m.status = 'pending'
		  AND c.id = m.campaign_id AND c.raised >= m.target
	`, uuid.UUID(campaignID), uuid.UUID(milestoneID), at)
	if err != nil {
		return false, fmt.Errorf("activate milestone: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *PostgresStore) BeginRelease(ctx context.Context, campaignID domain.CampaignID, milestoneID domain.MilestoneID) (bool, error) {
	res, err := s.execer(ctx).ExecContext(ctx, `
		UPDATE milestones SET status = 'releasing'
		WHERE campaign_id = $1 AND id = $2 AND status = 'active'
	`, uuid.UUID(campaignID), uuid.UUID(milestoneID))
	if err != nil {
		return false, fmt.Errorf("begin milestone release: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *PostgresStore) CompleteRelease(ctx context.Context, campaignID domain.CampaignID, milestoneID domain.MilestoneID, at time.Time) error {
	return s.releaseTransition(ctx, campaignID, milestoneID, `
		UPDATE milestones SET status = 'completed', completed_at = $3
		WHERE campaign_id = $1 AND id = $2 AND status = 'releasing'
	`, at)
}

func (s *PostgresStore) AbortRelease(ctx context.Context, campaignID domain.CampaignID, milestoneID domain.MilestoneID) error {
	return s.releaseTransition(ctx, campaignID, milestoneID, `
		UPDATE milestones SET status = 'active'
		WHERE campaign_id = $1 AND id = $2 AND status = 'releasing'
	`)
}

func (s *PostgresStore) releaseTransition(ctx context.Context, campaignID domain.CampaignID, milestoneID domain.MilestoneID, query string, args ...any) error {
	all := append([]any{uuid.UUID(campaignID), uuid.UUID(milestoneID)}, args...)
	res, err := s.execer(ctx).ExecContext(ctx, query, all...)
	if err != nil {
		return fmt.Errorf("milestone release transition: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, findErr := s.FindMilestone(ctx, campaignID, milestoneID); errors.Is(findErr, sentinel.ErrNotFound) {
			return sentinel.ErrNotFound
		}
		return sentinel.ErrInvalidState
	}
	return nil
}
