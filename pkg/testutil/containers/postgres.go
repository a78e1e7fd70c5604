//go:build integration

package containers

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"testing"

	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
)

// schema is the engine's full relational model, applied to every fresh
// container so the store integration tests run against the real DDL.
const schema = `
CREATE TABLE campaigns (
	id              UUID PRIMARY KEY,
	creator_id      UUID NOT NULL,
	title           TEXT NOT NULL,
	funding_address TEXT NOT NULL,
	active          BOOLEAN NOT NULL DEFAULT TRUE,
	raised          NUMERIC(20, 7) NOT NULL DEFAULT 0,
	currency        TEXT NOT NULL,
	donor_count     INTEGER NOT NULL DEFAULT 0,
	created_at      TIMESTAMPTZ NOT NULL
);

CREATE TABLE milestones (
	id           UUID PRIMARY KEY,
	campaign_id  UUID NOT NULL REFERENCES campaigns (id),
	title        TEXT NOT NULL,
	target       NUMERIC(20, 7) NOT NULL,
	currency     TEXT NOT NULL,
	status       TEXT NOT NULL,
	activated_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	position     INTEGER NOT NULL
);

CREATE TABLE campaign_donors (
	campaign_id UUID NOT NULL REFERENCES campaigns (id),
	donor_id    UUID NOT NULL,
	PRIMARY KEY (campaign_id, donor_id)
);

CREATE TABLE donors (
	id               UUID PRIMARY KEY,
	total_donated    NUMERIC(20, 7) NOT NULL DEFAULT 0,
	currency         TEXT NOT NULL,
	donation_count   INTEGER NOT NULL DEFAULT 0,
	last_donation_at TIMESTAMPTZ,
	last_campaign_id UUID,
	sub_amount       NUMERIC(20, 7),
	sub_frequency    TEXT,
	sub_status       TEXT,
	sub_next_run_at  TIMESTAMPTZ,
	sub_cycle_count  INTEGER NOT NULL DEFAULT 0,
	sub_cancelled_at TIMESTAMPTZ,
	sub_cancelled_by UUID
);

CREATE TABLE donations (
	id                    UUID PRIMARY KEY,
	donor_id              UUID,
	campaign_id           UUID NOT NULL,
	amount                NUMERIC(20, 7) NOT NULL,
	currency              TEXT NOT NULL,
	kind                  TEXT NOT NULL,
	visibility            TEXT NOT NULL,
	status                TEXT NOT NULL,
	ledger_hash           TEXT,
	failure_detail        TEXT,
	aggregates_applied    BOOLEAN NOT NULL DEFAULT FALSE,
	recurring_frequency   TEXT,
	recurring_next_run_at TIMESTAMPTZ,
	recurring_cycle_count INTEGER,
	recurring_cancelled   BOOLEAN,
	recurring_cancelled_at TIMESTAMPTZ,
	created_at            TIMESTAMPTZ NOT NULL,
	updated_at            TIMESTAMPTZ NOT NULL
);

CREATE TABLE escrows (
	id             UUID PRIMARY KEY,
	campaign_id    UUID NOT NULL UNIQUE,
	ledger_address TEXT NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL
);

CREATE TABLE escrow_entries (
	campaign_id          UUID NOT NULL,
	milestone_id         UUID NOT NULL,
	allocated            NUMERIC(20, 7) NOT NULL,
	currency             TEXT NOT NULL,
	status               TEXT NOT NULL,
	scheduled_release_at TIMESTAMPTZ,
	released_at          TIMESTAMPTZ,
	released_by          UUID,
	release_tx_hash      TEXT,
	PRIMARY KEY (campaign_id, milestone_id)
);

CREATE TABLE transaction_fees (
	transaction_id  UUID PRIMARY KEY,
	ledger_hash     TEXT NOT NULL,
	kind            TEXT NOT NULL,
	base_fee        BIGINT NOT NULL,
	total_fee       BIGINT NOT NULL,
	operation_count INTEGER NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL
);
`

// PostgresContainer wraps a testcontainers Postgres instance with the engine
// schema already applied.
type PostgresContainer struct {
	Container testcontainers.Container
	DSN       string
	DB        *sql.DB
}

// NewPostgresContainer starts a Postgres container, opens a database/sql
// handle against it, and applies the schema. The container is terminated via
// t.Cleanup.
func NewPostgresContainer(t *testing.T) *PostgresContainer {
	t.Helper()

	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("pledger"),
		tcpostgres.WithUsername("pledger"),
		tcpostgres.WithPassword("pledger"),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("postgres connection string: %v", err)
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	if err := db.PingContext(ctx); err != nil {
		t.Fatalf("ping postgres: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if _, err := db.ExecContext(ctx, schema); err != nil {
		t.Fatalf("apply schema: %v", err)
	}

	return &PostgresContainer{Container: container, DSN: dsn, DB: db}
}

// TruncateTables empties the given tables; use between tests for isolation.
func (p *PostgresContainer) TruncateTables(ctx context.Context, tables ...string) error {
	if len(tables) == 0 {
		return nil
	}
	_, err := p.DB.ExecContext(ctx,
		fmt.Sprintf("TRUNCATE TABLE %s CASCADE", strings.Join(tables, ", ")))
	return err
}
