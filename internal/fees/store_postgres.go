package fees

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"pledger/pkg/domain"
	"pledger/pkg/platform/sentinel"
	txcontext "pledger/pkg/platform/tx"
)

// PostgresRecordStore persists fee records in the transaction_fees table.
type PostgresRecordStore struct {
	db *sql.DB
}

func NewPostgresRecordStore(db *sql.DB) *PostgresRecordStore {
	return &PostgresRecordStore{db: db}
}

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *PostgresRecordStore) execer(ctx context.Context) dbExecutor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

func (s *PostgresRecordStore) Create(ctx context.Context, rec Record) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	query := `
		INSERT INTO transaction_fees (transaction_id, ledger_hash, kind, base_fee, total_fee, operation_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := s.execer(ctx).ExecContext(ctx, query,
		uuid.UUID(rec.TransactionID),
		rec.LedgerHash,
		string(rec.Kind),
		rec.BaseFee,
		rec.TotalFee,
		rec.OperationCnt,
		rec.CreatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
		return sentinel.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert fee record: %w", err)
	}
	return nil
}

func (s *PostgresRecordStore) FindByTransaction(ctx context.Context, id domain.TransactionID) (Record, error) {
	query := `
		SELECT transaction_id, ledger_hash, kind, base_fee, total_fee, operation_count, created_at
		FROM transaction_fees WHERE transaction_id = $1
	`
	var (
		rec  Record
		txID uuid.UUID
		kind string
	)
	err := s.execer(ctx).QueryRowContext(ctx, query, uuid.UUID(id)).Scan(
		&txID, &rec.LedgerHash, &kind, &rec.BaseFee, &rec.TotalFee, &rec.OperationCnt, &rec.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, sentinel.ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("select fee record: %w", err)
	}
	rec.TransactionID = domain.TransactionID(txID)
	rec.Kind = domain.TransactionKind(kind)
	return rec, nil
}
