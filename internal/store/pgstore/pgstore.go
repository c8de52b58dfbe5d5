package pgstore

import (
	"context"
	"errors"
	"strings"

	"github.com/MarkoPoloResearchLab/smsrelay/pkg/relay"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	// DefaultDocumentID names the ledger row used when none is configured.
	DefaultDocumentID       = "default"
	pgSerializationFailure  = "40001"
	pgDeadlockDetected      = "40P01"
	maxUpdateAttempts       = 3
	errorOperationStore     = "store"
	errorSubjectDocument    = "document"
	errorSubjectSchema      = "schema"
	errorSubjectTransaction = "transaction"
	errorCodeBegin          = "begin"
	errorCodeCommit         = "commit"
	errorCodeCreate         = "create"
	errorCodeLoad           = "load"
	errorCodeLock           = "lock"
	errorCodeSeed           = "seed"
	errorCodeSave           = "save"
	errorCodeRetryExhausted = "retry_exhausted"

	sqlCreateTable = `
		create table if not exists ledger_documents (
			document_id text primary key,
			body jsonb not null default '{}'::jsonb,
			created_at timestamptz not null default now(),
			updated_at timestamptz not null default now()
		)
	`

	sqlSelectDocument = `
		select body::text from ledger_documents where document_id = $1
	`

	sqlSeedDocument = `
		insert into ledger_documents(document_id) values ($1)
		on conflict (document_id) do nothing
	`

	sqlSelectDocumentForUpdate = `
		select body::text from ledger_documents where document_id = $1
		for update
	`

	sqlUpdateDocument = `
		update ledger_documents
		set body = $2::jsonb, updated_at = now()
		where document_id = $1
	`
)

// Backend stores the ledger document in PostgreSQL through a pgx pool. Updates hold a row lock for
// the whole read-modify-write.
type Backend struct {
	pool       *pgxpool.Pool
	documentID string
}

// New returns a Backend backed by a pgx pool.
func New(pool *pgxpool.Pool, documentID string) *Backend {
	documentID = strings.TrimSpace(documentID)
	if documentID == "" {
		documentID = DefaultDocumentID
	}
	return &Backend{pool: pool, documentID: documentID}
}

// Connect opens a pgx pool for dsn and verifies it with a ping.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// EnsureSchema creates the ledger_documents table when missing.
func (backend *Backend) EnsureSchema(ctx context.Context) error {
	if _, err := backend.pool.Exec(ctx, sqlCreateTable); err != nil {
		return wrapStoreError(errorSubjectSchema, errorCodeCreate, err)
	}
	return nil
}

// Load returns the stored document body, or nil when the row does not exist yet.
func (backend *Backend) Load(ctx context.Context) ([]byte, error) {
	var body string
	err := backend.pool.QueryRow(ctx, sqlSelectDocument, backend.documentID).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapStoreError(errorSubjectDocument, errorCodeLoad, err)
	}
	return []byte(body), nil
}

// Update runs fn under a row lock and saves its result in the same transaction.
func (backend *Backend) Update(ctx context.Context, fn func(current []byte) ([]byte, error)) error {
	var lastErr error
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		lastErr = backend.updateOnce(ctx, fn)
		if lastErr == nil || !isRetryable(lastErr) {
			return lastErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return wrapStoreError(errorSubjectDocument, errorCodeRetryExhausted, lastErr)
}

func (backend *Backend) updateOnce(ctx context.Context, fn func(current []byte) ([]byte, error)) error {
	tx, err := backend.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	if err := backend.updateInTx(ctx, tx, fn); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (backend *Backend) updateInTx(ctx context.Context, tx pgx.Tx, fn func(current []byte) ([]byte, error)) error {
	if _, err := tx.Exec(ctx, sqlSeedDocument, backend.documentID); err != nil {
		return wrapStoreError(errorSubjectDocument, errorCodeSeed, err)
	}
	var body string
	if err := tx.QueryRow(ctx, sqlSelectDocumentForUpdate, backend.documentID).Scan(&body); err != nil {
		return wrapStoreError(errorSubjectDocument, errorCodeLock, err)
	}
	next, err := fn([]byte(body))
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, sqlUpdateDocument, backend.documentID, string(next)); err != nil {
		return wrapStoreError(errorSubjectDocument, errorCodeSave, err)
	}
	return nil
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgSerializationFailure || pgErr.Code == pgDeadlockDetected
	}
	return false
}

func wrapStoreError(subject string, code string, err error) error {
	return relay.WrapError(errorOperationStore, subject, code, err)
}
