package gormstore

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/smsrelay/pkg/relay"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	// DefaultDocumentID names the ledger row used when none is configured.
	DefaultDocumentID       = "default"
	emptyDocumentJSON       = "{}"
	pgSerializationFailure  = "40001"
	pgDeadlockDetected      = "40P01"
	sqliteBusyCode          = 5
	sqliteLockedCode        = 6
	maxUpdateAttempts       = 3
	errorOperationStore     = "store"
	errorSubjectDocument    = "document"
	errorSubjectSchema      = "schema"
	errorCodeLoad           = "load"
	errorCodeLock           = "lock"
	errorCodeSeed           = "seed"
	errorCodeSave           = "save"
	errorCodeMigrate        = "migrate"
	errorCodeRetryExhausted = "retry_exhausted"
)

// Backend stores the ledger document in a SQL table through GORM. Updates lock the row inside a
// transaction; the in-process mutex additionally serializes writers on SQLite, which has no row locks.
type Backend struct {
	db         *gorm.DB
	documentID string
	mu         sync.Mutex
	nowFn      func() time.Time
}

// New returns a Backend over db for documentID.
func New(db *gorm.DB, documentID string) *Backend {
	documentID = strings.TrimSpace(documentID)
	if documentID == "" {
		documentID = DefaultDocumentID
	}
	return &Backend{db: db, documentID: documentID, nowFn: time.Now}
}

// Migrate creates the ledger_documents table when missing.
func (backend *Backend) Migrate(ctx context.Context) error {
	if err := backend.db.WithContext(ctx).AutoMigrate(&LedgerDocument{}); err != nil {
		return wrapStoreError(errorSubjectSchema, errorCodeMigrate, err)
	}
	return nil
}

// Load returns the stored document body, or nil when the row does not exist yet.
func (backend *Backend) Load(ctx context.Context) ([]byte, error) {
	var model LedgerDocument
	err := backend.db.WithContext(ctx).
		Where("document_id = ?", backend.documentID).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapStoreError(errorSubjectDocument, errorCodeLoad, err)
	}
	return []byte(model.Body), nil
}

// Update runs fn against the locked row and saves its result in the same transaction.
// Serialization failures and busy databases are retried a bounded number of times.
func (backend *Backend) Update(ctx context.Context, fn func(current []byte) ([]byte, error)) error {
	backend.mu.Lock()
	defer backend.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		lastErr = backend.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
			return backend.updateInTx(transaction, fn)
		})
		if lastErr == nil || !isRetryable(lastErr) {
			return lastErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return wrapStoreError(errorSubjectDocument, errorCodeRetryExhausted, lastErr)
}

func (backend *Backend) updateInTx(transaction *gorm.DB, fn func(current []byte) ([]byte, error)) error {
	now := backend.nowFn().UTC()
	seed := LedgerDocument{
		DocumentID: backend.documentID,
		Body:       datatypes.JSON([]byte(emptyDocumentJSON)),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := transaction.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
		return wrapStoreError(errorSubjectDocument, errorCodeSeed, err)
	}
	var model LedgerDocument
	err := transaction.
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("document_id = ?", backend.documentID).
		Take(&model).Error
	if err != nil {
		return wrapStoreError(errorSubjectDocument, errorCodeLock, err)
	}
	next, err := fn([]byte(model.Body))
	if err != nil {
		return err
	}
	result := transaction.
		Model(&LedgerDocument{}).
		Where("document_id = ?", backend.documentID).
		Updates(map[string]interface{}{
			"body":       datatypes.JSON(next),
			"updated_at": now,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectDocument, errorCodeSave, result.Error)
	}
	return nil
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgSerializationFailure || pgErr.Code == pgDeadlockDetected
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code() & 0xFF
		return code == sqliteBusyCode || code == sqliteLockedCode
	}
	return false
}

func wrapStoreError(subject string, code string, err error) error {
	return relay.WrapError(errorOperationStore, subject, code, err)
}
