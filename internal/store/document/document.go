package document

import (
	"context"
	"errors"

	"github.com/MarkoPoloResearchLab/smsrelay/pkg/relay"
)

const (
	errorOperationStore  = "store"
	errorSubjectDocument = "document"
	errorCodeLoad        = "load"
	errorCodeUpdate      = "update"
	errorCodeEncode      = "encode"
)

// ErrNilBackend is returned by New when no backend is supplied.
var ErrNilBackend = errors.New("document backend is nil")

// Backend persists the raw ledger document. Update must run fn and persist its result atomically
// with respect to every other Update on the same document; it may call fn more than once when the
// backend retries an optimistic transaction.
type Backend interface {
	Load(ctx context.Context) ([]byte, error)
	Update(ctx context.Context, fn func(current []byte) ([]byte, error)) error
}

// Store implements relay.Store over a single JSON document held by a Backend.
type Store struct {
	backend Backend
}

// New returns a Store over backend.
func New(backend Backend) (*Store, error) {
	if backend == nil {
		return nil, ErrNilBackend
	}
	return &Store{backend: backend}, nil
}

// WithTx decodes the document once, runs fn against an in-memory view and persists the view when fn succeeds.
// An error returned by fn is passed through unchanged.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore relay.Store) error) error {
	var callbackErr error
	err := store.backend.Update(ctx, func(current []byte) ([]byte, error) {
		callbackErr = nil
		transactionStore := &txStore{state: relay.DecodeLedgerState(current)}
		if err := fn(ctx, transactionStore); err != nil {
			callbackErr = err
			return nil, err
		}
		encoded, err := relay.EncodeLedgerState(transactionStore.state)
		if err != nil {
			return nil, wrapStoreError(errorCodeEncode, err)
		}
		return encoded, nil
	})
	if callbackErr != nil {
		return callbackErr
	}
	if err != nil {
		return wrapStoreError(errorCodeUpdate, err)
	}
	return nil
}

// Read loads and decodes the current document.
func (store *Store) Read(ctx context.Context) (relay.LedgerState, error) {
	raw, err := store.backend.Load(ctx)
	if err != nil {
		return relay.LedgerState{}, wrapStoreError(errorCodeLoad, err)
	}
	return relay.DecodeLedgerState(raw), nil
}

// Write merges update over a fresh read and persists the full document.
func (store *Store) Write(ctx context.Context, update relay.LedgerUpdate) (relay.LedgerState, error) {
	var result relay.LedgerState
	err := store.WithTx(ctx, func(ctx context.Context, transactionStore relay.Store) error {
		var err error
		result, err = transactionStore.Write(ctx, update)
		return err
	})
	return result, err
}

// AppendLog prepends entry to the operation log.
func (store *Store) AppendLog(ctx context.Context, entry relay.LogEntry) error {
	return store.WithTx(ctx, func(ctx context.Context, transactionStore relay.Store) error {
		return transactionStore.AppendLog(ctx, entry)
	})
}

// AppendDelivery prepends receipt to the delivery history.
func (store *Store) AppendDelivery(ctx context.Context, receipt relay.DeliveryReceipt) error {
	return store.WithTx(ctx, func(ctx context.Context, transactionStore relay.Store) error {
		return transactionStore.AppendDelivery(ctx, receipt)
	})
}

// txStore is the in-memory view handed to WithTx callbacks.
type txStore struct {
	state relay.LedgerState
}

func (transactionStore *txStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore relay.Store) error) error {
	return fn(ctx, transactionStore)
}

func (transactionStore *txStore) Read(context.Context) (relay.LedgerState, error) {
	return transactionStore.state.Clone(), nil
}

func (transactionStore *txStore) Write(_ context.Context, update relay.LedgerUpdate) (relay.LedgerState, error) {
	transactionStore.state = transactionStore.state.Merge(update)
	return transactionStore.state.Clone(), nil
}

func (transactionStore *txStore) AppendLog(_ context.Context, entry relay.LogEntry) error {
	transactionStore.state = transactionStore.state.WithLog(entry)
	return nil
}

func (transactionStore *txStore) AppendDelivery(_ context.Context, receipt relay.DeliveryReceipt) error {
	transactionStore.state = transactionStore.state.WithDelivery(receipt)
	return nil
}

func wrapStoreError(code string, err error) error {
	return relay.WrapError(errorOperationStore, errorSubjectDocument, code, err)
}
