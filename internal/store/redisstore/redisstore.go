package redisstore

import (
	"context"
	"errors"
	"strings"

	"github.com/MarkoPoloResearchLab/smsrelay/pkg/relay"
	"github.com/go-redis/redis/v8"
)

const (
	// DefaultKey is the redis key that holds the ledger document.
	DefaultKey              = "smsrelay:ledger"
	maxUpdateAttempts       = 10
	errorOperationStore     = "store"
	errorSubjectDocument    = "document"
	errorCodeLoad           = "load"
	errorCodeUpdate         = "update"
	errorCodeRetryExhausted = "retry_exhausted"
)

// Config describes the redis connection.
type Config struct {
	Address  string
	Password string
	DB       int
	Key      string
}

// Backend stores the ledger document under a single redis key. Updates use WATCH/MULTI, so a
// concurrent writer from any process aborts the transaction and the update is retried.
type Backend struct {
	client *redis.Client
	key    string
}

// NewClient returns a redis client for cfg.
func NewClient(cfg Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// New returns a Backend over client for key.
func New(client *redis.Client, key string) *Backend {
	key = strings.TrimSpace(key)
	if key == "" {
		key = DefaultKey
	}
	return &Backend{client: client, key: key}
}

// Load returns the stored document, or nil when the key is absent.
func (backend *Backend) Load(ctx context.Context) ([]byte, error) {
	raw, err := backend.client.Get(ctx, backend.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapStoreError(errorCodeLoad, err)
	}
	return raw, nil
}

// Update runs fn inside an optimistic transaction. fn may be invoked again after a conflicting write.
func (backend *Backend) Update(ctx context.Context, fn func(current []byte) ([]byte, error)) error {
	var callbackErr error
	transaction := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, backend.key).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return wrapStoreError(errorCodeLoad, err)
		}
		next, err := fn(current)
		if err != nil {
			callbackErr = err
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, backend.key, next, 0)
			return nil
		})
		return err
	}
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		callbackErr = nil
		err := backend.client.Watch(ctx, transaction, backend.key)
		if err == nil {
			return nil
		}
		if callbackErr != nil {
			return callbackErr
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return wrapStoreError(errorCodeUpdate, err)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
	}
	return wrapStoreError(errorCodeRetryExhausted, redis.TxFailedErr)
}

// Ping verifies connectivity.
func (backend *Backend) Ping(ctx context.Context) error {
	return backend.client.Ping(ctx).Err()
}

func wrapStoreError(code string, err error) error {
	return relay.WrapError(errorOperationStore, errorSubjectDocument, code, err)
}
