package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

var fixedNow = time.Date(2024, time.March, 15, 12, 0, 0, 0, time.UTC)

type memoryStore struct {
	mu       sync.Mutex
	state    LedgerState
	writes   int
	readErr  error
	writeErr error
}

func newMemoryStore(test *testing.T, credits Credits) *memoryStore {
	test.Helper()
	state := DefaultLedgerState()
	state.Credits = credits
	return &memoryStore{state: state}
}

func (store *memoryStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	transaction := &memoryTx{parent: store, state: store.state.Clone()}
	if err := fn(ctx, transaction); err != nil {
		return err
	}
	store.state = transaction.state
	store.writes++
	return nil
}

func (store *memoryStore) Read(ctx context.Context) (LedgerState, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.readErr != nil {
		return LedgerState{}, store.readErr
	}
	return store.state.Clone(), nil
}

func (store *memoryStore) Write(ctx context.Context, update LedgerUpdate) (LedgerState, error) {
	var result LedgerState
	err := store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		var err error
		result, err = txStore.Write(ctx, update)
		return err
	})
	return result, err
}

func (store *memoryStore) AppendLog(ctx context.Context, entry LogEntry) error {
	return store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		return txStore.AppendLog(ctx, entry)
	})
}

func (store *memoryStore) AppendDelivery(ctx context.Context, receipt DeliveryReceipt) error {
	return store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		return txStore.AppendDelivery(ctx, receipt)
	})
}

func (store *memoryStore) snapshot() LedgerState {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.state.Clone()
}

func (store *memoryStore) setDueDate(dueDate string) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.state.DueDate = dueDate
}

func (store *memoryStore) setBlocked(senders ...string) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.state.BlockedSenders = normalizeBlockedSenders(senders)
}

type memoryTx struct {
	parent *memoryStore
	state  LedgerState
}

func (transaction *memoryTx) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, transaction)
}

func (transaction *memoryTx) Read(context.Context) (LedgerState, error) {
	if transaction.parent.readErr != nil {
		return LedgerState{}, transaction.parent.readErr
	}
	return transaction.state.Clone(), nil
}

func (transaction *memoryTx) Write(_ context.Context, update LedgerUpdate) (LedgerState, error) {
	if transaction.parent.writeErr != nil {
		return LedgerState{}, transaction.parent.writeErr
	}
	transaction.state = transaction.state.Merge(update)
	return transaction.state.Clone(), nil
}

func (transaction *memoryTx) AppendLog(_ context.Context, entry LogEntry) error {
	if transaction.parent.writeErr != nil {
		return transaction.parent.writeErr
	}
	transaction.state = transaction.state.WithLog(entry)
	return nil
}

func (transaction *memoryTx) AppendDelivery(_ context.Context, receipt DeliveryReceipt) error {
	if transaction.parent.writeErr != nil {
		return transaction.parent.writeErr
	}
	transaction.state = transaction.state.WithDelivery(receipt)
	return nil
}

type stubCarrier struct {
	mu       sync.Mutex
	calls    []OutboundMessage
	failures map[Recipient]error
	err      error
}

func newStubCarrier() *stubCarrier {
	return &stubCarrier{failures: make(map[Recipient]error)}
}

func (carrier *stubCarrier) Send(_ context.Context, message OutboundMessage) (CarrierAcceptance, error) {
	carrier.mu.Lock()
	defer carrier.mu.Unlock()
	carrier.calls = append(carrier.calls, message)
	if carrier.err != nil {
		return CarrierAcceptance{}, carrier.err
	}
	if failure, ok := carrier.failures[message.Recipient]; ok {
		return CarrierAcceptance{}, failure
	}
	messageID := fmt.Sprintf("msg-%d", len(carrier.calls))
	remaining := 99.5
	payload, _ := json.Marshal(map[string]any{"id": messageID})
	return CarrierAcceptance{MessageID: messageID, Remaining: &remaining, Payload: payload}, nil
}

func (carrier *stubCarrier) callCount() int {
	carrier.mu.Lock()
	defer carrier.mu.Unlock()
	return len(carrier.calls)
}

type recorderLogger struct {
	mu      sync.Mutex
	entries []OperationLog
}

func (logger *recorderLogger) LogOperation(_ context.Context, entry OperationLog) {
	logger.mu.Lock()
	defer logger.mu.Unlock()
	logger.entries = append(logger.entries, entry)
}

func mustNewService(test *testing.T, store Store, carrier Carrier, options ...ServiceOption) *Service {
	test.Helper()
	sequence := 0
	options = append([]ServiceOption{WithIDGenerator(func() string {
		sequence++
		return fmt.Sprintf("entry-%d", sequence)
	})}, options...)
	service, err := NewService(store, carrier, func() time.Time { return fixedNow }, options...)
	if err != nil {
		test.Fatalf("service init failed: %v", err)
	}
	return service
}

func mustNormalizer(test *testing.T, regime PhoneRegime) Normalizer {
	test.Helper()
	normalizer, err := NewNormalizer(regime, "972")
	if err != nil {
		test.Fatalf("normalizer init failed: %v", err)
	}
	return normalizer
}

var errCarrierDown = errors.New("connection refused")
