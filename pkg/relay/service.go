package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const (
	defaultDispatchConcurrency = 1
	// HistoryReadLimit bounds log and delivery reads.
	HistoryReadLimit = 200
)

// Service contains the credit-metered dispatch logic over a Store and a Carrier.
type Service struct {
	store            Store
	carrier          Carrier
	nowFn            func() time.Time
	idFn             func() string
	pricing          Pricing
	normalizer       Normalizer
	logger           OperationLogger
	concurrency      int
	limiter          *rate.Limiter
	deductSingleSend bool
}

// WithPricing overrides the default credit calculator.
func WithPricing(pricing Pricing) ServiceOption {
	return func(service *Service) {
		service.pricing = pricing
	}
}

// WithNormalizer overrides the default international recipient normalizer.
func WithNormalizer(normalizer Normalizer) ServiceOption {
	return func(service *Service) {
		service.normalizer = normalizer
	}
}

// WithDispatchLimits bounds carrier calls within a batch: at most concurrency in flight and,
// when perSecond is positive, no more than perSecond calls per second.
func WithDispatchLimits(concurrency int, perSecond float64) ServiceOption {
	return func(service *Service) {
		if concurrency > 0 {
			service.concurrency = concurrency
		}
		if perSecond > 0 {
			service.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
		} else {
			service.limiter = nil
		}
	}
}

// WithSingleSendDeduction makes single sends check and deduct the local balance.
func WithSingleSendDeduction(enabled bool) ServiceOption {
	return func(service *Service) {
		service.deductSingleSend = enabled
	}
}

// WithIDGenerator overrides the log entry id source.
func WithIDGenerator(idFn func() string) ServiceOption {
	return func(service *Service) {
		if idFn != nil {
			service.idFn = idFn
		}
	}
}

// NewService wires a Service.
func NewService(store Store, carrier Carrier, now func() time.Time, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if carrier == nil {
		return nil, fmt.Errorf("%w: carrier dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:       store,
		carrier:     carrier,
		nowFn:       now,
		idFn:        uuid.NewString,
		pricing:     DefaultPricing(),
		normalizer:  DefaultNormalizer(),
		concurrency: defaultDispatchConcurrency,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Quote prices a message without dispatching it.
func (service *Service) Quote(message string, sender string) (Quote, error) {
	return service.pricing.Quote(message, sender)
}

// Snapshot returns the current ledger state.
func (service *Service) Snapshot(ctx context.Context) (LedgerState, error) {
	state, err := service.store.Read(ctx)
	if err != nil {
		return LedgerState{}, wrapServiceError(errorSubjectLedger, errorCodeRead, err)
	}
	return state, nil
}

// Credits returns the current balance.
func (service *Service) Credits(ctx context.Context) (Credits, error) {
	state, err := service.Snapshot(ctx)
	if err != nil {
		return 0, err
	}
	return state.Credits, nil
}

// Subscription reports the due date and whether it has lapsed.
func (service *Service) Subscription(ctx context.Context) (SubscriptionStatus, error) {
	state, err := service.Snapshot(ctx)
	if err != nil {
		return SubscriptionStatus{}, err
	}
	return service.subscriptionStatus(state.DueDate), nil
}

// RecentLogs returns the newest operation log entries, at most HistoryReadLimit.
func (service *Service) RecentLogs(ctx context.Context) ([]LogEntry, error) {
	state, err := service.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return state.RecentLogs(HistoryReadLimit), nil
}

// RecentDeliveries returns the newest delivery receipts, at most HistoryReadLimit.
func (service *Service) RecentDeliveries(ctx context.Context) ([]DeliveryReceipt, error) {
	state, err := service.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return state.RecentDeliveries(HistoryReadLimit), nil
}

// BlockedSenders returns the blocklist.
func (service *Service) BlockedSenders(ctx context.Context) ([]string, error) {
	state, err := service.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return state.BlockedSenders, nil
}

// SetCredits overrides the balance.
func (service *Service) SetCredits(ctx context.Context, credits Credits) (Credits, error) {
	credits, err := NewCredits(credits.Int64())
	if err != nil {
		return 0, err
	}
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if _, err := transactionStore.Write(ctx, LedgerUpdate{Credits: &credits}); err != nil {
			return err
		}
		balance := credits.Int64()
		return transactionStore.AppendLog(ctx, service.newLogEntry(LogEntry{Type: LogSetCredits, Balance: &balance}))
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationSetCredits,
		Credits:   credits,
		Balance:   credits,
		Error:     operationError,
	})
	if operationError != nil {
		return 0, wrapServiceError(errorSubjectLedger, errorCodeWrite, operationError)
	}
	return credits, nil
}

// SetDueDate stores a new due date. An empty value clears it.
func (service *Service) SetDueDate(ctx context.Context, raw string) (SubscriptionStatus, error) {
	dueDate := ""
	if raw != "" {
		normalized, err := NormalizeDueDate(raw)
		if err != nil {
			return SubscriptionStatus{}, fmt.Errorf("%w: %q", err, raw)
		}
		dueDate = normalized
	}
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if _, err := transactionStore.Write(ctx, LedgerUpdate{DueDate: &dueDate}); err != nil {
			return err
		}
		return transactionStore.AppendLog(ctx, service.newLogEntry(LogEntry{Type: LogSetDueDate, DueDate: dueDate}))
	})
	service.logOperation(ctx, OperationLog{Operation: operationSetDueDate, Detail: dueDate, Error: operationError})
	if operationError != nil {
		return SubscriptionStatus{}, wrapServiceError(errorSubjectLedger, errorCodeWrite, operationError)
	}
	return service.subscriptionStatus(dueDate), nil
}

// RenewMonth extends the due date by one calendar month.
func (service *Service) RenewMonth(ctx context.Context) (SubscriptionStatus, error) {
	var renewed string
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		state, err := transactionStore.Read(ctx)
		if err != nil {
			return err
		}
		renewed = RenewMonth(state.DueDate, service.nowFn())
		if _, err := transactionStore.Write(ctx, LedgerUpdate{DueDate: &renewed}); err != nil {
			return err
		}
		return transactionStore.AppendLog(ctx, service.newLogEntry(LogEntry{Type: LogRenewMonth, DueDate: renewed}))
	})
	service.logOperation(ctx, OperationLog{Operation: operationRenewMonth, Detail: renewed, Error: operationError})
	if operationError != nil {
		return SubscriptionStatus{}, wrapServiceError(errorSubjectLedger, errorCodeWrite, operationError)
	}
	return service.subscriptionStatus(renewed), nil
}

// SetBlockedSenders replaces the blocklist.
func (service *Service) SetBlockedSenders(ctx context.Context, raws []string) ([]string, error) {
	senders := make([]string, 0, len(raws))
	for _, raw := range raws {
		sender, err := NewBlockedSenderID(raw)
		if err != nil {
			return nil, err
		}
		senders = append(senders, sender.String())
	}
	return service.updateBlockedSenders(ctx, operationSetBlockedSenders, LogBlockedSendersSet, func([]string) []string {
		return senders
	})
}

// AddBlockedSender adds one identifier to the blocklist.
func (service *Service) AddBlockedSender(ctx context.Context, raw string) ([]string, error) {
	sender, err := NewBlockedSenderID(raw)
	if err != nil {
		return nil, err
	}
	return service.updateBlockedSenders(ctx, operationAddBlockedSender, LogBlockedSenderAdd, func(current []string) []string {
		return append(current, sender.String())
	})
}

// RemoveBlockedSender removes one identifier from the blocklist.
func (service *Service) RemoveBlockedSender(ctx context.Context, raw string) ([]string, error) {
	sender, err := NewBlockedSenderID(raw)
	if err != nil {
		return nil, err
	}
	return service.updateBlockedSenders(ctx, operationRemoveBlockedSender, LogBlockedSenderRemove, func(current []string) []string {
		remaining := make([]string, 0, len(current))
		for _, existing := range current {
			if existing != sender.String() {
				remaining = append(remaining, existing)
			}
		}
		return remaining
	})
}

func (service *Service) updateBlockedSenders(ctx context.Context, operation string, logType LogType, mutate func([]string) []string) ([]string, error) {
	var result []string
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		state, err := transactionStore.Read(ctx)
		if err != nil {
			return err
		}
		next := mutate(append([]string{}, state.BlockedSenders...))
		updated, err := transactionStore.Write(ctx, LedgerUpdate{BlockedSenders: &next})
		if err != nil {
			return err
		}
		result = updated.BlockedSenders
		return transactionStore.AppendLog(ctx, service.newLogEntry(LogEntry{Type: logType, Senders: result}))
	})
	service.logOperation(ctx, OperationLog{Operation: operation, Recipients: len(result), Error: operationError})
	if operationError != nil {
		return nil, wrapServiceError(errorSubjectLedger, errorCodeWrite, operationError)
	}
	return result, nil
}

func (service *Service) subscriptionStatus(dueDate string) SubscriptionStatus {
	status := SubscriptionStatus{
		DueDate: dueDate,
		Expired: IsExpired(dueDate, service.nowFn()),
	}
	if expiresAt, ok := ExpiresAt(dueDate); ok {
		status.ExpiresAt = &expiresAt
	}
	return status
}

func (service *Service) newLogEntry(entry LogEntry) LogEntry {
	entry.ID = service.idFn()
	entry.Time = service.nowFn().UTC()
	return entry
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}
