package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Credits is the relay's internal billing unit.
type Credits int64

// NewCredits validates a balance and ensures it is not negative.
func NewCredits(raw int64) (Credits, error) {
	if raw < 0 {
		return 0, fmt.Errorf("%w: must not be negative", ErrInvalidCredits)
	}
	return Credits(raw), nil
}

// Int64 returns the raw credit count.
func (credits Credits) Int64() int64 {
	return int64(credits)
}

var blockedSenderPattern = regexp.MustCompile(`^[a-z0-9_-]{1,20}$`)

// SenderID is the display originator of an outbound message.
type SenderID struct {
	value string
}

// NewSenderID trims the originator and truncates it to MaxSenderLength characters.
func NewSenderID(raw string) (SenderID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return SenderID{}, ErrEmptySender
	}
	runes := []rune(trimmed)
	if len(runes) > MaxSenderLength {
		trimmed = strings.TrimSpace(string(runes[:MaxSenderLength]))
	}
	return SenderID{value: trimmed}, nil
}

// String returns the normalized originator.
func (sender SenderID) String() string {
	return sender.value
}

// Key returns the case-folded form used for blocklist and surcharge lookups.
func (sender SenderID) Key() string {
	return strings.ToLower(sender.value)
}

// BlockedSenderID is a lower-cased blocklist identifier.
type BlockedSenderID struct {
	value string
}

// NewBlockedSenderID validates a blocklist identifier: lower-case alphanumerics, underscore or dash, at most 20 characters.
func NewBlockedSenderID(raw string) (BlockedSenderID, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	if !blockedSenderPattern.MatchString(normalized) {
		return BlockedSenderID{}, fmt.Errorf("%w: %q", ErrInvalidSenderID, raw)
	}
	return BlockedSenderID{value: normalized}, nil
}

// String returns the normalized identifier.
func (id BlockedSenderID) String() string {
	return id.value
}

// Recipient is a canonical phone number accepted by the carrier.
type Recipient string

// String returns the canonical number.
func (recipient Recipient) String() string {
	return string(recipient)
}

// LogType enumerates operation log entry kinds.
type LogType string

const (
	LogSingleSend          LogType = "single_send"
	LogBatchSend           LogType = "batch_send"
	LogSetCredits          LogType = "set_credits"
	LogSetDueDate          LogType = "set_due_date"
	LogRenewMonth          LogType = "renew_month"
	LogBlockedSendersSet   LogType = "blocked_senders_set"
	LogBlockedSenderAdd    LogType = "blocked_sender_add"
	LogBlockedSenderRemove LogType = "blocked_sender_remove"
)

// LogEntry is one line of the operation history. Entries are immutable once appended,
// except for the delivery status backfill performed by RecordReceipt.
type LogEntry struct {
	ID                string     `json:"id,omitempty"`
	Time              time.Time  `json:"time"`
	Type              LogType    `json:"type"`
	Sender            string     `json:"sender,omitempty"`
	Recipient         string     `json:"to,omitempty"`
	Recipients        int        `json:"recipients,omitempty"`
	MessageID         string     `json:"messageId,omitempty"`
	CreditsUsed       int64      `json:"creditsUsed,omitempty"`
	Attempted         int        `json:"attempted,omitempty"`
	Success           int        `json:"success,omitempty"`
	Failed            int        `json:"failed,omitempty"`
	Balance           *int64     `json:"balance,omitempty"`
	Preview           string     `json:"preview,omitempty"`
	DueDate           string     `json:"dueDate,omitempty"`
	Senders           []string   `json:"senders,omitempty"`
	DeliveryStatus    string     `json:"deliveryStatus,omitempty"`
	DeliveryUpdatedAt *time.Time `json:"deliveryUpdatedAt,omitempty"`
}

// DeliveryReceipt is an asynchronous carrier delivery report.
type DeliveryReceipt struct {
	Time      time.Time `json:"time"`
	MessageID string    `json:"messageId"`
	Status    string    `json:"status"`
	Recipient string    `json:"recipient"`
	Timestamp string    `json:"timestamp,omitempty"`
}

// SendRequest is a single outbound message request.
type SendRequest struct {
	To      string
	Message string
	Sender  string
	RouteID string
}

// SendResult describes an accepted single send.
type SendResult struct {
	Recipient   Recipient
	MessageID   string
	CreditsUsed Credits
	Remaining   *float64
	Balance     *Credits
	Provider    json.RawMessage
}

// BatchSendRequest is one message fanned out to many recipients.
type BatchSendRequest struct {
	Sender     string
	Message    string
	Recipients []string
	RouteID    string
}

// RecipientResult is the per-recipient outcome of a batch send.
type RecipientResult struct {
	Recipient Recipient
	OK        bool
	MessageID string
	// Error is safe to show to the caller; Cause keeps the full failure for server-side logs.
	Error string
	Cause error
}

// BatchResult aggregates a batch send.
type BatchResult struct {
	Attempted  int
	Success    int
	Failed     int
	PerMessage Credits
	TotalUsed  Credits
	Credits    Credits
	Results    []RecipientResult
}

// ReceiptInput is the payload of a carrier delivery callback.
type ReceiptInput struct {
	MessageID string
	Status    string
	Recipient string
	Timestamp string
}

// SubscriptionStatus is a read view over the ledger's due date.
type SubscriptionStatus struct {
	DueDate   string
	Expired   bool
	ExpiresAt *time.Time
}

// OutboundMessage is the carrier-facing form of one message to one recipient.
type OutboundMessage struct {
	Sender    string
	Recipient Recipient
	Body      string
	RouteID   string
}

// CarrierAcceptance is the carrier's success envelope.
type CarrierAcceptance struct {
	MessageID string
	Remaining *float64
	Payload   json.RawMessage
}

// Carrier is the outbound text-message provider.
type Carrier interface {
	Send(ctx context.Context, message OutboundMessage) (CarrierAcceptance, error)
}

// Store is the persistence contract used by Service. Every mutation is a read-modify-write of the
// whole ledger document; WithTx runs fn against a transactional view so a sequence of reads and
// writes commits atomically.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	Read(ctx context.Context) (LedgerState, error)
	Write(ctx context.Context, update LedgerUpdate) (LedgerState, error)
	AppendLog(ctx context.Context, entry LogEntry) error
	AppendDelivery(ctx context.Context, receipt DeliveryReceipt) error
}
