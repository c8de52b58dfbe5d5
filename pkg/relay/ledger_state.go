package relay

import (
	"bytes"
	"encoding/json"
	"math"
	"sort"
	"strings"
)

// LedgerState is the whole persisted ledger document.
type LedgerState struct {
	Credits        Credits           `json:"credits"`
	DueDate        string            `json:"dueDate"`
	BlockedSenders []string          `json:"blockedSenders"`
	Logs           []LogEntry        `json:"logs"`
	Deliveries     []DeliveryReceipt `json:"deliveries"`
}

// LedgerUpdate is a partial update. Nil fields are left untouched by Merge.
type LedgerUpdate struct {
	Credits        *Credits
	DueDate        *string
	BlockedSenders *[]string
	Logs           *[]LogEntry
	Deliveries     *[]DeliveryReceipt
}

// DefaultLedgerState returns the state of a ledger that was never written.
func DefaultLedgerState() LedgerState {
	return LedgerState{
		BlockedSenders: []string{},
		Logs:           []LogEntry{},
		Deliveries:     []DeliveryReceipt{},
	}
}

// Clone returns a deep copy so callers never share slices with the store.
func (state LedgerState) Clone() LedgerState {
	clone := state
	clone.BlockedSenders = append([]string{}, state.BlockedSenders...)
	clone.Logs = make([]LogEntry, len(state.Logs))
	for index, entry := range state.Logs {
		clone.Logs[index] = cloneLogEntry(entry)
	}
	clone.Deliveries = append([]DeliveryReceipt{}, state.Deliveries...)
	return clone
}

// Merge applies the provided fields of update over state.
func (state LedgerState) Merge(update LedgerUpdate) LedgerState {
	merged := state.Clone()
	if update.Credits != nil {
		merged.Credits = *update.Credits
	}
	if update.DueDate != nil {
		merged.DueDate = strings.TrimSpace(*update.DueDate)
	}
	if update.BlockedSenders != nil {
		merged.BlockedSenders = normalizeBlockedSenders(*update.BlockedSenders)
	}
	if update.Logs != nil {
		merged.Logs = capLogs(append([]LogEntry{}, (*update.Logs)...))
	}
	if update.Deliveries != nil {
		merged.Deliveries = capDeliveries(append([]DeliveryReceipt{}, (*update.Deliveries)...))
	}
	return merged
}

// WithLog prepends entry and evicts the oldest entries beyond MaxLogEntries.
func (state LedgerState) WithLog(entry LogEntry) LedgerState {
	next := state.Clone()
	next.Logs = capLogs(append([]LogEntry{cloneLogEntry(entry)}, next.Logs...))
	return next
}

// WithDelivery prepends receipt and evicts the oldest receipts beyond MaxDeliveryReceipts.
func (state LedgerState) WithDelivery(receipt DeliveryReceipt) LedgerState {
	next := state.Clone()
	next.Deliveries = capDeliveries(append([]DeliveryReceipt{receipt}, next.Deliveries...))
	return next
}

// IsBlocked reports whether sender is on the blocklist, ignoring case.
func (state LedgerState) IsBlocked(sender string) bool {
	key := strings.ToLower(strings.TrimSpace(sender))
	for _, blocked := range state.BlockedSenders {
		if blocked == key {
			return true
		}
	}
	return false
}

// RecentLogs returns at most limit of the newest log entries.
func (state LedgerState) RecentLogs(limit int) []LogEntry {
	if limit <= 0 || limit > len(state.Logs) {
		limit = len(state.Logs)
	}
	return state.Clone().Logs[:limit]
}

// RecentDeliveries returns at most limit of the newest delivery receipts.
func (state LedgerState) RecentDeliveries(limit int) []DeliveryReceipt {
	if limit <= 0 || limit > len(state.Deliveries) {
		limit = len(state.Deliveries)
	}
	return append([]DeliveryReceipt{}, state.Deliveries[:limit]...)
}

// EncodeLedgerState serializes state into the persisted JSON document.
func EncodeLedgerState(state LedgerState) ([]byte, error) {
	normalized := DefaultLedgerState().Merge(LedgerUpdate{
		Credits:        &state.Credits,
		DueDate:        &state.DueDate,
		BlockedSenders: &state.BlockedSenders,
		Logs:           &state.Logs,
		Deliveries:     &state.Deliveries,
	})
	document := persistedDocument{
		Credits:        normalized.Credits.Int64(),
		BlockedSenders: normalized.BlockedSenders,
		Logs:           normalized.Logs,
		Deliveries:     normalized.Deliveries,
	}
	if normalized.DueDate != "" {
		dueDate := normalized.DueDate
		document.DueDate = &dueDate
	}
	return json.MarshalIndent(document, "", "  ")
}

// DecodeLedgerState parses a persisted document. Missing or malformed fields fall back to defaults
// instead of failing; an unreadable document yields DefaultLedgerState.
func DecodeLedgerState(raw []byte) LedgerState {
	state := DefaultLedgerState()
	if len(bytes.TrimSpace(raw)) == 0 {
		return state
	}
	var document rawDocument
	if err := json.Unmarshal(raw, &document); err != nil {
		return state
	}
	state.Credits = decodeCredits(document.Credits)
	state.DueDate = decodeDueDate(document.DueDate)
	state.BlockedSenders = decodeBlockedSenders(document.BlockedSenders)
	state.Logs = capLogs(decodeLogs(document.Logs))
	state.Deliveries = capDeliveries(decodeDeliveries(document.Deliveries))
	return state
}

type persistedDocument struct {
	Credits        int64             `json:"credits"`
	DueDate        *string           `json:"dueDate"`
	BlockedSenders []string          `json:"blockedSenders"`
	Logs           []LogEntry        `json:"logs"`
	Deliveries     []DeliveryReceipt `json:"deliveries"`
}

type rawDocument struct {
	Credits        json.RawMessage `json:"credits"`
	DueDate        json.RawMessage `json:"dueDate"`
	BlockedSenders json.RawMessage `json:"blockedSenders"`
	Logs           json.RawMessage `json:"logs"`
	Deliveries     json.RawMessage `json:"deliveries"`
}

func decodeCredits(raw json.RawMessage) Credits {
	var number float64
	if err := json.Unmarshal(raw, &number); err != nil {
		var text string
		if json.Unmarshal(raw, &text) != nil {
			return 0
		}
		if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &number); err != nil {
			return 0
		}
	}
	if math.IsNaN(number) || math.IsInf(number, 0) || number <= 0 {
		return 0
	}
	if number > math.MaxInt64/2 {
		return Credits(math.MaxInt64 / 2)
	}
	return Credits(math.Floor(number))
}

func decodeDueDate(raw json.RawMessage) string {
	var dueDate string
	if err := json.Unmarshal(raw, &dueDate); err != nil {
		return ""
	}
	return strings.TrimSpace(dueDate)
}

func decodeBlockedSenders(raw json.RawMessage) []string {
	var elements []json.RawMessage
	if err := json.Unmarshal(raw, &elements); err != nil {
		return []string{}
	}
	senders := make([]string, 0, len(elements))
	for _, element := range elements {
		var sender string
		if json.Unmarshal(element, &sender) == nil {
			senders = append(senders, sender)
		}
	}
	return normalizeBlockedSenders(senders)
}

func decodeLogs(raw json.RawMessage) []LogEntry {
	var elements []json.RawMessage
	if err := json.Unmarshal(raw, &elements); err != nil {
		return []LogEntry{}
	}
	entries := make([]LogEntry, 0, len(elements))
	for _, element := range elements {
		var entry LogEntry
		if json.Unmarshal(element, &entry) == nil {
			entries = append(entries, entry)
		}
	}
	return entries
}

func decodeDeliveries(raw json.RawMessage) []DeliveryReceipt {
	var elements []json.RawMessage
	if err := json.Unmarshal(raw, &elements); err != nil {
		return []DeliveryReceipt{}
	}
	receipts := make([]DeliveryReceipt, 0, len(elements))
	for _, element := range elements {
		var receipt DeliveryReceipt
		if json.Unmarshal(element, &receipt) == nil {
			receipts = append(receipts, receipt)
		}
	}
	return receipts
}

func normalizeBlockedSenders(raw []string) []string {
	seen := make(map[string]struct{}, len(raw))
	senders := make([]string, 0, len(raw))
	for _, sender := range raw {
		key := strings.ToLower(strings.TrimSpace(sender))
		if key == "" {
			continue
		}
		if _, exists := seen[key]; exists {
			continue
		}
		seen[key] = struct{}{}
		senders = append(senders, key)
	}
	sort.Strings(senders)
	return senders
}

func capLogs(entries []LogEntry) []LogEntry {
	if len(entries) > MaxLogEntries {
		return entries[:MaxLogEntries]
	}
	return entries
}

func capDeliveries(receipts []DeliveryReceipt) []DeliveryReceipt {
	if len(receipts) > MaxDeliveryReceipts {
		return receipts[:MaxDeliveryReceipts]
	}
	return receipts
}

func cloneLogEntry(entry LogEntry) LogEntry {
	clone := entry
	if entry.Balance != nil {
		balance := *entry.Balance
		clone.Balance = &balance
	}
	if entry.Senders != nil {
		clone.Senders = append([]string{}, entry.Senders...)
	}
	if entry.DeliveryUpdatedAt != nil {
		updatedAt := *entry.DeliveryUpdatedAt
		clone.DeliveryUpdatedAt = &updatedAt
	}
	return clone
}
