package relay

import "time"

const (
	operationSend                = "send"
	operationSendBatch           = "send_batch"
	operationSetCredits          = "set_credits"
	operationSetDueDate          = "set_due_date"
	operationRenewMonth          = "renew_month"
	operationSetBlockedSenders   = "set_blocked_senders"
	operationAddBlockedSender    = "add_blocked_sender"
	operationRemoveBlockedSender = "remove_blocked_sender"
	operationRecordReceipt       = "record_receipt"
	operationStatusOK            = "ok"
	operationStatusError         = "error"
	operationStatusPartial       = "partial"
	errorOperationService        = "service"
	errorSubjectLedger           = "ledger"
	errorCodeRead                = "read"
	errorCodeWrite               = "write"
	errorCodeRefund              = "refund"
	errorCodeLog                 = "log"

	// MaxLogEntries caps the persisted operation log.
	MaxLogEntries = 1000
	// MaxDeliveryReceipts caps the persisted delivery receipt history.
	MaxDeliveryReceipts = 2000
	// MaxSenderLength is the longest originator the carrier accepts.
	MaxSenderLength = 20
	// MaxWeightedLength is the longest message that can be priced.
	MaxWeightedLength = 200

	messagePreviewLength  = 40
	receiptBackfillWindow = 24 * time.Hour
	dueDateGrace          = 24*time.Hour - time.Millisecond
)
