package relay

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// RecordReceipt stores a carrier delivery callback and stamps its status on the newest batch log
// entry from the last 24 hours.
//
// The backfill is not keyed by message id or recipient. Under rapid or concurrent sends a receipt can
// land on the wrong batch entry; the stamped status is a hint, the receipt history is authoritative.
func (service *Service) RecordReceipt(ctx context.Context, input ReceiptInput) (DeliveryReceipt, error) {
	messageID := strings.TrimSpace(input.MessageID)
	status := strings.ToUpper(strings.TrimSpace(input.Status))
	recipient := strings.TrimSpace(input.Recipient)
	if messageID == "" || status == "" || recipient == "" {
		return DeliveryReceipt{}, fmt.Errorf("%w: messageId, status and recipient are required", ErrInvalidReceipt)
	}
	now := service.nowFn().UTC()
	receipt := DeliveryReceipt{
		Time:      now,
		MessageID: messageID,
		Status:    status,
		Recipient: recipient,
		Timestamp: strings.TrimSpace(input.Timestamp),
	}
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if err := transactionStore.AppendDelivery(ctx, receipt); err != nil {
			return err
		}
		state, err := transactionStore.Read(ctx)
		if err != nil {
			return err
		}
		logs, stamped := backfillDeliveryStatus(state.Logs, status, now)
		if !stamped {
			return nil
		}
		_, err = transactionStore.Write(ctx, LedgerUpdate{Logs: &logs})
		return err
	})
	service.logOperation(ctx, OperationLog{
		Operation:  operationRecordReceipt,
		Recipients: 1,
		Detail:     messageID + " " + status,
		Error:      operationError,
	})
	if operationError != nil {
		return DeliveryReceipt{}, operationError
	}
	return receipt, nil
}

// backfillDeliveryStatus stamps the newest batch entry inside the trailing window.
func backfillDeliveryStatus(logs []LogEntry, status string, now time.Time) ([]LogEntry, bool) {
	windowStart := now.Add(-receiptBackfillWindow)
	for index, entry := range logs {
		if entry.Type != LogBatchSend {
			continue
		}
		if entry.Time.Before(windowStart) {
			return logs, false
		}
		updated := make([]LogEntry, len(logs))
		copy(updated, logs)
		stampedAt := now
		updated[index].DeliveryStatus = status
		updated[index].DeliveryUpdatedAt = &stampedAt
		return updated, true
	}
	return logs, false
}
