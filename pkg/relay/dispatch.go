package relay

import (
	"context"
	"errors"
	"strings"

	"golang.org/x/sync/errgroup"
)

type dispatchOutcome struct {
	acceptance CarrierAcceptance
	err        error
}

// Send dispatches one message. The gates run in a fixed order and the first failure short-circuits:
// subscription, phone shape, message, cost, sender, blocklist, recipient.
func (service *Service) Send(ctx context.Context, request SendRequest) (SendResult, error) {
	result, err := service.send(ctx, request)
	service.logOperation(ctx, OperationLog{
		Operation:  operationSend,
		Sender:     strings.TrimSpace(request.Sender),
		Recipients: 1,
		Credits:    result.CreditsUsed,
		Detail:     result.MessageID,
		Error:      err,
	})
	return result, err
}

func (service *Service) send(ctx context.Context, request SendRequest) (SendResult, error) {
	state, err := service.store.Read(ctx)
	if err != nil {
		return SendResult{}, wrapServiceError(errorSubjectLedger, errorCodeRead, err)
	}
	if IsExpired(state.DueDate, service.nowFn()) {
		return SendResult{}, ErrSubscriptionExpired
	}
	if !LooksLikePhone(request.To) {
		return SendResult{}, ErrInvalidPhone
	}
	if strings.TrimSpace(request.Message) == "" {
		return SendResult{}, ErrEmptyMessage
	}
	quote, err := service.pricing.Quote(request.Message, request.Sender)
	if err != nil {
		return SendResult{}, err
	}
	sender, err := NewSenderID(request.Sender)
	if err != nil {
		return SendResult{}, err
	}
	if state.IsBlocked(sender.Key()) {
		return SendResult{}, ErrSenderBlocked
	}
	recipient, ok := service.normalizer.Normalize(request.To)
	if !ok {
		return SendResult{}, ErrInvalidRecipient
	}

	if service.deductSingleSend {
		if _, err := service.hold(ctx, quote.Credits); err != nil {
			return SendResult{}, err
		}
	}

	acceptance, sendErr := service.carrier.Send(ctx, OutboundMessage{
		Sender:    sender.String(),
		Recipient: recipient,
		Body:      request.Message,
		RouteID:   strings.TrimSpace(request.RouteID),
	})
	if sendErr != nil {
		if service.deductSingleSend {
			if _, refundErr := service.refund(context.WithoutCancel(ctx), quote.Credits); refundErr != nil {
				return SendResult{}, errors.Join(sendErr, refundErr)
			}
		}
		return SendResult{}, sendErr
	}

	result := SendResult{
		Recipient:   recipient,
		MessageID:   acceptance.MessageID,
		CreditsUsed: quote.Credits,
		Remaining:   acceptance.Remaining,
		Provider:    acceptance.Payload,
	}
	entry := LogEntry{
		Type:        LogSingleSend,
		Sender:      sender.String(),
		Recipient:   recipient.String(),
		Recipients:  1,
		MessageID:   acceptance.MessageID,
		CreditsUsed: quote.Credits.Int64(),
		Preview:     messagePreview(request.Message),
	}
	logErr := service.store.WithTx(context.WithoutCancel(ctx), func(ctx context.Context, transactionStore Store) error {
		if service.deductSingleSend {
			state, err := transactionStore.Read(ctx)
			if err != nil {
				return err
			}
			balance := state.Credits
			result.Balance = &balance
			entry.Balance = ptrInt64(balance.Int64())
		}
		return transactionStore.AppendLog(ctx, service.newLogEntry(entry))
	})
	if logErr != nil {
		return result, wrapServiceError(errorSubjectLedger, errorCodeLog, logErr)
	}
	return result, nil
}

// SendBatch fans one message out to many recipients. The balance for every recipient is held before
// any carrier call; after dispatch the share of failed recipients is refunded, so the net deduction
// is the per-message cost times the accepted count.
func (service *Service) SendBatch(ctx context.Context, request BatchSendRequest) (BatchResult, error) {
	result, err := service.sendBatch(ctx, request)
	entry := OperationLog{
		Operation:  operationSendBatch,
		Sender:     strings.TrimSpace(request.Sender),
		Recipients: result.Attempted,
		Credits:    result.TotalUsed,
		Balance:    result.Credits,
		Error:      err,
	}
	if err == nil && result.Failed > 0 {
		entry.Status = operationStatusPartial
	}
	service.logOperation(ctx, entry)
	return result, err
}

func (service *Service) sendBatch(ctx context.Context, request BatchSendRequest) (BatchResult, error) {
	state, err := service.store.Read(ctx)
	if err != nil {
		return BatchResult{}, wrapServiceError(errorSubjectLedger, errorCodeRead, err)
	}
	if IsExpired(state.DueDate, service.nowFn()) {
		return BatchResult{}, ErrSubscriptionExpired
	}
	sender, err := NewSenderID(request.Sender)
	if err != nil {
		return BatchResult{}, err
	}
	if state.IsBlocked(sender.Key()) {
		return BatchResult{}, ErrSenderBlocked
	}
	if strings.TrimSpace(request.Message) == "" {
		return BatchResult{}, ErrEmptyMessage
	}
	quote, err := service.pricing.Quote(request.Message, request.Sender)
	if err != nil {
		return BatchResult{}, err
	}
	recipients := service.normalizer.NormalizeAll(request.Recipients)
	if len(recipients) == 0 {
		return BatchResult{}, ErrNoRecipients
	}
	totalNeeded := quote.Credits * Credits(len(recipients))
	if _, err := service.hold(ctx, totalNeeded); err != nil {
		return BatchResult{}, err
	}

	// In-flight batches are not cancelled when the caller goes away.
	dispatchCtx := context.WithoutCancel(ctx)
	routeID := strings.TrimSpace(request.RouteID)
	messages := make([]OutboundMessage, len(recipients))
	for index, recipient := range recipients {
		messages[index] = OutboundMessage{Sender: sender.String(), Recipient: recipient, Body: request.Message, RouteID: routeID}
	}
	outcomes := service.dispatchAll(dispatchCtx, messages)

	result := BatchResult{
		Attempted:  len(recipients),
		PerMessage: quote.Credits,
		Results:    make([]RecipientResult, len(recipients)),
	}
	for index, outcome := range outcomes {
		recipientResult := RecipientResult{Recipient: recipients[index]}
		if outcome.err != nil {
			recipientResult.Error = describeDispatchError(outcome.err)
			recipientResult.Cause = outcome.err
			result.Failed++
		} else {
			recipientResult.OK = true
			recipientResult.MessageID = outcome.acceptance.MessageID
			result.Success++
		}
		result.Results[index] = recipientResult
	}
	result.TotalUsed = quote.Credits * Credits(result.Success)

	finalizeErr := service.store.WithTx(dispatchCtx, func(ctx context.Context, transactionStore Store) error {
		state, err := transactionStore.Read(ctx)
		if err != nil {
			return err
		}
		balance := state.Credits + (totalNeeded - result.TotalUsed)
		if _, err := transactionStore.Write(ctx, LedgerUpdate{Credits: &balance}); err != nil {
			return err
		}
		result.Credits = balance
		return transactionStore.AppendLog(ctx, service.newLogEntry(LogEntry{
			Type:        LogBatchSend,
			Sender:      sender.String(),
			Recipients:  result.Attempted,
			CreditsUsed: result.TotalUsed.Int64(),
			Attempted:   result.Attempted,
			Success:     result.Success,
			Failed:      result.Failed,
			Balance:     ptrInt64(balance.Int64()),
			Preview:     messagePreview(request.Message),
		}))
	})
	if finalizeErr != nil {
		return result, wrapServiceError(errorSubjectLedger, errorCodeRefund, finalizeErr)
	}
	return result, nil
}

// dispatchAll issues the carrier calls within the configured concurrency and rate bounds.
// A failed recipient is recorded and never retried; it does not stop the others.
func (service *Service) dispatchAll(ctx context.Context, messages []OutboundMessage) []dispatchOutcome {
	outcomes := make([]dispatchOutcome, len(messages))
	var group errgroup.Group
	group.SetLimit(service.concurrency)
	for index, message := range messages {
		index, message := index, message
		group.Go(func() error {
			if service.limiter != nil {
				if err := service.limiter.Wait(ctx); err != nil {
					outcomes[index] = dispatchOutcome{err: GatewayError{Err: err}}
					return nil
				}
			}
			acceptance, err := service.carrier.Send(ctx, message)
			outcomes[index] = dispatchOutcome{acceptance: acceptance, err: err}
			return nil
		})
	}
	_ = group.Wait()
	return outcomes
}

// hold deducts amount if the balance covers it.
func (service *Service) hold(ctx context.Context, amount Credits) (Credits, error) {
	var balance Credits
	err := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		state, err := transactionStore.Read(ctx)
		if err != nil {
			return err
		}
		if state.Credits < amount {
			return InsufficientCreditsError{Needed: amount, Available: state.Credits}
		}
		balance = state.Credits - amount
		_, err = transactionStore.Write(ctx, LedgerUpdate{Credits: &balance})
		return err
	})
	return balance, err
}

func (service *Service) refund(ctx context.Context, amount Credits) (Credits, error) {
	var balance Credits
	err := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		state, err := transactionStore.Read(ctx)
		if err != nil {
			return err
		}
		balance = state.Credits + amount
		_, err = transactionStore.Write(ctx, LedgerUpdate{Credits: &balance})
		return err
	})
	if err != nil {
		return 0, wrapServiceError(errorSubjectLedger, errorCodeRefund, err)
	}
	return balance, nil
}

// describeDispatchError passes the carrier's own error payload through and hides everything else.
func describeDispatchError(err error) string {
	var upstream UpstreamError
	var gateway GatewayError
	switch {
	case errors.As(err, &upstream):
		if len(upstream.Payload) > 0 {
			return string(upstream.Payload)
		}
		return upstream.Error()
	case errors.As(err, &gateway):
		return MessageCarrierUnreachable
	default:
		return MessageInternalError
	}
}

func messagePreview(message string) string {
	runes := []rune(message)
	if len(runes) <= messagePreviewLength {
		return message
	}
	return string(runes[:messagePreviewLength])
}

func ptrInt64(value int64) *int64 {
	return &value
}
