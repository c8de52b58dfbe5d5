package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/MarkoPoloResearchLab/smsrelay/pkg/relay"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	headerCacheControl = "Cache-Control"
	cacheNoStore       = "no-store"
)

// RelayService is the domain surface exposed over HTTP.
type RelayService interface {
	Send(ctx context.Context, request relay.SendRequest) (relay.SendResult, error)
	SendBatch(ctx context.Context, request relay.BatchSendRequest) (relay.BatchResult, error)
	Quote(message string, sender string) (relay.Quote, error)
	Credits(ctx context.Context) (relay.Credits, error)
	Subscription(ctx context.Context) (relay.SubscriptionStatus, error)
	SetCredits(ctx context.Context, credits relay.Credits) (relay.Credits, error)
	SetDueDate(ctx context.Context, raw string) (relay.SubscriptionStatus, error)
	RenewMonth(ctx context.Context) (relay.SubscriptionStatus, error)
	RecentLogs(ctx context.Context) ([]relay.LogEntry, error)
	RecentDeliveries(ctx context.Context) ([]relay.DeliveryReceipt, error)
	BlockedSenders(ctx context.Context) ([]string, error)
	SetBlockedSenders(ctx context.Context, raws []string) ([]string, error)
	AddBlockedSender(ctx context.Context, raw string) ([]string, error)
	RemoveBlockedSender(ctx context.Context, raw string) ([]string, error)
	RecordReceipt(ctx context.Context, input relay.ReceiptInput) (relay.DeliveryReceipt, error)
}

type httpHandler struct {
	logger  *zap.Logger
	service RelayService
	gate    *AccessGate
}

type recipientResultView struct {
	To        string `json:"to"`
	OK        bool   `json:"ok"`
	MessageID string `json:"messageId,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (handler *httpHandler) handleIssueToken(ctx *gin.Context) {
	role, subject, ok := handler.gate.basicRole(ctx.Request)
	if !ok {
		ctx.Header(headerAuthenticate, authRealm)
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized"))
		return
	}
	token, expiresAt, err := handler.gate.IssueToken(subject, role)
	if err != nil {
		handler.logger.Error("issue token failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse(relay.MessageInternalError))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"ok":        true,
		"token":     token,
		"role":      role,
		"expiresAt": expiresAt,
	})
}

func (handler *httpHandler) handleSend(ctx *gin.Context) {
	var request sendRequest
	if !handler.bindJSON(ctx, &request) {
		return
	}
	result, err := handler.service.Send(ctx.Request.Context(), relay.SendRequest{
		To:      request.To.String(),
		Message: request.Message.String(),
		Sender:  request.Sender.String(),
		RouteID: request.RouteID.String(),
	})
	if err != nil {
		if result.MessageID == "" {
			handler.respondError(ctx, err)
			return
		}
		// The carrier accepted the message; only the history write failed.
		handler.logger.Error("send history write failed", zap.String("message_id", result.MessageID), zap.Error(err))
	}
	response := gin.H{
		"ok":          true,
		"to":          result.Recipient.String(),
		"messageId":   result.MessageID,
		"creditsUsed": result.CreditsUsed,
		"provider":    rawOrNil(result.Provider),
	}
	if result.Remaining != nil {
		response["remaining"] = *result.Remaining
	}
	if result.Balance != nil {
		response["credits"] = *result.Balance
	}
	ctx.JSON(http.StatusOK, response)
}

func (handler *httpHandler) handleSendBatch(ctx *gin.Context) {
	var request batchSendRequest
	if !handler.bindJSON(ctx, &request) {
		return
	}
	result, err := handler.service.SendBatch(ctx.Request.Context(), relay.BatchSendRequest{
		Sender:     request.Sender.String(),
		Message:    request.Message.String(),
		Recipients: request.Recipients,
		RouteID:    request.RouteID.String(),
	})
	if err != nil && result.Attempted == 0 {
		handler.respondError(ctx, err)
		return
	}
	for _, recipientResult := range result.Results {
		if recipientResult.Cause != nil {
			handler.logger.Warn("batch recipient failed",
				zap.String("recipient", recipientResult.Recipient.String()),
				zap.Error(recipientResult.Cause),
			)
		}
	}
	response := batchResponse(result)
	switch {
	case err != nil:
		handler.logger.Error("batch ledger update failed", zap.Int("attempted", result.Attempted), zap.Error(err))
		response["ok"] = false
		response["error"] = "ledger update failed"
		ctx.JSON(http.StatusInternalServerError, response)
	case result.Success == 0:
		response["ok"] = false
		response["error"] = "all recipients failed"
		ctx.JSON(http.StatusBadGateway, response)
	default:
		ctx.JSON(http.StatusOK, response)
	}
}

func batchResponse(result relay.BatchResult) gin.H {
	views := make([]recipientResultView, 0, len(result.Results))
	for _, recipientResult := range result.Results {
		views = append(views, recipientResultView{
			To:        recipientResult.Recipient.String(),
			OK:        recipientResult.OK,
			MessageID: recipientResult.MessageID,
			Error:     recipientResult.Error,
		})
	}
	return gin.H{
		"ok":         true,
		"attempted":  result.Attempted,
		"success":    result.Success,
		"failed":     result.Failed,
		"perMessage": result.PerMessage,
		"totalUsed":  result.TotalUsed,
		"credits":    result.Credits,
		"results":    views,
	}
}

func (handler *httpHandler) handleQuote(ctx *gin.Context) {
	var request quoteRequest
	if !handler.bindJSON(ctx, &request) {
		return
	}
	quote, err := handler.service.Quote(request.Message, request.Sender)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"ok":             true,
		"weightedLength": quote.WeightedLength,
		"base":           quote.Base,
		"surcharge":      quote.Surcharge,
		"credits":        quote.Credits,
	})
}

func (handler *httpHandler) handleCredits(ctx *gin.Context) {
	ctx.Header(headerCacheControl, cacheNoStore)
	credits, err := handler.service.Credits(ctx.Request.Context())
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"ok": true, "credits": credits})
}

func (handler *httpHandler) handleSubscription(ctx *gin.Context) {
	ctx.Header(headerCacheControl, cacheNoStore)
	status, err := handler.service.Subscription(ctx.Request.Context())
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, subscriptionResponse(status))
}

func subscriptionResponse(status relay.SubscriptionStatus) gin.H {
	var dueDate *string
	if status.DueDate != "" {
		dueDate = &status.DueDate
	}
	return gin.H{
		"ok":        true,
		"dueDate":   dueDate,
		"expired":   status.Expired,
		"expiresAt": status.ExpiresAt,
	}
}

func (handler *httpHandler) handleSetCredits(ctx *gin.Context) {
	var request setCreditsRequest
	if !handler.bindJSON(ctx, &request) {
		return
	}
	credits, err := relay.NewCredits(*request.Credits)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	stored, err := handler.service.SetCredits(ctx.Request.Context(), credits)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"ok": true, "credits": stored})
}

func (handler *httpHandler) handleSetDueDate(ctx *gin.Context) {
	var request setDueDateRequest
	if !handler.bindJSON(ctx, &request) {
		return
	}
	status, err := handler.service.SetDueDate(ctx.Request.Context(), *request.DueDate)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, subscriptionResponse(status))
}

func (handler *httpHandler) handleRenewMonth(ctx *gin.Context) {
	status, err := handler.service.RenewMonth(ctx.Request.Context())
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, subscriptionResponse(status))
}

func (handler *httpHandler) handleLogs(ctx *gin.Context) {
	ctx.Header(headerCacheControl, cacheNoStore)
	logs, err := handler.service.RecentLogs(ctx.Request.Context())
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	if logs == nil {
		logs = []relay.LogEntry{}
	}
	ctx.JSON(http.StatusOK, gin.H{"ok": true, "logs": logs})
}

func (handler *httpHandler) handleDeliveries(ctx *gin.Context) {
	ctx.Header(headerCacheControl, cacheNoStore)
	deliveries, err := handler.service.RecentDeliveries(ctx.Request.Context())
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	if deliveries == nil {
		deliveries = []relay.DeliveryReceipt{}
	}
	ctx.JSON(http.StatusOK, gin.H{"ok": true, "deliveries": deliveries})
}

func (handler *httpHandler) handleBlockedSenders(ctx *gin.Context) {
	ctx.Header(headerCacheControl, cacheNoStore)
	senders, err := handler.service.BlockedSenders(ctx.Request.Context())
	handler.respondBlockedSenders(ctx, senders, err)
}

func (handler *httpHandler) handleSetBlockedSenders(ctx *gin.Context) {
	var request blockedSendersRequest
	if !handler.bindJSON(ctx, &request) {
		return
	}
	senders, err := handler.service.SetBlockedSenders(ctx.Request.Context(), request.Senders)
	handler.respondBlockedSenders(ctx, senders, err)
}

func (handler *httpHandler) handleAddBlockedSender(ctx *gin.Context) {
	var request blockedSenderRequest
	if !handler.bindJSON(ctx, &request) {
		return
	}
	senders, err := handler.service.AddBlockedSender(ctx.Request.Context(), request.Sender)
	handler.respondBlockedSenders(ctx, senders, err)
}

func (handler *httpHandler) handleRemoveBlockedSender(ctx *gin.Context) {
	var request blockedSenderRequest
	if !handler.bindJSON(ctx, &request) {
		return
	}
	senders, err := handler.service.RemoveBlockedSender(ctx.Request.Context(), request.Sender)
	handler.respondBlockedSenders(ctx, senders, err)
}

func (handler *httpHandler) respondBlockedSenders(ctx *gin.Context, senders []string, err error) {
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	if senders == nil {
		senders = []string{}
	}
	ctx.JSON(http.StatusOK, gin.H{"ok": true, "blockedSenders": senders})
}

// Webhooks are always acknowledged so the carrier does not retry.
func (handler *httpHandler) handleReceipt(ctx *gin.Context) {
	var body receiptRequest
	if ctx.Request.ContentLength != 0 {
		if err := ctx.ShouldBind(&body); err != nil {
			handler.logger.Warn("receipt payload unreadable", zap.Error(err))
		}
	}
	var query receiptRequest
	_ = ctx.ShouldBindQuery(&query)
	request := body.fillFrom(query)

	receipt, err := handler.service.RecordReceipt(ctx.Request.Context(), request.input())
	if err != nil {
		handler.logger.Warn("receipt not recorded",
			zap.String("message_id", request.MessageID),
			zap.String("status", request.Status),
			zap.Error(err),
		)
	} else {
		handler.logger.Info("receipt recorded",
			zap.String("message_id", receipt.MessageID),
			zap.String("status", receipt.Status),
		)
	}
	ctx.JSON(http.StatusOK, gin.H{"ok": true})
}

func (handler *httpHandler) handleIncoming(ctx *gin.Context) {
	handler.acknowledgeEvent(ctx, "incoming")
}

func (handler *httpHandler) handleClick(ctx *gin.Context) {
	handler.acknowledgeEvent(ctx, "click")
}

func (handler *httpHandler) acknowledgeEvent(ctx *gin.Context, event string) {
	payload, err := io.ReadAll(ctx.Request.Body)
	if err != nil {
		handler.logger.Warn("webhook payload unreadable", zap.String("event", event), zap.Error(err))
	}
	handler.logger.Info("carrier webhook",
		zap.String("event", event),
		zap.String("query", ctx.Request.URL.RawQuery),
		zap.ByteString("payload", payload),
	)
	ctx.JSON(http.StatusOK, gin.H{"ok": true})
}

func (handler *httpHandler) bindJSON(ctx *gin.Context, target any) bool {
	if err := ctx.ShouldBindJSON(target); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(describeBindingError(err)))
		return false
	}
	return true
}

func (handler *httpHandler) respondError(ctx *gin.Context, err error) {
	status, message := statusForError(err)
	body := errorResponse(message)

	var insufficient relay.InsufficientCreditsError
	if errors.As(err, &insufficient) {
		body["needed"] = insufficient.Needed
		body["credits"] = insufficient.Available
	}
	var upstream relay.UpstreamError
	if errors.As(err, &upstream) && len(upstream.Payload) > 0 {
		body["error"] = upstream.Payload
	}
	if status == http.StatusInternalServerError {
		handler.logger.Error("request failed", zap.String("path", ctx.FullPath()), zap.Error(err))
	}
	ctx.JSON(status, body)
}

// statusForError maps a service error onto the HTTP taxonomy.
func statusForError(err error) (int, string) {
	var upstream relay.UpstreamError
	var gateway relay.GatewayError
	switch {
	case errors.Is(err, relay.ErrSubscriptionExpired):
		return http.StatusPaymentRequired, relay.ErrSubscriptionExpired.Error()
	case errors.Is(err, relay.ErrInsufficientCredits):
		return http.StatusPaymentRequired, relay.ErrInsufficientCredits.Error()
	case relay.IsValidationError(err):
		return http.StatusBadRequest, err.Error()
	case errors.As(err, &upstream):
		if upstream.Status >= http.StatusBadRequest && upstream.Status <= 599 {
			return upstream.Status, upstream.Error()
		}
		return http.StatusBadGateway, upstream.Error()
	case errors.As(err, &gateway):
		return http.StatusBadGateway, relay.MessageCarrierUnreachable
	default:
		return http.StatusInternalServerError, relay.MessageInternalError
	}
}

func errorResponse(message string) gin.H {
	return gin.H{"ok": false, "error": message}
}

func rawOrNil(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
