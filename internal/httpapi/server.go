package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const headerRequestID = "X-Request-ID"

var ginModeOnce sync.Once

// NewRouter validates cfg and builds the HTTP surface over service.
func NewRouter(cfg Config, service RelayService, logger *zap.Logger, now func() time.Time) (*gin.Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("http config: %w", err)
	}
	if service == nil {
		return nil, errors.New("http router: relay service is nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := registerValidators(); err != nil {
		return nil, fmt.Errorf("http validators: %w", err)
	}
	handler := &httpHandler{
		logger:  logger,
		service: service,
		gate:    NewAccessGate(cfg, now),
	}
	return setupRouter(cfg, handler), nil
}

// Run serves handler on listenAddr until ctx is cancelled, then shuts down gracefully.
func Run(ctx context.Context, listenAddr string, handler http.Handler, logger *zap.Logger) error {
	server := &http.Server{
		Addr:              listenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("smsrelay listening", zap.String("addr", listenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func setupRouter(cfg Config, handler *httpHandler) *gin.Engine {
	ginModeOnce.Do(func() { gin.SetMode(gin.ReleaseMode) })
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(handler.logger))
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Content-Type", "Authorization", headerAPIKey, "Origin", "Accept"},
		ExposeHeaders:    []string{headerRequestID},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	gate := handler.gate
	requireAdmin := gate.Require(RoleAdmin, false)
	requireUser := gate.Require(RoleUser, false)
	requireSender := gate.Require(RoleUser, true)

	api := router.Group("/api")
	api.Use(limitBody(cfg.MaxBodyBytes))

	if gate.TokensEnabled() {
		api.POST("/auth/token", handler.handleIssueToken)
	}

	api.POST("/sms/send", requireSender, handler.handleSend)
	api.POST("/sms/send-batch", requireSender, handler.handleSendBatch)
	api.POST("/sms/quote", requireUser, handler.handleQuote)

	webhookMethods := []string{http.MethodGet, http.MethodPost}
	api.Match(webhookMethods, "/sms/receipt", handler.handleReceipt)
	api.Match(webhookMethods, "/sms/incoming", handler.handleIncoming)
	api.Match(webhookMethods, "/sms/click", handler.handleClick)

	api.GET("/credits", requireUser, handler.handleCredits)
	api.GET("/credits/public", handler.handleCredits)
	api.POST("/credits/set", requireAdmin, handler.handleSetCredits)

	api.GET("/subscription", requireUser, handler.handleSubscription)
	api.GET("/subscription/public", handler.handleSubscription)
	api.POST("/due-date/set", requireAdmin, handler.handleSetDueDate)
	api.POST("/due-date/renew-month", requireAdmin, handler.handleRenewMonth)

	api.GET("/logs", requireUser, handler.handleLogs)
	api.GET("/deliveries", requireUser, handler.handleDeliveries)

	api.GET("/blocked-senders", requireUser, handler.handleBlockedSenders)
	api.POST("/blocked-senders/set", requireAdmin, handler.handleSetBlockedSenders)
	api.POST("/blocked-senders/add", requireAdmin, handler.handleAddBlockedSender)
	api.POST("/blocked-senders/remove", requireAdmin, handler.handleRemoveBlockedSender)

	return router
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		requestID := ctx.GetHeader(headerRequestID)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx.Header(headerRequestID, requestID)
		started := time.Now()
		ctx.Next()
		logger.Info("http request",
			zap.String("request_id", requestID),
			zap.String("method", ctx.Request.Method),
			zap.String("path", ctx.Request.URL.Path),
			zap.Int("status", ctx.Writer.Status()),
			zap.Duration("duration", time.Since(started)),
		)
	}
}

func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		if ctx.Request.Body != nil {
			ctx.Request.Body = http.MaxBytesReader(ctx.Writer, ctx.Request.Body, maxBytes)
		}
		ctx.Next()
	}
}
