package oplog

import (
	"context"

	"github.com/MarkoPoloResearchLab/smsrelay/pkg/relay"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	statusError   = "error"
	statusPartial = "partial"
	messageText   = "relay operation"
)

// ZapLogger writes relay operations as structured zap entries.
type ZapLogger struct {
	logger *zap.Logger
}

// New returns a ZapLogger. A nil logger is replaced with zap.NewNop.
func New(logger *zap.Logger) *ZapLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapLogger{logger: logger.Named("relay")}
}

// LogOperation implements relay.OperationLogger. Failures log at error level, partial batches at warn.
func (zapLogger *ZapLogger) LogOperation(_ context.Context, entry relay.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
	}
	if entry.Sender != "" {
		fields = append(fields, zap.String("sender", entry.Sender))
	}
	if entry.Recipients > 0 {
		fields = append(fields, zap.Int("recipients", entry.Recipients))
	}
	if entry.Credits != 0 {
		fields = append(fields, zap.Int64("credits", entry.Credits.Int64()))
	}
	if entry.Balance != 0 {
		fields = append(fields, zap.Int64("balance", entry.Balance.Int64()))
	}
	if entry.Detail != "" {
		fields = append(fields, zap.String("detail", entry.Detail))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
	}
	zapLogger.logger.Log(levelFor(entry), messageText, fields...)
}

func levelFor(entry relay.OperationLog) zapcore.Level {
	switch {
	case entry.Status == statusError || entry.Error != nil:
		if relay.IsValidationError(entry.Error) {
			return zapcore.InfoLevel
		}
		return zapcore.ErrorLevel
	case entry.Status == statusPartial:
		return zapcore.WarnLevel
	default:
		return zapcore.InfoLevel
	}
}
