// Package oplog writes parking operation callbacks to zap.
package oplog

import (
	"context"

	"github.com/MarkoPoloResearchLab/parkpoints/pkg/parking"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapLogger implements parking.OperationLogger.
type ZapLogger struct {
	logger *zap.Logger
}

// New returns an operation logger writing to logger.
func New(logger *zap.Logger) *ZapLogger {
	return &ZapLogger{logger: logger.Named("parking")}
}

// LogOperation logs successes at info, rejections at warn and failures at error.
func (zapLogger *ZapLogger) LogOperation(_ context.Context, entry parking.OperationLog) {
	fields := make([]zap.Field, 0, 8)
	fields = append(fields,
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
	)
	if !entry.UserID.IsZero() {
		fields = append(fields, zap.String("user_id", entry.UserID.String()))
	}
	if !entry.SpotID.IsZero() {
		fields = append(fields, zap.String("spot_id", entry.SpotID.String()))
	}
	if !entry.BookingID.IsZero() {
		fields = append(fields, zap.String("booking_id", entry.BookingID.String()))
	}
	if entry.Points != 0 {
		fields = append(fields, zap.Int64("points", entry.Points.Int64()))
	}
	if entry.Attempts > 1 {
		fields = append(fields, zap.Int("attempts", entry.Attempts))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
	}
	zapLogger.logger.Log(levelFor(entry), "parking operation", fields...)
}

func levelFor(entry parking.OperationLog) zapcore.Level {
	switch {
	case entry.Error == nil:
		return zapcore.InfoLevel
	case parking.IsValidationError(entry.Error):
		return zapcore.WarnLevel
	default:
		return zapcore.ErrorLevel
	}
}
