// Package logging provides zap logger construction and the shared field set
// used when logging batch work.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/batchd/internal/batch"
)

// New builds a zap.Logger configured for development or production.
func New(development bool) (*zap.Logger, error) {
	if development {
		cfg := zap.NewDevelopmentConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		logger, err := cfg.Build()
		if err != nil {
			return nil, fmt.Errorf("build dev logger: %w", err)
		}
		return logger, nil
	}
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build prod logger: %w", err)
	}
	return logger, nil
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}

// ForBatch scopes a logger to one batch.
func ForBatch(l *zap.Logger, b batch.Batch) *zap.Logger {
	return OrNop(l).With(
		zap.String("batch_id", b.ID),
		zap.String("owner", b.Owner),
		zap.String("lane", b.Lane),
	)
}

// ForItem scopes a batch logger to one item.
func ForItem(l *zap.Logger, it batch.Item) *zap.Logger {
	return OrNop(l).With(
		zap.String("item_id", it.ID),
		zap.Int("position", it.Position),
	)
}
