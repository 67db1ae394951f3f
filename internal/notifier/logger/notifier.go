// Package logger delivers alert events to the service log. It is the
// default notifier for deployments without a Pub/Sub topic.
package logger

import (
	"context"

	"go.uber.org/zap"

	"github.com/seoscope/seoscope/internal/alerts"
)

// Notifier writes alert transitions as structured log entries.
type Notifier struct {
	logger *zap.Logger
}

// New returns a log-backed Notifier.
func New(logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{logger: logger}
}

// Notify logs the event at a level matching its severity.
func (n *Notifier) Notify(_ context.Context, event alerts.Event) error {
	fields := []zap.Field{
		zap.String("transition", string(event.Transition)),
		zap.String("rule", event.Alert.RuleID),
		zap.String("severity", string(event.Alert.Severity)),
		zap.String("message", event.Alert.Message),
	}
	switch event.Alert.Severity {
	case alerts.SeverityError, alerts.SeverityCritical:
		n.logger.Error("alert notification", fields...)
	case alerts.SeverityWarning:
		n.logger.Warn("alert notification", fields...)
	default:
		n.logger.Info("alert notification", fields...)
	}
	return nil
}
