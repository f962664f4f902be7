// Package audit provides structured audit logging for security-relevant
// events. All audit events carry structured fields for filtering and
// analysis.
package audit

import (
	"github.com/rs/zerolog"
)

// Logger writes audit events through a zerolog.Logger.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new audit logger from a zerolog.Logger.
func NewLogger(logger zerolog.Logger) *Logger {
	return &Logger{logger: logger}
}

// LogFileOp logs a file operation event.
// userID: the user performing the operation
// operation: file operation (e.g., "upload", "download", "delete", "move")
// fileID: the file record id (may be empty when the operation was denied
// before a record existed)
// name: the file name
// result: "allowed" or "denied"
// details: additional context (e.g., error message)
func (l *Logger) LogFileOp(userID, operation, fileID, name, result, details string) {
	level := zerolog.InfoLevel
	if result == "denied" {
		level = zerolog.WarnLevel
	}

	event := l.logger.WithLevel(level).
		Str("event_type", "file_operation").
		Str("user_id", userID).
		Str("operation", operation).
		Str("result", result)

	if fileID != "" {
		event = event.Str("file_id", fileID)
	}
	if name != "" {
		event = event.Str("name", name)
	}
	if details != "" {
		event = event.Str("details", details)
	}

	event.Msg("File operation")
}

// LogQuotaEvent logs a quota state change.
// userID: the user whose quota changed
// action: what happened (e.g., "reservation_denied", "quota_updated",
// "extension_granted")
// bytes: the size involved in the change
// details: additional context
func (l *Logger) LogQuotaEvent(userID, action string, bytes int64, details string) {
	event := l.logger.Info().
		Str("event_type", "quota").
		Str("user_id", userID).
		Str("action", action).
		Int64("bytes", bytes)

	if details != "" {
		event = event.Str("details", details)
	}

	event.Msg("Quota event")
}

// LogProvision logs first-time provisioning of a user quota record.
// userID: the provisioned user
// quota: the granted base quota in bytes
func (l *Logger) LogProvision(userID string, quota int64) {
	l.logger.Info().
		Str("event_type", "provision").
		Str("user_id", userID).
		Int64("quota", quota).
		Msg("User provisioned")
}

// LogSubscription logs a notification subscription change.
// userID: the subscribing user
// itemID: the watched item
// itemType: "file" or "folder"
// action: "subscribe" or "unsubscribe"
func (l *Logger) LogSubscription(userID, itemID, itemType, action string) {
	l.logger.Info().
		Str("event_type", "subscription").
		Str("user_id", userID).
		Str("item_id", itemID).
		Str("item_type", itemType).
		Str("action", action).
		Msg("Subscription change")
}
