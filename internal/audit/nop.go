package audit

import (
	"context"
	"time"
)

// NewNopLogger returns a Logger that discards every event. It is used when
// auditing is disabled and in tests.
func NewNopLogger() Logger { return nopLogger{} }

type nopLogger struct{}

func (nopLogger) Log(context.Context, *Event) error                                 { return nil }
func (nopLogger) LogConnectionOpened(context.Context, string, string, string) error { return nil }
func (nopLogger) LogConnectionClosed(context.Context, string, string, time.Duration) error {
	return nil
}
func (nopLogger) LogAuthFailed(context.Context, string, error) error                  { return nil }
func (nopLogger) LogRoomJoined(context.Context, string, string, string) error         { return nil }
func (nopLogger) LogPromptAccepted(context.Context, string, string, string, string) error {
	return nil
}
func (nopLogger) LogPromptRejected(context.Context, string, string, error) error { return nil }
func (nopLogger) LogGenerationCompleted(context.Context, string, string, string, int, time.Duration) error {
	return nil
}
func (nopLogger) LogGenerationFailed(context.Context, string, string, error) error { return nil }
func (nopLogger) LogGenerationCancelled(context.Context, string, bool) error        { return nil }
func (nopLogger) LogConversationCleared(context.Context, string, string) error      { return nil }
func (nopLogger) LogConversationDeleted(context.Context, string, string) error      { return nil }
func (nopLogger) Sync() error                                                       { return nil }
func (nopLogger) Close() error                                                      { return nil }
