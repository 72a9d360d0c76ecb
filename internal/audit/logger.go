package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger defines the interface for audit logging
type Logger interface {
	// Log buffers an audit event
	Log(ctx context.Context, event *Event) error

	// Connection lifecycle
	LogConnectionOpened(ctx context.Context, sessionID, userID, sourceIP string) error
	LogConnectionClosed(ctx context.Context, sessionID, userID string, duration time.Duration) error
	LogAuthFailed(ctx context.Context, sourceIP string, err error) error
	LogRoomJoined(ctx context.Context, sessionID, userID, conversationID string) error

	// Generation lifecycle
	LogPromptAccepted(ctx context.Context, userID, conversationID, provider, model string) error
	LogPromptRejected(ctx context.Context, userID, conversationID string, err error) error
	LogGenerationCompleted(ctx context.Context, conversationID, provider, model string, tokens int, duration time.Duration) error
	LogGenerationFailed(ctx context.Context, conversationID, provider string, err error) error
	LogGenerationCancelled(ctx context.Context, conversationID string, partialSaved bool) error

	// Conversation management
	LogConversationCleared(ctx context.Context, userID, conversationID string) error
	LogConversationDeleted(ctx context.Context, userID, conversationID string) error

	// Sync flushes buffered log entries
	Sync() error

	// Close closes the audit logger
	Close() error
}

// Config represents audit logger configuration
type Config struct {
	// Path is the audit log file
	Path string

	// MaxSize is the maximum size in megabytes before rotation
	MaxSize int

	// MaxBackups is the maximum number of old log files to retain
	MaxBackups int

	// MaxAge is the maximum number of days to retain old log files
	MaxAge int

	// Compress determines if rotated files should be compressed
	Compress bool

	// FlushInterval is how often buffered events are written
	FlushInterval time.Duration

	// BufferSize is the number of events that forces a flush
	BufferSize int
}

// DefaultConfig returns default audit logger configuration
func DefaultConfig() *Config {
	return &Config{
		Path:          "logs/audit.log",
		MaxSize:       100, // megabytes
		MaxBackups:    10,
		MaxAge:        30, // days
		Compress:      true,
		FlushInterval: time.Second,
		BufferSize:    100,
	}
}

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}

// NewAppLogger builds the application logger writing to stdout.
// format is "json" or "console".
func NewAppLogger(level, format string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %s: %w", level, err)
	}

	var enc zapcore.Encoder
	switch strings.ToLower(format) {
	case "", "json":
		enc = zapcore.NewJSONEncoder(encoderConfig())
	case "console":
		cfg := encoderConfig()
		cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		enc = zapcore.NewConsoleEncoder(cfg)
	default:
		return nil, fmt.Errorf("invalid log format %s", format)
	}

	core := zapcore.NewCore(enc, zapcore.Lock(os.Stdout), lvl)
	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}

// auditLogger implements the Logger interface
type auditLogger struct {
	appLogger   *zap.Logger
	auditLogger *zap.Logger
	rotator     *lumberjack.Logger
	config      *Config
	mu          sync.Mutex
	buffer      []*Event
	flushTicker *time.Ticker
	stopCh      chan struct{}
	closeOnce   sync.Once
}

// NewLogger creates a new audit logger. appLogger receives marshal failures
// and may be nil.
func NewLogger(config *Config, appLogger *zap.Logger) (Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Path == "" {
		return nil, fmt.Errorf("audit log path is required")
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = time.Second
	}
	if config.BufferSize <= 0 {
		config.BufferSize = 100
	}
	if appLogger == nil {
		appLogger = zap.NewNop()
	}

	rotator := &lumberjack.Logger{
		Filename:   config.Path,
		MaxSize:    config.MaxSize,
		MaxBackups: config.MaxBackups,
		MaxAge:     config.MaxAge,
		Compress:   config.Compress,
	}

	// Audit logs are always INFO level and append-only.
	auditCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig()),
		zapcore.AddSync(rotator),
		zapcore.InfoLevel,
	)

	logger := &auditLogger{
		appLogger:   appLogger.Named("audit"),
		auditLogger: zap.New(auditCore),
		rotator:     rotator,
		config:      config,
		buffer:      make([]*Event, 0, config.BufferSize),
		flushTicker: time.NewTicker(config.FlushInterval),
		stopCh:      make(chan struct{}),
	}

	go logger.autoFlush()

	return logger, nil
}

// Log logs an audit event
func (l *auditLogger) Log(ctx context.Context, event *Event) error {
	if event.CorrelationID == "" {
		event.CorrelationID = GetCorrelationID(ctx)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.buffer = append(l.buffer, event)
	if len(l.buffer) >= l.config.BufferSize {
		return l.flushLocked()
	}
	return nil
}

// flushLocked flushes the buffer (caller must hold lock)
func (l *auditLogger) flushLocked() error {
	if len(l.buffer) == 0 {
		return nil
	}

	for _, event := range l.buffer {
		eventJSON, err := json.Marshal(event)
		if err != nil {
			l.appLogger.Error("failed to marshal audit event",
				zap.Error(err),
				zap.String("event_type", string(event.EventType)),
			)
			continue
		}

		l.auditLogger.Info(string(eventJSON),
			zap.String("correlation_id", event.CorrelationID),
			zap.String("event_type", string(event.EventType)),
			zap.String("result", string(event.Result)),
		)
	}

	l.buffer = l.buffer[:0]
	return nil
}

// autoFlush periodically flushes the buffer
func (l *auditLogger) autoFlush() {
	for {
		select {
		case <-l.flushTicker.C:
			l.mu.Lock()
			_ = l.flushLocked()
			l.mu.Unlock()
		case <-l.stopCh:
			return
		}
	}
}

func (l *auditLogger) LogConnectionOpened(ctx context.Context, sessionID, userID, sourceIP string) error {
	return l.Log(ctx, NewEvent(EventConnectionOpened).
		WithSession(sessionID).
		WithUser(userID).
		WithSource(sourceIP).
		WithResult(ResultSuccess))
}

func (l *auditLogger) LogConnectionClosed(ctx context.Context, sessionID, userID string, duration time.Duration) error {
	return l.Log(ctx, NewEvent(EventConnectionClosed).
		WithSession(sessionID).
		WithUser(userID).
		WithDuration(duration).
		WithResult(ResultSuccess))
}

func (l *auditLogger) LogAuthFailed(ctx context.Context, sourceIP string, err error) error {
	return l.Log(ctx, NewEvent(EventAuthFailed).
		WithSource(sourceIP).
		WithError(err, "auth_failed").
		WithResult(ResultDenied))
}

func (l *auditLogger) LogRoomJoined(ctx context.Context, sessionID, userID, conversationID string) error {
	return l.Log(ctx, NewEvent(EventRoomJoined).
		WithSession(sessionID).
		WithUser(userID).
		WithConversation(conversationID).
		WithResult(ResultSuccess))
}

func (l *auditLogger) LogPromptAccepted(ctx context.Context, userID, conversationID, provider, model string) error {
	return l.Log(ctx, NewEvent(EventPromptAccepted).
		WithUser(userID).
		WithConversation(conversationID).
		WithProvider(provider, model).
		WithResult(ResultSuccess))
}

func (l *auditLogger) LogPromptRejected(ctx context.Context, userID, conversationID string, err error) error {
	return l.Log(ctx, NewEvent(EventPromptRejected).
		WithUser(userID).
		WithConversation(conversationID).
		WithError(err, "prompt_rejected").
		WithResult(ResultDenied))
}

func (l *auditLogger) LogGenerationCompleted(ctx context.Context, conversationID, provider, model string, tokens int, duration time.Duration) error {
	return l.Log(ctx, NewEvent(EventGenerationCompleted).
		WithConversation(conversationID).
		WithProvider(provider, model).
		WithDuration(duration).
		WithMetadata("tokens", tokens).
		WithResult(ResultSuccess))
}

func (l *auditLogger) LogGenerationFailed(ctx context.Context, conversationID, provider string, err error) error {
	return l.Log(ctx, NewEvent(EventGenerationFailed).
		WithConversation(conversationID).
		WithProvider(provider, "").
		WithError(err, "generation_failed"))
}

func (l *auditLogger) LogGenerationCancelled(ctx context.Context, conversationID string, partialSaved bool) error {
	return l.Log(ctx, NewEvent(EventGenerationCancelled).
		WithConversation(conversationID).
		WithMetadata("partial_saved", partialSaved).
		WithResult(ResultSuccess))
}

func (l *auditLogger) LogConversationCleared(ctx context.Context, userID, conversationID string) error {
	return l.Log(ctx, NewEvent(EventConversationCleared).
		WithUser(userID).
		WithConversation(conversationID).
		WithResult(ResultSuccess))
}

func (l *auditLogger) LogConversationDeleted(ctx context.Context, userID, conversationID string) error {
	return l.Log(ctx, NewEvent(EventConversationDeleted).
		WithUser(userID).
		WithConversation(conversationID).
		WithResult(ResultSuccess))
}

// Sync flushes buffered log entries
func (l *auditLogger) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.flushLocked(); err != nil {
		return err
	}
	return l.auditLogger.Sync()
}

// Close flushes and closes the audit logger. It is safe to call twice.
func (l *auditLogger) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.stopCh)
		l.flushTicker.Stop()
		if err = l.Sync(); err != nil {
			return
		}
		err = l.rotator.Close()
	})
	return err
}

type correlationKey struct{}

// GetCorrelationID extracts correlation ID from context
func GetCorrelationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(correlationKey{}).(string); ok {
		return id
	}
	return ""
}

// WithCorrelationID adds correlation ID to context
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// GenerateCorrelationID generates a new correlation ID
func GenerateCorrelationID() string {
	return uuid.NewString()
}
