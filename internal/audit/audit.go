package audit

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// EventType represents the type of audit event.
type EventType string

const (
	// EventTypeEncrypt represents an object being encrypted and stored.
	EventTypeEncrypt EventType = "encrypt"
	// EventTypeDecrypt represents a stored object being decrypted for a reader.
	EventTypeDecrypt EventType = "decrypt"
	// EventTypeAccess represents a metadata or delete operation.
	EventTypeAccess EventType = "access"
	// EventTypeBucket represents a bucket registry operation.
	EventTypeBucket EventType = "bucket"
)

// AuditEvent represents a single audit log event. It never carries key
// material; KeyID is the external key identifier only.
type AuditEvent struct {
	Timestamp time.Time     `json:"timestamp"`
	EventType EventType     `json:"event_type"`
	Operation string        `json:"operation"`
	Bucket    string        `json:"bucket,omitempty"`
	Key       string        `json:"key,omitempty"`
	RequestID string        `json:"request_id,omitempty"`
	Mode      string        `json:"mode,omitempty"`
	KeyID     string        `json:"key_id,omitempty"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration_ms"`
}

// Logger is the interface for audit logging.
type Logger interface {
	// Log logs an audit event.
	Log(event *AuditEvent) error

	// LogEncrypt logs an encrypting write.
	LogEncrypt(ctx context.Context, bucket, key, mode, keyID string, err error, duration time.Duration)

	// LogDecrypt logs a decrypting read.
	LogDecrypt(ctx context.Context, bucket, key, mode, keyID string, err error, duration time.Duration)

	// LogAccess logs an operation that neither encrypts nor decrypts.
	LogAccess(ctx context.Context, operation, bucket, key string, err error, duration time.Duration)

	// LogBucket logs a bucket registry operation.
	LogBucket(ctx context.Context, operation, bucket string, err error)

	// Events returns the buffered events, oldest first.
	Events() []*AuditEvent
}

type requestIDKey struct{}

// ContextWithRequestID attaches a request id that audit events pick up.
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// RequestIDFromContext returns the request id attached to ctx, if any.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// auditLogger implements the Logger interface.
type auditLogger struct {
	mu        sync.Mutex
	events    []*AuditEvent
	maxEvents int
	writer    EventWriter
}

// EventWriter is an interface for writing audit events.
type EventWriter interface {
	WriteEvent(event *AuditEvent) error
}

// NewLogger creates a new audit logger keeping the last maxEvents events.
// A nil writer discards events after buffering.
func NewLogger(maxEvents int, writer EventWriter) Logger {
	if maxEvents < 0 {
		maxEvents = 0
	}
	return &auditLogger{
		events:    make([]*AuditEvent, 0, maxEvents),
		maxEvents: maxEvents,
		writer:    writer,
	}
}

// Log logs an audit event.
func (l *auditLogger) Log(event *AuditEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var werr error
	if l.writer != nil {
		werr = l.writer.WriteEvent(event)
	}

	if l.maxEvents > 0 {
		l.events = append(l.events, event)
		if len(l.events) > l.maxEvents {
			l.events = l.events[len(l.events)-l.maxEvents:]
		}
	}
	return werr
}

func (l *auditLogger) newEvent(ctx context.Context, eventType EventType, operation, bucket, key string, err error, duration time.Duration) *AuditEvent {
	event := &AuditEvent{
		Timestamp: time.Now(),
		EventType: eventType,
		Operation: operation,
		Bucket:    bucket,
		Key:       key,
		RequestID: RequestIDFromContext(ctx),
		Success:   err == nil,
		Duration:  duration,
	}
	if err != nil {
		event.Error = err.Error()
	}
	return event
}

// LogEncrypt logs an encrypting write.
func (l *auditLogger) LogEncrypt(ctx context.Context, bucket, key, mode, keyID string, err error, duration time.Duration) {
	event := l.newEvent(ctx, EventTypeEncrypt, "put", bucket, key, err, duration)
	event.Mode = mode
	event.KeyID = keyID
	l.Log(event)
}

// LogDecrypt logs a decrypting read.
func (l *auditLogger) LogDecrypt(ctx context.Context, bucket, key, mode, keyID string, err error, duration time.Duration) {
	event := l.newEvent(ctx, EventTypeDecrypt, "get", bucket, key, err, duration)
	event.Mode = mode
	event.KeyID = keyID
	l.Log(event)
}

// LogAccess logs an operation that neither encrypts nor decrypts.
func (l *auditLogger) LogAccess(ctx context.Context, operation, bucket, key string, err error, duration time.Duration) {
	l.Log(l.newEvent(ctx, EventTypeAccess, operation, bucket, key, err, duration))
}

// LogBucket logs a bucket registry operation.
func (l *auditLogger) LogBucket(ctx context.Context, operation, bucket string, err error) {
	l.Log(l.newEvent(ctx, EventTypeBucket, operation, bucket, "", err, 0))
}

// Events returns all buffered audit events.
func (l *auditLogger) Events() []*AuditEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Return a copy to prevent external modifications
	events := make([]*AuditEvent, len(l.events))
	copy(events, l.events)
	return events
}

// LogrusWriter writes audit events as structured log lines.
type LogrusWriter struct {
	Logger *logrus.Logger
}

// NewLogrusWriter creates a writer that emits events through logger.
func NewLogrusWriter(logger *logrus.Logger) *LogrusWriter {
	return &LogrusWriter{Logger: logger}
}

func (w *LogrusWriter) WriteEvent(event *AuditEvent) error {
	fields := logrus.Fields{
		"audit":       true,
		"event_type":  event.EventType,
		"operation":   event.Operation,
		"success":     event.Success,
		"duration_ms": event.Duration.Milliseconds(),
	}
	if event.Bucket != "" {
		fields["bucket"] = event.Bucket
	}
	if event.Key != "" {
		fields["key"] = event.Key
	}
	if event.RequestID != "" {
		fields["request_id"] = event.RequestID
	}
	if event.Mode != "" {
		fields["mode"] = event.Mode
	}
	if event.KeyID != "" {
		fields["key_id"] = event.KeyID
	}

	entry := w.Logger.WithFields(fields).WithTime(event.Timestamp)
	if event.Error != "" {
		entry.WithField("error", event.Error).Warn("audit")
		return nil
	}
	entry.Info("audit")
	return nil
}
