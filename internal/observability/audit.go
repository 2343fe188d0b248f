package observability

import (
	"context"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Audit event kinds
const (
	AuditSession = "session"
	AuditTool    = "tool"
	AuditStorage = "storage"
)

// AuditEvent is one line of the audit log
type AuditEvent struct {
	Kind      string                 `json:"kind"`
	Action    string                 `json:"action"` // e.g. "session.start", "write_file", "save_session"
	SessionID string                 `json:"session_id,omitempty"`
	Status    string                 `json:"status"` // success, failure, or a session status
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	TraceID   string                 `json:"trace_id,omitempty"`
	Time      time.Time              `json:"time"`
}

// Auditor writes audit events as JSON lines
type Auditor struct {
	mu     sync.Mutex
	out    zerolog.Logger
	closer io.Closer
}

// NewAuditor creates an auditor writing to w
func NewAuditor(w io.Writer) *Auditor {
	a := &Auditor{out: zerolog.New(w)}
	if c, ok := w.(io.Closer); ok {
		a.closer = c
	}
	return a
}

// auditor is nil until OpenAuditLog runs; events are dropped meanwhile
var auditor atomic.Pointer[Auditor]

// OpenAuditLog appends process audit events to path
func OpenAuditLog(path string) error {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if old := auditor.Swap(NewAuditor(file)); old != nil {
		_ = old.Close()
	}
	return nil
}

// SetAuditor replaces the process auditor; nil disables auditing
func SetAuditor(a *Auditor) {
	if old := auditor.Swap(a); old != nil && old != a {
		_ = old.Close()
	}
}

// CloseAuditLog flushes and disables the process auditor
func CloseAuditLog() error {
	if old := auditor.Swap(nil); old != nil {
		return old.Close()
	}
	return nil
}

// Record writes ev, stamping time and trace id, and mirrors it as a span event
func (a *Auditor) Record(ctx context.Context, ev AuditEvent) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		ev.TraceID = span.SpanContext().TraceID().String()
		span.AddEvent("audit."+ev.Action, trace.WithAttributes(
			attribute.String("audit.kind", ev.Kind),
			attribute.String("audit.status", ev.Status),
		))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	entry := a.out.Log().
		Time("time", ev.Time).
		Str("kind", ev.Kind).
		Str("action", ev.Action).
		Str("status", ev.Status)
	if ev.SessionID != "" {
		entry = entry.Str("session_id", ev.SessionID)
	}
	if ev.TraceID != "" {
		entry = entry.Str("trace_id", ev.TraceID)
	}
	if len(ev.Metadata) > 0 {
		entry = entry.Interface("metadata", ev.Metadata)
	}
	entry.Send()
}

// Close closes the underlying writer when it is closable
func (a *Auditor) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closer == nil {
		return nil
	}
	err := a.closer.Close()
	a.closer = nil
	a.out = zerolog.Nop()
	return err
}

func audit(ctx context.Context, ev AuditEvent) {
	if a := auditor.Load(); a != nil {
		a.Record(ctx, ev)
	}
}

// RecordToolAudit records one tool call of a session
func RecordToolAudit(ctx context.Context, toolName, sessionID, status string, metadata map[string]interface{}) {
	audit(ctx, AuditEvent{Kind: AuditTool, Action: toolName, SessionID: sessionID, Status: status, Metadata: metadata})
}

// RecordSessionAudit records a session lifecycle transition
func RecordSessionAudit(ctx context.Context, action, sessionID, status string, metadata map[string]interface{}) {
	audit(ctx, AuditEvent{Kind: AuditSession, Action: action, SessionID: sessionID, Status: status, Metadata: metadata})
}

// RecordStorageAudit records a persistence operation
func RecordStorageAudit(ctx context.Context, action, sessionID string, err error) {
	ev := AuditEvent{Kind: AuditStorage, Action: action, SessionID: sessionID, Status: statusLabel(err == nil)}
	if err != nil {
		ev.Metadata = map[string]interface{}{"error": err.Error()}
	}
	audit(ctx, ev)
}
