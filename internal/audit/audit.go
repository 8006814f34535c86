package audit

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"time"

	"github.com/denisbrodbeck/machineid"
	"github.com/google/uuid"

	"signal-core/pkg/db"
)

// Event types written to the audit trail.
const (
	EventSignalReceived  = "SIGNAL_RECEIVED"
	EventSignalDuplicate = "SIGNAL_DUPLICATE"
	EventSignalRejected  = "SIGNAL_REJECTED"
	EventOrderCreated    = "ORDER_CREATED"
	EventOrderParked     = "ORDER_PARKED"
	EventOrderSubmitted  = "ORDER_SUBMITTED"
	EventOrderFailed     = "ORDER_FAILED"
	EventOrderError      = "ORDER_ERROR"
	EventOrderReconciled = "ORDER_RECONCILED"
	EventPositionUpdated = "POSITION_UPDATED"
	EventBreakerTripped  = "BREAKER_TRIPPED"
	EventBreakerReset    = "BREAKER_RESET"
	EventTradingToggled  = "TRADING_TOGGLED"
)

// Logger writes structured audit events as JSON lines and mirrors them into
// the audit_events table. Persistence is best-effort: the trade path never
// fails because the audit trail could not be written.
type Logger struct {
	store    *db.Database
	instance string
	out      *log.Logger
	file     *os.File
}

type record struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Instance  string         `json:"instance"`
	Timestamp time.Time      `json:"timestamp"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// New creates an audit logger. logFile may be empty to log to stderr only.
func New(store *db.Database, logFile string) (*Logger, error) {
	instance, err := machineid.ProtectedID("signal-core")
	if err != nil {
		// Fall back to hostname; audit continuity beats strict identity.
		host, _ := os.Hostname()
		instance = host
		log.Printf("audit: machine id unavailable, using hostname: %v", err)
	}
	if len(instance) > 12 {
		instance = instance[:12]
	}

	l := &Logger{
		store:    store,
		instance: instance,
		out:      log.New(os.Stderr, "", 0),
	}
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, err
		}
		l.file = f
		l.out = log.New(f, "", 0)
	}
	return l, nil
}

// Close releases the log file, if any.
func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// Instance returns this process's stable audit identity.
func (l *Logger) Instance() string {
	return l.instance
}

// Log emits one audit event.
func (l *Logger) Log(ctx context.Context, eventType string, fields map[string]any) {
	rec := record{
		ID:        uuid.NewString(),
		Type:      eventType,
		Instance:  l.instance,
		Timestamp: time.Now().UTC(),
		Fields:    fields,
	}

	line, err := json.Marshal(rec)
	if err != nil {
		log.Printf("audit: marshal %s: %v", eventType, err)
		return
	}
	l.out.Println(string(line))

	if l.store == nil {
		return
	}
	payload, _ := json.Marshal(fields)
	if err := l.store.InsertAuditEvent(ctx, rec.ID, eventType, string(payload), l.instance); err != nil {
		log.Printf("audit: persist %s: %v", eventType, err)
	}
}
