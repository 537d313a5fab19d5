package policy

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/billm/baaaht/ipcflow/internal/logger"
	"github.com/billm/baaaht/ipcflow/pkg/flow"
	"github.com/billm/baaaht/ipcflow/pkg/types"
)

// AuditEventType represents the type of audit event
type AuditEventType string

const (
	// AuditEventTypeTrustAllowed is logged when an operation is allowed
	AuditEventTypeTrustAllowed AuditEventType = "trust_allowed"
	// AuditEventTypeTrustDenied is logged when an operation is blocked
	AuditEventTypeTrustDenied AuditEventType = "trust_denied"
	// AuditEventTypeTrustViolation is logged when a permissive policy lets a denied operation through
	AuditEventTypeTrustViolation AuditEventType = "trust_violation"
)

// AuditEvent is one trust decision.
type AuditEvent struct {
	Timestamp  time.Time         `json:"timestamp"`
	Type       AuditEventType    `json:"type"`
	Severity   string            `json:"severity"`
	Controller string            `json:"controller"`
	Operation  string            `json:"operation"`
	Kind       string            `json:"kind"`
	SenderID   string            `json:"sender_id,omitempty"`
	Frame      string            `json:"frame,omitempty"`
	Decision   string            `json:"decision"`
	Reason     string            `json:"reason,omitempty"`
	Rule       string            `json:"rule,omitempty"`
	PolicyID   string            `json:"policy_id,omitempty"`
	PolicyName string            `json:"policy_name,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func newAuditEvent(pol *Policy, req flow.TrustRequest, d Decision) AuditEvent {
	ev := AuditEvent{
		Type:       AuditEventTypeTrustAllowed,
		Severity:   "info",
		Controller: req.Controller,
		Operation:  req.Operation,
		Kind:       string(req.Kind),
		Decision:   "allowed",
		Reason:     d.Reason,
		Rule:       d.Rule,
		PolicyID:   pol.ID,
		PolicyName: pol.Name,
	}
	if !d.Allowed {
		ev.Type = AuditEventTypeTrustDenied
		ev.Severity = "error"
		ev.Decision = "denied"
	}
	if req.Event != nil {
		ev.SenderID = req.Event.SenderID
		ev.Frame = req.Event.Frame.String()
		ev.Metadata = req.Event.Metadata
	}
	return ev
}

// AuditLogger writes trust decisions to the structured log and, when a
// path is configured, as JSON lines to an audit file.
type AuditLogger struct {
	logger    *logger.Logger
	mu        sync.Mutex
	auditFile *os.File
	auditPath string
	closed    bool
}

// NewAuditLogger creates an audit logger. An empty auditPath disables
// file output.
func NewAuditLogger(log *logger.Logger, auditPath string) (*AuditLogger, error) {
	if log == nil {
		var err error
		log, err = logger.NewDefault()
		if err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to create default logger", err)
		}
	}

	al := &AuditLogger{
		logger:    log.With("component", "audit_logger"),
		auditPath: auditPath,
	}
	if auditPath != "" {
		if err := al.openLocked(); err != nil {
			return nil, err
		}
	}
	return al, nil
}

// openLocked must be called with al.mu held or before al is shared.
func (al *AuditLogger) openLocked() error {
	if err := os.MkdirAll(filepath.Dir(al.auditPath), 0o755); err != nil {
		return types.WrapError(types.ErrCodeInternal, "failed to create audit log directory", err)
	}
	file, err := os.OpenFile(al.auditPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return types.WrapError(types.ErrCodeInternal, "failed to open audit log file", err)
	}
	al.auditFile = file
	return nil
}

// LogEvent records event.
func (al *AuditLogger) LogEvent(event AuditEvent) error {
	al.mu.Lock()
	defer al.mu.Unlock()

	if al.closed {
		return types.NewError(types.ErrCodeUnavailable, "audit logger is closed")
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	attrs := []any{
		"type", string(event.Type),
		"controller", event.Controller,
		"operation", event.Operation,
		"kind", event.Kind,
		"sender_id", event.SenderID,
		"decision", event.Decision,
		"rule", event.Rule,
		"policy_id", event.PolicyID,
	}
	if event.Type == AuditEventTypeTrustAllowed {
		al.logger.Debug("audit_event", attrs...)
	} else {
		al.logger.Warn("audit_event", append(attrs, "reason", event.Reason)...)
	}

	if al.auditFile == nil {
		return nil
	}
	line, err := json.Marshal(event)
	if err != nil {
		return types.WrapError(types.ErrCodeInternal, "failed to marshal audit event", err)
	}
	if _, err := al.auditFile.Write(append(line, '\n')); err != nil {
		return types.WrapError(types.ErrCodeInternal, "failed to write audit event to file", err)
	}
	return nil
}

// GetAuditPath returns the current audit log file path
func (al *AuditLogger) GetAuditPath() string {
	al.mu.Lock()
	defer al.mu.Unlock()
	return al.auditPath
}

// Close closes the audit file.
func (al *AuditLogger) Close() error {
	al.mu.Lock()
	defer al.mu.Unlock()

	if al.closed {
		return nil
	}
	al.closed = true
	if al.auditFile != nil {
		if err := al.auditFile.Close(); err != nil {
			return types.WrapError(types.ErrCodeInternal, "failed to close audit file", err)
		}
		al.auditFile = nil
	}
	return nil
}
