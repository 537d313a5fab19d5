package policy

import (
	"context"
	"fmt"
	"sync"

	"github.com/billm/baaaht/ipcflow/internal/config"
	"github.com/billm/baaaht/ipcflow/internal/logger"
	"github.com/billm/baaaht/ipcflow/pkg/flow"
	"github.com/billm/baaaht/ipcflow/pkg/types"
)

// Enforcer evaluates the active policy for every inbound operation of the
// controllers it guards.
type Enforcer struct {
	mu          sync.RWMutex
	policy      *Policy
	cfg         config.PolicyConfig
	logger      *logger.Logger
	auditLogger *AuditLogger
	closed      bool
	stats       EnforcerStats
}

// EnforcerStats counts decisions.
type EnforcerStats struct {
	Allowed    int64 `json:"allowed"`
	Denied     int64 `json:"denied"`
	Violations int64 `json:"violations"`
}

// New creates an enforcer. The policy is loaded from cfg.ConfigPath when
// set, and decisions are audited to cfg.AuditPath when set.
func New(cfg config.PolicyConfig, log *logger.Logger) (*Enforcer, error) {
	if log == nil {
		var err error
		log, err = logger.NewDefault()
		if err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to create default logger", err)
		}
	}

	pol := DefaultPolicy()
	if cfg.ConfigPath != "" {
		loaded, err := LoadFromFile(cfg.ConfigPath)
		if err != nil {
			return nil, err
		}
		pol = loaded
	}

	audit, err := NewAuditLogger(log, cfg.AuditPath)
	if err != nil {
		return nil, err
	}

	e := &Enforcer{
		policy:      pol,
		cfg:         cfg,
		logger:      log.With("component", "policy_enforcer"),
		auditLogger: audit,
	}
	e.logger.Info("Policy enforcer initialized",
		"policy_id", pol.ID,
		"mode", pol.Mode,
		"rules", len(pol.Rules))
	return e, nil
}

// SetPolicy replaces the active policy.
func (e *Enforcer) SetPolicy(_ context.Context, pol *Policy) error {
	if pol == nil {
		return types.NewError(types.ErrCodeInvalidArgument, "policy cannot be nil")
	}
	if err := pol.Validate(); err != nil {
		return types.WrapError(types.ErrCodeInvalidArgument, "invalid policy", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return types.NewError(types.ErrCodeUnavailable, "enforcer is closed")
	}
	e.policy = pol
	e.logger.Info("Policy updated", "policy_id", pol.ID, "name", pol.Name, "mode", pol.Mode)
	return nil
}

// Policy returns the active policy.
func (e *Enforcer) Policy() *Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.policy
}

// Check decides req under the active policy and audits the decision.
// In permissive mode a denial is audited as a violation and allowed.
func (e *Enforcer) Check(ctx context.Context, req flow.TrustRequest) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, types.WrapError(types.ErrCodeCanceled, "trust check canceled", err)
	}

	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return false, types.NewError(types.ErrCodeUnavailable, "enforcer is closed")
	}
	pol := e.policy
	e.mu.RUnlock()

	if pol.Mode == EnforcementModeDisabled {
		e.count(func(s *EnforcerStats) { s.Allowed++ })
		return true, nil
	}

	d := pol.Evaluate(req)
	ev := newAuditEvent(pol, req, d)
	allowed := d.Allowed
	switch {
	case d.Allowed:
		e.count(func(s *EnforcerStats) { s.Allowed++ })
	case pol.Mode == EnforcementModePermissive:
		ev.Type = AuditEventTypeTrustViolation
		ev.Severity = "warning"
		ev.Decision = "allowed"
		allowed = true
		e.count(func(s *EnforcerStats) { s.Violations++ })
	default:
		e.count(func(s *EnforcerStats) { s.Denied++ })
	}

	if err := e.auditLogger.LogEvent(ev); err != nil {
		e.logger.Warn("Failed to audit trust decision", "controller", req.Controller, "error", err)
	}
	return allowed, nil
}

// Trust returns Check as a flow.TrustFunc.
func (e *Enforcer) Trust() flow.TrustFunc {
	return e.Check
}

func (e *Enforcer) count(fn func(*EnforcerStats)) {
	e.mu.Lock()
	fn(&e.stats)
	e.mu.Unlock()
}

// Stats returns a snapshot of the decision counters.
func (e *Enforcer) Stats() EnforcerStats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.stats
}

// AuditLogger returns the audit logger of the enforcer.
func (e *Enforcer) AuditLogger() *AuditLogger {
	return e.auditLogger
}

// Close stops enforcement and closes the audit log.
func (e *Enforcer) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()
	return e.auditLogger.Close()
}

// String returns a string representation of the enforcer
func (e *Enforcer) String() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return fmt.Sprintf("Enforcer{Policy: %s, Closed: %v}", e.policy, e.closed)
}
