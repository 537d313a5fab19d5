package policy

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/billm/baaaht/ipcflow/internal/logger"
	"github.com/billm/baaaht/ipcflow/pkg/types"
)

// reloadTimeout bounds a reload triggered by a signal.
const reloadTimeout = 30 * time.Second

// ReloadState represents the current state of the policy reloader
type ReloadState string

const (
	ReloadStateIdle      ReloadState = "idle"
	ReloadStateReloading ReloadState = "reloading"
	ReloadStateStopped   ReloadState = "stopped"
)

// Reloader reloads the enforcer's policy from disk on SIGHUP.
type Reloader struct {
	mu         sync.Mutex
	policyPath string
	enforcer   *Enforcer
	logger     *logger.Logger
	state      ReloadState
	signalChan chan os.Signal
	cancel     context.CancelFunc
	started    bool
}

// NewReloader creates a reloader for enforcer.
func NewReloader(policyPath string, enforcer *Enforcer, log *logger.Logger) (*Reloader, error) {
	if policyPath == "" {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "policy path cannot be empty")
	}
	if enforcer == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "enforcer cannot be nil")
	}
	if log == nil {
		var err error
		log, err = logger.NewDefault()
		if err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to create default logger", err)
		}
	}
	return &Reloader{
		policyPath: policyPath,
		enforcer:   enforcer,
		logger:     log.With("component", "policy_reloader", "policy_path", policyPath),
		state:      ReloadStateIdle,
		signalChan: make(chan os.Signal, 1),
	}, nil
}

// Start begins listening for SIGHUP.
func (r *Reloader) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.started = true
	r.state = ReloadStateIdle
	signal.Notify(r.signalChan, syscall.SIGHUP)
	go r.handleSignals(ctx)
	r.logger.Info("Policy reloader started")
}

// Stop stops listening for signals.
func (r *Reloader) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return
	}
	signal.Stop(r.signalChan)
	r.cancel()
	r.started = false
	r.state = ReloadStateStopped
	r.logger.Info("Policy reloader stopped")
}

// Reload loads the policy file and installs it. A reload already in
// progress makes this a no-op.
func (r *Reloader) Reload(ctx context.Context) error {
	r.mu.Lock()
	if r.state == ReloadStateReloading {
		r.mu.Unlock()
		r.logger.Debug("Reload already in progress, skipping")
		return nil
	}
	prev := r.state
	r.state = ReloadStateReloading
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		if r.state == ReloadStateReloading {
			r.state = prev
		}
		r.mu.Unlock()
	}()

	pol, err := LoadFromFile(r.policyPath)
	if err != nil {
		return err
	}
	if err := r.enforcer.SetPolicy(ctx, pol); err != nil {
		return err
	}
	r.logger.Info("Policy reloaded", "policy_id", pol.ID, "rules", len(pol.Rules))
	return nil
}

func (r *Reloader) handleSignals(ctx context.Context) {
	for {
		select {
		case <-r.signalChan:
			rctx, cancel := context.WithTimeout(ctx, reloadTimeout)
			if err := r.Reload(rctx); err != nil {
				r.logger.Error("Policy reload failed", "error", err)
			}
			cancel()
		case <-ctx.Done():
			return
		}
	}
}

// State returns the current reload state
func (r *Reloader) State() ReloadState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// String returns a string representation of the reloader
func (r *Reloader) String() string {
	return fmt.Sprintf("Reloader{state: %s, policy_path: %s}", r.State(), r.policyPath)
}
