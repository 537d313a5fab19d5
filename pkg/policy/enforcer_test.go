package policy

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/billm/baaaht/ipcflow/internal/config"
	"github.com/billm/baaaht/ipcflow/internal/logger"
	"github.com/billm/baaaht/ipcflow/pkg/flow"
	"github.com/billm/baaaht/ipcflow/pkg/transport"
	"github.com/billm/baaaht/ipcflow/pkg/transport/loopback"
	"github.com/billm/baaaht/ipcflow/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEnforcer(t *testing.T, pol *Policy, auditPath string) *Enforcer {
	t.Helper()
	e, err := New(config.PolicyConfig{AuditPath: auditPath}, logger.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	if pol != nil {
		require.NoError(t, e.SetPolicy(context.Background(), pol))
	}
	return e
}

func readAudit(t *testing.T, path string) []AuditEvent {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var events []AuditEvent
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var ev AuditEvent
		require.NoError(t, json.Unmarshal(sc.Bytes(), &ev))
		events = append(events, ev)
	}
	require.NoError(t, sc.Err())
	return events
}

func TestEnforcerDefaultAllows(t *testing.T) {
	e := newEnforcer(t, nil, "")
	ok, err := e.Check(context.Background(), request("any", "op", flow.TrustInvoke, "w"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(1), e.Stats().Allowed)
}

func TestEnforcerModes(t *testing.T) {
	ctx := context.Background()
	denied := request("other", "x", flow.TrustInvoke, "main")

	strict := newEnforcer(t, samplePolicy(), "")
	ok, err := strict.Check(ctx, denied)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(1), strict.Stats().Denied)

	pol := samplePolicy()
	pol.Mode = EnforcementModePermissive
	permissive := newEnforcer(t, pol, "")
	ok, err = permissive.Check(ctx, denied)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(1), permissive.Stats().Violations)

	pol = samplePolicy()
	pol.Mode = EnforcementModeDisabled
	disabled := newEnforcer(t, pol, "")
	ok, err = disabled.Check(ctx, denied)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEnforcerAuditFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "trust.log")
	pol := samplePolicy()
	pol.Mode = EnforcementModePermissive
	e := newEnforcer(t, pol, path)
	ctx := context.Background()

	req := request("files", "read", flow.TrustInvoke, "main")
	req.Event.Frame = transport.Frame{ProcessID: 101, FrameID: 1}
	_, err := e.Check(ctx, req)
	require.NoError(t, err)
	_, err = e.Check(ctx, request("files", "write", flow.TrustInvoke, "main"))
	require.NoError(t, err)

	events := readAudit(t, path)
	require.Len(t, events, 2)

	assert.Equal(t, AuditEventTypeTrustAllowed, events[0].Type)
	assert.Equal(t, "read-only", events[0].Rule)
	assert.Equal(t, "101:1", events[0].Frame)
	assert.Equal(t, "sample", events[0].PolicyID)

	assert.Equal(t, AuditEventTypeTrustViolation, events[1].Type)
	assert.Equal(t, "allowed", events[1].Decision)
	assert.NotEmpty(t, events[1].Reason)
	assert.False(t, events[1].Timestamp.IsZero())
}

func TestEnforcerCanceledContextDenies(t *testing.T) {
	e := newEnforcer(t, nil, "")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ok, err := e.Check(ctx, request("c", "o", flow.TrustInvoke, "w"))
	assert.False(t, ok)
	assert.True(t, types.IsErrCode(err, types.ErrCodeCanceled))
}

func TestEnforcerClosed(t *testing.T) {
	e := newEnforcer(t, nil, "")
	require.NoError(t, e.Close())
	ok, err := e.Check(context.Background(), request("c", "o", flow.TrustInvoke, "w"))
	assert.False(t, ok)
	assert.Error(t, err)
	assert.Error(t, e.SetPolicy(context.Background(), DefaultPolicy()))
}

func TestEnforcerLoadsConfiguredPolicy(t *testing.T) {
	path := writePolicy(t, "policy.yaml", "id: cfg\ndefault: deny\n")
	e, err := New(config.PolicyConfig{ConfigPath: path}, logger.Discard())
	require.NoError(t, err)
	defer e.Close()
	assert.Equal(t, "cfg", e.Policy().ID)

	_, err = New(config.PolicyConfig{ConfigPath: filepath.Join(t.TempDir(), "none.yaml")}, logger.Discard())
	assert.True(t, types.IsErrCode(err, types.ErrCodeNotFound))
}

func TestEnforcerGuardsControllers(t *testing.T) {
	log := logger.Discard()
	hub := loopback.NewHub(log)
	host, err := flow.NewHost(hub, config.DefaultFlowConfig(), log)
	require.NoError(t, err)

	e := newEnforcer(t, samplePolicy(), "")
	host.SetDefaultTrust(e.Trust())

	win, err := hub.NewWindow("main")
	require.NoError(t, err)
	mux, err := flow.Preload(win.MainFrame(), win.MainFrame(), flow.PreloadOptionsFromConfig(config.DefaultFlowConfig(), log))
	require.NoError(t, err)

	sc, err := host.NewController("files")
	require.NoError(t, err)
	read := func(context.Context, transport.Args) (any, error) { return "data", nil }
	require.NoError(t, sc.SetHandlers(map[string]flow.HandlerFunc{"read": read, "write": read}))

	cc, err := mux.NewController("files")
	require.NoError(t, err)

	v, err := cc.Invoke(context.Background(), "read")
	require.NoError(t, err)
	assert.Equal(t, "data", v)

	_, err = cc.Invoke(context.Background(), "write")
	require.Error(t, err)
	assert.ErrorIs(t, err, flow.ErrBlocked)
}
