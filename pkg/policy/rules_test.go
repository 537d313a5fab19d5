package policy

import (
	"testing"

	"github.com/billm/baaaht/ipcflow/pkg/flow"
	"github.com/billm/baaaht/ipcflow/pkg/transport"
	"github.com/billm/baaaht/ipcflow/pkg/types"
	"github.com/stretchr/testify/assert"
)

func samplePolicy() *Policy {
	return &Policy{
		ID:      "sample",
		Name:    "Sample",
		Mode:    EnforcementModeStrict,
		Default: EffectDeny,
		Rules: []Rule{
			{Name: "no-admin-from-guests", Controllers: []string{"admin*"}, Senders: []string{"guest-*"}, Effect: EffectDeny},
			{Name: "admin", Controllers: []string{"admin*"}, Effect: EffectAllow},
			{Name: "read-only", Controllers: []string{"files"}, Operations: []string{"read", "stat"}, Kinds: []string{"invoke"}, Effect: EffectAllow},
			{Name: "events", Kinds: []string{"event"}, Effect: EffectAllow},
		},
	}
}

func request(controller, op string, kind flow.TrustKind, sender string) flow.TrustRequest {
	return flow.TrustRequest{
		Controller: controller,
		Operation:  op,
		Kind:       kind,
		Event:      &transport.Event{SenderID: sender},
	}
}

func TestEvaluate(t *testing.T) {
	pol := samplePolicy()

	tests := []struct {
		name    string
		req     flow.TrustRequest
		allowed bool
		rule    string
	}{
		{"first match wins", request("admin", "reset", flow.TrustInvoke, "guest-1"), false, "no-admin-from-guests"},
		{"glob controller", request("admin-users", "reset", flow.TrustInvoke, "main"), true, "admin"},
		{"operation listed", request("files", "stat", flow.TrustInvoke, "main"), true, "read-only"},
		{"operation not listed", request("files", "write", flow.TrustInvoke, "main"), false, ""},
		{"kind mismatch", request("files", "read", flow.TrustEvent, "main"), true, "events"},
		{"default deny", request("other", "x", flow.TrustInvoke, "main"), false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := pol.Evaluate(tt.req)
			assert.Equal(t, tt.allowed, d.Allowed)
			assert.Equal(t, tt.rule, d.Rule)
			if !d.Allowed {
				assert.NotEmpty(t, d.Reason)
			}
		})
	}
}

func TestEvaluateWithoutEvent(t *testing.T) {
	pol := &Policy{ID: "p", Mode: EnforcementModeStrict, Default: EffectAllow, Rules: []Rule{
		{Name: "senders", Senders: []string{"w*"}, Effect: EffectDeny},
	}}
	d := pol.Evaluate(flow.TrustRequest{Controller: "c", Operation: "o", Kind: flow.TrustInvoke})
	assert.True(t, d.Allowed)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Policy)
	}{
		{"empty id", func(p *Policy) { p.ID = "" }},
		{"bad mode", func(p *Policy) { p.Mode = "lenient" }},
		{"bad default", func(p *Policy) { p.Default = "maybe" }},
		{"unnamed rule", func(p *Policy) { p.Rules[0].Name = "" }},
		{"duplicate rule", func(p *Policy) { p.Rules[1].Name = p.Rules[0].Name }},
		{"bad effect", func(p *Policy) { p.Rules[0].Effect = "" }},
		{"bad kind", func(p *Policy) { p.Rules[2].Kinds = []string{"push"} }},
		{"bad pattern", func(p *Policy) { p.Rules[0].Controllers = []string{"["} }},
	}

	assert.NoError(t, samplePolicy().Validate())
	assert.NoError(t, DefaultPolicy().Validate())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pol := samplePolicy()
			tt.mutate(pol)
			err := pol.Validate()
			assert.Error(t, err)
			assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidArgument))
		})
	}
}

func TestPolicyString(t *testing.T) {
	s := samplePolicy().String()
	assert.Contains(t, s, "ID: sample")
	assert.Contains(t, s, "read-only")
}
