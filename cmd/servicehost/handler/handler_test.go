package handler

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrel-io/petrel/common/bus"
	"github.com/petrel-io/petrel/common/cache"
	"github.com/petrel-io/petrel/common/rulebase"
)

type testLogger struct{ t *testing.T }

func (l testLogger) Info(msg string, kv ...interface{})  { l.t.Logf("INFO %s %v", msg, kv) }
func (l testLogger) Error(msg string, kv ...interface{}) { l.t.Logf("ERROR %s %v", msg, kv) }
func (l testLogger) Warn(msg string, kv ...interface{})  { l.t.Logf("WARN %s %v", msg, kv) }
func (l testLogger) Debug(msg string, kv ...interface{}) { l.t.Logf("DEBUG %s %v", msg, kv) }

type captureSend struct {
	mu     sync.Mutex
	addrs  []string
	bodies []string
}

func (c *captureSend) send(_ context.Context, addr string, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.addrs = append(c.addrs, addr)
	c.bodies = append(c.bodies, string(payload))
	return nil
}

func rulePayload(t *testing.T, version string, commitment int, buffer *int) []byte {
	t.Helper()
	p := &rulebase.Payload{
		Header: rulebase.PayloadHeader{RuleBaseVersion: version, RuleBaseCommitment: commitment},
		Target: rulebase.TargetService{ServiceName: "Intake", OperationName: "register", Buffer: buffer},
		Rules: rulebase.RuleFileData{
			Data: "NodeType(EdgeNode)\ncanonicalBinding(register, referral, token, 1)\nmeetsCondition(Lab, analyze, \"\", \"\")",
		},
	}
	raw, err := p.Marshal()
	require.NoError(t, err)
	return raw
}

func TestHandleInstallsAndAcks(t *testing.T) {
	rules := cache.NewRuleStore()
	cap := &captureSend{}
	var got *rulebase.RuleBase
	h := New(rules, cap.send, func(rb *rulebase.RuleBase) { got = rb }, testLogger{t})

	buffer := 16
	from := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 5), Port: 41000}
	h.Handle(context.Background())(rulePayload(t, "7", 3, &buffer), from)

	require.Equal(t, 1, h.Installed())
	rb, ok := rules.Get("7", "Intake", "register")
	require.True(t, ok)
	assert.Equal(t, 16, rb.Buffer)
	assert.Equal(t, rulebase.NodeEdge, rb.NodeType())
	assert.True(t, rules.VersionValid("7"))

	require.NotNil(t, got)
	assert.Equal(t, "Intake/register", got.Service+"/"+got.Operation)

	wantAddr := net.JoinHostPort("10.0.0.5", strconv.Itoa(bus.ConfirmPort("7")))
	require.Equal(t, []string{wantAddr}, cap.addrs)
	assert.Equal(t, []string{"CONFIRMED:7:3"}, cap.bodies)
}

func TestHandleReinstallReplacesRules(t *testing.T) {
	rules := cache.NewRuleStore()
	cap := &captureSend{}
	h := New(rules, cap.send, nil, testLogger{t})
	from := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 5), Port: 41000}

	handle := h.Handle(context.Background())
	handle(rulePayload(t, "7", 1, nil), from)
	handle(rulePayload(t, "7", 2, nil), from)

	assert.Equal(t, 2, h.Installed())
	assert.Equal(t, 1, rules.Size())
	assert.Equal(t, []string{"CONFIRMED:7:1", "CONFIRMED:7:2"}, cap.bodies)
}

func TestHandleRejectsMalformedPayload(t *testing.T) {
	rules := cache.NewRuleStore()
	cap := &captureSend{}
	h := New(rules, cap.send, nil, testLogger{t})

	h.Handle(context.Background())([]byte("not a payload"), &net.UDPAddr{IP: net.IPv4(10, 0, 0, 5)})

	assert.Equal(t, 0, h.Installed())
	assert.Empty(t, cap.addrs)
}

func TestHandleRejectsIncompletePayload(t *testing.T) {
	rules := cache.NewRuleStore()
	cap := &captureSend{}
	h := New(rules, cap.send, nil, testLogger{t})

	p := &rulebase.Payload{
		Header: rulebase.PayloadHeader{RuleBaseVersion: "7", RuleBaseCommitment: 1},
		Rules:  rulebase.RuleFileData{Data: "NodeType(EdgeNode)"},
	}
	raw, err := p.Marshal()
	require.NoError(t, err)

	h.Handle(context.Background())(raw, &net.UDPAddr{IP: net.IPv4(10, 0, 0, 5)})

	assert.Equal(t, 0, h.Installed())
	assert.Empty(t, cap.addrs)
	assert.False(t, rules.VersionValid("7"))
}

func TestHandleRejectsUnparseableRuleText(t *testing.T) {
	rules := cache.NewRuleStore()
	cap := &captureSend{}
	h := New(rules, cap.send, nil, testLogger{t})

	p := &rulebase.Payload{
		Header: rulebase.PayloadHeader{RuleBaseVersion: "7", RuleBaseCommitment: 1},
		Target: rulebase.TargetService{ServiceName: "Intake", OperationName: "register"},
		Rules:  rulebase.RuleFileData{Data: "NodeType(EdgeNode"},
	}
	raw, err := p.Marshal()
	require.NoError(t, err)

	h.Handle(context.Background())(raw, &net.UDPAddr{IP: net.IPv4(10, 0, 0, 5)})

	assert.Equal(t, 0, h.Installed())
	assert.Empty(t, cap.addrs)
}

func TestHandleSendFailureStillInstalls(t *testing.T) {
	rules := cache.NewRuleStore()
	h := New(rules, func(context.Context, string, []byte) error {
		return fmt.Errorf("network unreachable")
	}, nil, testLogger{t})

	h.Handle(context.Background())(rulePayload(t, "7", 1, nil), &net.UDPAddr{IP: net.IPv4(10, 0, 0, 5)})

	assert.Equal(t, 1, h.Installed())
	_, ok := rules.Get("7", "Intake", "register")
	assert.True(t, ok)
}
