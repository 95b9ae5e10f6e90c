package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrel-io/petrel/cmd/servicehost/invoker"
	"github.com/petrel-io/petrel/common/endpoint"
	"github.com/petrel-io/petrel/common/facts"
	"github.com/petrel-io/petrel/common/rulebase"
	"github.com/petrel-io/petrel/common/telemetry"
	"github.com/petrel-io/petrel/common/token"
)

// capture records published datagrams instead of sending them. failFirst
// makes the first N sends report a socket error.
type capture struct {
	mu        sync.Mutex
	addrs     []string
	envelopes []*token.Envelope
	failFirst int
	attempts  int
}

func (c *capture) send(_ context.Context, addr string, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts++
	if c.attempts <= c.failFirst {
		return errors.New("connection refused")
	}
	env, err := token.Parse(payload)
	if err != nil {
		return err
	}
	c.addrs = append(c.addrs, addr)
	c.envelopes = append(c.envelopes, env)
	return nil
}

func (c *capture) sent() ([]string, []*token.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.addrs...), append([]*token.Envelope(nil), c.envelopes...)
}

func routerFixture(t *testing.T) (*Router, *capture, *telemetry.MemoryRecorder) {
	t.Helper()
	store := facts.NewMemoryStore()
	err := store.Assert(context.Background(),
		facts.A("activeService", "Lab", "analyze", "ip1", "1"),
		facts.A("activeService", "Imaging", "scan", "ip2", "2"),
		facts.A("activeService", "Audit", "observe", "ip3", "3"),
		facts.A("boundChannel", "ip1", "192.168.0.10"),
		facts.A("boundChannel", "ip2", "192.168.0.11"),
		facts.A("boundChannel", "ip3", "192.168.0.12"),
	)
	require.NoError(t, err)

	cap := &capture{}
	rec := telemetry.NewMemoryRecorder()
	resolver := endpoint.NewResolver(store, testLogger{t})
	router := NewRouter(resolver, cap.send, rec, NewEvaluator(), 30*time.Second, testLogger{t})
	return router, cap, rec
}

func placeRules(t *testing.T, service, operation string, text string) *rulebase.RuleBase {
	t.Helper()
	atoms, err := facts.ParseAtoms(text)
	require.NoError(t, err)
	return rulebase.New("7", service, operation, 0, atoms)
}

func incomingToken(seq int64, notAfter int64) *token.Envelope {
	return &token.Envelope{
		Header:  token.Header{SequenceID: seq, RuleBaseVersion: "7"},
		Join:    token.JoinAttribute{AttributeName: "token", AttributeValue: "x", NotAfter: notAfter},
		Service: token.Service{ServiceName: "Intake", Operation: "register"},
		Monitor: token.MonitorData{ProcessStartTime: 50, LostEvents: 2},
	}
}

func TestRouteEdgePublishesSingleToken(t *testing.T) {
	router, cap, rec := routerFixture(t)
	rb := placeRules(t, "Intake", "register", `
NodeType(EdgeNode)
canonicalBinding(register, referral, token, 1)
meetsCondition(Lab, analyze, "", "")
`)

	err := router.Route(context.Background(), Dispatch{
		RuleBase:      rb,
		SequenceID:    1_000_000,
		WorkflowStart: 50,
		Result:        invoker.Result{Value: "ref-9", DeclaredType: "string"},
		Incoming:      incomingToken(1_000_000, 999_999),
	})
	require.NoError(t, err)

	addrs, envs := cap.sent()
	require.Equal(t, []string{"192.168.0.10:10001"}, addrs)
	out := envs[0]
	assert.Equal(t, int64(1_000_000), out.Header.SequenceID)
	assert.Equal(t, "7", out.Header.RuleBaseVersion)
	assert.Equal(t, "referral", out.Join.AttributeName)
	assert.Equal(t, "ref-9", out.Join.AttributeValue)
	assert.Equal(t, int64(999_999), out.Join.NotAfter)
	assert.Equal(t, "Lab", out.Service.ServiceName)
	assert.Equal(t, "analyze", out.Service.Operation)
	assert.Equal(t, int64(50), out.Monitor.ProcessStartTime)
	assert.Equal(t, "Intake/register", out.Monitor.CallingService)
	assert.Equal(t, int64(2), out.Monitor.LostEvents)
	require.NotNil(t, out.Transition)
	assert.Equal(t, "Intake/register", out.Transition.PreviousPlace)
	assert.Empty(t, out.Transition.ForkTransition)

	touts := rec.Transitions(telemetry.TOut, "Intake/register")
	require.Len(t, touts, 1)
	assert.Equal(t, "EdgeNode", touts[0].NodeType)
	assert.Empty(t, rec.GenealogyOf(1_000_000))
}

func TestRouteStampsDefaultWindow(t *testing.T) {
	router, cap, _ := routerFixture(t)
	rb := placeRules(t, "Intake", "register", `
NodeType(EdgeNode)
meetsCondition(Lab, analyze, "", "")
`)

	before := time.Now().UnixMilli()
	err := router.Route(context.Background(), Dispatch{
		RuleBase:   rb,
		SequenceID: 1_000_000,
		Result:     invoker.Result{Value: "x", DeclaredType: "string"},
		Incoming:   incomingToken(1_000_000, 0),
	})
	require.NoError(t, err)

	_, envs := cap.sent()
	require.Len(t, envs, 1)
	assert.GreaterOrEqual(t, envs[0].Join.NotAfter, before+29_000)
}

func TestRouteTerminateEndsToken(t *testing.T) {
	router, cap, rec := routerFixture(t)
	rb := placeRules(t, "Billing", "close", `
NodeType(TerminateNode)
meetsCondition(TERMINATE, TERMINATE, "", "")
`)

	err := router.Route(context.Background(), Dispatch{
		RuleBase:      rb,
		SequenceID:    1_000_000,
		WorkflowStart: 50,
		Result:        invoker.Result{Value: "done", DeclaredType: "string"},
		Incoming:      incomingToken(1_000_000, 0),
	})
	require.NoError(t, err)

	addrs, _ := cap.sent()
	assert.Empty(t, addrs)
	touts := rec.Transitions(telemetry.TOut, "TERMINATE/TERMINATE")
	require.Len(t, touts, 1)
	assert.Equal(t, int64(1_000_000), touts[0].SequenceID)
	assert.Equal(t, "TerminateNode", touts[0].NodeType)
}

func TestRouteForkEncodesChildren(t *testing.T) {
	router, cap, rec := routerFixture(t)
	rb := placeRules(t, "Intake", "register", `
NodeType(ForkNode)
meetsCondition(Lab, analyze, "", "")
meetsCondition(Imaging, scan, "", "")
parallelSplit(Lab, analyze)
parallelSplit(Imaging, scan)
`)

	err := router.Route(context.Background(), Dispatch{
		RuleBase:      rb,
		SequenceID:    2_000_000,
		WorkflowStart: 50,
		Result:        invoker.Result{Value: "case-1", DeclaredType: "string"},
		Incoming:      incomingToken(2_000_000, 777),
	})
	require.NoError(t, err)

	addrs, envs := cap.sent()
	assert.Equal(t, []string{"192.168.0.10:10001", "192.168.0.11:10002"}, addrs)
	require.Len(t, envs, 2)
	assert.Equal(t, int64(2_000_201), envs[0].Header.SequenceID)
	assert.Equal(t, int64(2_000_202), envs[1].Header.SequenceID)
	for _, env := range envs {
		require.NotNil(t, env.Transition)
		assert.Equal(t, int64(2_000_000), env.Transition.ParentTokenID)
		assert.Equal(t, "ForkNode:Intake/register", env.Transition.ForkTransition)
	}

	touts := rec.Transitions(telemetry.TOut, "Intake/register")
	require.Len(t, touts, 1)
	assert.Equal(t, int64(2_000_000), touts[0].SequenceID)

	kids := rec.GenealogyOf(2_000_000)
	require.Len(t, kids, 2)
	assert.Equal(t, int64(2_000_201), kids[0].Child)
	assert.Equal(t, 1, kids[0].Branch)
	assert.Equal(t, int64(2_000_202), kids[1].Child)
	assert.Equal(t, 2, kids[1].Branch)
	assert.Equal(t, "ForkNode:Intake/register", kids[0].ForkTransition)
}

func TestRouteGatewaySingleMatchKeepsToken(t *testing.T) {
	router, cap, rec := routerFixture(t)
	rb := placeRules(t, "Intake", "register", `
NodeType(GatewayNode)
meetsCondition(Lab, analyze, GATEWAY_NODE, true)
meetsCondition(Imaging, scan, GATEWAY_NODE, true)
meetsCondition(Audit, observe, GATEWAY_NODE, false)
`)

	err := router.Route(context.Background(), Dispatch{
		RuleBase:      rb,
		SequenceID:    3_000_000,
		WorkflowStart: 50,
		Result: invoker.Result{
			Value:        `{"routing_decision":{"routing_path":"false"}}`,
			DeclaredType: "json",
		},
		Incoming: incomingToken(3_000_000, 777),
	})
	require.NoError(t, err)

	addrs, envs := cap.sent()
	assert.Equal(t, []string{"192.168.0.12:10003"}, addrs)
	assert.Equal(t, int64(3_000_000), envs[0].Header.SequenceID)
	assert.Empty(t, rec.GenealogyOf(3_000_000))
}

func TestRouteGatewayMultiMatchForks(t *testing.T) {
	router, cap, rec := routerFixture(t)
	rb := placeRules(t, "Intake", "register", `
NodeType(GatewayNode)
meetsCondition(Lab, analyze, GATEWAY_NODE, true)
meetsCondition(Imaging, scan, GATEWAY_NODE, true)
meetsCondition(Audit, observe, GATEWAY_NODE, false)
`)

	err := router.Route(context.Background(), Dispatch{
		RuleBase:      rb,
		SequenceID:    3_000_000,
		WorkflowStart: 50,
		Result:        invoker.Result{Value: "true", DeclaredType: "string"},
		Incoming:      incomingToken(3_000_000, 777),
	})
	require.NoError(t, err)

	addrs, envs := cap.sent()
	assert.Equal(t, []string{"192.168.0.10:10001", "192.168.0.11:10002"}, addrs)
	assert.Equal(t, int64(3_000_201), envs[0].Header.SequenceID)
	assert.Equal(t, int64(3_000_202), envs[1].Header.SequenceID)
	assert.Len(t, rec.GenealogyOf(3_000_000), 2)
	assert.Len(t, rec.Transitions(telemetry.TOut, "Intake/register"), 1)
}

func TestRouteGatewayNoMatchDropsWithError(t *testing.T) {
	router, cap, rec := routerFixture(t)
	rb := placeRules(t, "Intake", "register", `
NodeType(GatewayNode)
meetsCondition(Lab, analyze, GATEWAY_NODE, true)
`)

	err := router.Route(context.Background(), Dispatch{
		RuleBase:      rb,
		SequenceID:    3_000_000,
		WorkflowStart: 50,
		Result:        invoker.Result{Value: "unknown", DeclaredType: "string"},
		Incoming:      incomingToken(3_000_000, 777),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no edge matches")

	addrs, _ := cap.sent()
	assert.Empty(t, addrs)
	assert.Len(t, rec.Transitions(telemetry.TOut, "Intake/register"), 1)
}

func TestRouteDecisionFirstMatchWins(t *testing.T) {
	router, cap, _ := routerFixture(t)
	rb := placeRules(t, "Intake", "register", `
NodeType(DecisionNode)
DecisionValue(boolean, false)
meetsCondition(Lab, analyze, boolean, false)
DecisionValue(boolean, true)
meetsCondition(Imaging, scan, boolean, true)
meetsCondition(Audit, observe, boolean, true)
`)

	err := router.Route(context.Background(), Dispatch{
		RuleBase:      rb,
		SequenceID:    4_000_000,
		WorkflowStart: 50,
		Result:        invoker.Result{Value: "true", DeclaredType: "boolean"},
		Incoming:      incomingToken(4_000_000, 777),
	})
	require.NoError(t, err)

	addrs, envs := cap.sent()
	assert.Equal(t, []string{"192.168.0.11:10002"}, addrs)
	assert.Equal(t, int64(4_000_000), envs[0].Header.SequenceID)
}

func TestRouteDecisionTerminatesOn(t *testing.T) {
	router, cap, rec := routerFixture(t)
	rb := placeRules(t, "Intake", "register", `
NodeType(DecisionNode)
terminatesOn(string, reject)
DecisionValue(string, accept)
meetsCondition(Lab, analyze, string, accept)
`)

	err := router.Route(context.Background(), Dispatch{
		RuleBase:      rb,
		SequenceID:    4_000_000,
		WorkflowStart: 50,
		Result:        invoker.Result{Value: "reject", DeclaredType: "string"},
		Incoming:      incomingToken(4_000_000, 777),
	})
	require.NoError(t, err)

	addrs, _ := cap.sent()
	assert.Empty(t, addrs)
	assert.Len(t, rec.Transitions(telemetry.TOut, "TERMINATE/TERMINATE"), 1)
}

func TestRouteXorAllMatchesFork(t *testing.T) {
	router, cap, rec := routerFixture(t)
	rb := placeRules(t, "Intake", "register", `
NodeType(XorNode)
meetsCondition(Lab, analyze, int, 5)
meetsCondition(Imaging, scan, int, 5)
meetsCondition(Audit, observe, int, 9)
`)

	err := router.Route(context.Background(), Dispatch{
		RuleBase:      rb,
		SequenceID:    5_000_000,
		WorkflowStart: 50,
		Result:        invoker.Result{Value: "5", DeclaredType: "int"},
		Incoming:      incomingToken(5_000_000, 777),
	})
	require.NoError(t, err)

	addrs, _ := cap.sent()
	assert.Equal(t, []string{"192.168.0.10:10001", "192.168.0.11:10002"}, addrs)
	assert.Len(t, rec.GenealogyOf(5_000_000), 2)
}

func TestRouteMonitorHasNoDownstream(t *testing.T) {
	router, cap, rec := routerFixture(t)
	rb := placeRules(t, "Audit", "observe", `
NodeType(MonitorNode)
`)

	err := router.Route(context.Background(), Dispatch{
		RuleBase:      rb,
		SequenceID:    6_000_000,
		WorkflowStart: 50,
		Result:        invoker.Result{Value: "ok", DeclaredType: "string"},
		Incoming:      incomingToken(6_000_000, 777),
	})
	require.NoError(t, err)

	addrs, _ := cap.sent()
	assert.Empty(t, addrs)
	assert.Len(t, rec.Transitions(telemetry.TOut, "Audit/observe"), 1)
}

func TestRouteRetriesTransientSendFailures(t *testing.T) {
	router, cap, _ := routerFixture(t)
	cap.failFirst = 2
	rb := placeRules(t, "Intake", "register", `
NodeType(EdgeNode)
meetsCondition(Lab, analyze, "", "")
`)

	err := router.Route(context.Background(), Dispatch{
		RuleBase:   rb,
		SequenceID: 1_000_000,
		Result:     invoker.Result{Value: "x", DeclaredType: "string"},
		Incoming:   incomingToken(1_000_000, 777),
	})
	require.NoError(t, err)

	addrs, _ := cap.sent()
	assert.Equal(t, []string{"192.168.0.10:10001"}, addrs)
	assert.Equal(t, 3, cap.attempts)
}

func TestRouteUnresolvableDestinationFails(t *testing.T) {
	router, cap, _ := routerFixture(t)
	rb := placeRules(t, "Intake", "register", `
NodeType(EdgeNode)
meetsCondition(Pharmacy, dispense, "", "")
`)

	err := router.Route(context.Background(), Dispatch{
		RuleBase:   rb,
		SequenceID: 1_000_000,
		Result:     invoker.Result{Value: "x", DeclaredType: "string"},
		Incoming:   incomingToken(1_000_000, 777),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, endpoint.ErrServiceNotFound)

	addrs, _ := cap.sent()
	assert.Empty(t, addrs)
}
