package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/petrel-io/petrel/cmd/servicehost/invoker"
	"github.com/petrel-io/petrel/common/bus"
	"github.com/petrel-io/petrel/common/endpoint"
	"github.com/petrel-io/petrel/common/rulebase"
	"github.com/petrel-io/petrel/common/telemetry"
	"github.com/petrel-io/petrel/common/token"
)

// Publish retry policy for transient socket failures.
const (
	maxSendAttempts = 3
	sendBackoff     = 100 * time.Millisecond
)

// terminatedPlace labels the T_out of a token that ends here.
const terminatedPlace = rulebase.TerminatePlace + "/" + rulebase.TerminatePlace

// Dispatch is one completed invocation handed to the route selector.
type Dispatch struct {
	RuleBase *rulebase.RuleBase

	// SequenceID is the continuation identity: the token's own id, or
	// the lowest contributor after a join.
	SequenceID    int64
	WorkflowStart int64

	Result   invoker.Result
	Incoming *token.Envelope
}

// Router selects destinations for completed events and publishes the
// outgoing tokens. One router serves every orchestrator on the host.
type Router struct {
	resolver *endpoint.Resolver
	send     bus.SendFunc
	rec      telemetry.Recorder
	eval     *Evaluator
	log      Logger

	// window is the notAfter horizon stamped onto tokens that carry
	// none.
	window time.Duration
}

// NewRouter wires the route selector.
func NewRouter(resolver *endpoint.Resolver, send bus.SendFunc, rec telemetry.Recorder, eval *Evaluator, window time.Duration, log Logger) *Router {
	return &Router{
		resolver: resolver,
		send:     send,
		rec:      rec,
		eval:     eval,
		log:      log,
		window:   window,
	}
}

// Route records the T_out of one event and publishes its outgoing
// tokens. A returned error means the routing was dropped; fork branches
// that fail to send are logged individually and the first failure is
// returned.
func (r *Router) Route(ctx context.Context, d Dispatch) error {
	rb := d.RuleBase
	place := rb.Service + "/" + rb.Operation
	nodeType := rb.NodeType()

	switch nodeType {
	case rulebase.NodeTerminate:
		r.recordTOut(ctx, terminatedPlace, nodeType, d)
		return nil

	case rulebase.NodeMonitor:
		// Timing is recorded by the orchestrator; a monitor place has
		// no downstream.
		r.recordTOut(ctx, place, nodeType, d)
		return nil

	case rulebase.NodeFork:
		dests := rb.ParallelSplits()
		if len(dests) == 0 {
			dests = liveRoutes(rb)
		}
		if len(dests) == 0 {
			r.recordTOut(ctx, place, nodeType, d)
			return fmt.Errorf("fork %s has no destinations", place)
		}
		return r.fork(ctx, place, nodeType, d, dests)

	case rulebase.NodeGateway:
		key := r.eval.RoutingKey(d.Result)
		var hits []rulebase.Route
		for _, rt := range rb.Routes() {
			if rt.DecisionValue == key {
				hits = append(hits, rt)
			}
		}
		if len(hits) == 0 {
			r.recordTOut(ctx, place, nodeType, d)
			return fmt.Errorf("gateway %s: no edge matches routing key %q", place, key)
		}
		return r.fire(ctx, place, nodeType, d, hits)

	case rulebase.NodeDecision:
		for _, br := range orderedBranches(rb) {
			ok, err := r.eval.Matches(br.ConditionType, br.DecisionValue, d.Result)
			if err != nil {
				r.log.Warn("condition evaluation failed, branch skipped",
					"place", place, "condition", br.ConditionType,
					"value", br.DecisionValue, "error", err)
				continue
			}
			if ok {
				return r.fire(ctx, place, nodeType, d, []rulebase.Route{br})
			}
		}
		r.recordTOut(ctx, place, nodeType, d)
		return fmt.Errorf("decision %s: no branch satisfied by %q", place, d.Result.Value)

	case rulebase.NodeXor:
		var hits []rulebase.Route
		for _, br := range orderedBranches(rb) {
			ok, err := r.eval.Matches(br.ConditionType, br.DecisionValue, d.Result)
			if err != nil {
				r.log.Warn("condition evaluation failed, branch skipped",
					"place", place, "condition", br.ConditionType,
					"value", br.DecisionValue, "error", err)
				continue
			}
			if ok {
				hits = append(hits, br)
			}
		}
		if len(hits) == 0 {
			r.recordTOut(ctx, place, nodeType, d)
			return fmt.Errorf("xor %s: no branch satisfied by %q", place, d.Result.Value)
		}
		return r.fire(ctx, place, nodeType, d, hits)

	default:
		// EdgeNode, MergeNode, FeedFwdNode, and join continuations.
		routes := rb.Routes()
		if len(routes) == 0 {
			r.recordTOut(ctx, place, nodeType, d)
			return nil
		}
		return r.fire(ctx, place, nodeType, d, routes[:1])
	}
}

// fire publishes the satisfied branches: one branch keeps the token's
// identity, several become a fork.
func (r *Router) fire(ctx context.Context, place, nodeType string, d Dispatch, hits []rulebase.Route) error {
	var live []rulebase.Route
	terminated := false
	for _, h := range hits {
		if h.Terminates() {
			terminated = true
			continue
		}
		live = append(live, h)
	}

	switch {
	case len(live) == 0:
		r.recordTOut(ctx, terminatedPlace, nodeType, d)
		return nil
	case len(live) == 1:
		if terminated {
			r.log.Warn("terminate branch matched alongside a live branch, continuing",
				"place", place, "sequence", d.SequenceID)
		}
		r.recordTOut(ctx, place, nodeType, d)
		return r.publish(ctx, place, d, live[0], d.SequenceID, "")
	default:
		if terminated {
			r.log.Warn("terminate branch matched alongside a fork, continuing",
				"place", place, "sequence", d.SequenceID)
		}
		return r.fork(ctx, place, nodeType, d, live)
	}
}

// fork encodes child identities and publishes one token per branch.
// Exactly one T_out is recorded for the parent; each child gets a
// genealogy row.
func (r *Router) fork(ctx context.Context, place, nodeType string, d Dispatch, dests []rulebase.Route) error {
	r.recordTOut(ctx, place, nodeType, d)

	if len(dests) == 1 {
		// A degenerate fork is a plain edge.
		return r.publish(ctx, place, d, dests[0], d.SequenceID, "")
	}

	children, err := token.Children(d.SequenceID, len(dests))
	if err != nil {
		return fmt.Errorf("fork %s: %w", place, err)
	}

	label := nodeType + ":" + place
	now := time.Now()
	var firstErr error
	for i, dest := range dests {
		child := children[i]
		if rerr := r.rec.RecordGenealogy(ctx, telemetry.Genealogy{
			Parent:         d.SequenceID,
			Child:          child,
			Branch:         i + 1,
			ForkTransition: label,
			At:             now,
		}); rerr != nil {
			r.log.Error("genealogy record failed",
				"parent", d.SequenceID, "child", child, "error", rerr)
		}
		if perr := r.publish(ctx, place, d, dest, child, label); perr != nil {
			r.log.Error("fork branch publish failed",
				"place", place, "child", child, "error", perr)
			if firstErr == nil {
				firstErr = perr
			}
		}
	}
	return firstErr
}

// publish resolves the destination endpoint and sends one token.
func (r *Router) publish(ctx context.Context, place string, d Dispatch, dest rulebase.Route, seq int64, forkLabel string) error {
	ep, err := r.resolver.Resolve(ctx, dest.Service, dest.Operation)
	if err != nil {
		return fmt.Errorf("resolve %s/%s: %w", dest.Service, dest.Operation, err)
	}

	now := time.Now()
	notAfter := d.Incoming.Join.NotAfter
	if notAfter <= 0 {
		notAfter = now.Add(r.window).UnixMilli()
	}
	var parent int64
	if forkLabel != "" {
		parent = d.SequenceID
	}

	out := &token.Envelope{
		Header: token.Header{
			SequenceID:            seq,
			RuleBaseVersion:       d.RuleBase.Version,
			MonitorIncomingEvents: d.Incoming.Header.MonitorIncomingEvents,
		},
		Join: token.JoinAttribute{
			AttributeName:  d.RuleBase.ReturnAttribute(),
			AttributeValue: d.Result.Value,
			NotAfter:       notAfter,
		},
		Service: token.Service{
			ServiceName: dest.Service,
			Operation:   dest.Operation,
		},
		Monitor: token.MonitorData{
			ProcessStartTime:   d.WorkflowStart,
			EventArrivalTime:   now.UnixMilli(),
			ProcessElapsedTime: now.UnixMilli() - d.WorkflowStart,
			CallingService:     place,
			LostEvents:         d.Incoming.Monitor.LostEvents,
		},
		Transition: &token.TransitionMeta{
			PreviousPlace:  place,
			ForkTransition: forkLabel,
			ParentTokenID:  parent,
		},
	}
	payload, err := out.Marshal()
	if err != nil {
		return err
	}
	return r.sendWithRetry(ctx, ep.EventAddr(), payload)
}

// sendWithRetry retries transient socket failures with linear backoff.
func (r *Router) sendWithRetry(ctx context.Context, addr string, payload []byte) error {
	var lastErr error
	for attempt := 1; ; attempt++ {
		err := r.send(ctx, addr, payload)
		if err == nil {
			return nil
		}
		lastErr = err
		r.log.Warn("TRANSIENT_IO: event send failed",
			"addr", addr, "attempt", attempt, "error", err)
		if attempt == maxSendAttempts {
			break
		}
		select {
		case <-time.After(time.Duration(attempt) * sendBackoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("send to %s failed after %d attempts: %w", addr, maxSendAttempts, lastErr)
}

func (r *Router) recordTOut(ctx context.Context, place, nodeType string, d Dispatch) {
	if err := r.rec.RecordTransition(ctx, telemetry.Transition{
		Kind:          telemetry.TOut,
		Place:         place,
		NodeType:      nodeType,
		SequenceID:    d.SequenceID,
		WorkflowStart: d.WorkflowStart,
		At:            time.Now(),
	}); err != nil {
		r.log.Error("transition record failed",
			"kind", telemetry.TOut, "place", place, "error", err)
	}
}

// orderedBranches lists decision branches in payload order, terminate
// rows interleaved where the rule file put them.
func orderedBranches(rb *rulebase.RuleBase) []rulebase.Route {
	var out []rulebase.Route
	for _, a := range rb.Atoms() {
		switch {
		case a.Functor == "meetsCondition" && len(a.Args) == 4:
			out = append(out, rulebase.Route{
				Service:       a.Args[0],
				Operation:     a.Args[1],
				ConditionType: a.Args[2],
				DecisionValue: a.Args[3],
			})
		case a.Functor == "terminatesOn" && len(a.Args) == 2:
			out = append(out, rulebase.Route{
				Service:       rulebase.TerminatePlace,
				Operation:     rulebase.TerminatePlace,
				ConditionType: a.Args[0],
				DecisionValue: a.Args[1],
			})
		}
	}
	return out
}

// liveRoutes returns the routing rows minus terminate rows.
func liveRoutes(rb *rulebase.RuleBase) []rulebase.Route {
	var out []rulebase.Route
	for _, rt := range rb.Routes() {
		if rt.Terminates() {
			continue
		}
		out = append(out, rt)
	}
	return out
}
