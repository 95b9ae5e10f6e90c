// Package orchestrator runs one event loop per (service, operation)
// place: dequeue a token, coordinate its inputs, invoke the business
// operation, route the result. Join state is shared host-wide through
// the Coordinator; routing decisions come from the installed rule base.
package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/petrel-io/petrel/cmd/servicehost/invoker"
	"github.com/petrel-io/petrel/common/cache"
	"github.com/petrel-io/petrel/common/queue"
	"github.com/petrel-io/petrel/common/rulebase"
	"github.com/petrel-io/petrel/common/telemetry"
	"github.com/petrel-io/petrel/common/token"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Opts wires one place's orchestrator.
type Opts struct {
	Service   string
	Operation string

	Buffer   *queue.Buffer
	Rules    *cache.RuleStore
	Joins    *Coordinator
	Invoker  invoker.Invoker
	Router   *Router
	Recorder telemetry.Recorder
	Log      Logger

	// Window substitutes the notAfter of join tokens that carry none.
	Window time.Duration

	// StatsInterval paces the roll-up ticker; 0 disables it.
	StatsInterval time.Duration
}

func (o Opts) validate() error {
	switch {
	case o.Service == "" || o.Operation == "":
		return errors.New("orchestrator: service and operation are required")
	case o.Buffer == nil:
		return errors.New("orchestrator: buffer is required")
	case o.Rules == nil:
		return errors.New("orchestrator: rule store is required")
	case o.Joins == nil:
		return errors.New("orchestrator: join coordinator is required")
	case o.Invoker == nil:
		return errors.New("orchestrator: invoker is required")
	case o.Router == nil:
		return errors.New("orchestrator: router is required")
	case o.Recorder == nil:
		return errors.New("orchestrator: recorder is required")
	case o.Log == nil:
		return errors.New("orchestrator: logger is required")
	}
	return nil
}

// Orchestrator is the per-place worker.
type Orchestrator struct {
	service   string
	operation string
	place     string

	buffer        *queue.Buffer
	rules         *cache.RuleStore
	joins         *Coordinator
	invoker       invoker.Invoker
	router        *Router
	rec           telemetry.Recorder
	log           Logger
	window        time.Duration
	statsInterval time.Duration

	processed atomic.Int64
	dropped   atomic.Int64
}

// New validates the wiring and builds the worker. Run starts it.
func New(opts Opts) (*Orchestrator, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if opts.Window <= 0 {
		opts.Window = 30 * time.Second
	}
	return &Orchestrator{
		service:       opts.Service,
		operation:     opts.Operation,
		place:         opts.Service + "/" + opts.Operation,
		buffer:        opts.Buffer,
		rules:         opts.Rules,
		joins:         opts.Joins,
		invoker:       opts.Invoker,
		router:        opts.Router,
		rec:           opts.Recorder,
		log:           opts.Log,
		window:        opts.Window,
		statsInterval: opts.StatsInterval,
	}, nil
}

// Place returns the "Service/operation" label.
func (o *Orchestrator) Place() string { return o.place }

// Enqueue hands one parsed event to the worker, blocking while the
// buffer is full.
func (o *Orchestrator) Enqueue(ctx context.Context, ev queue.Event) error {
	return o.buffer.Enqueue(ctx, ev)
}

// Depth reports the queued event count.
func (o *Orchestrator) Depth() int { return o.buffer.Depth() }

// Cap reports the buffer capacity.
func (o *Orchestrator) Cap() int { return o.buffer.Cap() }

// Processed counts events that completed invocation and routing.
func (o *Orchestrator) Processed() int64 { return o.processed.Load() }

// Dropped counts events discarded before or during routing.
func (o *Orchestrator) Dropped() int64 { return o.dropped.Load() }

// Close stops new enqueues; queued events keep draining.
func (o *Orchestrator) Close() { o.buffer.Close() }

// Run drains the buffer until ctx is done or the buffer closes.
func (o *Orchestrator) Run(ctx context.Context) error {
	if o.statsInterval > 0 {
		go o.rollup(ctx)
	}
	o.log.Info("orchestrator started", "place", o.place, "capacity", o.buffer.Cap())
	for {
		ev, depth, err := o.buffer.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, queue.ErrClosed) {
				o.log.Info("orchestrator stopped", "place", o.place)
				return nil
			}
			return err
		}
		o.handle(ctx, ev, depth)
	}
}

// handle runs the per-event procedure for one dequeued token.
func (o *Orchestrator) handle(ctx context.Context, qev queue.Event, depth int) {
	o.joins.Sweep(time.Now())

	env := qev.Envelope
	seq := env.Header.SequenceID

	// Capture the instance start before anything can overwrite it.
	workflowStart := env.Monitor.ProcessStartTime
	if workflowStart == 0 {
		workflowStart = qev.ArrivedAt.UnixMilli()
	}

	if env.Service.ServiceName != o.service {
		// The bus is shared; tokens for other services pass through.
		o.log.Debug("foreign service token ignored",
			"place", o.place, "for", env.Service.ServiceName, "sequence", seq)
		return
	}

	version := env.Header.RuleBaseVersion
	if !o.rules.VersionValid(version) {
		o.drop("rule-base version not registered", "version", version, "sequence", seq)
		return
	}
	rb, ok := o.rules.Get(version, o.service, o.operation)
	if !ok {
		o.drop("no rule base installed for place at version", "version", version, "sequence", seq)
		return
	}

	nodeType := rb.NodeType()
	o.recordTIn(ctx, nodeType, seq, workflowStart, depth)

	if nodeType == rulebase.NodeJoin {
		o.handleJoin(ctx, rb, env, workflowStart)
		return
	}

	args, ok := o.collectArgs(rb, env, seq)
	if !ok {
		return
	}
	o.execute(ctx, rb, env, seq, workflowStart, args)
}

// collectArgs assembles the call arguments of a single-token place.
func (o *Orchestrator) collectArgs(rb *rulebase.RuleBase, env *token.Envelope, seq int64) ([]string, bool) {
	required := rb.RequiredInputs()

	switch {
	case len(required) == 0:
		// Null-input operation: the trigger token carries no payload.
		return nil, true

	case rb.AcceptsAny():
		for _, name := range required {
			if env.Join.AttributeName == name {
				return []string{env.Join.AttributeValue}, true
			}
		}
		o.drop("WORKFLOW_DEF_ERROR_EDGE: attribute matches no alternative input",
			"sequence", seq, "got", env.Join.AttributeName,
			"alternatives", strings.Join(required, ","))
		return nil, false

	case len(required) == 1:
		if env.Join.AttributeName != required[0] {
			o.drop("WORKFLOW_DEF_ERROR_EDGE: attribute mismatch",
				"sequence", seq, "want", required[0], "got", env.Join.AttributeName)
			return nil, false
		}
		return []string{env.Join.AttributeValue}, true

	default:
		o.drop("WORKFLOW_DEF_ERROR_EDGE: place declares several inputs but no join governs it",
			"sequence", seq, "inputs", strings.Join(required, ","))
		return nil, false
	}
}

// handleJoin contributes the token to its join and continues the
// workflow when the join fires.
func (o *Orchestrator) handleJoin(ctx context.Context, rb *rulebase.RuleBase, env *token.Envelope, workflowStart int64) {
	seq := env.Header.SequenceID
	base, joinCount, _, encoded := token.Decode(seq)

	required := rb.RequiredInputs()
	mode := JoinByAttribute
	expected := len(required)
	if k, ok := rb.JoinInputCount(); ok {
		// Petri-net branches may share attribute names; key by
		// sequence id instead.
		mode = JoinBySequence
		expected = k
	}

	need := expected
	if encoded {
		if expected > 0 && joinCount != expected {
			o.drop("WORKFLOW_DEF_ERROR_JOIN: decoded join count disagrees with deployed arity",
				"sequence", seq, "decoded", joinCount, "expected", expected)
			return
		}
		need = joinCount
	}
	if need < token.MinFanOut {
		o.drop("WORKFLOW_DEF_ERROR_JOIN: join needs at least two inputs",
			"sequence", seq, "required", need)
		return
	}

	if mode == JoinByAttribute && !containsString(required, env.Join.AttributeName) {
		o.drop("WORKFLOW_DEF_ERROR_EDGE: attribute names no join slot",
			"sequence", seq, "got", env.Join.AttributeName,
			"slots", strings.Join(required, ","))
		return
	}

	notAfter := time.UnixMilli(env.Join.NotAfter)
	if env.Join.NotAfter <= 0 {
		notAfter = time.Now().Add(o.window)
	}

	fired := o.joins.Offer(o.place, mode, need, required, Contribution{
		SequenceID:     seq,
		AttributeName:  env.Join.AttributeName,
		AttributeValue: env.Join.AttributeValue,
		WorkflowStart:  workflowStart,
		NotAfter:       notAfter,
	})

	if err := o.rec.RecordJoin(ctx, telemetry.JoinArrival{
		Base:       base,
		SequenceID: seq,
		Slot:       env.Join.AttributeName,
		Complete:   fired != nil && fired.Base == base,
		At:         time.Now(),
	}); err != nil {
		o.log.Error("join record failed", "base", base, "sequence", seq, "error", err)
	}

	if fired == nil {
		return
	}
	o.execute(ctx, rb, env, fired.SequenceID, fired.WorkflowStart, fired.Args)
}

// execute invokes the business operation and routes its result.
func (o *Orchestrator) execute(ctx context.Context, rb *rulebase.RuleBase, env *token.Envelope, seq, workflowStart int64, args []string) {
	invokeStart := time.Now()
	res, err := o.invoker.Process(ctx, seq, o.service, o.operation, args, rb.ReturnAttribute(), rb.Version)
	if err != nil {
		o.drop("business invocation failed, routing skipped", "sequence", seq, "error", err)
		return
	}
	invokeMillis := time.Since(invokeStart).Milliseconds()

	publishStart := time.Now()
	routeErr := o.router.Route(ctx, Dispatch{
		RuleBase:      rb,
		SequenceID:    seq,
		WorkflowStart: workflowStart,
		Result:        res,
		Incoming:      env,
	})
	publishMillis := time.Since(publishStart).Milliseconds()

	if err := o.rec.RecordTiming(ctx, telemetry.Timing{
		Service:       o.service,
		Operation:     o.operation,
		SequenceID:    seq,
		InvokeMillis:  invokeMillis,
		PublishMillis: publishMillis,
		At:            time.Now(),
	}); err != nil {
		o.log.Error("timing record failed", "sequence", seq, "error", err)
	}

	if routeErr != nil {
		o.drop("routing dropped the event", "sequence", seq, "error", routeErr)
		return
	}
	o.processed.Add(1)
}

func (o *Orchestrator) recordTIn(ctx context.Context, nodeType string, seq, workflowStart int64, depth int) {
	if err := o.rec.RecordTransition(ctx, telemetry.Transition{
		Kind:          telemetry.TIn,
		Place:         o.place,
		NodeType:      nodeType,
		SequenceID:    seq,
		WorkflowStart: workflowStart,
		BufferSize:    depth,
		At:            time.Now(),
	}); err != nil {
		o.log.Error("transition record failed",
			"kind", telemetry.TIn, "place", o.place, "error", err)
	}
}

func (o *Orchestrator) drop(msg string, kv ...interface{}) {
	o.dropped.Add(1)
	o.log.Warn(msg, append(kv, "place", o.place)...)
}

// rollup periodically logs throughput and sweeps expired joins, so a
// quiet host still discards stale state.
func (o *Orchestrator) rollup(ctx context.Context) {
	t := time.NewTicker(o.statsInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			swept := o.joins.Sweep(now)
			o.log.Info("orchestrator stats",
				"place", o.place,
				"queued", o.buffer.Depth(),
				"processed", o.processed.Load(),
				"dropped", o.dropped.Load(),
				"joins_pending", o.joins.Pending(),
				"joins_swept", swept)
		}
	}
}

func containsString(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
