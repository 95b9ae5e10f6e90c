package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/petrel-io/petrel/cmd/servicehost/admin"
	"github.com/petrel-io/petrel/cmd/servicehost/handler"
	"github.com/petrel-io/petrel/cmd/servicehost/invoker"
	"github.com/petrel-io/petrel/cmd/servicehost/orchestrator"
	"github.com/petrel-io/petrel/common/bootstrap"
	"github.com/petrel-io/petrel/common/bus"
	"github.com/petrel-io/petrel/common/cache"
	"github.com/petrel-io/petrel/common/config"
	"github.com/petrel-io/petrel/common/endpoint"
	"github.com/petrel-io/petrel/common/facts"
	"github.com/petrel-io/petrel/common/queue"
	"github.com/petrel-io/petrel/common/rulebase"
	"github.com/petrel-io/petrel/common/telemetry"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// host assembles one service host: rule listeners feeding the install
// handler, event listeners feeding per-place orchestrators, and the
// join and routing state those orchestrators share.
type host struct {
	cfg     *config.Config
	log     Logger
	store   facts.Store
	rec     telemetry.Recorder
	version string

	rules    *cache.RuleStore
	joins    *orchestrator.Coordinator
	resolver *endpoint.Resolver
	registry *invoker.Registry
	router   *orchestrator.Router
	reactor  *orchestrator.Reactor
	handler  *handler.Handler

	ruleListeners []*bus.Listener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	orchs   map[string]*orchestrator.Orchestrator
	started time.Time
}

func newHost(c *bootstrap.Components, version string) *host {
	h := &host{
		cfg:      c.Config,
		log:      c.Logger,
		store:    c.Facts,
		rec:      c.Recorder,
		version:  version,
		rules:    cache.NewRuleStore(),
		registry: invoker.NewRegistry(),
		orchs:    make(map[string]*orchestrator.Orchestrator),
		started:  time.Now(),
	}
	h.joins = orchestrator.NewCoordinator(c.Config.Join.Scheduling, c.Logger)
	h.resolver = endpoint.NewResolver(c.Facts, c.Logger)
	h.router = orchestrator.NewRouter(h.resolver, bus.Send, c.Recorder,
		orchestrator.NewEvaluator(), c.Config.Join.Window, c.Logger)
	h.reactor = orchestrator.NewReactor(c.Logger)
	h.handler = handler.New(h.rules, bus.Send, h.installed, c.Logger)
	return h
}

// start resolves every hosted place and binds its rule and event ports.
// Places sharing a channel share sockets.
func (h *host) start(ctx context.Context) error {
	if len(h.cfg.Host.Places) == 0 {
		return errors.New("host.places is empty, nothing to serve")
	}
	h.ctx, h.cancel = context.WithCancel(ctx)

	rulePorts := make(map[int]bool)
	for _, place := range h.cfg.Host.Places {
		service, operation, ok := strings.Cut(place, "/")
		if !ok {
			return fmt.Errorf("host place %q must be Service/operation", place)
		}
		ep, err := h.resolver.Resolve(h.ctx, service, operation)
		if err != nil {
			return fmt.Errorf("resolve hosted place %s: %w", place, err)
		}

		if !rulePorts[ep.RulePort()] {
			rulePorts[ep.RulePort()] = true
			l, lerr := bus.Listen(ep.RulePort(), "rules", h.log)
			if lerr != nil {
				return lerr
			}
			h.ruleListeners = append(h.ruleListeners, l)
			h.wg.Add(1)
			go func(l *bus.Listener) {
				defer h.wg.Done()
				if serr := l.Serve(h.ctx, h.handler.Handle(h.ctx)); serr != nil {
					h.log.Error("rule listener stopped", "error", serr)
				}
			}(l)
		}
		if err := h.reactor.ListenOn(ep.EventPort()); err != nil {
			return err
		}
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		if err := h.reactor.Serve(h.ctx); err != nil {
			h.log.Error("event reactor stopped", "error", err)
		}
	}()

	h.log.Info("service host started",
		"places", strings.Join(h.cfg.Host.Places, ","),
		"rule_ports", len(h.ruleListeners),
		"event_ports", len(h.reactor.Ports()))
	return nil
}

// installed reacts to each rule installation. The first payload for a
// hosted place spawns its orchestrator; reinstalls only swap the rules.
// Payloads for places hosted elsewhere stay cached and spawn nothing.
func (h *host) installed(rb *rulebase.RuleBase) {
	place := rb.Service + "/" + rb.Operation
	if !h.hosts(place) {
		h.log.Debug("rule base for unhosted place cached only", "place", place)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.orchs[place]; ok {
		return
	}

	capacity := rb.Buffer
	if capacity <= 0 {
		capacity = h.cfg.Join.DefaultBuffer
	}
	o, err := orchestrator.New(orchestrator.Opts{
		Service:       rb.Service,
		Operation:     rb.Operation,
		Buffer:        queue.NewBuffer(capacity),
		Rules:         h.rules,
		Joins:         h.joins,
		Invoker:       h.registry,
		Router:        h.router,
		Recorder:      h.rec,
		Log:           h.log,
		Window:        h.cfg.Join.Window,
		StatsInterval: h.cfg.Host.StatsInterval,
	})
	if err != nil {
		h.log.Error("orchestrator wiring failed", "place", place, "error", err)
		return
	}
	h.orchs[place] = o
	h.reactor.Register(o)
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		if rerr := o.Run(h.ctx); rerr != nil {
			h.log.Error("orchestrator exited", "place", place, "error", rerr)
		}
	}()
	h.log.Info("orchestrator running", "place", place, "capacity", capacity)
}

func (h *host) hosts(place string) bool {
	for _, p := range h.cfg.Host.Places {
		if p == place {
			return true
		}
	}
	return false
}

// Status snapshots the host for the admin surface.
func (h *host) Status() admin.Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	places := make([]admin.PlaceStatus, 0, len(h.orchs))
	for _, o := range h.orchs {
		places = append(places, admin.PlaceStatus{
			Place:     o.Place(),
			Queued:    o.Depth(),
			Capacity:  o.Cap(),
			Processed: o.Processed(),
			Dropped:   o.Dropped(),
		})
	}
	sort.Slice(places, func(i, j int) bool { return places[i].Place < places[j].Place })
	return admin.Status{
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
		RuleVersions:  h.rules.Versions(),
		JoinsPending:  h.joins.Pending(),
		Places:        places,
	}
}

// stop closes the event queues, cancels the listeners and waits out the
// drain. Buffered tokens keep flowing until the queues are empty or the
// timeout lapses.
func (h *host) stop() {
	h.mu.Lock()
	for _, o := range h.orchs {
		o.Close()
	}
	h.mu.Unlock()
	h.cancel()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		h.log.Info("service host stopped")
	case <-time.After(h.cfg.Host.DrainTimeout):
		h.log.Warn("drain timeout lapsed, abandoning queued events",
			"timeout", h.cfg.Host.DrainTimeout)
	}

	h.reactor.Close()
	for _, l := range h.ruleListeners {
		l.Close()
	}
}
