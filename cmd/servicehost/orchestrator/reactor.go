package orchestrator

import (
	"context"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/petrel-io/petrel/common/bus"
	"github.com/petrel-io/petrel/common/queue"
	"github.com/petrel-io/petrel/common/token"
)

// Reactor feeds event datagrams to the orchestrators of a host. One
// listener serves each distinct event port; places on the same channel
// share a socket.
type Reactor struct {
	log Logger

	mu        sync.Mutex
	places    map[string]*Orchestrator
	listeners map[int]*bus.Listener
}

// NewReactor creates a reactor with no listeners bound.
func NewReactor(log Logger) *Reactor {
	return &Reactor{
		log:       log,
		places:    make(map[string]*Orchestrator),
		listeners: make(map[int]*bus.Listener),
	}
}

// Register routes tokens addressed to the orchestrator's place.
func (r *Reactor) Register(o *Orchestrator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.places[o.Place()] = o
}

// ListenOn binds an event listener, once per port.
func (r *Reactor) ListenOn(port int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.listeners[port]; ok {
		return nil
	}
	l, err := bus.Listen(port, "events", r.log)
	if err != nil {
		return err
	}
	r.listeners[port] = l
	return nil
}

// Ports lists the requested event ports in ascending order.
func (r *Reactor) Ports() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	ports := make([]int, 0, len(r.listeners))
	for p := range r.listeners {
		ports = append(ports, p)
	}
	sort.Ints(ports)
	return ports
}

// Addrs lists the bound listener addresses.
func (r *Reactor) Addrs() []*net.UDPAddr {
	r.mu.Lock()
	defer r.mu.Unlock()
	addrs := make([]*net.UDPAddr, 0, len(r.listeners))
	for _, l := range r.listeners {
		addrs = append(addrs, l.Addr())
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i].Port < addrs[j].Port })
	return addrs
}

// Serve runs every bound listener until ctx is done.
func (r *Reactor) Serve(ctx context.Context) error {
	r.mu.Lock()
	ls := make([]*bus.Listener, 0, len(r.listeners))
	for _, l := range r.listeners {
		ls = append(ls, l)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, l := range ls {
		wg.Add(1)
		go func(l *bus.Listener) {
			defer wg.Done()
			err := l.Serve(ctx, func(payload []byte, from *net.UDPAddr) {
				r.dispatch(ctx, payload, from)
			})
			if err != nil {
				r.log.Error("event listener stopped", "addr", l.Addr(), "error", err)
			}
		}(l)
	}
	wg.Wait()
	return nil
}

// dispatch parses one datagram and enqueues it at its place.
func (r *Reactor) dispatch(ctx context.Context, payload []byte, from *net.UDPAddr) {
	env, err := token.Parse(payload)
	if err != nil {
		r.log.Warn("malformed event datagram dropped", "from", from, "error", err)
		return
	}

	place := env.Service.ServiceName + "/" + env.Service.Operation
	r.mu.Lock()
	o := r.places[place]
	r.mu.Unlock()
	if o == nil {
		// The bus is shared; tokens for places hosted elsewhere pass
		// through.
		r.log.Debug("no orchestrator for place, token ignored",
			"place", place, "sequence", env.Header.SequenceID)
		return
	}

	if err := o.Enqueue(ctx, queue.Event{Envelope: env, ArrivedAt: time.Now()}); err != nil {
		r.log.Warn("enqueue failed, token dropped",
			"place", place, "sequence", env.Header.SequenceID, "error", err)
	}
}

// Close stops all listeners.
func (r *Reactor) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range r.listeners {
		l.Close()
	}
}
