package orchestrator

import (
	"sort"
	"sync"
	"time"

	"github.com/petrel-io/petrel/common/token"
)

// Scheduling policies for firing complete joins.
const (
	SchedulingOptimized  = "optimized"
	SchedulingSequential = "sequential"
)

// JoinMode selects how branch contributions are keyed while a join
// assembles.
type JoinMode int

const (
	// JoinBySequence keys contributions by sequence id. Petri-net
	// branches may share one attribute name, so the name cannot
	// distinguish them.
	JoinBySequence JoinMode = iota

	// JoinByAttribute keys contributions by attribute name; SOA slots
	// are named.
	JoinByAttribute
)

// Contribution is one branch arriving at a join.
type Contribution struct {
	SequenceID     int64
	AttributeName  string
	AttributeValue string

	// WorkflowStart is this branch's view of the instance start, epoch
	// milliseconds. The continuation restores the lowest contributor's.
	WorkflowStart int64

	// NotAfter is the hard expiry of the half-assembled join.
	NotAfter time.Time
}

// CompletedJoin is a fired join: the continuation identity plus the
// assembled call arguments.
type CompletedJoin struct {
	Place string
	Base  int64

	// SequenceID is the lowest contributor; it continues the workflow.
	SequenceID    int64
	WorkflowStart int64

	Args     []string
	Arrivals int
}

type joinKey struct {
	place string
	base  int64
}

type joinEntry struct {
	mode     JoinMode
	required int
	slots    []string
	notAfter time.Time

	arrivals []Contribution
	bySeq    map[int64]Contribution
	byAttr   map[string]Contribution
}

func (e *joinEntry) complete() bool {
	switch e.mode {
	case JoinByAttribute:
		if len(e.slots) == 0 {
			return e.required > 0 && len(e.byAttr) >= e.required
		}
		for _, s := range e.slots {
			if _, ok := e.byAttr[s]; !ok {
				return false
			}
		}
		return true
	default:
		return e.required > 0 && len(e.bySeq) >= e.required
	}
}

// Coordinator holds the join state shared by every orchestrator on the
// host. Entries are keyed by (place, workflow base); one lock serializes
// offers so a complete join has exactly one consumer, and a consumed
// base cannot re-enter its join until the window has passed.
type Coordinator struct {
	scheduling string
	log        Logger

	mu       sync.Mutex
	entries  map[joinKey]*joinEntry
	consumed map[joinKey]time.Time
}

// NewCoordinator creates an empty coordinator with the given scheduling
// policy.
func NewCoordinator(scheduling string, log Logger) *Coordinator {
	return &Coordinator{
		scheduling: scheduling,
		log:        log,
		entries:    make(map[joinKey]*joinEntry),
		consumed:   make(map[joinKey]time.Time),
	}
}

// Offer places one contribution and returns the join it released, if
// any. Optimized scheduling fires the smallest complete base of the
// place; sequential scheduling only ever considers the smallest live
// base, so a complete later base stays blocked behind an incomplete
// earlier one until the next event or sweep clears the way.
func (c *Coordinator) Offer(place string, mode JoinMode, required int, slots []string, con Contribution) *CompletedJoin {
	now := time.Now()
	key := joinKey{place: place, base: token.WorkflowBase(con.SequenceID)}

	c.mu.Lock()
	defer c.mu.Unlock()

	if until, ok := c.consumed[key]; ok {
		if now.Before(until) {
			c.log.Debug("join already consumed, late branch dropped",
				"place", place, "base", key.base, "sequence", con.SequenceID)
			return nil
		}
		delete(c.consumed, key)
	}

	e, ok := c.entries[key]
	if !ok {
		e = &joinEntry{
			mode:     mode,
			required: required,
			slots:    append([]string(nil), slots...),
			notAfter: con.NotAfter,
			bySeq:    make(map[int64]Contribution),
			byAttr:   make(map[string]Contribution),
		}
		c.entries[key] = e
	}

	switch e.mode {
	case JoinByAttribute:
		if _, dup := e.byAttr[con.AttributeName]; !dup {
			e.arrivals = append(e.arrivals, con)
		}
		e.byAttr[con.AttributeName] = con
	default:
		if _, dup := e.bySeq[con.SequenceID]; !dup {
			e.arrivals = append(e.arrivals, con)
		}
		e.bySeq[con.SequenceID] = con
	}

	return c.collectLocked(place, now)
}

// collectLocked fires at most one complete, unexpired join of the place.
func (c *Coordinator) collectLocked(place string, now time.Time) *CompletedJoin {
	keys := c.basesLocked(place)
	if c.scheduling == SchedulingSequential && len(keys) > 1 {
		keys = keys[:1]
	}
	for _, k := range keys {
		e := c.entries[k]
		if !e.complete() {
			if c.scheduling == SchedulingSequential {
				return nil
			}
			continue
		}
		if !now.Before(e.notAfter) {
			// Expired; left for the sweep.
			continue
		}
		return c.consumeLocked(k, e)
	}
	return nil
}

func (c *Coordinator) basesLocked(place string) []joinKey {
	var keys []joinKey
	for k := range c.entries {
		if k.place == place {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].base < keys[j].base })
	return keys
}

func (c *Coordinator) consumeLocked(k joinKey, e *joinEntry) *CompletedJoin {
	delete(c.entries, k)
	c.consumed[k] = e.notAfter

	lowest := e.arrivals[0]
	for _, con := range e.arrivals[1:] {
		if con.SequenceID < lowest.SequenceID {
			lowest = con
		}
	}

	cj := &CompletedJoin{
		Place:         k.place,
		Base:          k.base,
		SequenceID:    lowest.SequenceID,
		WorkflowStart: lowest.WorkflowStart,
		Arrivals:      len(e.arrivals),
	}
	switch e.mode {
	case JoinByAttribute:
		if len(e.slots) > 0 {
			for _, s := range e.slots {
				cj.Args = append(cj.Args, e.byAttr[s].AttributeValue)
			}
		} else {
			for _, con := range e.arrivals {
				cj.Args = append(cj.Args, con.AttributeValue)
			}
		}
	default:
		// Synchronization only: the first arrival's payload continues.
		cj.Args = []string{e.arrivals[0].AttributeValue}
	}
	return cj
}

// Sweep discards entries past their notAfter and consumed markers past
// their window. It returns the number of live joins expired.
func (c *Coordinator) Sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	expired := 0
	for k, e := range c.entries {
		if now.Before(e.notAfter) {
			continue
		}
		delete(c.entries, k)
		expired++
		c.log.Warn("JOIN_EXPIRED: partial join state discarded",
			"place", k.place, "base", k.base,
			"arrivals", len(e.arrivals), "required", e.required)
	}
	for k, until := range c.consumed {
		if !now.Before(until) {
			delete(c.consumed, k)
		}
	}
	return expired
}

// Pending counts joins still assembling.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
