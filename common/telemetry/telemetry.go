// Package telemetry records the Petri-net instrumentation: transition
// firings, token genealogy, join arrivals and service timings. The engine
// only talks to the Recorder interface; recording failures are logged by
// callers and never fail the event that produced them.
package telemetry

import (
	"context"
	"time"
)

// Transition kinds.
const (
	TIn  = "T_in"
	TOut = "T_out"
)

// Transition is one T_in or T_out firing at a place.
type Transition struct {
	Kind     string
	Place    string // service/operation
	NodeType string

	SequenceID int64

	// WorkflowStart is the instance's canonical start, epoch milliseconds.
	WorkflowStart int64

	// BufferSize is the queue depth observed at dequeue, T_in only.
	BufferSize int

	At time.Time
}

// Genealogy links one fork child to its parent token.
type Genealogy struct {
	Parent         int64
	Child          int64
	Branch         int
	ForkTransition string
	At             time.Time
}

// JoinArrival is one branch landing in a join slot.
type JoinArrival struct {
	Base       int64
	SequenceID int64
	Slot       string
	Complete   bool
	At         time.Time
}

// Timing is the measured cost of one business invocation and its publish.
type Timing struct {
	Service       string
	Operation     string
	SequenceID    int64
	InvokeMillis  int64
	PublishMillis int64
	At            time.Time
}

// Recorder persists instrumentation rows. Implementations must be safe for
// concurrent use from every orchestrator on the host.
type Recorder interface {
	RecordTransition(ctx context.Context, t Transition) error
	RecordGenealogy(ctx context.Context, g Genealogy) error
	RecordJoin(ctx context.Context, j JoinArrival) error
	RecordTiming(ctx context.Context, tm Timing) error
}
