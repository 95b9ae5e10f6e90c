package telemetry

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/petrel-io/petrel/common/db"
)

// PgRecorder writes instrumentation rows to Postgres. Schema lives in
// scripts/telemetry.sql.
type PgRecorder struct {
	db *db.DB
}

// NewPgRecorder creates a recorder over an existing pool.
func NewPgRecorder(database *db.DB) *PgRecorder {
	return &PgRecorder{db: database}
}

// RecordTransition inserts one T_in/T_out firing.
func (r *PgRecorder) RecordTransition(ctx context.Context, t Transition) error {
	query := `
		INSERT INTO transition_firing (id, kind, place, node_type, sequence_id, workflow_start_ms, buffer_size, fired_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := r.db.Exec(
		ctx,
		query,
		uuid.New(),
		t.Kind,
		t.Place,
		t.NodeType,
		t.SequenceID,
		t.WorkflowStart,
		t.BufferSize,
		t.At,
	)

	if err != nil {
		return fmt.Errorf("failed to record transition: %w", err)
	}

	return nil
}

// RecordGenealogy inserts one fork parent/child link.
func (r *PgRecorder) RecordGenealogy(ctx context.Context, g Genealogy) error {
	query := `
		INSERT INTO token_genealogy (id, parent_id, child_id, branch, fork_transition, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := r.db.Exec(
		ctx,
		query,
		uuid.New(),
		g.Parent,
		g.Child,
		g.Branch,
		g.ForkTransition,
		g.At,
	)

	if err != nil {
		return fmt.Errorf("failed to record genealogy: %w", err)
	}

	return nil
}

// RecordJoin inserts one join arrival.
func (r *PgRecorder) RecordJoin(ctx context.Context, j JoinArrival) error {
	query := `
		INSERT INTO join_arrival (id, workflow_base, sequence_id, slot, complete, arrived_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := r.db.Exec(
		ctx,
		query,
		uuid.New(),
		j.Base,
		j.SequenceID,
		j.Slot,
		j.Complete,
		j.At,
	)

	if err != nil {
		return fmt.Errorf("failed to record join arrival: %w", err)
	}

	return nil
}

// RecordTiming inserts one invocation timing.
func (r *PgRecorder) RecordTiming(ctx context.Context, tm Timing) error {
	query := `
		INSERT INTO service_timing (id, service, operation, sequence_id, invoke_ms, publish_ms, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := r.db.Exec(
		ctx,
		query,
		uuid.New(),
		tm.Service,
		tm.Operation,
		tm.SequenceID,
		tm.InvokeMillis,
		tm.PublishMillis,
		tm.At,
	)

	if err != nil {
		return fmt.Errorf("failed to record timing: %w", err)
	}

	return nil
}
