package facts

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreAssertQuery(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.Assert(ctx,
		A("activeService", "triage", "classify", "ip2", "7"),
		A("activeService", "billing", "charge", "ip3", "9"),
		A("hasOperation", "triage", "classify", "ip2", "7"),
	))

	res, err := s.Query(ctx, A("activeService", "triage", "classify", "?ch", "?port"))
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, []string{"ch", "port"}, res.Vars)
	assert.Equal(t, []string{"ip2", "7"}, res.Rows[0])

	res, err = s.Query(ctx, A("activeService", "unknown", "op", "?ch", "?port"))
	require.NoError(t, err)
	assert.True(t, res.Empty())
}

func TestMemoryStoreAssertIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	atom := A("boundChannel", "ip2", "224.1.2.3")
	require.NoError(t, s.Assert(ctx, atom))
	require.NoError(t, s.Assert(ctx, atom))

	res, err := s.Query(ctx, A("boundChannel", "ip2", "?addr"))
	require.NoError(t, err)
	assert.Len(t, res.Rows, 1)
}

func TestMemoryStoreRetract(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.Assert(ctx,
		A("canonicalBinding", "merge", "token", "diagnosis", "1"),
		A("canonicalBinding", "merge", "token", "radiology", "2"),
		A("canonicalBinding", "charge", "token", "amount", "1"),
	))

	n, err := s.Retract(ctx, A("canonicalBinding", "merge", "?r", "?i", "?s"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	res, err := s.Query(ctx, A("canonicalBinding", "?op", "?r", "?i", "?s"))
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "charge", res.Rows[0][0])
}

func TestMemoryStoreRowOrder(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.Assert(ctx,
		A("meetsCondition", "p2", "op", "string", "a"),
		A("meetsCondition", "p3", "op", "string", "b"),
		A("meetsCondition", "p4", "op", "string", "c"),
	))

	res, err := s.Query(ctx, A("meetsCondition", "?svc", "?op", "?ct", "?dv"))
	require.NoError(t, err)
	assert.Equal(t, []string{"p2", "p3", "p4"}, res.Column("svc"))
}
