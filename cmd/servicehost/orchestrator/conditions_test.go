package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrel-io/petrel/cmd/servicehost/invoker"
)

func TestMatchesTypedConditions(t *testing.T) {
	eval := NewEvaluator()

	tests := []struct {
		name    string
		ct      string
		dv      string
		res     invoker.Result
		want    bool
		wantErr bool
	}{
		{
			name: "unconditional branch",
			res:  invoker.Result{Value: "anything", DeclaredType: "string"},
			want: true,
		},
		{
			name: "empty type compares as string",
			dv:   "approved",
			res:  invoker.Result{Value: "approved", DeclaredType: "string"},
			want: true,
		},
		{
			name: "string mismatch",
			ct:   "string",
			dv:   "approved",
			res:  invoker.Result{Value: "rejected", DeclaredType: "string"},
			want: false,
		},
		{
			name: "boolean is case tolerant",
			ct:   "boolean",
			dv:   "true",
			res:  invoker.Result{Value: "TRUE", DeclaredType: "boolean"},
			want: true,
		},
		{
			name:    "boolean bad literal",
			ct:      "boolean",
			dv:      "true",
			res:     invoker.Result{Value: "yes", DeclaredType: "boolean"},
			wantErr: true,
		},
		{
			name: "int equality",
			ct:   "int",
			dv:   "42",
			res:  invoker.Result{Value: " 42 ", DeclaredType: "int"},
			want: true,
		},
		{
			name: "long mismatch",
			ct:   "long",
			dv:   "7",
			res:  invoker.Result{Value: "8", DeclaredType: "long"},
			want: false,
		},
		{
			name: "double equality",
			ct:   "double",
			dv:   "3.5",
			res:  invoker.Result{Value: "3.50", DeclaredType: "double"},
			want: true,
		},
		{
			name: "json routing path",
			ct:   "json",
			dv:   "escalate",
			res: invoker.Result{
				Value:        `{"routing_decision":{"routing_path":"escalate"}}`,
				DeclaredType: "json",
			},
			want: true,
		},
		{
			name: "json arbitrary path",
			ct:   "json:triage.level",
			dv:   "urgent",
			res: invoker.Result{
				Value:        `{"triage":{"level":"urgent"}}`,
				DeclaredType: "json",
			},
			want: true,
		},
		{
			name: "gateway marker compares routing key",
			ct:   "GATEWAY_NODE",
			dv:   "false",
			res:  invoker.Result{Value: "false", DeclaredType: "string"},
			want: true,
		},
		{
			name:    "unknown type",
			ct:      "xpath",
			dv:      "x",
			res:     invoker.Result{Value: "x", DeclaredType: "string"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := eval.Matches(tt.ct, tt.dv, tt.res)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMatchesCEL(t *testing.T) {
	eval := NewEvaluator()

	ok, err := eval.Matches("cel", `output == "approved"`,
		invoker.Result{Value: "approved", DeclaredType: "string"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = eval.Matches("cel", `$.score >= 0.8`,
		invoker.Result{Value: `{"score": 0.9}`, DeclaredType: "json"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = eval.Matches("cel", `output > 10`,
		invoker.Result{Value: "7", DeclaredType: "int"})
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = eval.Matches("cel", `output`,
		invoker.Result{Value: "not a bool", DeclaredType: "string"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "want bool")

	_, err = eval.Matches("cel", `output ==`,
		invoker.Result{Value: "x", DeclaredType: "string"})
	require.Error(t, err)
}

func TestCELProgramsAreCached(t *testing.T) {
	eval := NewEvaluator()
	res := invoker.Result{Value: "go", DeclaredType: "string"}

	for i := 0; i < 3; i++ {
		ok, err := eval.Matches("cel", `output == "go"`, res)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	assert.Equal(t, 1, eval.CacheSize())
}

func TestRoutingKey(t *testing.T) {
	eval := NewEvaluator()

	key := eval.RoutingKey(invoker.Result{
		Value:        `{"routing_decision":{"routing_path":"retry"}}`,
		DeclaredType: "json",
	})
	assert.Equal(t, "retry", key)

	key = eval.RoutingKey(invoker.Result{Value: "plain", DeclaredType: "string"})
	assert.Equal(t, "plain", key)

	key = eval.RoutingKey(invoker.Result{Value: `{"other":1}`, DeclaredType: "json"})
	assert.Equal(t, `{"other":1}`, key)
}
