package admin

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct{ status Status }

func (f fakeSource) Status() Status { return f.status }

func TestHealthEndpoint(t *testing.T) {
	e := NewEcho(fakeSource{})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestStatusEndpoint(t *testing.T) {
	src := fakeSource{status: Status{
		Version:       "7",
		UptimeSeconds: 42,
		RuleVersions:  []string{"7"},
		JoinsPending:  1,
		Places: []PlaceStatus{
			{Place: "Intake/register", Queued: 2, Capacity: 64, Processed: 10, Dropped: 1},
		},
	}}
	e := NewEcho(src)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var got Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, src.status, got)
}
