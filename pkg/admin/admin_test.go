package admin

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resolvingarchitecture/ra-common/pkg/observability"
	"github.com/resolvingarchitecture/ra-common/pkg/registry"
	"github.com/resolvingarchitecture/ra-common/pkg/status"
)

type fakeReporter struct{ snap Snapshot }

func (f fakeReporter) Snapshot() Snapshot { return f.snap }

func (f fakeReporter) Service(name string) (registry.Info, bool) {
	for _, s := range f.snap.Services {
		if s.Name == name {
			return s, true
		}
	}
	return registry.Info{}, false
}

func newServer() *Server {
	rep := fakeReporter{snap: Snapshot{
		Node:     "alice",
		InFlight: 2,
		Services: []registry.Info{{Name: "echo", Status: status.Running, Handled: 3}},
		Networks: []Network{{ID: "ip", Address: "alice", Status: "NetworkVerified", Links: []string{"bob"}}},
	}}
	m := observability.NewMetrics("test")
	m.ObserveDelivered()
	return New(rep, m)
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthz(t *testing.T) {
	rec := get(t, newServer(), "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestStatus(t *testing.T) {
	rec := get(t, newServer(), "/status")
	require.Equal(t, http.StatusOK, rec.Code)
	var snap Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, "alice", snap.Node)
	assert.Equal(t, 2, snap.InFlight)
	require.Len(t, snap.Services, 1)
	assert.Equal(t, status.Running, snap.Services[0].Status)
	assert.Equal(t, []string{"bob"}, snap.Networks[0].Links)
}

func TestService(t *testing.T) {
	s := newServer()
	rec := get(t, s, "/services/echo")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"handled":3`)

	rec = get(t, s, "/services/nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetrics(t *testing.T) {
	rec := get(t, newServer(), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "test_router_delivered_total 1")
}
