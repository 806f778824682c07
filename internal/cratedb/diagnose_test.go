package cratedb

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func diagnoseServer(t *testing.T, sql http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/_sql" {
			sql(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"name":"crate-1","version":{"number":"5.6.2"}}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func checksByName(d *Diagnosis) map[string]Check {
	out := make(map[string]Check, len(d.Checks))
	for _, c := range d.Checks {
		out[c.Name] = c
	}
	return out
}

func TestClient_DiagnoseHealthy(t *testing.T) {
	srv := diagnoseServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req sqlRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if strings.Contains(req.Stmt, "sys.nodes") {
			_, _ = w.Write([]byte(`{"cols":["total","available"],"rows":[[3,2]],"rowcount":1}`))
			return
		}
		_, _ = w.Write([]byte(`{"cols":["1"],"rows":[[1]],"rowcount":1}`))
	})

	d := newTestClient(t, testConfig(srv.URL)).Diagnose(context.Background())

	assert.False(t, d.Failed())
	assert.Equal(t, "crate-1", d.NodeName)
	assert.Equal(t, "5.6.2", d.Version)
	checks := checksByName(d)
	require.Len(t, checks, 5)
	assert.Equal(t, CheckOK, checks["tcp_connectivity"].Status)
	assert.Equal(t, CheckOK, checks["sql_query"].Status)
	assert.Equal(t, CheckWarn, checks["node_availability"].Status)
	assert.Contains(t, checks["node_availability"].Message, "1 node(s) unavailable")
	assert.Equal(t, CheckOK, checks["load_balancer"].Status)

	require.Len(t, d.Probes, 3)
	assert.False(t, d.LoadBalanced)
}

func TestClient_DiagnoseUnauthorized(t *testing.T) {
	srv := diagnoseServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"unauthorized: trust authentication failed","code":4011}}`))
	})

	d := newTestClient(t, testConfig(srv.URL)).Diagnose(context.Background())

	assert.True(t, d.Failed())
	checks := checksByName(d)
	sql := checks["sql_query"]
	assert.Equal(t, CheckFail, sql.Status)
	assert.Contains(t, sql.PossibleCauses, "Invalid credentials")
	assert.NotContains(t, checks, "node_availability", "diagnosis stops at the first failing step")
}

func TestClient_DiagnoseUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	d := newTestClient(t, testConfig(url)).Diagnose(context.Background())

	require.Len(t, d.Checks, 1)
	assert.Equal(t, "tcp_connectivity", d.Checks[0].Name)
	assert.Equal(t, CheckFail, d.Checks[0].Status)
	assert.Contains(t, d.Checks[0].PossibleCauses, "CrateDB not running")
}
