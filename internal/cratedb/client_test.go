package cratedb

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cratedb/xmover/internal/config"
)

func testConfig(url string) config.ConnectionConfig {
	return config.ConnectionConfig{
		URL:              url,
		QueryTimeout:     5,
		DiscoveryTimeout: 5,
		MaxRetries:       3,
		RetryDelay:       0.001,
	}
}

func newTestClient(t *testing.T, cfg config.ConnectionConfig) *Client {
	t.Helper()
	c, err := NewClient(cfg)
	require.NoError(t, err)
	return c
}

func TestClient_ExecuteDecodesResponse(t *testing.T) {
	var got sqlRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/_sql", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"cols":["id","name","big","ratio","primary"],"rows":[[1,"crate-1",9007199254740993,0.5,true]],"rowcount":1,"duration":1.5}`))
	}))
	defer srv.Close()

	c := newTestClient(t, testConfig(srv.URL))
	res, err := c.Execute(context.Background(), "SELECT id, name FROM sys.nodes WHERE name = ?", "crate-1")
	require.NoError(t, err)

	assert.Equal(t, "SELECT id, name FROM sys.nodes WHERE name = ?", got.Stmt)
	assert.Equal(t, []any{"crate-1"}, got.Args)

	require.Len(t, res.Rows, 1)
	row := res.First()
	assert.Equal(t, 1, row.Int(0))
	assert.Equal(t, "crate-1", row.String(1))
	assert.Equal(t, int64(9007199254740993), row.Int64(2))
	assert.Equal(t, 0.5, row.Float(3))
	assert.True(t, row.Bool(4))
	assert.Equal(t, "", row.String(9))
	assert.Equal(t, int64(1), res.RowCount)
}

func TestClient_BasicAuthFromURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "admin", user)
		assert.Equal(t, "pw", pass)
		_, _ = w.Write([]byte(`{"cols":[],"rows":[[1]],"rowcount":1}`))
	}))
	defer srv.Close()

	cfg := testConfig("http://admin:pw@" + srv.Listener.Addr().String())
	c := newTestClient(t, cfg)
	require.NoError(t, c.TestConnection(context.Background()))
}

func TestClient_NoAuthWithoutPassword(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _, ok := r.BasicAuth()
		assert.False(t, ok)
		_, _ = w.Write([]byte(`{"cols":[],"rows":[],"rowcount":0}`))
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.Username = "crate"
	c := newTestClient(t, cfg)
	_, err := c.Execute(context.Background(), "SELECT 1")
	require.NoError(t, err)
}

func TestClient_SQLErrorIsNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"SQLParseException[line 1:1: mismatched input]","code":4000}}`))
	}))
	defer srv.Close()

	c := newTestClient(t, testConfig(srv.URL))
	_, err := c.Execute(context.Background(), "SELEC 1")
	require.Error(t, err)

	var sqlErr *SQLError
	require.True(t, errors.As(err, &sqlErr))
	assert.Equal(t, 4000, sqlErr.Code)
	assert.Contains(t, sqlErr.Message, "mismatched input")
	assert.Equal(t, http.StatusBadRequest, sqlErr.HTTPStatus)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestClient_RetriesUnavailableProxy(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"cols":["x"],"rows":[[1]],"rowcount":1}`))
	}))
	defer srv.Close()

	c := newTestClient(t, testConfig(srv.URL))
	res, err := c.Execute(context.Background(), "SELECT 1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.First().Int(0))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestClient_RetriesTimeouts(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			select {
			case <-time.After(2 * time.Second):
			case <-r.Context().Done():
			}
			return
		}
		_, _ = w.Write([]byte(`{"cols":["x"],"rows":[[2]],"rowcount":1}`))
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.QueryTimeout = 0.05
	c := newTestClient(t, cfg)
	res, err := c.Execute(context.Background(), "SELECT 2")
	require.NoError(t, err)
	assert.Equal(t, 2, res.First().Int(0))
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestClient_ConnectionErrorAfterRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	cfg := testConfig(url)
	cfg.MaxRetries = 2
	c := newTestClient(t, cfg)
	_, err := c.Execute(context.Background(), "SELECT 1")
	require.Error(t, err)

	var connErr *ConnectionError
	require.True(t, errors.As(err, &connErr))
	assert.Equal(t, 2, connErr.Attempts)
	assert.NotEmpty(t, connErr.Hint)
}

func TestClient_WithoutRetry(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := newTestClient(t, testConfig(srv.URL))
	_, err := c.Execute(WithoutRetry(context.Background()), "SELECT 1")
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestClient_BaseTimeout(t *testing.T) {
	cfg := testConfig("http://crate.example.com:4200")
	cfg.QueryTimeout = 30
	cfg.DiscoveryTimeout = 10
	c := newTestClient(t, cfg)
	ctx := context.Background()

	assert.Equal(t, 30*time.Second, c.baseTimeout(ctx, "SELECT count(*) FROM doc.events"))
	assert.Equal(t, 10*time.Second, c.baseTimeout(ctx, "select name from sys.nodes"))
	assert.Equal(t, 10*time.Second, c.baseTimeout(ctx, "SELECT * FROM information_schema.tables"))
	assert.Equal(t, 10*time.Second, c.baseTimeout(ctx, "SELECT name FROM sys.cluster"))
	assert.Equal(t, 45*time.Second, c.baseTimeout(WithTimeout(ctx, 45*time.Second), "SELECT * FROM sys.shards"))
}

func TestAttemptTimeout(t *testing.T) {
	base := 10 * time.Second
	assert.Equal(t, 10*time.Second, attemptTimeout(base, 0))
	assert.Equal(t, 15*time.Second, attemptTimeout(base, 1))
	assert.Equal(t, 20*time.Second, attemptTimeout(base, 2))
	assert.Equal(t, 25*time.Second, attemptTimeout(base, 3))
}

func TestRetryable(t *testing.T) {
	assert.False(t, retryable(&SQLError{Code: 4000}))
	assert.False(t, retryable(&HTTPStatusError{StatusCode: 401}))
	assert.True(t, retryable(&HTTPStatusError{StatusCode: 503}))
	assert.True(t, retryable(context.DeadlineExceeded))
	assert.False(t, retryable(errors.New("failed to decode response")))

	refused := &url.Error{Op: "Post", URL: "http://crate:4200/_sql",
		Err: &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}}
	assert.True(t, retryable(refused))
	assert.True(t, retryable(&url.Error{Op: "Post", URL: "http://crate:4200/_sql", Err: io.EOF}))
	badScheme := &url.Error{Op: "Post", URL: "ftp://crate:4200/_sql", Err: errors.New(`unsupported protocol scheme "ftp"`)}
	assert.False(t, retryable(badScheme))
}
