package cratedb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

// CheckStatus is the outcome of one diagnostic check.
type CheckStatus string

const (
	CheckOK   CheckStatus = "OK"
	CheckWarn CheckStatus = "WARN"
	CheckFail CheckStatus = "FAIL"
)

// Check is one step of Diagnose.
type Check struct {
	Name           string
	Status         CheckStatus
	Message        string
	Latency        time.Duration
	PossibleCauses []string
}

// NodeProbe records which node answered a root probe.
type NodeProbe struct {
	Attempt int
	Node    string
	Latency time.Duration
	Err     error
}

// Diagnosis is the result of Diagnose. Checks stop at the first failure of
// the connectivity chain.
type Diagnosis struct {
	Endpoint     Endpoint
	Timestamp    time.Time
	NodeName     string
	Version      string
	Checks       []Check
	Probes       []NodeProbe
	LoadBalanced bool
}

// Failed reports whether any check failed.
func (d *Diagnosis) Failed() bool {
	for _, c := range d.Checks {
		if c.Status == CheckFail {
			return true
		}
	}
	return false
}

type rootInfo struct {
	Name    string `json:"name"`
	Version struct {
		Number string `json:"number"`
	} `json:"version"`
}

// Diagnose runs the connectivity checks in order: TCP dial, HTTP root,
// SELECT 1, node availability and three root probes to detect a load
// balancer spreading requests over nodes.
func (c *Client) Diagnose(ctx context.Context) *Diagnosis {
	d := &Diagnosis{Endpoint: c.endpoint, Timestamp: time.Now().UTC()}

	port := c.endpoint.Port
	if port == "" {
		port = "4200"
	}
	addr := net.JoinHostPort(c.endpoint.Host, port)
	start := time.Now()
	conn, err := (&net.Dialer{Timeout: 5 * time.Second}).DialContext(ctx, "tcp", addr)
	if err != nil {
		d.Checks = append(d.Checks, Check{
			Name:    "tcp_connectivity",
			Status:  CheckFail,
			Message: fmt.Sprintf("cannot establish TCP connection to %s: %v", addr, err),
			PossibleCauses: []string{
				"Firewall blocking connection",
				"CrateDB not running",
				"Incorrect host or port",
				"DNS resolution failure",
			},
		})
		return d
	}
	_ = conn.Close()
	d.Checks = append(d.Checks, Check{Name: "tcp_connectivity", Status: CheckOK, Latency: time.Since(start),
		Message: fmt.Sprintf("TCP connection to %s successful", addr)})

	start = time.Now()
	info, status, err := c.root(ctx, 5*time.Second)
	if err != nil {
		check := Check{Name: "http_endpoint", Status: CheckFail, Message: err.Error()}
		switch {
		case IsTLSError(err):
			check.PossibleCauses = []string{c.endpoint.tlsHint()}
		case IsTimeout(err):
			check.PossibleCauses = []string{"Load balancer not routing requests", "CrateDB hung or unresponsive", "Network congestion"}
		}
		d.Checks = append(d.Checks, check)
		return d
	}
	httpCheck := Check{Name: "http_endpoint", Status: CheckOK, Latency: time.Since(start),
		Message: fmt.Sprintf("HTTP endpoint responding (status: %d)", status)}
	if status >= 500 {
		httpCheck.Status = CheckWarn
	}
	d.Checks = append(d.Checks, httpCheck)
	if info != nil {
		d.NodeName = info.Name
		d.Version = info.Version.Number
	}

	sqlCtx := WithoutRetry(WithTimeout(ctx, 5*time.Second))
	start = time.Now()
	if _, err := c.Execute(sqlCtx, "SELECT 1"); err != nil {
		check := Check{Name: "sql_query", Status: CheckFail, Message: err.Error()}
		switch {
		case unauthorized(err):
			check.PossibleCauses = []string{"Invalid credentials", "Password required but not provided", "User does not exist"}
		case IsTimeout(err):
			check.PossibleCauses = []string{"Cluster overloaded", "Query routed to an unavailable node", "Load balancer issue"}
		}
		d.Checks = append(d.Checks, check)
		return d
	}
	d.Checks = append(d.Checks, Check{Name: "sql_query", Status: CheckOK, Latency: time.Since(start),
		Message: fmt.Sprintf("SQL query executed successfully (auth: %t)", c.endpoint.HasAuth())})

	start = time.Now()
	res, err := c.Execute(WithoutRetry(WithTimeout(ctx, 10*time.Second)),
		"SELECT COUNT(*) AS total, COUNT(CASE WHEN name IS NOT NULL THEN 1 END) AS available FROM sys.nodes")
	if err != nil {
		d.Checks = append(d.Checks, Check{Name: "node_availability", Status: CheckFail, Message: err.Error(),
			PossibleCauses: []string{"Metadata queries timing out", "Cluster in degraded state", "Load balancer routing issues"}})
	} else {
		row := res.First()
		total, available := row.Int(0), row.Int(1)
		check := Check{Name: "node_availability", Status: CheckOK, Latency: time.Since(start),
			Message: fmt.Sprintf("%d of %d nodes available", available, total)}
		if available < total {
			check.Status = CheckWarn
			check.Message += fmt.Sprintf("; %d node(s) unavailable", total-available)
		}
		d.Checks = append(d.Checks, check)
	}

	seen := make(map[string]bool)
	failures := 0
	for attempt := 1; attempt <= 3; attempt++ {
		start := time.Now()
		info, _, err := c.root(ctx, 3*time.Second)
		probe := NodeProbe{Attempt: attempt, Latency: time.Since(start), Err: err}
		if err != nil {
			failures++
		} else if info != nil {
			probe.Node = info.Name
			seen[info.Name] = true
		}
		d.Probes = append(d.Probes, probe)
	}
	d.LoadBalanced = len(seen) > 1

	lb := Check{Name: "load_balancer", Status: CheckOK, Message: fmt.Sprintf("%d distinct node(s) answered 3 probes", len(seen))}
	if failures > 0 {
		lb.Status = CheckWarn
		lb.Message = fmt.Sprintf("%d of 3 probes failed", failures)
		lb.PossibleCauses = []string{"Load balancer routing some requests to unhealthy nodes"}
	}
	d.Checks = append(d.Checks, lb)
	return d
}

func unauthorized(err error) bool {
	var sqlErr *SQLError
	if errors.As(err, &sqlErr) && sqlErr.HTTPStatus == http.StatusUnauthorized {
		return true
	}
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusUnauthorized {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "unauthorized")
}

// root fetches the node banner at GET /.
func (c *Client) root(ctx context.Context, timeout time.Duration) (*rootInfo, int, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint.BaseURL+"/", nil)
	if err != nil {
		return nil, 0, err
	}
	if c.endpoint.HasAuth() {
		req.SetBasicAuth(c.endpoint.Username, c.endpoint.Password)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	var info rootInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, resp.StatusCode, nil
	}
	return &info, resp.StatusCode, nil
}
