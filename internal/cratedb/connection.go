package cratedb

import (
	"fmt"
	"net/url"
	"strings"
)

// Endpoint is a parsed CRATE_CONNECTION_STRING.
type Endpoint struct {
	SQLURL    string // .../_sql
	BaseURL   string // root URL, used by diagnostics
	Host      string // host without port
	Port      string
	Username  string
	Password  string
	SSLVerify bool
	Localhost bool
}

// HasAuth reports whether basic auth is sent. A username without a password
// is the passwordless crate superuser and is sent without auth.
func (e Endpoint) HasAuth() bool {
	return e.Username != "" && e.Password != ""
}

// ParseEndpoint parses a connection string. Credentials embedded in the URL
// win over username and password; they are removed from the URL and sent as
// basic auth. sslVerify is "true", "false", "auto" or "" (unset); auto and
// unset both verify unless the host is local.
func ParseEndpoint(raw, username, password, sslVerify string) (Endpoint, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Endpoint{}, fmt.Errorf("CRATE_CONNECTION_STRING environment variable is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid connection string: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Endpoint{}, fmt.Errorf("connection string must use http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return Endpoint{}, fmt.Errorf("connection string has no host: %q", raw)
	}

	ep := Endpoint{Username: username, Password: password}
	if u.User != nil {
		if pass, ok := u.User.Password(); ok && u.User.Username() != "" && pass != "" {
			ep.Username = u.User.Username()
			ep.Password = pass
		}
		u.User = nil
	}

	ep.Host = u.Hostname()
	ep.Port = u.Port()
	ep.Localhost = isLocalHost(ep.Host)

	path := strings.TrimRight(u.Path, "/")
	base := *u
	base.Path = strings.TrimSuffix(path, "/_sql")
	base.RawQuery = ""
	base.Fragment = ""
	ep.BaseURL = strings.TrimRight(base.String(), "/")

	if !strings.HasSuffix(path, "/_sql") {
		path += "/_sql"
	}
	u.Path = path
	ep.SQLURL = u.String()

	switch strings.ToLower(strings.TrimSpace(sslVerify)) {
	case "true":
		ep.SSLVerify = true
	case "false":
		ep.SSLVerify = false
	case "", "auto":
		ep.SSLVerify = !ep.Localhost
	default:
		return Endpoint{}, fmt.Errorf("CRATE_SSL_VERIFY must be true, false or auto, got %q", sslVerify)
	}
	return ep, nil
}

func isLocalHost(host string) bool {
	switch strings.ToLower(host) {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

// tlsHint is the troubleshooting hint attached to certificate failures.
func (e Endpoint) tlsHint() string {
	if e.Localhost {
		return "Try setting CRATE_SSL_VERIFY=false"
	}
	return "Check the server certificate or set CRATE_SSL_VERIFY=false for self-signed clusters"
}

func (e Endpoint) connectHint() string {
	return fmt.Sprintf("Check that CrateDB is running and reachable at %s", e.BaseURL)
}
