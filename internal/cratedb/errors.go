package cratedb

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
)

// SQLError is an error reported by CrateDB in the response body.
type SQLError struct {
	Code       int
	Message    string
	HTTPStatus int
}

func (e *SQLError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("SQL error %d: %s", e.Code, e.Message)
	}
	return "SQL error: " + e.Message
}

// ConnectionError means the endpoint could not be reached, or answered
// without a usable CrateDB response.
type ConnectionError struct {
	Endpoint string
	Attempts int
	Timeout  bool
	Hint     string
	Err      error
}

func (e *ConnectionError) Error() string {
	kind := "connection error"
	if e.Timeout {
		kind = "timeout"
	}
	msg := fmt.Sprintf("%s talking to %s", kind, e.Endpoint)
	if e.Attempts > 1 {
		msg += fmt.Sprintf(" after %d attempts", e.Attempts)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// HTTPStatusError is a non-2xx response without a CrateDB error body,
// typically produced by a proxy or load balancer.
type HTTPStatusError struct {
	StatusCode int
	Status     string
}

func (e *HTTPStatusError) Error() string {
	return "unexpected HTTP status " + e.Status
}

// IsTLSError reports whether err was caused by certificate verification.
func IsTLSError(err error) bool {
	var unknownAuthority x509.UnknownAuthorityError
	var hostname x509.HostnameError
	var invalid x509.CertificateInvalidError
	var verification *tls.CertificateVerificationError
	var recordHeader tls.RecordHeaderError
	return errors.As(err, &unknownAuthority) ||
		errors.As(err, &hostname) ||
		errors.As(err, &invalid) ||
		errors.As(err, &verification) ||
		errors.As(err, &recordHeader)
}

// IsTimeout reports whether err is a deadline or network timeout.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// retryable classifies an attempt error. Only transient network failures
// and proxy status codes are worth another attempt.
func retryable(err error) bool {
	if err == nil || IsTLSError(err) {
		return false
	}
	var sqlErr *SQLError
	if errors.As(err, &sqlErr) {
		return false
	}
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode == 502 || statusErr.StatusCode == 503 || statusErr.StatusCode == 504
	}
	if IsTimeout(err) {
		return true
	}
	// A *url.Error alone can be permanent, such as an unsupported scheme.
	var opErr *net.OpError
	return errors.As(err, &opErr) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}
