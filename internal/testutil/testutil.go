// Package testutil holds helpers shared by the kiosk's package tests.
package testutil

import (
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
)

// LoopbackAddr is the RemoteAddr given to requests that must pass
// tsweb.AllowDebugAccess.
const LoopbackAddr = "127.0.0.1:12345"

// LoopbackRequest creates a test request that appears to come from
// localhost, as the admin server expects.
func LoopbackRequest(method, path string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, path, body)
	req.RemoteAddr = LoopbackAddr
	return req
}

// ServeLoopback sends a loopback request through h and returns the recorded
// response.
func ServeLoopback(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, LoopbackRequest(method, path, nil))
	return rec
}

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(t *testing.T, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("status code = %d, want %d", got, want)
	}
}

// TempPath returns name inside a per-test temporary directory. The file is
// not created.
func TempPath(t *testing.T, name string) string {
	t.Helper()
	return filepath.Join(t.TempDir(), name)
}
