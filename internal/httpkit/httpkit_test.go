package httpkit

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNewClientDefaults(t *testing.T) {
	c := NewClient()
	if c.Timeout != 30*time.Second {
		t.Errorf("default timeout = %v, want 30s", c.Timeout)
	}
}

func TestWithTimeoutZeroDisables(t *testing.T) {
	c := NewClient(WithTimeout(0))
	if c.Timeout != 0 {
		t.Errorf("timeout = %v, want 0 (disabled)", c.Timeout)
	}
}

func TestUserAgentInjected(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("User-Agent")
	}))
	defer srv.Close()

	c := NewClient()
	resp, err := c.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	DrainAndClose(resp.Body, 1024)

	if !strings.HasPrefix(got, "foreman/") {
		t.Errorf("User-Agent = %q, want foreman/ prefix", got)
	}
}

func TestReadErrorBody(t *testing.T) {
	rc := io.NopCloser(strings.NewReader("bad request detail"))
	got := ReadErrorBody(rc, 4096)
	if got != "bad request detail" {
		t.Errorf("ReadErrorBody = %q", got)
	}

	if got := ReadErrorBody(nil, 10); got != "" {
		t.Errorf("ReadErrorBody(nil) = %q, want empty", got)
	}
}

func TestReadErrorBodyTruncates(t *testing.T) {
	rc := io.NopCloser(strings.NewReader("0123456789"))
	got := ReadErrorBody(rc, 4)
	if got != "0123" {
		t.Errorf("ReadErrorBody = %q, want %q", got, "0123")
	}
}
