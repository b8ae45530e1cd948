package httpkit

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"syscall"
	"testing"
	"time"
)

func TestNewClient_DefaultTimeout(t *testing.T) {
	c := NewClient()
	if c.Timeout != 30*time.Second {
		t.Errorf("expected 30s timeout, got %v", c.Timeout)
	}
}

func TestNewClient_ZeroTimeout(t *testing.T) {
	c := NewClient(WithTimeout(0))
	if c.Timeout != 0 {
		t.Errorf("expected 0 timeout for streaming, got %v", c.Timeout)
	}
}

func TestNewClient_Headers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(r.Header.Get("User-Agent") + "|" + r.Header.Get("Authorization")))
	}))
	defer srv.Close()

	tests := []struct {
		name string
		opts []ClientOption
		set  string
		want string
	}{
		{
			name: "default user agent",
			want: "secretplan/dev|",
		},
		{
			name: "custom user agent and bearer",
			opts: []ClientOption{WithUserAgent("TestBot/1.0"), WithHeader("Authorization", "Bearer k")},
			want: "TestBot/1.0|Bearer k",
		},
		{
			name: "request header wins",
			opts: []ClientOption{WithHeader("Authorization", "Bearer k")},
			set:  "Bearer override",
			want: "secretplan/dev|Bearer override",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewClient(tt.opts...)
			req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
			if tt.set != "" {
				req.Header.Set("Authorization", tt.set)
			}
			resp, err := c.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			if string(body) != tt.want {
				t.Errorf("got %q, want %q", body, tt.want)
			}
		})
	}
}

func TestPostJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("content type = %q", r.Header.Get("Content-Type"))
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"n":1}` {
			t.Errorf("body = %s", body)
		}
		w.Write([]byte(`{"accepted":1}`))
	}))
	defer srv.Close()

	var out struct {
		Accepted int `json:"accepted"`
	}
	if err := PostJSON(context.Background(), NewClient(), srv.URL, map[string]int{"n": 1}, &out); err != nil {
		t.Fatalf("PostJSON error: %v", err)
	}
	if out.Accepted != 1 {
		t.Errorf("accepted = %d, want 1", out.Accepted)
	}
}

func TestPostJSON_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	err := PostJSON(context.Background(), NewClient(), srv.URL, map[string]int{}, nil)
	if err == nil || !strings.Contains(err.Error(), "401") || !strings.Contains(err.Error(), "bad key") {
		t.Fatalf("PostJSON error = %v, want 401 with body", err)
	}
}

func TestReadErrorBody(t *testing.T) {
	rc := io.NopCloser(strings.NewReader("0123456789"))
	if got := ReadErrorBody(rc, 4); got != "0123" {
		t.Errorf("ReadErrorBody = %q, want %q", got, "0123")
	}
	if got := ReadErrorBody(nil, 4); got != "" {
		t.Errorf("ReadErrorBody(nil) = %q, want empty", got)
	}
}

type failingTransport struct {
	errs  []error
	calls int
}

func (f *failingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	f.calls++
	if f.calls <= len(f.errs) {
		return nil, f.errs[f.calls-1]
	}
	return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody}, nil
}

func TestRetryTransport(t *testing.T) {
	unreachable := &net.OpError{Op: "dial", Err: syscall.EHOSTUNREACH}

	tests := []struct {
		name      string
		errs      []error
		count     int
		wantCalls int
		wantErr   bool
	}{
		{name: "success first try", wantCalls: 1, count: 2},
		{name: "retries then succeeds", errs: []error{unreachable}, count: 2, wantCalls: 2},
		{name: "exhausts retries", errs: []error{unreachable, unreachable, unreachable}, count: 2, wantCalls: 3, wantErr: true},
		{name: "non retryable", errs: []error{errors.New("tls: bad certificate")}, count: 2, wantCalls: 1, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base := &failingTransport{errs: tt.errs}
			rt := &retryTransport{base: base, count: tt.count, delay: time.Millisecond}
			req, _ := http.NewRequest(http.MethodGet, "http://example.invalid", nil)

			_, err := rt.RoundTrip(req)
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if base.calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", base.calls, tt.wantCalls)
			}
		})
	}
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{syscall.ECONNREFUSED, true},
		{&net.OpError{Op: "dial", Err: syscall.ENETUNREACH}, true},
		{syscall.ECONNRESET, false},
		{errors.New("boom"), false},
	}
	for _, tt := range tests {
		if got := isRetryableError(tt.err); got != tt.want {
			t.Errorf("isRetryableError(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
