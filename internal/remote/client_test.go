package remote

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestPostJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"name":"x"}` {
			t.Errorf("body = %s", body)
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := NewClient("test", 0, srv.Client())
	var out struct{ OK bool }
	if err := c.PostJSON(context.Background(), srv.URL, map[string]string{"name": "x"}, &out); err != nil {
		t.Fatalf("PostJSON: %v", err)
	}
	if !out.OK {
		t.Error("response not decoded")
	}
}

func TestPostJSONStatusErrors(t *testing.T) {
	tests := []struct {
		status    int
		temporary bool
	}{
		{http.StatusBadRequest, false},
		{http.StatusTooManyRequests, true},
		{http.StatusBadGateway, true},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", tt.status)
		}))
		c := NewClient("svc", 0, srv.Client())
		err := c.PostJSON(context.Background(), srv.URL, struct{}{}, &struct{}{})
		srv.Close()

		var rerr *Error
		if !errors.As(err, &rerr) {
			t.Fatalf("status %d: error = %v, want *Error", tt.status, err)
		}
		if rerr.StatusCode != tt.status {
			t.Errorf("StatusCode = %d, want %d", rerr.StatusCode, tt.status)
		}
		if IsTemporary(err) != tt.temporary {
			t.Errorf("status %d: IsTemporary = %v, want %v", tt.status, IsTemporary(err), tt.temporary)
		}
		if !strings.Contains(err.Error(), "nope") {
			t.Errorf("Error() = %q, want body included", err.Error())
		}
	}
}

func TestPostJSONDecodeErrorIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	err := NewClient("svc", 0, srv.Client()).PostJSON(context.Background(), srv.URL, struct{}{}, &struct{}{})
	if err == nil {
		t.Fatal("expected decode error")
	}
	if IsTemporary(err) {
		t.Error("decode errors should not be retried")
	}
}

func TestIsTemporaryContext(t *testing.T) {
	if IsTemporary(context.Canceled) {
		t.Error("cancellation must not be retried")
	}
	if !IsTemporary(context.DeadlineExceeded) {
		t.Error("deadline exceeded should be retried with a fresh timeout")
	}
	if IsTemporary(errors.New("plain")) {
		t.Error("plain errors are permanent")
	}
}
