package httpx

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRequestJSONRetriesOn5xx(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":"try again"}`))
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	status, body, err := RequestJSON(context.Background(), srv.Client(), http.MethodPost, srv.URL, []byte(`{"k":"v"}`), nil, 1, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("request error: %v", err)
	}
	if status != http.StatusOK {
		t.Fatalf("expected 200 got %d", status)
	}
	if string(body) != `{"ok":true}` {
		t.Fatalf("unexpected body: %s", string(body))
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts got %d", attempts)
	}
}

func TestRequestJSONNoRetryOn4xx(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"bad"}`))
	}))
	defer srv.Close()

	status, _, err := RequestJSON(context.Background(), srv.Client(), http.MethodPost, srv.URL, []byte(`{"k":"v"}`), nil, 3, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("request error: %v", err)
	}
	if status != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", status)
	}
	if attempts != 1 {
		t.Fatalf("expected 1 attempt got %d", attempts)
	}
}

func TestRequestJSONZeroRetriesSingleAttempt(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	status, _, err := RequestJSON(context.Background(), srv.Client(), http.MethodPost, srv.URL, []byte(`{}`), nil, 0, 0)
	if err != nil {
		t.Fatalf("request error: %v", err)
	}
	if status != http.StatusBadGateway || attempts != 1 {
		t.Fatalf("expected single 502 attempt, got status=%d attempts=%d", status, attempts)
	}
}

func TestRequestJSONSetsHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Content-Type"); got != "application/json" {
			t.Errorf("expected json content type, got %q", got)
		}
		if got := r.Header.Get("X-Api-Key"); got != "abc" {
			t.Errorf("expected api key header, got %q", got)
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	_, _, err := RequestJSON(context.Background(), srv.Client(), http.MethodPost, srv.URL, []byte(`{"x":1}`), map[string]string{"X-Api-Key": "abc"}, 0, 0)
	if err != nil {
		t.Fatalf("request error: %v", err)
	}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

func TestRequestJSONTransportErrors(t *testing.T) {
	client := &http.Client{
		Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
			return nil, errors.New("dial failed")
		}),
	}
	_, _, err := RequestJSON(context.Background(), client, http.MethodGet, "http://example.com", nil, nil, 0, 0)
	if err == nil || !strings.Contains(err.Error(), "dial failed") {
		t.Fatalf("expected transport failure, got %v", err)
	}

	_, _, err = RequestJSON(context.Background(), http.DefaultClient, "bad method", "http://example.com", nil, nil, 0, 0)
	if err == nil {
		t.Fatal("expected invalid method error")
	}
}
