package resilient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/postkeep/postkeep/internal/resilience"
)

func TestDo_SuccessPassesThrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := New(resilience.DefaultCircuitBreakerConfig())
	defer c.Close()

	resp, err := c.Get(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
	if string(resp.Body) != `{"ok":true}` {
		t.Errorf("unexpected body %q", resp.Body)
	}
}

func TestDo_TransientStatusClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(resilience.DefaultCircuitBreakerConfig())
	defer c.Close()

	_, err := c.Get(context.Background(), srv.URL)
	if err == nil {
		t.Fatal("expected error for 503")
	}
	if !resilience.IsTransient(err) {
		t.Error("503 should classify as transient")
	}
}

func TestDo_PermanentStatusNotTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(resilience.DefaultCircuitBreakerConfig())
	defer c.Close()

	_, err := c.Get(context.Background(), srv.URL)
	if err == nil {
		t.Fatal("expected error for 404")
	}
	if resilience.IsTransient(err) {
		t.Error("404 must not classify as transient")
	}
}

func TestDo_BreakerOpensAndFailsFast(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(resilience.CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: time.Hour})
	defer c.Close()

	_, _ = c.Get(context.Background(), srv.URL)
	_, _ = c.Get(context.Background(), srv.URL)

	// Third call must be rejected without reaching the server.
	_, err := c.Get(context.Background(), srv.URL)
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if hits.Load() != 2 {
		t.Errorf("expected 2 upstream hits, got %d", hits.Load())
	}
}

func TestCircuitIntrospection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(resilience.CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Hour})
	defer c.Close()

	_, _ = c.Get(context.Background(), srv.URL)

	host := srv.Listener.Addr().String()
	if !c.CircuitOpen(host) {
		t.Fatal("expected open circuit for upstream host")
	}
	if m := c.CircuitMetrics(host); m.ConsecutiveFailures != 1 {
		t.Errorf("expected 1 failure, got %d", m.ConsecutiveFailures)
	}

	c.ResetCircuit(host)
	if c.CircuitOpen(host) {
		t.Error("expected closed circuit after reset")
	}
}

func TestDo_SharedBreakers(t *testing.T) {
	ub := resilience.NewUpstreamBreakers(resilience.CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Hour})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	a := New(resilience.DefaultCircuitBreakerConfig(), WithBreakers(ub))
	b := New(resilience.DefaultCircuitBreakerConfig(), WithBreakers(ub))
	defer a.Close()
	defer b.Close()

	_, _ = a.Get(context.Background(), srv.URL)

	// The failure signal aggregates across clients sharing the registry.
	host := srv.Listener.Addr().String()
	if !b.CircuitOpen(host) {
		t.Error("expected breaker shared across clients")
	}
}
