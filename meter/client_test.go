package meter

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// captureServer records every metering POST it receives and can be flipped
// into a failing state to simulate an outage.
type captureServer struct {
	*httptest.Server

	mu      sync.Mutex
	failing bool
	single  [][]byte
	batches [][]byte
	headers []http.Header
}

func newCaptureServer(t *testing.T) *captureServer {
	t.Helper()
	cs := &captureServer{}
	cs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)

		cs.mu.Lock()
		defer cs.mu.Unlock()
		if cs.failing {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"detail":"down for the test"}`))
			return
		}
		cs.headers = append(cs.headers, r.Header.Clone())
		switch r.URL.Path {
		case "/v1/meter/events":
			cs.single = append(cs.single, body)
		case "/v1/meter/events/batch":
			cs.batches = append(cs.batches, body)
		default:
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"status":"success"}`))
	}))
	t.Cleanup(cs.Close)
	return cs
}

func (cs *captureServer) setFailing(v bool) {
	cs.mu.Lock()
	cs.failing = v
	cs.mu.Unlock()
}

func (cs *captureServer) singleCount() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return len(cs.single)
}

func (cs *captureServer) batchCount() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return len(cs.batches)
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func newTestClient(t *testing.T, cfg Config) *Client {
	t.Helper()
	c := NewClient(cfg)
	c.retryDelay = time.Millisecond
	t.Cleanup(func() { c.Close() })
	return c
}

func TestSyncRecordPostsEvent(t *testing.T) {
	srv := newCaptureServer(t)
	c := newTestClient(t, Config{APIURL: srv.URL, APIKey: "mtr_test", TransportMode: TransportSync})

	err := c.Record(context.Background(), Event{TenantID: "t1", Resource: "billing", Feature: "invoice"})
	if err != nil {
		t.Fatalf("record: %v", err)
	}

	if srv.singleCount() != 1 {
		t.Fatalf("server saw %d single posts, want 1", srv.singleCount())
	}
	if got := srv.headers[0].Get("X-API-Key"); got != "mtr_test" {
		t.Errorf("X-API-Key=%q, want mtr_test", got)
	}

	var body struct {
		TenantID  string     `json:"tenant_id"`
		Resource  string     `json:"resource"`
		Feature   string     `json:"feature"`
		Quantity  int64      `json:"quantity"`
		Timestamp *time.Time `json:"timestamp"`
	}
	if err := json.Unmarshal(srv.single[0], &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.TenantID != "t1" || body.Resource != "billing" || body.Feature != "invoice" {
		t.Errorf("body = %+v", body)
	}
	if body.Quantity != 1 {
		t.Errorf("quantity defaulted to %d, want 1", body.Quantity)
	}
	if body.Timestamp != nil {
		t.Errorf("zero timestamp should be omitted so the service stamps arrival, got %v", body.Timestamp)
	}
}

func TestSyncRetriesThenBuffersAndSurfaces(t *testing.T) {
	srv := newCaptureServer(t)
	srv.setFailing(true)

	c := newTestClient(t, Config{APIURL: srv.URL, TransportMode: TransportSync, RetryMaxAttempts: 3})

	err := c.Record(context.Background(), Event{TenantID: "t1", Resource: "r", Feature: "f", Quantity: 2})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("record returned %v, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status=%d, want 503", apiErr.StatusCode)
	}

	// Exhausted retries leave the event in the buffer for a later drain.
	if c.QueueLen() != 1 {
		t.Fatalf("buffer holds %d events, want 1", c.QueueLen())
	}
}

func TestSyncRetryRecovers(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := newTestClient(t, Config{APIURL: srv.URL, TransportMode: TransportSync, RetryMaxAttempts: 3})

	if err := c.Record(context.Background(), Event{TenantID: "t1", Resource: "r", Feature: "f"}); err != nil {
		t.Fatalf("record should succeed on the third attempt: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 3 {
		t.Fatalf("server saw %d attempts, want 3", calls)
	}
	if c.QueueLen() != 0 {
		t.Fatalf("nothing should be buffered after a successful send, have %d", c.QueueLen())
	}
}

func TestAsyncNeverSurfacesFailure(t *testing.T) {
	// Unreachable service: the port is closed immediately.
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := newTestClient(t, Config{APIURL: url, TransportMode: TransportAsync, Timeout: time.Second})

	if err := c.Record(context.Background(), Event{TenantID: "t1", Resource: "r", Feature: "f"}); err != nil {
		t.Fatalf("async record surfaced %v", err)
	}

	// The failed send lands in the buffer instead.
	waitFor(t, "event to reach the buffer", func() bool { return c.QueueLen() == 1 })
}

func TestAsyncDelivers(t *testing.T) {
	srv := newCaptureServer(t)
	c := newTestClient(t, Config{APIURL: srv.URL, TransportMode: TransportAsync})

	if err := c.Record(context.Background(), Event{TenantID: "t1", Resource: "r", Feature: "f"}); err != nil {
		t.Fatalf("record: %v", err)
	}
	waitFor(t, "async delivery", func() bool { return srv.singleCount() == 1 })
	if c.QueueLen() != 0 {
		t.Fatalf("delivered event must not be buffered, have %d", c.QueueLen())
	}
}

func TestBatchDrainOutageAndRecovery(t *testing.T) {
	srv := newCaptureServer(t)
	c := newTestClient(t, Config{
		APIURL:        srv.URL,
		TransportMode: TransportBatch,
		BatchSize:     3,
		BatchInterval: 20 * time.Millisecond,
	})

	for i := 0; i < 3; i++ {
		if err := c.Record(context.Background(), Event{TenantID: "t1", Resource: "r", Feature: "f", Quantity: 1}); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}

	// One tick, one batch with all three events.
	waitFor(t, "first batch", func() bool { return srv.batchCount() == 1 })
	srv.mu.Lock()
	first := srv.batches[0]
	srv.mu.Unlock()
	var got batchBody
	if err := json.Unmarshal(first, &got); err != nil {
		t.Fatalf("decode batch: %v", err)
	}
	if len(got.Events) != 3 {
		t.Fatalf("first batch carried %d events, want 3", len(got.Events))
	}

	// Outage: new events stay buffered across failed ticks.
	srv.setFailing(true)
	for i := 0; i < 2; i++ {
		c.Record(context.Background(), Event{TenantID: "t2", Resource: "r", Feature: "f"})
	}
	time.Sleep(80 * time.Millisecond)
	if c.QueueLen() != 2 {
		t.Fatalf("buffer holds %d events during outage, want 2", c.QueueLen())
	}

	// Recovery: the next tick ships what survived.
	srv.setFailing(false)
	waitFor(t, "recovery batch", func() bool { return srv.batchCount() == 2 })
	srv.mu.Lock()
	second := srv.batches[1]
	srv.mu.Unlock()
	if err := json.Unmarshal(second, &got); err != nil {
		t.Fatalf("decode recovery batch: %v", err)
	}
	if len(got.Events) != 2 || got.Events[0].TenantID != "t2" {
		t.Fatalf("recovery batch = %+v, want the 2 buffered events", got.Events)
	}
	waitFor(t, "buffer to empty", func() bool { return c.QueueLen() == 0 })
}

func TestBatchDrainsInChunks(t *testing.T) {
	srv := newCaptureServer(t)
	c := newTestClient(t, Config{
		APIURL:        srv.URL,
		TransportMode: TransportBatch,
		BatchSize:     2,
		BatchInterval: time.Hour, // drive the drain by hand
	})

	for i := 0; i < 5; i++ {
		c.Record(context.Background(), Event{TenantID: "t1", Resource: "r", Feature: "f"})
	}
	c.drainOnce()

	if srv.batchCount() != 3 {
		t.Fatalf("drain sent %d batches, want 3 (2+2+1)", srv.batchCount())
	}
	if c.QueueLen() != 0 {
		t.Fatalf("buffer holds %d after drain, want 0", c.QueueLen())
	}
}

func TestCloseStopsWorker(t *testing.T) {
	srv := newCaptureServer(t)
	c := NewClient(Config{
		APIURL:        srv.URL,
		TransportMode: TransportBatch,
		BatchInterval: 10 * time.Millisecond,
	})

	done := make(chan error, 1)
	go func() { done <- c.Close() }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("close: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}

	// No tick can fire after the join: anything recorded now stays put.
	c.Record(context.Background(), Event{TenantID: "t1", Resource: "r", Feature: "f"})
	time.Sleep(50 * time.Millisecond)
	if srv.batchCount() != 0 {
		t.Fatalf("worker drained after Close: %d batches", srv.batchCount())
	}
	if c.QueueLen() != 1 {
		t.Fatalf("buffer holds %d, want the 1 post-close event", c.QueueLen())
	}
}

func TestCloseJoinsInFlightAsyncSends(t *testing.T) {
	release := make(chan struct{})
	var mu sync.Mutex
	delivered := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		mu.Lock()
		delivered++
		mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := NewClient(Config{APIURL: srv.URL, TransportMode: TransportAsync})
	c.Record(context.Background(), Event{TenantID: "t1", Resource: "r", Feature: "f"})

	go func() {
		time.Sleep(30 * time.Millisecond)
		close(release)
	}()
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if delivered != 1 {
		t.Fatalf("Close returned before the in-flight send finished (delivered=%d)", delivered)
	}
}

func TestUnknownTransportMode(t *testing.T) {
	c := newTestClient(t, Config{APIURL: "http://localhost:1", TransportMode: "pigeon"})

	err := c.Record(context.Background(), Event{TenantID: "t1", Resource: "r", Feature: "f"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("record returned %v, want *APIError", err)
	}
}
