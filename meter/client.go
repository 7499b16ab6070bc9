// Package meter is the application-side metering library. It decorates
// functions and HTTP handlers so each successful unit of work emits one
// usage event, and moves those events to the metering service without ever
// failing the instrumented code: transport trouble degrades to a bounded
// local buffer, and a full buffer degrades to a logged drop.
package meter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	initialRetryDelay = 2 * time.Second
	maxRetryDelay     = 10 * time.Second
	closeTimeout      = 5 * time.Second
)

// Client records usage events over one of three transports:
//
//   - sync: POST each event and block, retrying with exponential backoff;
//     exhausted retries buffer the event and surface an *APIError.
//   - async: one detached attempt per event; failures buffer the event and
//     the caller never sees them.
//   - batch: buffer every event; a background worker drains the buffer in
//     chunks on a timer.
type Client struct {
	cfg   Config
	http  *http.Client
	queue *Queue

	// retryDelay is initialRetryDelay outside of tests.
	retryDelay time.Duration

	mu     sync.Mutex
	closed bool
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewClient builds a client, filling unset Config fields with defaults.
// In batch mode the drain worker starts immediately; call Close to stop it.
func NewClient(cfg Config) *Client {
	cfg.withDefaults()
	c := &Client{
		cfg:        cfg,
		http:       &http.Client{},
		queue:      NewQueue(cfg.QueueSize),
		retryDelay: initialRetryDelay,
		stopCh:     make(chan struct{}),
	}
	if cfg.TransportMode == TransportBatch {
		c.wg.Add(1)
		go c.runWorker()
	}
	return c
}

// Record emits one usage event according to the configured transport mode.
// Only sync mode can return an error; async and batch isolate the caller
// from every metering failure.
func (c *Client) Record(ctx context.Context, e Event) error {
	switch c.cfg.TransportMode {
	case TransportSync:
		return c.sendSync(ctx, e)
	case TransportAsync:
		c.sendAsync(e)
		return nil
	case TransportBatch:
		c.enqueue(e)
		return nil
	}
	return &APIError{Message: fmt.Sprintf("unknown transport mode %q", c.cfg.TransportMode)}
}

// Close stops the batch worker and waits for it and any in-flight async
// sends. Buffered events are not flushed; they belong to the next process
// or are accepted as lost. Returns an error if the join exceeds five
// seconds.
func (c *Client) Close() error {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.stopCh)
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(closeTimeout):
		return errors.New("meter: close timed out waiting for in-flight sends")
	}
}

// QueueLen reports how many events are waiting in the local buffer.
func (c *Client) QueueLen() int {
	return c.queue.Len()
}

// sendSync posts one event, retrying with exponential backoff (doubling
// from the initial delay up to a cap). After the final failure the event
// is buffered so a later drain may still deliver it, and the error
// surfaces to the caller.
func (c *Client) sendSync(ctx context.Context, e Event) error {
	delay := c.retryDelay
	var lastErr error
	for attempt := 1; attempt <= c.cfg.RetryMaxAttempts; attempt++ {
		lastErr = c.postEvent(ctx, e)
		if lastErr == nil {
			return nil
		}
		if attempt == c.cfg.RetryMaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			c.enqueue(e)
			return &APIError{Message: "canceled while retrying: " + ctx.Err().Error()}
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxRetryDelay {
			delay = maxRetryDelay
		}
	}

	c.enqueue(e)
	var apiErr *APIError
	if errors.As(lastErr, &apiErr) {
		return apiErr
	}
	return &APIError{Message: lastErr.Error()}
}

// sendAsync fires one detached attempt. The caller has already moved on;
// a failure buffers the event and is otherwise only logged.
func (c *Client) sendAsync(e Event) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.enqueue(e)
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		if err := c.postEvent(context.Background(), e); err != nil {
			log.Printf("[meter] async send failed, buffering event: %v", err)
			c.enqueue(e)
		}
	}()
}

// enqueue buffers an event for a later drain. A full buffer drops the new
// event with a warning; buffered events are never overwritten.
func (c *Client) enqueue(e Event) {
	if err := c.queue.Add(e); err != nil {
		log.Printf("[meter] buffer full (%d events), dropping %s/%s for tenant %s",
			c.queue.Len(), e.Resource, e.Feature, e.TenantID)
	}
}

// runWorker drains the buffer every BatchInterval until Close.
func (c *Client) runWorker() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.BatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.drainOnce()
		}
	}
}

// drainOnce posts buffered events in batch-size chunks until the buffer is
// empty or a send fails. A failed chunk is put back for the next tick;
// events that no longer fit are counted and dropped.
func (c *Client) drainOnce() {
	for {
		batch := c.queue.GetBatch(c.cfg.BatchSize)
		if len(batch) == 0 {
			return
		}
		if err := c.postBatch(context.Background(), batch); err != nil {
			log.Printf("[meter] batch of %d failed, requeueing: %v", len(batch), err)
			if dropped := c.queue.Requeue(batch); dropped > 0 {
				log.Printf("[meter] dropped %d events past buffer capacity", dropped)
			}
			return
		}
	}
}

func (c *Client) postEvent(ctx context.Context, e Event) error {
	return c.postJSON(ctx, "/v1/meter/events", e.wire(), c.cfg.Timeout)
}

// postBatch ships one chunk. Batches get twice the single-event timeout.
func (c *Client) postBatch(ctx context.Context, events []Event) error {
	return c.postJSON(ctx, "/v1/meter/events/batch", batchBody{Events: toWire(events)}, 2*c.cfg.Timeout)
}

func (c *Client) postJSON(ctx context.Context, path string, payload interface{}, timeout time.Duration) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.APIURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("X-API-Key", c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(detail))}
	}
	return nil
}
