package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"metering-service/internal/aggregator"
	"metering-service/internal/models"
	"metering-service/internal/quota"
	"metering-service/internal/repository"
	"metering-service/internal/timewindow"
)

type fakeIngest struct {
	events []*models.Event
	err    error
}

func (f *fakeIngest) IngestEvent(ctx context.Context, e *models.Event) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if err := e.Validate(); err != nil {
		return err
	}
	if f.err != nil {
		return f.err
	}
	e.ID = fmt.Sprintf("ev-%d", len(f.events)+1)
	f.events = append(f.events, e)
	return nil
}

func (f *fakeIngest) IngestBatch(ctx context.Context, events []*models.Event) error {
	if len(events) == 0 {
		return (&models.ValidationError{}).Add("events", "batch must contain at least 1 event")
	}
	if len(events) > repository.MaxBatchSize {
		return (&models.ValidationError{}).Add("events", "batch size exceeds the maximum")
	}
	for _, e := range events {
		if err := f.IngestEvent(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

type fakeEventStore struct {
	items []models.Event
	total int64
	err   error

	gotFilter   repository.EventFilter
	gotPage     int
	gotPageSize int
}

func (f *fakeEventStore) GetEvents(ctx context.Context, filter repository.EventFilter, page, pageSize int) ([]models.Event, int64, error) {
	f.gotFilter, f.gotPage, f.gotPageSize = filter, page, pageSize
	if f.err != nil {
		return nil, 0, f.err
	}
	return f.items, f.total, nil
}

type fakeAggService struct {
	rows    []models.Aggregate
	summary aggregator.Summary
	err     error
	got     aggregator.Query
}

func (f *fakeAggService) GetAggregates(ctx context.Context, q aggregator.Query) ([]models.Aggregate, aggregator.Summary, error) {
	f.got = q
	if f.err != nil {
		return nil, aggregator.Summary{}, f.err
	}
	return f.rows, f.summary, nil
}

type fakeValidator struct {
	result quota.Result
	err    error
	got    quota.Request
}

func (f *fakeValidator) Validate(ctx context.Context, req quota.Request) (quota.Result, error) {
	f.got = req
	if f.err != nil {
		return quota.Result{}, f.err
	}
	return f.result, nil
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("parse response: %v (body: %s)", err, rec.Body.String())
	}
	return out
}

func fieldNames(t *testing.T, rec *httptest.ResponseRecorder) []string {
	t.Helper()
	detail, ok := decodeBody(t, rec)["detail"].([]interface{})
	if !ok {
		t.Fatalf("expected field error detail, got: %s", rec.Body.String())
	}
	names := make([]string, 0, len(detail))
	for _, d := range detail {
		names = append(names, d.(map[string]interface{})["field"].(string))
	}
	return names
}

func hasField(t *testing.T, rec *httptest.ResponseRecorder, field string) bool {
	t.Helper()
	for _, name := range fieldNames(t, rec) {
		if name == field {
			return true
		}
	}
	return false
}

func TestHandleCreateEvent(t *testing.T) {
	fi := &fakeIngest{}
	s := &Server{ingest: fi}

	req := httptest.NewRequest("POST", "/v1/meter/events",
		strings.NewReader(`{"tenant_id":"acme","resource":"api","feature":"search"}`))
	rec := httptest.NewRecorder()
	s.handleCreateEvent(rec, req)

	if rec.Code != 201 {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeBody(t, rec)
	if resp["status"] != "success" || resp["events_processed"] != float64(1) {
		t.Fatalf("unexpected response: %v", resp)
	}
	ids := resp["event_ids"].([]interface{})
	if len(ids) != 1 || ids[0] != "ev-1" {
		t.Fatalf("expected event_ids [ev-1], got %v", ids)
	}
	if len(fi.events) != 1 || fi.events[0].Quantity != 1 {
		t.Fatalf("expected one stored event with defaulted quantity 1, got %+v", fi.events)
	}
}

func TestHandleCreateEventRejectsZeroQuantity(t *testing.T) {
	fi := &fakeIngest{}
	s := &Server{ingest: fi}

	req := httptest.NewRequest("POST", "/v1/meter/events",
		strings.NewReader(`{"tenant_id":"acme","resource":"api","feature":"search","quantity":0}`))
	rec := httptest.NewRecorder()
	s.handleCreateEvent(rec, req)

	if rec.Code != 422 {
		t.Fatalf("expected 422, got %d: %s", rec.Code, rec.Body.String())
	}
	if !hasField(t, rec, "quantity") {
		t.Fatalf("expected quantity field error, got %s", rec.Body.String())
	}
	if len(fi.events) != 0 {
		t.Fatalf("rejected event must not be stored")
	}
}

func TestHandleCreateEventInvalidJSON(t *testing.T) {
	s := &Server{ingest: &fakeIngest{}}

	req := httptest.NewRequest("POST", "/v1/meter/events", strings.NewReader(`{`))
	rec := httptest.NewRecorder()
	s.handleCreateEvent(rec, req)

	if rec.Code != 422 || !hasField(t, rec, "body") {
		t.Fatalf("expected 422 body error, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleCreateEventStoreError(t *testing.T) {
	s := &Server{ingest: &fakeIngest{err: errors.New("pool closed")}}

	req := httptest.NewRequest("POST", "/v1/meter/events",
		strings.NewReader(`{"tenant_id":"acme","resource":"api","feature":"search"}`))
	rec := httptest.NewRecorder()
	s.handleCreateEvent(rec, req)

	if rec.Code != 503 {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if decodeBody(t, rec)["detail"] != "service temporarily unavailable" {
		t.Fatalf("unexpected 503 body: %s", rec.Body.String())
	}
}

func TestHandleCreateEventTenantScope(t *testing.T) {
	fi := &fakeIngest{}
	s := &Server{ingest: fi}

	req := httptest.NewRequest("POST", "/v1/meter/events",
		strings.NewReader(`{"tenant_id":"other","resource":"api","feature":"search"}`))
	req = req.WithContext(context.WithValue(req.Context(), tenantScopeKey, "acme"))
	rec := httptest.NewRecorder()
	s.handleCreateEvent(rec, req)

	if rec.Code != 422 || !hasField(t, rec, "tenant_id") {
		t.Fatalf("expected tenant_id scope rejection, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(fi.events) != 0 {
		t.Fatalf("out-of-scope event must not be stored")
	}
}

func TestHandleCreateEventBatch(t *testing.T) {
	fi := &fakeIngest{}
	s := &Server{ingest: fi}

	body := `{"events":[
		{"tenant_id":"acme","resource":"api","feature":"search"},
		{"tenant_id":"acme","resource":"api","feature":"export","quantity":5},
		{"tenant_id":"globex","resource":"storage","feature":"upload"}
	]}`
	req := httptest.NewRequest("POST", "/v1/meter/events/batch", strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.handleCreateEventBatch(rec, req)

	if rec.Code != 201 {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeBody(t, rec)
	if resp["events_processed"] != float64(3) {
		t.Fatalf("expected 3 processed, got %v", resp["events_processed"])
	}
	if ids := resp["event_ids"].([]interface{}); len(ids) != 3 {
		t.Fatalf("expected 3 event ids, got %v", ids)
	}
	if fi.events[1].Quantity != 5 {
		t.Fatalf("explicit quantity lost: %+v", fi.events[1])
	}
}

func TestHandleCreateEventBatchEmpty(t *testing.T) {
	s := &Server{ingest: &fakeIngest{}}

	req := httptest.NewRequest("POST", "/v1/meter/events/batch", strings.NewReader(`{"events":[]}`))
	rec := httptest.NewRecorder()
	s.handleCreateEventBatch(rec, req)

	if rec.Code != 422 || !hasField(t, rec, "events") {
		t.Fatalf("expected 422 events error, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleListEventsDefaults(t *testing.T) {
	fe := &fakeEventStore{
		items: []models.Event{{ID: "ev-1", TenantID: "acme"}, {ID: "ev-2", TenantID: "acme"}},
		total: 120,
	}
	s := &Server{events: fe}

	req := httptest.NewRequest("GET", "/v1/meter/events?tenant_id=acme&resource=api", nil)
	rec := httptest.NewRecorder()
	s.handleListEvents(rec, req)

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeBody(t, rec)
	if resp["page"] != float64(1) || resp["page_size"] != float64(50) {
		t.Fatalf("expected default pagination 1/50, got %v/%v", resp["page"], resp["page_size"])
	}
	if resp["total"] != float64(120) || resp["total_pages"] != float64(3) {
		t.Fatalf("expected total 120 over 3 pages, got %v/%v", resp["total"], resp["total_pages"])
	}
	if fe.gotFilter.TenantID != "acme" || fe.gotFilter.Resource != "api" {
		t.Fatalf("filter not forwarded: %+v", fe.gotFilter)
	}
	if fe.gotPage != 1 || fe.gotPageSize != 50 {
		t.Fatalf("pagination not forwarded: %d/%d", fe.gotPage, fe.gotPageSize)
	}
}

func TestHandleListEventsValidatesPagination(t *testing.T) {
	s := &Server{events: &fakeEventStore{}}

	req := httptest.NewRequest("GET", "/v1/meter/events?page=0", nil)
	rec := httptest.NewRecorder()
	s.handleListEvents(rec, req)
	if rec.Code != 422 || !hasField(t, rec, "page") {
		t.Fatalf("expected 422 page error, got %d: %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest("GET", "/v1/meter/events?page_size=2000", nil)
	rec = httptest.NewRecorder()
	s.handleListEvents(rec, req)
	if rec.Code != 422 || !hasField(t, rec, "page_size") {
		t.Fatalf("expected 422 page_size error, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleListEventsEmptyPage(t *testing.T) {
	s := &Server{events: &fakeEventStore{items: nil, total: 0}}

	req := httptest.NewRequest("GET", "/v1/meter/events", nil)
	rec := httptest.NewRecorder()
	s.handleListEvents(rec, req)

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"items":[]`) {
		t.Fatalf("items must serialize as an empty array: %s", rec.Body.String())
	}
	if resp := decodeBody(t, rec); resp["total_pages"] != float64(0) {
		t.Fatalf("expected 0 total_pages, got %v", resp["total_pages"])
	}
}

func TestHandleListEventsScopedKeyPinsTenant(t *testing.T) {
	fe := &fakeEventStore{}
	s := &Server{events: fe}

	req := httptest.NewRequest("GET", "/v1/meter/events?tenant_id=other", nil)
	req = req.WithContext(context.WithValue(req.Context(), tenantScopeKey, "acme"))
	rec := httptest.NewRecorder()
	s.handleListEvents(rec, req)

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if fe.gotFilter.TenantID != "acme" {
		t.Fatalf("scoped key must pin the tenant filter, got %q", fe.gotFilter.TenantID)
	}
}

func TestHandleGetAggregatesRequiresParams(t *testing.T) {
	s := &Server{aggregates: &fakeAggService{}}

	req := httptest.NewRequest("GET", "/v1/meter/aggregates", nil)
	rec := httptest.NewRecorder()
	s.handleGetAggregates(rec, req)

	if rec.Code != 422 {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
	for _, f := range []string{"window_type", "start_date", "end_date"} {
		if !hasField(t, rec, f) {
			t.Fatalf("expected %s field error, got %s", f, rec.Body.String())
		}
	}

	req = httptest.NewRequest("GET",
		"/v1/meter/aggregates?window_type=yearly&start_date=2025-06-01T00:00:00Z&end_date=2025-07-01T00:00:00Z", nil)
	rec = httptest.NewRecorder()
	s.handleGetAggregates(rec, req)
	if rec.Code != 422 || !hasField(t, rec, "window_type") {
		t.Fatalf("yearly must be rejected for aggregates, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleGetAggregates(t *testing.T) {
	fa := &fakeAggService{
		rows: []models.Aggregate{{
			TenantID: "acme", Resource: "api", Feature: "search",
			WindowType: "hourly", TotalQuantity: 42, EventCount: 7,
		}},
		summary: aggregator.Summary{TotalQuantity: 42, TotalEvents: 7},
	}
	s := &Server{aggregates: fa}

	req := httptest.NewRequest("GET",
		"/v1/meter/aggregates?window_type=hourly&start_date=2025-06-15T00:00:00Z&end_date=2025-06-16T00:00:00Z&tenant_id=acme&group_by=resource", nil)
	rec := httptest.NewRecorder()
	s.handleGetAggregates(rec, req)

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if fa.got.WindowType != timewindow.Hourly || fa.got.TenantID != "acme" {
		t.Fatalf("query not forwarded: %+v", fa.got)
	}
	if !fa.got.Start.Equal(time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("start not parsed: %v", fa.got.Start)
	}
	resp := decodeBody(t, rec)
	if len(resp["aggregates"].([]interface{})) != 1 {
		t.Fatalf("expected 1 aggregate row, got %v", resp["aggregates"])
	}
	summary := resp["summary"].(map[string]interface{})
	if summary["total_quantity"] != float64(42) || summary["total_events"] != float64(7) {
		t.Fatalf("unexpected summary: %v", summary)
	}
}

func TestHandleGetAggregatesAcceptsDateOnly(t *testing.T) {
	fa := &fakeAggService{}
	s := &Server{aggregates: fa}

	req := httptest.NewRequest("GET",
		"/v1/meter/aggregates?window_type=daily&start_date=2025-06-15&end_date=2025-06-16", nil)
	rec := httptest.NewRecorder()
	s.handleGetAggregates(rec, req)

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !fa.got.Start.Equal(time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("date-only start not parsed: %v", fa.got.Start)
	}
}

func TestHandleValidateQuota(t *testing.T) {
	fv := &fakeValidator{
		result: quota.Result{
			Allowed: true, Remaining: 90, Limit: 100,
			Period: timewindow.Monthly, CurrentUsage: 10,
			ResetAt: time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC).Add(-time.Microsecond),
		},
	}
	s := &Server{validator: fv}

	req := httptest.NewRequest("POST", "/v1/meter/validate",
		strings.NewReader(`{"tenant_id":"acme","resource":"api","feature":"search","period":"monthly"}`))
	rec := httptest.NewRecorder()
	s.handleValidateQuota(rec, req)

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if fv.got.Quantity != 1 {
		t.Fatalf("expected defaulted quantity 1, got %d", fv.got.Quantity)
	}
	if fv.got.Period != timewindow.Monthly {
		t.Fatalf("expected monthly period, got %s", fv.got.Period)
	}
	resp := decodeBody(t, rec)
	if resp["allowed"] != true || resp["remaining"] != float64(90) {
		t.Fatalf("unexpected response: %v", resp)
	}
	if _, present := resp["message"]; present {
		t.Fatalf("message must be omitted when empty: %v", resp)
	}
}

func TestHandleValidateQuotaFieldErrors(t *testing.T) {
	s := &Server{validator: &fakeValidator{}}

	req := httptest.NewRequest("POST", "/v1/meter/validate",
		strings.NewReader(`{"resource":"api","feature":"search","period":"weekly"}`))
	rec := httptest.NewRecorder()
	s.handleValidateQuota(rec, req)

	if rec.Code != 422 {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
	for _, f := range []string{"tenant_id", "period"} {
		if !hasField(t, rec, f) {
			t.Fatalf("expected %s field error, got %s", f, rec.Body.String())
		}
	}
}
