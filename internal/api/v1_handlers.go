package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"metering-service/internal/aggregator"
	"metering-service/internal/models"
	"metering-service/internal/quota"
	"metering-service/internal/repository"
	"metering-service/internal/timewindow"
)

// eventRequest is the wire shape of one usage event. Quantity defaults to
// one when absent; an explicit zero or negative value is rejected.
type eventRequest struct {
	TenantID  string                 `json:"tenant_id"`
	Resource  string                 `json:"resource"`
	Feature   string                 `json:"feature"`
	Quantity  *int64                 `json:"quantity"`
	Timestamp *time.Time             `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata"`
}

func (req *eventRequest) toEvent() *models.Event {
	e := &models.Event{
		TenantID: req.TenantID,
		Resource: req.Resource,
		Feature:  req.Feature,
		Quantity: 1,
		Metadata: req.Metadata,
	}
	if req.Quantity != nil {
		e.Quantity = *req.Quantity
	}
	if req.Timestamp != nil {
		e.Timestamp = req.Timestamp.UTC()
	}
	return e
}

type ingestResponse struct {
	Status          string   `json:"status"`
	EventsProcessed int      `json:"events_processed"`
	EventIDs        []string `json:"event_ids"`
}

func (s *Server) handleCreateEvent(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFieldErrors(w, []models.FieldError{{Field: "body", Message: "invalid JSON payload"}})
		return
	}

	event := req.toEvent()
	if scope := TenantScope(r.Context()); scope != "" && event.TenantID != scope {
		writeFieldErrors(w, []models.FieldError{{Field: "tenant_id", Message: "does not match the API key's tenant"}})
		return
	}

	if err := s.ingest.IngestEvent(r.Context(), event); err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, ingestResponse{
		Status:          "success",
		EventsProcessed: 1,
		EventIDs:        []string{event.ID},
	})
}

func (s *Server) handleCreateEventBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Events []eventRequest `json:"events"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFieldErrors(w, []models.FieldError{{Field: "body", Message: "invalid JSON payload"}})
		return
	}

	scope := TenantScope(r.Context())
	events := make([]*models.Event, 0, len(req.Events))
	for i, er := range req.Events {
		e := er.toEvent()
		if scope != "" && e.TenantID != scope {
			writeFieldErrors(w, []models.FieldError{{
				Field:   fmt.Sprintf("events[%d].tenant_id", i),
				Message: "does not match the API key's tenant",
			}})
			return
		}
		events = append(events, e)
	}

	if err := s.ingest.IngestBatch(r.Context(), events); err != nil {
		writeServiceError(w, r, err)
		return
	}

	ids := make([]string, 0, len(events))
	for _, e := range events {
		ids = append(ids, e.ID)
	}
	writeJSON(w, http.StatusCreated, ingestResponse{
		Status:          "success",
		EventsProcessed: len(events),
		EventIDs:        ids,
	})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	v := &models.ValidationError{}
	page, pageSize := parsePagination(r, v)

	q := r.URL.Query()
	filter := repository.EventFilter{
		TenantID: q.Get("tenant_id"),
		Resource: q.Get("resource"),
		Feature:  q.Get("feature"),
		Start:    parseTimeParam(r, "start_date", v),
		End:      parseTimeParam(r, "end_date", v),
	}
	if err := v.Err(); err != nil {
		writeFieldErrors(w, v.Fields)
		return
	}
	if scope := TenantScope(r.Context()); scope != "" {
		filter.TenantID = scope
	}

	items, total, err := s.events.GetEvents(r.Context(), filter, page, pageSize)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if items == nil {
		items = []models.Event{}
	}

	totalPages := int64(0)
	if total > 0 {
		totalPages = (total + int64(pageSize) - 1) / int64(pageSize)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items":       items,
		"page":        page,
		"page_size":   pageSize,
		"total":       total,
		"total_pages": totalPages,
	})
}

func (s *Server) handleGetAggregates(w http.ResponseWriter, r *http.Request) {
	v := &models.ValidationError{}
	q := r.URL.Query()

	var kind timewindow.Kind
	switch raw := q.Get("window_type"); raw {
	case "":
		v.Add("window_type", "is required")
	case string(timewindow.Hourly), string(timewindow.Daily), string(timewindow.Monthly):
		kind = timewindow.Kind(raw)
	default:
		v.Add("window_type", "must be one of hourly, daily, monthly")
	}

	start := parseTimeParam(r, "start_date", v)
	end := parseTimeParam(r, "end_date", v)
	if q.Get("start_date") == "" {
		v.Add("start_date", "is required")
	}
	if q.Get("end_date") == "" {
		v.Add("end_date", "is required")
	}
	if err := v.Err(); err != nil {
		writeFieldErrors(w, v.Fields)
		return
	}

	// group_by is accepted for compatibility; grouping is always by
	// (tenant, resource, feature).
	_ = q.Get("group_by")

	query := aggregator.Query{
		WindowType: kind,
		Start:      start.UTC(),
		End:        end.UTC(),
		TenantID:   q.Get("tenant_id"),
		Resource:   q.Get("resource"),
		Feature:    q.Get("feature"),
	}
	if scope := TenantScope(r.Context()); scope != "" {
		query.TenantID = scope
	}

	rows, summary, err := s.aggregates.GetAggregates(r.Context(), query)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if rows == nil {
		rows = []models.Aggregate{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"aggregates": rows,
		"summary":    summary,
	})
}

func (s *Server) handleValidateQuota(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TenantID string `json:"tenant_id"`
		Resource string `json:"resource"`
		Feature  string `json:"feature"`
		Quantity *int64 `json:"quantity"`
		Period   string `json:"period"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFieldErrors(w, []models.FieldError{{Field: "body", Message: "invalid JSON payload"}})
		return
	}

	v := &models.ValidationError{}
	if req.TenantID == "" {
		v.Add("tenant_id", "is required")
	}
	if req.Resource == "" {
		v.Add("resource", "is required")
	}
	if req.Feature == "" {
		v.Add("feature", "is required")
	}
	quantity := int64(1)
	if req.Quantity != nil {
		quantity = *req.Quantity
	}
	if quantity <= 0 {
		v.Add("quantity", "must be greater than 0")
	}
	var period timewindow.Kind
	if req.Period == "" {
		v.Add("period", "is required")
	} else if parsed, err := timewindow.Parse(req.Period); err != nil {
		v.Add("period", "must be one of hourly, daily, monthly, yearly")
	} else {
		period = parsed
	}
	if scope := TenantScope(r.Context()); scope != "" && req.TenantID != "" && req.TenantID != scope {
		v.Add("tenant_id", "does not match the API key's tenant")
	}
	if err := v.Err(); err != nil {
		writeFieldErrors(w, v.Fields)
		return
	}

	result, err := s.validator.Validate(r.Context(), quota.Request{
		TenantID: req.TenantID,
		Resource: req.Resource,
		Feature:  req.Feature,
		Quantity: quantity,
		Period:   period,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
