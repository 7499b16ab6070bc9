package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"metering-service/internal/models"
)

// errorDetail is the error envelope: a plain string for auth and infra
// errors, a list of field errors for 422s.
type errorDetail struct {
	Detail interface{} `json:"detail"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, errorDetail{Detail: detail})
}

func writeFieldErrors(w http.ResponseWriter, fields []models.FieldError) {
	writeJSON(w, http.StatusUnprocessableEntity, errorDetail{Detail: fields})
}

// writeServiceError maps a service failure onto the wire. Validation
// failures carry field detail; infrastructure trouble is a 503 with the
// cause kept in the log, not the response.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *models.ValidationError
	if errors.As(err, &verr) {
		writeFieldErrors(w, verr.Fields)
		return
	}
	if errors.Is(err, models.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	log.Printf("[api] %s %s failed: %v", r.Method, r.URL.Path, err)
	writeError(w, http.StatusServiceUnavailable, "service temporarily unavailable")
}

func parsePagination(r *http.Request, v *models.ValidationError) (page, pageSize int) {
	page, pageSize = 1, 50
	if raw := r.URL.Query().Get("page"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			v.Add("page", "must be an integer greater than or equal to 1")
		} else {
			page = n
		}
	}
	if raw := r.URL.Query().Get("page_size"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			v.Add("page_size", "must be an integer between 1 and 1000")
		} else {
			pageSize = n
		}
	}
	return page, pageSize
}

// parseTimeParam reads an RFC 3339 query timestamp. A bare date is accepted
// as midnight UTC.
func parseTimeParam(r *http.Request, name string, v *models.ValidationError) *time.Time {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil
	}
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		ts = ts.UTC()
		return &ts
	}
	if d, err := time.Parse("2006-01-02", raw); err == nil {
		return &d
	}
	v.Add(name, "must be an RFC 3339 timestamp")
	return nil
}

func formatTime(ts time.Time) string {
	return ts.UTC().Format(time.RFC3339)
}
