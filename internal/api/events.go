package api

import (
	"fmt"
	"net/http"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/event-ingest/internal/ingest"
)

const (
	defaultEventLimit = 10
	maxEventLimit     = 100
)

type eventListResponse struct {
	Events      []ingest.EventRecord `json:"events"`
	Total       int                  `json:"total"`
	TotalPages  int                  `json:"totalPages"`
	CurrentPage int                  `json:"currentPage"`
}

type statusRequest struct {
	Status ingest.Status `json:"status"`
}

type subscribeRequest struct {
	Email   string `json:"email"`
	Consent bool   `json:"consent"`
}

type subscriptionRequest struct {
	Email   string `json:"email"`
	EventID string `json:"eventId"`
	Consent bool   `json:"consent"`
}

// listEvents handles GET /v1/events. Query params: city, status, search,
// dateFrom|startDate, dateTo|endDate, page (1-based), limit.
func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	filter, page, err := parseEventFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.deps.Store.List(r.Context(), filter)
	if err != nil {
		s.writeStoreError(w, r, "list events", err)
		return
	}
	events := res.Records
	if events == nil {
		events = []ingest.EventRecord{}
	}
	writeJSON(w, http.StatusOK, eventListResponse{
		Events:      events,
		Total:       res.Total,
		TotalPages:  (res.Total + filter.Limit - 1) / filter.Limit,
		CurrentPage: page,
	})
}

func (s *Server) getEvent(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeStoreError(w, r, "get event", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// updateStatus handles PATCH /v1/events/{id}/status. Operators may move a record
// to any known status, including out of inactive.
func (s *Server) updateStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if !req.Status.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid status %q", req.Status))
		return
	}
	id := chi.URLParam(r, "id")
	rec, err := s.deps.Store.Update(r.Context(), id, ingest.EventPatch{Status: &req.Status})
	if err != nil {
		s.writeStoreError(w, r, "update status", err)
		return
	}
	s.logger.Info("event status updated",
		zap.String("request_id", requestID(r.Context())),
		zap.String("event_id", id),
		zap.String("status", string(rec.Status)),
	)
	writeJSON(w, http.StatusOK, rec)
}

// subscribe handles POST /v1/events/{id}/subscribe and answers with the source
// page the visitor should be sent to.
func (s *Server) subscribe(w http.ResponseWriter, r *http.Request) {
	if s.deps.Subscriptions == nil {
		writeError(w, http.StatusServiceUnavailable, "subscriptions unavailable")
		return
	}
	var req subscribeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	email, err := parseEmail(req.Email)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rec, err := s.deps.Store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeStoreError(w, r, "get event", err)
		return
	}
	sub, err := s.newSubscription(email, rec.ID, req.Consent)
	if err != nil {
		s.logger.Error("subscription id failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	sub.EventTitle = rec.Title
	if err := s.deps.Subscriptions.CreateSubscription(r.Context(), sub); err != nil {
		s.writeStoreError(w, r, "create subscription", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"redirectUrl": rec.SourceURL})
}

// createSubscription handles POST /v1/subscriptions.
func (s *Server) createSubscription(w http.ResponseWriter, r *http.Request) {
	if s.deps.Subscriptions == nil {
		writeError(w, http.StatusServiceUnavailable, "subscriptions unavailable")
		return
	}
	var req subscriptionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if strings.TrimSpace(req.Email) == "" || strings.TrimSpace(req.EventID) == "" {
		writeError(w, http.StatusBadRequest, "email and eventId are required")
		return
	}
	email, err := parseEmail(req.Email)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sub, err := s.newSubscription(email, strings.TrimSpace(req.EventID), req.Consent)
	if err != nil {
		s.logger.Error("subscription id failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if err := s.deps.Subscriptions.CreateSubscription(r.Context(), sub); err != nil {
		s.writeStoreError(w, r, "create subscription", err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (s *Server) newSubscription(email, eventID string, consent bool) (ingest.SubscriptionRecord, error) {
	id, err := s.deps.IDs.NewID()
	if err != nil {
		return ingest.SubscriptionRecord{}, fmt.Errorf("generate subscription id: %w", err)
	}
	return ingest.SubscriptionRecord{
		ID:           id,
		Email:        email,
		EventID:      eventID,
		Consent:      consent,
		SubscribedAt: s.deps.Clock.Now().UTC(),
	}, nil
}

func parseEmail(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("email is required")
	}
	addr, err := mail.ParseAddress(raw)
	if err != nil {
		return "", fmt.Errorf("invalid email")
	}
	return addr.Address, nil
}

func parseEventFilter(r *http.Request) (ingest.Filter, int, error) {
	q := r.URL.Query()
	filter := ingest.Filter{
		City:   strings.TrimSpace(q.Get("city")),
		Search: strings.TrimSpace(q.Get("search")),
	}
	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		status := ingest.Status(strings.ToLower(raw))
		if !status.Valid() {
			return ingest.Filter{}, 0, fmt.Errorf("invalid status %q", raw)
		}
		filter.Status = status
	}

	from, err := parseDateParam(firstNonEmpty(q.Get("dateFrom"), q.Get("startDate")), false)
	if err != nil {
		return ingest.Filter{}, 0, fmt.Errorf("invalid dateFrom: %w", err)
	}
	to, err := parseDateParam(firstNonEmpty(q.Get("dateTo"), q.Get("endDate")), true)
	if err != nil {
		return ingest.Filter{}, 0, fmt.Errorf("invalid dateTo: %w", err)
	}
	filter.DateFrom, filter.DateTo = from, to

	limit, err := parsePositive(q.Get("limit"), defaultEventLimit)
	if err != nil {
		return ingest.Filter{}, 0, fmt.Errorf("invalid limit: %w", err)
	}
	if limit > maxEventLimit {
		limit = maxEventLimit
	}
	page, err := parsePositive(q.Get("page"), 1)
	if err != nil {
		return ingest.Filter{}, 0, fmt.Errorf("invalid page: %w", err)
	}
	filter.Limit = limit
	filter.Offset = (page - 1) * limit
	return filter, page, nil
}

// parseDateParam accepts RFC3339 or a bare date. A bare upper bound covers the
// whole day.
func parseDateParam(raw string, endOfDay bool) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		t = t.UTC()
		return &t, nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return nil, fmt.Errorf("expected RFC3339 or YYYY-MM-DD, got %q", raw)
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return &t, nil
}

func parsePositive(raw string, def int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("must be a positive integer")
	}
	return n, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
