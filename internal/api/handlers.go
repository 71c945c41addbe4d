package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"ridernav/internal/apperr"
	"ridernav/internal/events"
	"ridernav/internal/model"
	"ridernav/internal/store"
)

// JobsHandler handles POST/GET /v1/jobs
func (s *Server) JobsHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
		if err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid body", err.Error(), r.URL.Path)
			return
		}
		if err := s.validateIntake(body); err != nil {
			s.writeError(w, r, err)
			return
		}
		var in model.JobInput
		if err := json.Unmarshal(body, &in); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		j, err := s.Svc.CreateJob(r.Context(), in)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, j)
	case http.MethodGet:
		q := r.URL.Query()
		f := store.JobFilter{
			Kind:    model.JobKind(q.Get("kind")),
			RiderID: q.Get("riderId"),
		}
		if v := q.Get("status"); v != "" {
			st, err := model.ParseStatus(v)
			if err != nil {
				writeProblem(w, http.StatusBadRequest, "Invalid status", err.Error(), r.URL.Path)
				return
			}
			f.Status = st
		}
		items, err := s.Svc.ListJobs(r.Context(), f)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// JobByIDHandler handles GET /v1/jobs/{id}, POST /v1/jobs/{id}/scan,
// POST /v1/jobs/{id}/status and GET /v1/jobs/{id}/ledger
func (s *Server) JobByIDHandler(w http.ResponseWriter, r *http.Request) {
	id, action, ok := splitID(r.URL.Path, "/v1/jobs/")
	if !ok {
		writeProblem(w, http.StatusNotFound, "Not Found", "missing id", r.URL.Path)
		return
	}
	switch {
	case action == "" && r.Method == http.MethodGet:
		j, err := s.Svc.GetJob(r.Context(), id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, j)
	case action == "scan" && r.Method == http.MethodPost:
		var scan model.ParcelScan
		if err := decode(r, &scan); err != nil {
			s.writeError(w, r, err)
			return
		}
		j, err := s.Svc.ScanParcel(r.Context(), id, scan)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, j)
	case action == "status" && r.Method == http.MethodPost:
		var req struct {
			Status string `json:"status"`
		}
		if err := decode(r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
		st, err := model.ParseStatus(req.Status)
		if err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid status", err.Error(), r.URL.Path)
			return
		}
		j, err := s.Svc.AdvanceStatus(r.Context(), id, st)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, j)
	case action == "ledger" && r.Method == http.MethodGet:
		l, err := s.Svc.JobLedger(r.Context(), id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, l)
	case action == "" || action == "scan" || action == "status" || action == "ledger":
		w.WriteHeader(http.StatusMethodNotAllowed)
	default:
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
	}
}

// RidersHandler handles POST/GET /v1/riders
func (s *Server) RidersHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var in model.RiderInput
		if err := decode(r, &in); err != nil {
			s.writeError(w, r, err)
			return
		}
		rd, err := s.Svc.CreateRider(r.Context(), in)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, rd)
	case http.MethodGet:
		items, err := s.Svc.ListRiders(r.Context())
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// RiderByIDHandler handles GET /v1/riders/{id} and GET /v1/riders/{id}/ledger
func (s *Server) RiderByIDHandler(w http.ResponseWriter, r *http.Request) {
	id, action, ok := splitID(r.URL.Path, "/v1/riders/")
	if !ok {
		writeProblem(w, http.StatusNotFound, "Not Found", "missing id", r.URL.Path)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	switch action {
	case "":
		rd, err := s.Svc.GetRider(r.Context(), id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, rd)
	case "ledger":
		l, err := s.Svc.RiderLedger(r.Context(), id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, l)
	default:
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
	}
}

// DispatchHandler handles POST /v1/dispatch
func (s *Server) DispatchHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	res, err := s.Svc.Dispatch(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// PickupsHandler handles POST /v1/pickups
//
// {"jobId": "..."} places one pickup. {"jobIds": [...], "jobs": [...]} places
// a batch in order: inline jobs are created as pickups and placed after the
// listed ids. The batch stops at the first failure.
func (s *Server) PickupsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		JobID  string            `json:"jobId"`
		JobIDs []string          `json:"jobIds"`
		Jobs   []json.RawMessage `json:"jobs"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	batch := len(req.JobIDs) > 0 || len(req.Jobs) > 0
	if batch && req.JobID != "" {
		writeProblem(w, http.StatusBadRequest, "Invalid request", "send jobId or jobIds/jobs, not both", r.URL.Path)
		return
	}
	if !batch {
		if strings.TrimSpace(req.JobID) == "" {
			writeProblem(w, http.StatusBadRequest, "Invalid request", "jobId is required", r.URL.Path)
			return
		}
		res, err := s.Svc.AddPickup(r.Context(), req.JobID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
		return
	}

	ids := append([]string(nil), req.JobIDs...)
	for i, raw := range req.Jobs {
		if err := s.validateIntake(raw); err != nil {
			s.writeError(w, r, err)
			return
		}
		var in model.JobInput
		if err := json.Unmarshal(raw, &in); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		switch in.Kind {
		case "":
			in.Kind = model.KindPickup
		case model.KindPickup:
		default:
			writeProblem(w, http.StatusBadRequest, "Invalid request", fmt.Sprintf("jobs[%d] is a %s job", i, in.Kind), r.URL.Path)
			return
		}
		j, err := s.Svc.CreateJob(r.Context(), in)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		ids = append(ids, j.ID)
	}
	items, err := s.Svc.AddPickups(r.Context(), ids)
	if err != nil {
		s.Log.Warn("pickup batch failed", zap.Int("placed", len(items)), zap.Int("requested", len(ids)), zap.Error(err))
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// LedgersHandler handles GET /v1/ledgers?date=YYYY-MM-DD|all (default today)
func (s *Server) LedgersHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	date, err := s.planDate(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	items, err := s.Svc.LedgersOn(r.Context(), date)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"planDate": date, "items": items})
}

// LedgerByIDHandler handles GET /v1/ledgers/{id}, GET /v1/ledgers/{id}/events/stream
// and GET /v1/ledgers/export.xlsx
func (s *Server) LedgerByIDHandler(w http.ResponseWriter, r *http.Request) {
	id, action, ok := splitID(r.URL.Path, "/v1/ledgers/")
	if !ok {
		writeProblem(w, http.StatusNotFound, "Not Found", "missing id", r.URL.Path)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	switch {
	case id == "export.xlsx" && action == "":
		s.exportDaySheet(w, r)
	case action == "":
		l, err := s.Svc.Ledger(r.Context(), id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, l)
	case action == "events/stream":
		if _, err := s.Svc.Ledger(r.Context(), id); err != nil {
			s.writeError(w, r, err)
			return
		}
		s.streamLedger(w, r, id)
	default:
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
	}
}

func (s *Server) exportDaySheet(w http.ResponseWriter, r *http.Request) {
	date, err := s.planDate(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ls, err := s.Svc.LedgersOn(r.Context(), date)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	b, err := daySheetXLSX(ls, s.Svc.Calendar.Zone)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	name := "ledgers-" + date + ".xlsx"
	if date == "" {
		name = "ledgers-all.xlsx"
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, bytes.NewReader(b))
}

// streamLedger writes the ledger's events as SSE until the client leaves.
func (s *Server) streamLedger(w http.ResponseWriter, r *http.Request, id string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeProblem(w, http.StatusInternalServerError, "Streaming unsupported", "", r.URL.Path)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	ch := s.Broker.Subscribe(id)
	defer s.Broker.Unsubscribe(id, ch)

	heartbeat := func() {
		fmt.Fprintf(w, "event: heartbeat\n")
		fmt.Fprintf(w, "data: {\"ledgerId\":%q,\"ts\":%q}\n\n", id, time.Now().UTC().Format(time.RFC3339))
		flusher.Flush()
	}
	heartbeat()
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			b, _ := json.Marshal(evt)
			fmt.Fprintf(w, "id: %s\n", evt.ID)
			fmt.Fprintf(w, "event: %s\n", evt.Type)
			fmt.Fprintf(w, "data: %s\n\n", b)
			flusher.Flush()
		case <-ticker.C:
			heartbeat()
		}
	}
}

// SubscriptionsHandler handles POST/GET /v1/subscriptions
func (s *Server) SubscriptionsHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req model.SubscriptionRequest
		if err := decode(r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
		if err := validateSubscription(req); err != nil {
			s.writeError(w, r, err)
			return
		}
		sub, err := s.Store.CreateSubscription(r.Context(), req)
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "Create subscription failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusCreated, sub)
	case http.MethodGet:
		items, err := s.Store.ListSubscriptions(r.Context())
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "List subscriptions failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// SubscriptionByIDHandler handles DELETE /v1/subscriptions/{id}
func (s *Server) SubscriptionByIDHandler(w http.ResponseWriter, r *http.Request) {
	id, action, ok := splitID(r.URL.Path, "/v1/subscriptions/")
	if !ok || action != "" {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	if r.Method != http.MethodDelete {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := s.Store.DeleteSubscription(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeProblem(w, http.StatusNotFound, "Subscription not found", id, r.URL.Path)
			return
		}
		writeProblem(w, http.StatusInternalServerError, "Delete subscription failed", err.Error(), r.URL.Path)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// WebhookDeliveriesHandler handles GET /v1/admin/webhook-deliveries?status=&limit=
func (s *Server) WebhookDeliveriesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeProblem(w, http.StatusBadRequest, "Invalid limit", v, r.URL.Path)
			return
		}
		limit = n
	}
	items, err := s.Store.ListWebhookDeliveries(r.Context(), r.URL.Query().Get("status"), limit)
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "List deliveries failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// WebhookDeliveryRetryHandler handles POST /v1/admin/webhook-deliveries/{id}/retry
func (s *Server) WebhookDeliveryRetryHandler(w http.ResponseWriter, r *http.Request) {
	id, action, ok := splitID(r.URL.Path, "/v1/admin/webhook-deliveries/")
	if !ok || action != "retry" {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := s.Store.RetryWebhookDelivery(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeProblem(w, http.StatusNotFound, "Delivery not found", id, r.URL.Path)
			return
		}
		writeProblem(w, http.StatusInternalServerError, "Retry failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"id": id, "status": store.DeliveryPending})
}

func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.Svc.Ready(r.Context()); err != nil {
		writeProblem(w, http.StatusServiceUnavailable, "Not ready", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// splitID splits "/prefix/{id}/rest..." into id and rest.
func splitID(path, prefix string) (id, rest string, ok bool) {
	tail := strings.TrimPrefix(path, prefix)
	if tail == path || tail == "" {
		return "", "", false
	}
	id, rest, _ = strings.Cut(tail, "/")
	if id == "" {
		return "", "", false
	}
	return id, strings.TrimSuffix(rest, "/"), true
}

// planDate reads ?date=, defaulting to today. "all" means every date.
func (s *Server) planDate(r *http.Request) (string, error) {
	v := r.URL.Query().Get("date")
	switch v {
	case "":
		return s.Svc.Calendar.Today(), nil
	case "all":
		return "", nil
	}
	if _, err := time.Parse("2006-01-02", v); err != nil {
		return "", apperr.Validationf("plan date", "date %q is not YYYY-MM-DD", v)
	}
	return v, nil
}

func validateSubscription(req model.SubscriptionRequest) error {
	const op = "subscription"
	if !strings.HasPrefix(req.URL, "http://") && !strings.HasPrefix(req.URL, "https://") {
		return apperr.Validationf(op, "url must be http(s)")
	}
	if len(req.Events) == 0 {
		return apperr.Validationf(op, "events must not be empty")
	}
	for _, e := range req.Events {
		if e == "*" {
			continue
		}
		if !knownEvent(e) {
			return apperr.Validationf(op, "unknown event type %q", e)
		}
	}
	return nil
}

func knownEvent(name string) bool {
	for _, t := range events.All {
		if string(t) == name {
			return true
		}
	}
	return false
}
