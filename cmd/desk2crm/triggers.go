package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/homemade/desk2crm/sync"
)

const httpTrigger = "http"

func newRouter(a *app) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Minute))

	r.Route("/api", func(r chi.Router) {
		r.Get("/tickets/sync", a.handleTicketSync)
		r.Get("/tickets/sync-one", a.handleTicketSyncOne)
		r.Get("/lanes/sync", a.handleLaneSync)
		r.Get("/config/{kind}/sync", a.handleConfigSync)
		r.Get("/config/field-docs", a.handleFieldDocs)
	})
	r.Get("/healthcheck", a.handleHealthcheck)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func (a *app) handleTicketSync(w http.ResponseWriter, r *http.Request) {
	q := queryParams{r: r}
	opts := sync.TicketSyncOptions{
		Window:               a.ticketWindow().Merge(q.window()),
		FormName:             q.get("formName"),
		CountryCode:          q.get("country"),
		PerPage:              q.intParam("perPage"),
		StartPage:            q.intParam("startPage"),
		EndPage:              q.intParam("endPage"),
		WithoutUpdatedDate:   q.boolParam("withoutUpdatedDate"),
		OnlyLatest:           q.boolParam("onlyLatest"),
		ResumeFromCheckpoint: q.boolParam("resume"),
	}
	if err := q.err(); err != nil {
		writeError(w, err)
		return
	}
	summary, err := a.syncTickets(r.Context(), httpTrigger, "tickets", opts)
	writeResult(w, summary, err)
}

func (a *app) handleTicketSyncOne(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("ticketId")
	if id == "" {
		writeError(w, &sync.ValidationError{Field: "ticketId", Reason: "missing"})
		return
	}
	if _, err := strconv.ParseUint(id, 10, 64); err != nil {
		writeError(w, &sync.ValidationError{Field: "ticketId", Reason: "must be numeric"})
		return
	}
	summary, err := a.syncTickets(r.Context(), httpTrigger, "ticket", sync.TicketSyncOptions{TicketID: id})
	writeResult(w, summary, err)
}

func (a *app) handleLaneSync(w http.ResponseWriter, r *http.Request) {
	q := queryParams{r: r}
	window := a.ticketWindow().Merge(q.window())
	if err := q.err(); err != nil {
		writeError(w, err)
		return
	}
	summary, lanes, err := a.syncLanes(r.Context(), httpTrigger, "lanes", window)
	writeResult(w, struct {
		sync.Summary
		Lanes []sync.Lane `json:"lanes"`
	}{summary, lanes}, err)
}

func (a *app) handleConfigSync(w http.ResponseWriter, r *http.Request) {
	category, err := sync.ParseConfigCategory(chi.URLParam(r, "kind"))
	if err != nil {
		writeError(w, err)
		return
	}
	q := queryParams{r: r}
	opts := sync.ConfigSyncOptions{
		Window:    a.configWindow().Merge(q.window()),
		ID:        q.get("id"),
		PerPage:   q.intParam("perPage"),
		StartPage: q.intParam("startPage"),
		EndPage:   q.intParam("endPage"),
	}
	if err := q.err(); err != nil {
		writeError(w, err)
		return
	}
	summary, err := a.syncConfig(r.Context(), httpTrigger, string(category), category, opts)
	writeResult(w, summary, err)
}

// handleFieldDocs describes the configured ticket field mappings as CSV.
func (a *app) handleFieldDocs(w http.ResponseWriter, r *http.Request) {
	csv, err := sync.GenerateFieldDocumentation(a.cfg).FormatCSV()
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	_, _ = w.Write([]byte(csv))
}

// queryParams collects the first parse failure so handlers check once.
type queryParams struct {
	r     *http.Request
	first error
}

func (q *queryParams) get(key string) string {
	return q.r.URL.Query().Get(key)
}

func (q *queryParams) intParam(key string) int {
	s := q.get(key)
	if s == "" {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		q.fail(&sync.ValidationError{Field: key, Reason: "must be a non-negative integer"})
		return 0
	}
	return n
}

func (q *queryParams) boolParam(key string) bool {
	s := q.get(key)
	if s == "" {
		return false
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		q.fail(&sync.ValidationError{Field: key, Reason: "must be true or false"})
		return false
	}
	return b
}

func (q *queryParams) window() sync.SyncWindow {
	w := sync.SyncWindow{
		UpdatedStart: q.get("updatedStart"),
		UpdatedEnd:   q.get("updatedEnd"),
		CreatedStart: q.get("createdStart"),
		CreatedEnd:   q.get("createdEnd"),
	}
	for _, bound := range []struct{ key, value string }{
		{"updatedStart", w.UpdatedStart},
		{"updatedEnd", w.UpdatedEnd},
		{"createdStart", w.CreatedStart},
		{"createdEnd", w.CreatedEnd},
	} {
		if bound.value == "" {
			continue
		}
		if _, err := sync.ParseWindowTime(bound.value); err != nil {
			q.fail(&sync.ValidationError{Field: bound.key, Reason: err.Error()})
		}
	}
	return w
}

func (q *queryParams) fail(err error) {
	if q.first == nil {
		q.first = err
	}
}

func (q *queryParams) err() error {
	return q.first
}

func writeResult(w http.ResponseWriter, body interface{}, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var verr *sync.ValidationError
	if errors.As(err, &verr) {
		status = http.StatusBadRequest
	} else {
		log.Error().Err(err).Msg("trigger failed")
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Warn().Err(err).Msg("failed to write response")
	}
}
