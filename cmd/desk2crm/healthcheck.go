package main

import (
	"net/http"
	"strconv"

	"github.com/homemade/desk2crm/sync"
)

type healthReport struct {
	Status             string `json:"status"`
	Flavour            string `json:"flavour,omitempty"`
	Config             string `json:"config,omitempty"`
	Helpdesk           string `json:"helpdesk,omitempty"`
	RateLimitRemaining *int   `json:"rateLimitRemaining,omitempty"`
}

// handleHealthcheck validates the loaded settings and probes the helpdesk.
// Details are only included with ?showDetail=true.
func (a *app) handleHealthcheck(w http.ResponseWriter, r *http.Request) {
	showDetail, _ := strconv.ParseBool(r.URL.Query().Get("showDetail"))
	report := healthReport{Status: "ok", Flavour: sync.GetInitialisedFlavour().String(), Config: "ok"}
	status := http.StatusOK

	if err := a.cfg.Validate(); err != nil {
		report.Status = "unhealthy"
		report.Config = err.Error()
		status = http.StatusInternalServerError
	} else {
		sc := a.syncContext(httpTrigger, "healthcheck")
		res, err := sync.HelpdeskFetcher{SyncContext: sc}.ProbeRateLimit(r.Context())
		switch {
		case err != nil:
			report.Helpdesk = err.Error()
		case !res.OK():
			report.Helpdesk = "status " + strconv.Itoa(res.StatusCode)
		default:
			report.Helpdesk = "ok"
			if n, ok := sync.RemainingFromHeader(res.Header); ok {
				report.RateLimitRemaining = &n
			}
		}
		if report.Helpdesk != "ok" {
			report.Status = "unhealthy"
			status = http.StatusServiceUnavailable
		}
	}

	if !showDetail {
		report = healthReport{Status: report.Status}
	}
	writeJSON(w, status, report)
}
