// Package api implements the Submission API: the request/response HTTP
// surface submitters use to submit jobs, poll their status, and check
// balances.
package api

import (
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"

	"github.com/gridx/gridx/build"
	"github.com/gridx/gridx/jobstore"
	"github.com/gridx/gridx/ledger"
	"github.com/gridx/gridx/registry"
	"github.com/gridx/gridx/scheduler"
)

// API is the Submission API's HTTP surface.
type API struct {
	ledger *ledger.Ledger
	jobs   *jobstore.Store
	reg    *registry.Registry
	sched  *scheduler.Scheduler
	cfg    build.Config
	log    *zap.Logger
	router *httprouter.Router
}

// New constructs an API and wires its routes.
func New(l *ledger.Ledger, js *jobstore.Store, reg *registry.Registry, sched *scheduler.Scheduler, cfg build.Config, log *zap.Logger) *API {
	a := &API{
		ledger: l,
		jobs:   js,
		reg:    reg,
		sched:  sched,
		cfg:    cfg,
		log:    log.Named("api"),
	}
	a.buildRoutes()
	return a
}

// ServeHTTP implements http.Handler.
func (a *API) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	a.router.ServeHTTP(w, req)
}

func (a *API) buildRoutes() {
	router := httprouter.New()
	router.RedirectTrailingSlash = false
	router.NotFound = http.HandlerFunc(a.notFoundHandler)

	router.POST("/jobs", a.submitJobHandler)
	router.GET("/jobs/:id", a.getJobHandler)
	router.GET("/jobs", a.listJobsHandler)
	router.GET("/workers", a.listWorkersHandler)
	router.GET("/credits/:id", a.getCreditsHandler)
	router.GET("/health", a.healthHandler)

	a.router = router
}

func (a *API) notFoundHandler(w http.ResponseWriter, req *http.Request) {
	WriteError(w, Error{Message: "unrecognized call: " + req.URL.Path}, http.StatusNotFound)
}

func (a *API) healthHandler(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	WriteJSON(w, HealthGET{Status: "healthy", Timestamp: time.Now().UTC()})
}

// HealthGET is the response body for GET /health.
type HealthGET struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"ts"`
}
