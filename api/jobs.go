package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/gridx/gridx/jobstore"
	"github.com/gridx/gridx/modules"
)

// SubmitJobRequest is the POST /jobs request body.
type SubmitJobRequest struct {
	Language string             `json:"language"`
	Code     string             `json:"code"`
	Limits   *modules.JobLimits `json:"limits,omitempty"`
}

// SubmitJobResponse is the POST /jobs response body.
type SubmitJobResponse struct {
	JobID string `json:"job_id"`
}

func (a *API) submitJobHandler(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	accountID, err := authenticate(req, a.ledger, a.cfg.StartingBalance)
	if err != nil {
		writeKindedError(w, err)
		return
	}

	var body SubmitJobRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, a.cfg.MaxCodeLength+4096)).Decode(&body); err != nil {
		writeKindedError(w, modules.NewKindedError(modules.ErrKindInvalidInput, err, "decoding request body"))
		return
	}
	if int64(len(body.Code)) > a.cfg.MaxCodeLength {
		writeKindedError(w, modules.NewKindedError(modules.ErrKindInvalidInput, errCodeTooLarge, ""))
		return
	}
	if !a.languageSupported(body.Language) {
		writeKindedError(w, modules.NewKindedError(modules.ErrKindInvalidInput, errUnsupportedLanguage, body.Language))
		return
	}

	limits := modules.JobLimits{
		WallTimeoutSeconds: uint32(a.cfg.DefaultTimeout.Seconds()),
	}
	if body.Limits != nil {
		limits = *body.Limits
		if limits.WallTimeoutSeconds == 0 {
			limits.WallTimeoutSeconds = uint32(a.cfg.DefaultTimeout.Seconds())
		}
	}

	job := modules.Job{
		ID:        modules.NewUUID(),
		Submitter: accountID,
		Code:      body.Code,
		Language:  body.Language,
		Limits:    limits,
		State:     modules.JobQueued,
		CreatedAt: time.Now(),
	}

	uow, err := a.ledger.BeginUnitOfWork()
	if err != nil {
		writeKindedError(w, err)
		return
	}
	if err := jobstore.CreateTx(uow.Tx(), job); err != nil {
		uow.Fail(err)
	}
	if err := uow.Debit(accountID, a.cfg.JobCost, job.ID); err != nil {
		// Fail is already recorded by Debit; nothing further to do here.
	}
	if err := uow.Commit(); err != nil {
		writeKindedError(w, err)
		return
	}

	a.sched.Enqueue(job.ID)
	w.WriteHeader(http.StatusAccepted)
	WriteJSON(w, SubmitJobResponse{JobID: job.ID})
}

func (a *API) languageSupported(lang string) bool {
	for _, l := range a.cfg.SupportedLanguages {
		if l == lang {
			return true
		}
	}
	return false
}

func (a *API) getJobHandler(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
	accountID, err := authenticate(req, a.ledger, a.cfg.StartingBalance)
	if err != nil {
		writeKindedError(w, err)
		return
	}
	id := ps.ByName("id")
	if !modules.ValidUUIDv4(id) {
		writeKindedError(w, modules.NewKindedError(modules.ErrKindInvalidInput, errInvalidJobID, ""))
		return
	}
	job, err := a.jobs.Get(id)
	if err != nil {
		writeKindedError(w, modules.NewKindedError(modules.ErrKindNotFound, err, ""))
		return
	}
	if job.Submitter != accountID {
		// Do not distinguish "not yours" from "does not exist".
		writeKindedError(w, modules.NewKindedError(modules.ErrKindNotFound, errJobNotFound, ""))
		return
	}
	WriteJSON(w, job)
}

func (a *API) listJobsHandler(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	accountID, err := authenticate(req, a.ledger, a.cfg.StartingBalance)
	if err != nil {
		writeKindedError(w, err)
		return
	}
	jobs, err := a.jobs.ListBySubmitter(accountID)
	if err != nil {
		writeKindedError(w, err)
		return
	}
	WriteJSON(w, jobs)
}

var (
	errCodeTooLarge        = httpErr("submitted code exceeds the maximum allowed length")
	errUnsupportedLanguage = httpErr("unsupported language")
	errInvalidJobID        = httpErr("invalid job id")
	errJobNotFound         = httpErr("job not found")
)
