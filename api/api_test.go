package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/gridx/gridx/build"
	"github.com/gridx/gridx/jobstore"
	"github.com/gridx/gridx/ledger"
	"github.com/gridx/gridx/modules"
	"github.com/gridx/gridx/registry"
	"github.com/gridx/gridx/scheduler"
	"github.com/gridx/gridx/storage"
)

type fakeSender struct{}

func (f *fakeSender) SendAssign(workerID string, job modules.Job) error { return nil }
func (f *fakeSender) SendCancel(workerID, jobID, reason string) error  { return nil }

func newTestAPI(t *testing.T) (*API, *ledger.Ledger) {
	t.Helper()
	dir := t.TempDir()
	st, err := storage.Open(filepath.Join(dir, "gridx.db"), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	l := ledger.New(st, zap.NewNop())
	js := jobstore.New(st)
	reg := registry.New(zap.NewNop())
	cfg := build.DefaultConfig()
	sched := scheduler.New(l, js, reg, cfg, zap.NewNop())
	sched.SetSender(&fakeSender{})

	return New(l, js, reg, sched, cfg, zap.NewNop()), l
}

func doRequest(t *testing.T, srv *httptest.Server, method, path, user, pass string, body interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, srv.URL+path, &buf)
	if err != nil {
		t.Fatal(err)
	}
	if user != "" {
		req.SetBasicAuth(user, pass)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestHealthEndpoint(t *testing.T) {
	a, _ := newTestAPI(t)
	srv := httptest.NewServer(a)
	defer srv.Close()

	resp := doRequest(t, srv, http.MethodGet, "/health", "", "", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestSubmitJobRequiresAuth(t *testing.T) {
	a, _ := newTestAPI(t)
	srv := httptest.NewServer(a)
	defer srv.Close()

	resp := doRequest(t, srv, http.MethodPost, "/jobs", "", "", SubmitJobRequest{Language: "python", Code: "print(1)"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", resp.StatusCode)
	}
}

func TestSubmitAndGetJob(t *testing.T) {
	a, l := newTestAPI(t)
	srv := httptest.NewServer(a)
	defer srv.Close()

	resp := doRequest(t, srv, http.MethodPost, "/jobs", "alice", "s3cret", SubmitJobRequest{Language: "python", Code: "print(1)"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	var submitResp SubmitJobResponse
	if err := json.NewDecoder(resp.Body).Decode(&submitResp); err != nil {
		t.Fatal(err)
	}
	if !modules.ValidUUIDv4(submitResp.JobID) {
		t.Fatalf("expected a valid job id, got %q", submitResp.JobID)
	}

	acc, err := l.Balance("alice")
	if err != nil {
		t.Fatal(err)
	}
	cfg := build.DefaultConfig()
	if acc.BalanceMinor != cfg.StartingBalance-cfg.JobCost {
		t.Fatalf("expected submission to debit job cost, got balance %d", acc.BalanceMinor)
	}

	getResp := doRequest(t, srv, http.MethodGet, "/jobs/"+submitResp.JobID, "alice", "s3cret", nil)
	defer getResp.Body.Close()
	if getResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 fetching own job, got %d", getResp.StatusCode)
	}

	otherResp := doRequest(t, srv, http.MethodGet, "/jobs/"+submitResp.JobID, "bob", "other-secret", nil)
	defer otherResp.Body.Close()
	if otherResp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 fetching someone else's job, got %d", otherResp.StatusCode)
	}
}

func TestSubmitRejectsUnsupportedLanguage(t *testing.T) {
	a, _ := newTestAPI(t)
	srv := httptest.NewServer(a)
	defer srv.Close()

	resp := doRequest(t, srv, http.MethodPost, "/jobs", "alice", "s3cret", SubmitJobRequest{Language: "cobol", Code: "prog"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unsupported language, got %d", resp.StatusCode)
	}
}

func TestCreditsRequiresMatchingAccount(t *testing.T) {
	a, _ := newTestAPI(t)
	srv := httptest.NewServer(a)
	defer srv.Close()

	resp := doRequest(t, srv, http.MethodGet, "/credits/bob", "alice", "s3cret", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 querying another account's credits, got %d", resp.StatusCode)
	}

	ownResp := doRequest(t, srv, http.MethodGet, "/credits/alice", "alice", "s3cret", nil)
	defer ownResp.Body.Close()
	if ownResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 querying own credits, got %d", ownResp.StatusCode)
	}
	var creditsResp CreditsGET
	if err := json.NewDecoder(ownResp.Body).Decode(&creditsResp); err != nil {
		t.Fatal(err)
	}
	if creditsResp.AccountID != "alice" {
		t.Fatalf("expected alice's account, got %+v", creditsResp)
	}
}

func TestListWorkers(t *testing.T) {
	a, _ := newTestAPI(t)
	srv := httptest.NewServer(a)
	defer srv.Close()

	resp := doRequest(t, srv, http.MethodGet, "/workers", "", "", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var workers []modules.WorkerInfo
	if err := json.NewDecoder(resp.Body).Decode(&workers); err != nil {
		t.Fatal(err)
	}
	if len(workers) != 0 {
		t.Fatalf("expected no workers registered, got %d", len(workers))
	}
}
