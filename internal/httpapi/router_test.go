package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/SirClappington/planb/internal/domain"
	"github.com/SirClappington/planb/internal/job"
	"github.com/SirClappington/planb/internal/scheduler"
	"github.com/SirClappington/planb/internal/storage"
)

type fakeJobs struct {
	mu        sync.Mutex
	recs      []domain.JobRecord
	submitted []scheduler.SubmitRequest
}

func (f *fakeJobs) Submit(_ context.Context, req scheduler.SubmitRequest) (domain.JobRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if req.AppID != "wc-1.0" {
		return domain.JobRecord{}, &job.ConfigurationError{JobID: "planb-x", AppID: req.AppID, Err: errors.New("unknown application")}
	}
	f.submitted = append(f.submitted, req)
	in, ps, err := job.Encode(req.Inputs, req.Parameters)
	if err != nil {
		return domain.JobRecord{}, err
	}
	rec := domain.JobRecord{
		ID:         "planb-1",
		Owner:      req.Owner,
		Token:      req.Token,
		AppID:      req.AppID,
		Name:       req.Name,
		Status:     domain.StatusCreated,
		Inputs:     in,
		Parameters: ps,
		CreatedAt:  time.Now().UTC(),
	}
	f.recs = append(f.recs, rec)
	return rec, nil
}

func (f *fakeJobs) GetJob(_ context.Context, id, username string) (domain.JobRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rec := range f.recs {
		if rec.ID == id && rec.Owner == username {
			return rec, nil
		}
	}
	return domain.JobRecord{}, storage.ErrJobNotFound
}

func (f *fakeJobs) GetJobs(_ context.Context, username string) ([]domain.JobRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.JobRecord
	for _, rec := range f.recs {
		if rec.Owner == username {
			out = append(out, rec)
		}
	}
	return out, nil
}

type apiHarness struct {
	server *httptest.Server
	jobs   *fakeJobs
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	jobs := &fakeJobs{}
	srv := httptest.NewServer(NewRouter(jobs, zaptest.NewLogger(t)))
	t.Cleanup(srv.Close)
	return &apiHarness{server: srv, jobs: jobs}
}

func (h *apiHarness) do(t *testing.T, method, path, user string, payload any) (*http.Response, []byte) {
	t.Helper()
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, h.server.URL+path, body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if user != "" {
		req.Header.Set(UserHeader, user)
		req.Header.Set("Authorization", "Bearer tok-"+user)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, data
}

func TestSubmitAndFetchJob(t *testing.T) {
	t.Parallel()
	h := newAPIHarness(t)

	resp, data := h.do(t, http.MethodPost, "/v1/jobs", "alice", map[string]any{
		"name":       "count",
		"appId":      "wc-1.0",
		"inputs":     map[string]any{"IN": "/alice/a.txt"},
		"parameters": map[string]any{"LINES": true},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("submit status = %d: %s", resp.StatusCode, data)
	}
	if strings.Contains(string(data), "tok-alice") {
		t.Fatalf("job view leaked the token: %s", data)
	}
	var view jobView
	if err := json.Unmarshal(data, &view); err != nil {
		t.Fatalf("decode view: %v", err)
	}
	if view.ID != "planb-1" || view.Owner != "alice" || view.Status != domain.StatusCreated {
		t.Fatalf("unexpected view %+v", view)
	}

	sub := h.jobs.submitted[0]
	if sub.Token != "tok-alice" || len(sub.Inputs["IN"]) != 1 || sub.Parameters["LINES"] != true {
		t.Fatalf("unexpected submit request %+v", sub)
	}

	resp, data = h.do(t, http.MethodGet, "/v1/jobs/planb-1", "alice", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d: %s", resp.StatusCode, data)
	}
	resp, _ = h.do(t, http.MethodGet, "/v1/jobs/planb-1", "bob", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("other user get status = %d, want 404", resp.StatusCode)
	}

	resp, data = h.do(t, http.MethodGet, "/v1/jobs", "alice", nil)
	var views []jobView
	if err := json.Unmarshal(data, &views); err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("list: %d %v", resp.StatusCode, err)
	}
	if len(views) != 1 {
		t.Fatalf("expected one job, got %d", len(views))
	}
}

func TestSubmitRejectsConfigurationError(t *testing.T) {
	t.Parallel()
	h := newAPIHarness(t)

	resp, data := h.do(t, http.MethodPost, "/v1/jobs", "alice", map[string]any{"appId": "nope"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %s", resp.StatusCode, data)
	}
}

func TestSubmitRejectsMalformedBody(t *testing.T) {
	t.Parallel()
	h := newAPIHarness(t)

	resp, _ := h.do(t, http.MethodPost, "/v1/jobs", "alice", map[string]any{
		"appId":  "wc-1.0",
		"inputs": map[string]any{"IN": 42},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestJobsRequireCaller(t *testing.T) {
	t.Parallel()
	h := newAPIHarness(t)

	for _, path := range []string{"/v1/jobs", "/v1/jobs/planb-1"} {
		resp, _ := h.do(t, http.MethodGet, path, "", nil)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("GET %s without caller = %d, want 401", path, resp.StatusCode)
		}
	}
}

func TestHealthAndMetrics(t *testing.T) {
	t.Parallel()
	h := newAPIHarness(t)

	if resp, _ := h.do(t, http.MethodGet, "/healthz", "", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz = %d", resp.StatusCode)
	}
	resp, data := h.do(t, http.MethodGet, "/metrics", "", nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(data), "go_goroutines") {
		t.Fatalf("metrics = %d", resp.StatusCode)
	}
}
