package api

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/trackside/speedcal/internal/bench"
	"github.com/trackside/speedcal/internal/config"
	"github.com/trackside/speedcal/internal/db"
	"github.com/trackside/speedcal/internal/pulltest"
	"github.com/trackside/speedcal/internal/speed"
)

type fakeController struct {
	armErr     error
	armed      bool
	lastPass   *bench.PassResult
	startErr   error
	started    []pullStart
	aborted    bool
	progress   pulltest.Progress
	results    pulltest.Results
	acquireErr error
	acquired   []int
}

type pullStart struct {
	inc    int
	settle time.Duration
}

func (f *fakeController) Arm() error {
	if f.armErr != nil {
		return f.armErr
	}
	f.armed = true
	return nil
}

func (f *fakeController) Disarm() { f.armed = false }

func (f *fakeController) Status() bench.Snapshot {
	state := "idle"
	if f.armed {
		state = "armed"
	}
	return bench.Snapshot{DetectorState: state, SensorCount: 4, Units: "mph"}
}

func (f *fakeController) LastPass() (*bench.PassResult, bool) {
	if f.lastPass == nil {
		return nil, false
	}
	return f.lastPass, true
}

func (f *fakeController) StartPullTest(inc int, settle time.Duration) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.started = append(f.started, pullStart{inc, settle})
	return nil
}

func (f *fakeController) AbortPullTest()                  { f.aborted = true }
func (f *fakeController) PullProgress() pulltest.Progress { return f.progress }
func (f *fakeController) PullResults() pulltest.Results   { return f.results }
func (f *fakeController) ReleaseThrottle() error          { return nil }

func (f *fakeController) AcquireThrottle(a int, l bool) error {
	if f.acquireErr != nil {
		return f.acquireErr
	}
	f.acquired = append(f.acquired, a)
	return nil
}

type fakeStore struct {
	passes  []db.Pass
	tests   []db.PullTestSummary
	entries []pulltest.Entry
}

func (f *fakeStore) Passes(limit int) ([]db.Pass, error) {
	if limit < len(f.passes) {
		return f.passes[:limit], nil
	}
	return f.passes, nil
}

func (f *fakeStore) PullTests(limit int) ([]db.PullTestSummary, error) {
	return f.tests, nil
}

func (f *fakeStore) GetPullTest(id string) (*db.PullTestSummary, []pulltest.Entry, error) {
	for i := range f.tests {
		if f.tests[i].ID == id {
			return &f.tests[i], f.entries, nil
		}
	}
	return nil, nil, sql.ErrNoRows
}

func newTestServer() (*Server, *fakeController, *fakeStore) {
	ctrl := &fakeController{}
	store := &fakeStore{}
	return NewServer(ctrl, store, config.EmptyBenchConfig()), ctrl, store
}

func doRequest(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	s.ServeMux().ServeHTTP(rec, req)
	return rec
}

func TestStatusEndpoint(t *testing.T) {
	s, _, _ := newTestServer()

	rec := doRequest(t, s, http.MethodGet, "/api/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var snap bench.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatal(err)
	}
	if snap.DetectorState != "idle" || snap.SensorCount != 4 {
		t.Errorf("snapshot = %+v", snap)
	}

	if rec := doRequest(t, s, http.MethodPost, "/api/status", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST status = %d, want 405", rec.Code)
	}
}

func TestArmDisarm(t *testing.T) {
	s, ctrl, _ := newTestServer()

	if rec := doRequest(t, s, http.MethodPost, "/api/arm", ""); rec.Code != http.StatusOK {
		t.Fatalf("arm status = %d", rec.Code)
	}
	if !ctrl.armed {
		t.Error("controller not armed")
	}

	if rec := doRequest(t, s, http.MethodPost, "/api/disarm", ""); rec.Code != http.StatusOK {
		t.Fatalf("disarm status = %d", rec.Code)
	}
	if ctrl.armed {
		t.Error("controller still armed")
	}

	if rec := doRequest(t, s, http.MethodGet, "/api/arm", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET arm = %d, want 405", rec.Code)
	}
}

func TestArmRefusedByInterlock(t *testing.T) {
	s, ctrl, _ := newTestServer()
	ctrl.armErr = pulltest.ErrInterlockBlocked

	rec := doRequest(t, s, http.MethodPost, "/api/arm", "")
	if rec.Code != http.StatusConflict {
		t.Errorf("arm status = %d, want 409", rec.Code)
	}
}

func TestLastPassEndpoint(t *testing.T) {
	s, ctrl, _ := newTestServer()

	if rec := doRequest(t, s, http.MethodGet, "/api/result", ""); rec.Code != http.StatusNotFound {
		t.Errorf("result with no pass = %d, want 404", rec.Code)
	}

	ctrl.lastPass = &bench.PassResult{
		Direction: "forward",
		Speed:     &speed.Result{AvgScaleMPH: 140.6},
	}
	rec := doRequest(t, s, http.MethodGet, "/api/result", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("result = %d", rec.Code)
	}
	var pass bench.PassResult
	if err := json.Unmarshal(rec.Body.Bytes(), &pass); err != nil {
		t.Fatal(err)
	}
	if pass.Direction != "forward" || pass.Speed.AvgScaleMPH != 140.6 {
		t.Errorf("pass = %+v", pass)
	}
}

func TestListPasses(t *testing.T) {
	s, _, store := newTestServer()
	store.passes = []db.Pass{{ID: "a"}, {ID: "b"}, {ID: "c"}}

	rec := doRequest(t, s, http.MethodGet, "/api/passes?limit=2", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("passes = %d", rec.Code)
	}
	var passes []db.Pass
	if err := json.Unmarshal(rec.Body.Bytes(), &passes); err != nil {
		t.Fatal(err)
	}
	if len(passes) != 2 {
		t.Errorf("got %d passes, want 2", len(passes))
	}
}

func TestListPassesEmptyIsArray(t *testing.T) {
	s, _, _ := newTestServer()

	rec := doRequest(t, s, http.MethodGet, "/api/passes", "")
	if body := strings.TrimSpace(rec.Body.String()); body != "[]" {
		t.Errorf("body = %q, want []", body)
	}
}

func TestPullTestStart(t *testing.T) {
	s, ctrl, _ := newTestServer()

	rec := doRequest(t, s, http.MethodPost, "/api/pulltest", `{"step_increment":10,"settle_ms":2000}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("start = %d: %s", rec.Code, rec.Body.String())
	}
	if len(ctrl.started) != 1 {
		t.Fatalf("started %d tests", len(ctrl.started))
	}
	if ctrl.started[0].inc != 10 || ctrl.started[0].settle != 2*time.Second {
		t.Errorf("start args = %+v", ctrl.started[0])
	}
}

func TestPullTestStartEmptyBodyUsesDefaults(t *testing.T) {
	s, ctrl, _ := newTestServer()

	rec := doRequest(t, s, http.MethodPost, "/api/pulltest", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("start = %d: %s", rec.Code, rec.Body.String())
	}
	if len(ctrl.started) != 1 || ctrl.started[0].inc != 0 {
		t.Errorf("started = %+v", ctrl.started)
	}
}

func TestPullTestStartConflicts(t *testing.T) {
	s, ctrl, _ := newTestServer()

	ctrl.startErr = pulltest.ErrAlreadyRunning
	if rec := doRequest(t, s, http.MethodPost, "/api/pulltest", "{}"); rec.Code != http.StatusConflict {
		t.Errorf("already running = %d, want 409", rec.Code)
	}

	ctrl.startErr = pulltest.ErrLoadCellNotReady
	if rec := doRequest(t, s, http.MethodPost, "/api/pulltest", "{}"); rec.Code != http.StatusBadRequest {
		t.Errorf("load not ready = %d, want 400", rec.Code)
	}
}

func TestPullTestProgressAndAbort(t *testing.T) {
	s, ctrl, _ := newTestServer()
	ctrl.progress = pulltest.Progress{Running: true, State: "settling", Step: 25}

	rec := doRequest(t, s, http.MethodGet, "/api/pulltest", "")
	var prog pulltest.Progress
	if err := json.Unmarshal(rec.Body.Bytes(), &prog); err != nil {
		t.Fatal(err)
	}
	if !prog.Running || prog.Step != 25 {
		t.Errorf("progress = %+v", prog)
	}

	if rec := doRequest(t, s, http.MethodPost, "/api/pulltest/abort", ""); rec.Code != http.StatusOK {
		t.Fatalf("abort = %d", rec.Code)
	}
	if !ctrl.aborted {
		t.Error("abort not forwarded")
	}
}

func TestStoredPullTestLookup(t *testing.T) {
	s, _, store := newTestServer()
	store.tests = []db.PullTestSummary{{ID: "t1", PeakGrams: 99.5}}
	store.entries = []pulltest.Entry{{Step: 5, PullGrams: 10}}

	rec := doRequest(t, s, http.MethodGet, "/api/pulltests?id=t1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("lookup = %d", rec.Code)
	}
	var body struct {
		Summary db.PullTestSummary `json:"summary"`
		Entries []pulltest.Entry   `json:"entries"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Summary.PeakGrams != 99.5 || len(body.Entries) != 1 {
		t.Errorf("body = %+v", body)
	}

	if rec := doRequest(t, s, http.MethodGet, "/api/pulltests?id=zzz", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown id = %d, want 404", rec.Code)
	}
}

func TestAcquireThrottle(t *testing.T) {
	s, ctrl, _ := newTestServer()

	rec := doRequest(t, s, http.MethodPost, "/api/throttle/acquire", `{"address":4449,"long":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("acquire = %d", rec.Code)
	}
	if len(ctrl.acquired) != 1 || ctrl.acquired[0] != 4449 {
		t.Errorf("acquired = %v", ctrl.acquired)
	}

	if rec := doRequest(t, s, http.MethodPost, "/api/throttle/acquire", `{"address":0}`); rec.Code != http.StatusBadRequest {
		t.Errorf("zero address = %d, want 400", rec.Code)
	}
	if rec := doRequest(t, s, http.MethodPost, "/api/throttle/acquire", `not json`); rec.Code != http.StatusBadRequest {
		t.Errorf("bad body = %d, want 400", rec.Code)
	}
}

func TestPullReportRendersChart(t *testing.T) {
	s, ctrl, store := newTestServer()

	// No entries anywhere: 404.
	if rec := doRequest(t, s, http.MethodGet, "/api/pulltest/report", ""); rec.Code != http.StatusNotFound {
		t.Errorf("empty report = %d, want 404", rec.Code)
	}

	ctrl.results = pulltest.Results{Entries: []pulltest.Entry{
		{Step: 5, PullGrams: 12.5, VibRMS: 3.2},
		{Step: 10, PullGrams: 24.0, VibRMS: 4.8},
	}}
	rec := doRequest(t, s, http.MethodGet, "/api/pulltest/report", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("live report = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.Contains(ct, "text/html") {
		t.Errorf("content type = %q", ct)
	}
	if !strings.Contains(rec.Body.String(), "drawbar pull") {
		t.Error("chart body missing pull series")
	}

	store.tests = []db.PullTestSummary{{ID: "t1", PeakGrams: 50, PeakStep: 10}}
	store.entries = ctrl.results.Entries
	if rec := doRequest(t, s, http.MethodGet, "/api/pulltest/report?id=t1", ""); rec.Code != http.StatusOK {
		t.Errorf("stored report = %d", rec.Code)
	}
}

func TestConfigEndpoint(t *testing.T) {
	s, _, _ := newTestServer()

	rec := doRequest(t, s, http.MethodGet, "/api/config", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("config = %d", rec.Code)
	}
	var cfg config.BenchConfig
	if err := json.Unmarshal(rec.Body.Bytes(), &cfg); err != nil {
		t.Fatal(err)
	}
}
