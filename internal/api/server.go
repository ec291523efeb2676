// Package api serves the bench HTTP surface: status and control endpoints,
// stored measurement queries, and the pull-curve report.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/trackside/speedcal/internal/bench"
	"github.com/trackside/speedcal/internal/config"
	"github.com/trackside/speedcal/internal/db"
	"github.com/trackside/speedcal/internal/httputil"
	"github.com/trackside/speedcal/internal/monitoring"
	"github.com/trackside/speedcal/internal/pulltest"
)

// ANSI escape codes for request logging
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// Controller is what the API needs from the bench. Satisfied by
// *bench.Bench.
type Controller interface {
	Arm() error
	Disarm()
	Status() bench.Snapshot
	LastPass() (*bench.PassResult, bool)
	StartPullTest(stepInc int, settle time.Duration) error
	AbortPullTest()
	PullProgress() pulltest.Progress
	PullResults() pulltest.Results
	AcquireThrottle(address int, long bool) error
	ReleaseThrottle() error
}

// Store is the query side of the measurement database. Satisfied by *db.DB.
type Store interface {
	Passes(limit int) ([]db.Pass, error)
	PullTests(limit int) ([]db.PullTestSummary, error)
	GetPullTest(id string) (*db.PullTestSummary, []pulltest.Entry, error)
}

type Server struct {
	bench Controller
	store Store
	cfg   *config.BenchConfig
}

func NewServer(b Controller, store Store, cfg *config.BenchConfig) *Server {
	if cfg == nil {
		cfg = config.EmptyBenchConfig()
	}
	return &Server{bench: b, store: store, cfg: cfg}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	default:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	}
}

// LoggingMiddleware logs method, path, status, and duration.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.showStatus)
	mux.HandleFunc("/api/arm", s.armDetector)
	mux.HandleFunc("/api/disarm", s.disarmDetector)
	mux.HandleFunc("/api/result", s.showLastPass)
	mux.HandleFunc("/api/passes", s.listPasses)
	mux.HandleFunc("/api/throttle/acquire", s.acquireThrottle)
	mux.HandleFunc("/api/throttle/release", s.releaseThrottle)
	mux.HandleFunc("/api/pulltest", s.handlePullTest)
	mux.HandleFunc("/api/pulltest/abort", s.abortPullTest)
	mux.HandleFunc("/api/pulltest/results", s.showPullResults)
	mux.HandleFunc("/api/pulltest/report", s.renderPullReport)
	mux.HandleFunc("/api/pulltests", s.listPullTests)
	mux.HandleFunc("/api/config", s.showConfig)
	return mux
}

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, s.bench.Status())
}

func (s *Server) armDetector(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	if err := s.bench.Arm(); err != nil {
		httputil.Conflict(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, s.bench.Status())
}

func (s *Server) disarmDetector(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	s.bench.Disarm()
	httputil.WriteJSONOK(w, s.bench.Status())
}

func (s *Server) showLastPass(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	pass, ok := s.bench.LastPass()
	if !ok {
		httputil.NotFound(w, "no pass recorded yet")
		return
	}
	httputil.WriteJSONOK(w, pass)
}

func (s *Server) listPasses(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.store == nil {
		httputil.InternalServerError(w, "no measurement store configured")
		return
	}

	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil && v > 0 {
			limit = v
		}
	}

	passes, err := s.store.Passes(limit)
	if err != nil {
		httputil.InternalServerError(w, "failed to query passes")
		return
	}
	if passes == nil {
		passes = []db.Pass{}
	}
	httputil.WriteJSONOK(w, passes)
}

type acquireRequest struct {
	Address int  `json:"address"`
	Long    bool `json:"long"`
}

func (s *Server) acquireThrottle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var req acquireRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.BadRequest(w, "invalid request body")
		return
	}
	if req.Address <= 0 {
		httputil.BadRequest(w, "address must be positive")
		return
	}
	if err := s.bench.AcquireThrottle(req.Address, req.Long); err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, map[string]interface{}{"requested": req.Address})
}

func (s *Server) releaseThrottle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	if err := s.bench.ReleaseThrottle(); err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, map[string]string{"status": "released"})
}

type pullTestRequest struct {
	StepIncrement int   `json:"step_increment"`
	SettleMs      int64 `json:"settle_ms"`
}

// handlePullTest starts a test on POST and reports live progress on GET.
func (s *Server) handlePullTest(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		httputil.WriteJSONOK(w, s.bench.PullProgress())

	case http.MethodPost:
		var req pullTestRequest
		if r.Body != nil {
			// An empty body selects the configured defaults.
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
				httputil.BadRequest(w, "invalid request body")
				return
			}
		}
		err := s.bench.StartPullTest(req.StepIncrement, time.Duration(req.SettleMs)*time.Millisecond)
		switch {
		case err == nil:
			httputil.WriteJSONOK(w, s.bench.PullProgress())
		case errors.Is(err, pulltest.ErrAlreadyRunning):
			httputil.Conflict(w, err.Error())
		default:
			httputil.BadRequest(w, err.Error())
		}

	default:
		httputil.MethodNotAllowed(w)
	}
}

func (s *Server) abortPullTest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	s.bench.AbortPullTest()
	httputil.WriteJSONOK(w, s.bench.PullProgress())
}

func (s *Server) showPullResults(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, s.bench.PullResults())
}

// listPullTests returns stored tests, or one full test when ?id= is given.
func (s *Server) listPullTests(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.store == nil {
		httputil.InternalServerError(w, "no measurement store configured")
		return
	}

	if id := r.URL.Query().Get("id"); id != "" {
		sum, entries, err := s.store.GetPullTest(id)
		if err != nil {
			httputil.NotFound(w, "no such pull test")
			return
		}
		httputil.WriteJSONOK(w, map[string]interface{}{
			"summary": sum,
			"entries": entries,
		})
		return
	}

	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil && v > 0 {
			limit = v
		}
	}
	tests, err := s.store.PullTests(limit)
	if err != nil {
		httputil.InternalServerError(w, "failed to query pull tests")
		return
	}
	if tests == nil {
		tests = []db.PullTestSummary{}
	}
	httputil.WriteJSONOK(w, tests)
}

func (s *Server) showConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, s.cfg)
}
