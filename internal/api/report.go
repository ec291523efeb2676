package api

import (
	"bytes"
	"fmt"
	"net/http"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/trackside/speedcal/internal/httputil"
	"github.com/trackside/speedcal/internal/pulltest"
)

// renderPullReport renders the pull curve for one test as a standalone HTML
// chart: drawbar pull in grams against the commanded speed step, with the
// vibration RMS overlaid. With ?id= it charts a stored test; without, the
// live (possibly partial) table.
func (s *Server) renderPullReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	var entries []pulltest.Entry
	title := "Pull Test (live)"
	if id := r.URL.Query().Get("id"); id != "" {
		if s.store == nil {
			httputil.InternalServerError(w, "no measurement store configured")
			return
		}
		sum, stored, err := s.store.GetPullTest(id)
		if err != nil {
			httputil.NotFound(w, "no such pull test")
			return
		}
		entries = stored
		title = fmt.Sprintf("Pull Test %s (peak %.1fg at step %d)", sum.ID, sum.PeakGrams, sum.PeakStep)
	} else {
		entries = s.bench.PullResults().Entries
	}

	if len(entries) == 0 {
		httputil.NotFound(w, "no pull test entries to chart")
		return
	}

	steps := make([]int, 0, len(entries))
	pull := make([]opts.LineData, 0, len(entries))
	vib := make([]opts.LineData, 0, len(entries))
	for _, e := range entries {
		steps = append(steps, e.Step)
		pull = append(pull, opts.LineData{Value: e.PullGrams})
		vib = append(vib, opts.LineData{Value: e.VibRMS})
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Pull Curve", Width: "1000px", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{Title: title, Subtitle: fmt.Sprintf("%d steps recorded", len(entries))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "speed step"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "pull (g)"}),
	)
	line.SetXAxis(steps)
	line.AddSeries("drawbar pull", pull, charts.WithLineChartOpts(opts.LineChart{Smooth: opts.Bool(true)}))
	line.AddSeries("vibration rms", vib)

	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
