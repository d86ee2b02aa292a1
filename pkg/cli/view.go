package cli

import (
	"database/sql"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"math"
	"net/http"

	"github.com/mchmarny/txguard/pkg/data"
	"github.com/mchmarny/txguard/pkg/detector"
	"github.com/mchmarny/txguard/pkg/schema"
	"github.com/mchmarny/txguard/pkg/scoring"
)

const (
	colorSuspect = "#FF4B4B"
	colorNormal  = "#0068C9"

	uploadFormField = "file"
	uploadMaxBytes  = 256 << 20
	uploadMemBytes  = 32 << 20

	previewRows      = 5
	suspectListLimit = 1000

	chartWidth   = 800
	chartHeight  = 480
	chartPadding = 56
	chartRadius  = 2.5
)

var viewFuncs = template.FuncMap{
	"num":  func(v float64) string { return fmt.Sprintf("%.2f", v) },
	"px":   func(v float64) string { return fmt.Sprintf("%.1f", v) },
	"sub":  func(a, b int) int { return a - b },
	"half": func(a int) int { return a / 2 },
	"dict": dict,
}

func dict(kv ...any) (map[string]any, error) {
	if len(kv)%2 != 0 {
		return nil, errors.New("dict requires key value pairs")
	}
	m := make(map[string]any, len(kv)/2)
	for i := 0; i < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			return nil, fmt.Errorf("dict key %v is not a string", kv[i])
		}
		m[k] = kv[i+1]
	}
	return m, nil
}

type chartPoint struct {
	X     float64
	Y     float64
	Color string
	Title string
}

type scatterChart struct {
	Width   int
	Height  int
	Padding int
	Radius  float64
	XLabel  string
	YLabel  string
	XMin    float64
	XMax    float64
	YMin    float64
	YMax    float64
	Points  []chartPoint
}

type legendItem struct {
	Color string
	Label string
	Count int
}

type dashboard struct {
	Version     string
	PairID      string
	Err         string
	FileName    string
	Result      *scoring.BatchResult
	Preview     [][]string
	Suspects    []scoring.ScoredRow
	MoreSuspect int
	Chart       *scatterChart
	Legend      []legendItem
}

func faviconHandler(w http.ResponseWriter, r *http.Request) {
	file, err := embedFS.ReadFile("assets/img/favicon.svg")
	if err != nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "image/svg+xml")
	if _, err = w.Write(file); err != nil {
		slog.Error("failed to write favicon", "error", err)
	}
}

func homeViewHandler(tmpl *template.Template, svc *scoring.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		renderDashboard(w, tmpl, http.StatusOK, newDashboard(svc))
	}
}

func uploadViewHandler(tmpl *template.Template, svc *scoring.Service, db *sql.DB, opt scoring.BatchOptions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d := newDashboard(svc)
		r.Body = http.MaxBytesReader(w, r.Body, uploadMaxBytes)

		if err := r.ParseMultipartForm(uploadMemBytes); err != nil {
			d.Err = fmt.Sprintf("invalid upload: %v", err)
			renderDashboard(w, tmpl, http.StatusBadRequest, d)
			return
		}

		file, hdr, err := r.FormFile(uploadFormField)
		if err != nil {
			d.Err = "choose a CSV file to upload"
			renderDashboard(w, tmpl, http.StatusBadRequest, d)
			return
		}
		defer file.Close()
		d.FileName = hdr.Filename

		tbl, err := schema.ReadCSV(file)
		if err != nil {
			d.Err = fmt.Sprintf("could not read %s: %v", hdr.Filename, err)
			renderDashboard(w, tmpl, http.StatusBadRequest, d)
			return
		}

		res, err := svc.ScoreTable(tbl, opt)
		if err != nil {
			status := http.StatusInternalServerError
			var sve *schema.SchemaValidationError
			switch {
			case errors.As(err, &sve):
				status = http.StatusBadRequest
				d.Err = fmt.Sprintf("The CSV file must contain the columns required for analysis: %v", sve)
			case errors.Is(err, schema.ErrInvalidValue):
				status = http.StatusBadRequest
				d.Err = fmt.Sprintf("could not score %s: %v", hdr.Filename, err)
			default:
				slog.Error("failed to score upload", "file", hdr.Filename, "error", err)
				d.Err = fmt.Sprintf("failed to score %s: %v", hdr.Filename, err)
			}
			renderDashboard(w, tmpl, status, d)
			return
		}

		recordScoringRun(db, res, data.SourceUpload)
		slog.Info("upload scored",
			"file", hdr.Filename, "total", res.Total, "scored", res.Scored, "anomalies", res.Anomalies)

		d.Result = res
		d.Preview = previewOf(res.Rows, previewRows)
		d.Suspects = res.Suspects()
		if len(d.Suspects) > suspectListLimit {
			d.MoreSuspect = len(d.Suspects) - suspectListLimit
			d.Suspects = d.Suspects[:suspectListLimit]
		}
		d.Chart = buildScatter(res.Rows)
		d.Legend = []legendItem{
			{Color: colorSuspect, Label: detector.StatusSuspectedFraud, Count: res.Anomalies},
			{Color: colorNormal, Label: detector.StatusNormal, Count: res.Scored - res.Anomalies},
		}
		renderDashboard(w, tmpl, http.StatusOK, d)
	}
}

func newDashboard(svc *scoring.Service) *dashboard {
	return &dashboard{Version: version, PairID: svc.PairID()}
}

func renderDashboard(w http.ResponseWriter, tmpl *template.Template, status int, d *dashboard) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := tmpl.ExecuteTemplate(w, "home", d); err != nil {
		slog.Error("template render failed", "error", err)
	}
}

func previewOf(rows []scoring.ScoredRow, n int) [][]string {
	n = min(n, len(rows))
	out := make([][]string, n)
	for i := range n {
		out[i] = rows[i].Values
	}
	return out
}

// buildScatter projects V4 (x) and Amount (y) into SVG coordinates.
// Suspects are drawn last so they stay visible over normal points.
func buildScatter(rows []scoring.ScoredRow) *scatterChart {
	c := &scatterChart{
		Width:   chartWidth,
		Height:  chartHeight,
		Padding: chartPadding,
		Radius:  chartRadius,
		XLabel:  "V4",
		YLabel:  schema.AmountColumn,
		XMin:    math.Inf(1),
		XMax:    math.Inf(-1),
		YMin:    math.Inf(1),
		YMax:    math.Inf(-1),
		Points:  make([]chartPoint, 0, len(rows)),
	}
	if len(rows) == 0 {
		c.XMin, c.XMax, c.YMin, c.YMax = 0, 1, 0, 1
		return c
	}

	for _, r := range rows {
		c.XMin = math.Min(c.XMin, r.V4)
		c.XMax = math.Max(c.XMax, r.V4)
		c.YMin = math.Min(c.YMin, r.Amount)
		c.YMax = math.Max(c.YMax, r.Amount)
	}

	plotW := float64(chartWidth - 2*chartPadding)
	plotH := float64(chartHeight - 2*chartPadding)
	scale := func(v, lo, hi, span float64) float64 {
		if hi == lo {
			return span / 2
		}
		return (v - lo) / (hi - lo) * span
	}

	var suspects []chartPoint
	for _, r := range rows {
		p := chartPoint{
			X:     float64(chartPadding) + scale(r.V4, c.XMin, c.XMax, plotW),
			Y:     float64(chartHeight-chartPadding) - scale(r.Amount, c.YMin, c.YMax, plotH),
			Color: colorNormal,
			Title: fmt.Sprintf("row %d: V4=%.3f Amount=%.2f (%s)", r.Index, r.V4, r.Amount, r.Status),
		}
		if r.Suspect() {
			p.Color = colorSuspect
			suspects = append(suspects, p)
			continue
		}
		c.Points = append(c.Points, p)
	}
	c.Points = append(c.Points, suspects...)
	return c
}
