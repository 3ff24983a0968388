package db

import (
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/tailscale/tailsql/server/tailsql"
	"tailscale.com/tsweb"

	"github.com/banshee-data/rvm.kiosk/internal/httputil"
	"github.com/banshee-data/rvm.kiosk/internal/material"
	"github.com/banshee-data/rvm.kiosk/internal/monitoring"
)

// AttachAdminRoutes mounts the ledger's debug pages under /debug/.
func (db *DB) AttachAdminRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)

	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("failed to create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://kiosk.db", db.DB, &tailsql.DBOptions{
		Label: "Kiosk ledger",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.Handle("backup", "Create and download a backup of the database now", http.HandlerFunc(db.handleBackup))
	debug.HandleFunc("outcomes", "Daily detection outcomes chart", db.handleOutcomesChart)
	debug.HandleSilentFunc("sessions.json", db.handleSessionsJSON)
	debug.HandleSilentFunc("receipt.json", db.handleReceiptJSON)
	return nil
}

func (db *DB) handleBackup(w http.ResponseWriter, r *http.Request) {
	tmp, err := os.CreateTemp("", fmt.Sprintf("kiosk-backup-%d-*.db", time.Now().Unix()))
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
		return
	}
	backupPath := tmp.Name()
	tmp.Close()
	// VACUUM INTO refuses to overwrite an existing file.
	os.Remove(backupPath)
	defer func() {
		if err := os.Remove(backupPath); err != nil && !os.IsNotExist(err) {
			monitoring.Warnf("db", "failed to remove backup file: %v", err)
		}
	}()

	if _, err := db.ExecContext(r.Context(), "VACUUM INTO ?", backupPath); err != nil {
		http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
		return
	}

	backupFile, err := os.Open(backupPath)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
		return
	}
	defer backupFile.Close()

	name := fmt.Sprintf("kiosk-backup-%d.db.gz", time.Now().Unix())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", name))
	w.Header().Set("Content-Type", "application/gzip")

	gz := gzip.NewWriter(w)
	defer gz.Close()
	if _, err := io.Copy(gz, backupFile); err != nil {
		monitoring.Errorf("db", "failed to stream backup: %v", err)
	}
}

func (db *DB) handleSessionsJSON(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireGet(w, r) {
		return
	}
	sessions, err := db.Sessions(r.Context(), httputil.IntQuery(r, "limit", 50, 1000))
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	if sessions == nil {
		sessions = []Session{}
	}
	httputil.WriteJSONOK(w, sessions)
}

// receiptLookup is what an attendant needs to honour a scanned receipt.
type receiptLookup struct {
	Session    Session     `json:"session"`
	Detections []Detection `json:"detections"`
	Expired    bool        `json:"expired"`
}

func (db *DB) handleReceiptJSON(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireGet(w, r) {
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		httputil.BadRequest(w, "missing 'id' parameter")
		return
	}

	s, err := db.SessionByReceipt(r.Context(), id)
	if errors.Is(err, ErrNotFound) {
		httputil.NotFound(w, err.Error())
		return
	}
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	detections, err := db.Detections(r.Context(), s.ID)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	if detections == nil {
		detections = []Detection{}
	}

	httputil.WriteJSONOK(w, receiptLookup{
		Session:    s,
		Detections: detections,
		Expired:    s.ReceiptExpires != nil && time.Now().After(*s.ReceiptExpires),
	})
}

// handleOutcomesChart renders a stacked bar chart of attempts per day and
// outcome. Query params:
//   - days (optional; default 14, max 365)
func (db *DB) handleOutcomesChart(w http.ResponseWriter, r *http.Request) {
	days := httputil.IntQuery(r, "days", 14, 365)

	end := time.Now().UTC().Truncate(24 * time.Hour)
	start := end.AddDate(0, 0, -(days - 1))
	counts, err := db.DailyOutcomes(r.Context(), start)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	bar := OutcomesChart(counts, start, days)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := bar.Render(w); err != nil {
		monitoring.Errorf("db", "failed to render chart: %v", err)
	}
}

// OutcomesChart builds one stacked series per outcome over days consecutive
// UTC days starting at start. Days without attempts show as zero.
func OutcomesChart(counts []OutcomeCount, start time.Time, days int) *charts.Bar {
	labels := make([]string, days)
	index := make(map[string]int, days)
	for i := range labels {
		labels[i] = start.AddDate(0, 0, i).Format("2006-01-02")
		index[labels[i]] = i
	}

	kinds := []material.Kind{material.Plastic, material.Can, material.Rejected, material.NoDetection}
	series := make(map[material.Kind][]opts.BarData, len(kinds))
	for _, k := range kinds {
		series[k] = make([]opts.BarData, days)
		for i := range series[k] {
			series[k][i] = opts.BarData{Value: 0}
		}
	}
	total := 0
	for _, c := range counts {
		i, ok := index[c.Day]
		if !ok {
			continue
		}
		if _, known := series[c.Outcome]; !known {
			continue
		}
		series[c.Outcome][i] = opts.BarData{Value: c.Count}
		total += c.Count
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Kiosk outcomes", Width: "1000px", Height: "500px"}),
		charts.WithTitleOpts(opts.Title{Title: "Detection outcomes", Subtitle: fmt.Sprintf("%d attempts over %d days", total, days)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(labels)
	for _, k := range kinds {
		bar.AddSeries(string(k), series[k], charts.WithBarChartOpts(opts.BarChart{Stack: "outcomes"}))
	}
	return bar
}
