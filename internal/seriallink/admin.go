package seriallink

import (
	"fmt"
	"net/http"
	"time"

	"tailscale.com/tsweb"

	"github.com/banshee-data/rvm.kiosk/internal/httputil"
)

// AttachAdminRoutes mounts read-only serial diagnostics under /debug/. The
// trace is the only state touched, so the routes never interfere with the
// orchestrator that owns the link.
func AttachAdminRoutes(mux *http.ServeMux, trace *Trace) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("serial-trace", "recent serial traffic", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		entries := trace.Entries()
		if len(entries) == 0 {
			fmt.Fprintln(w, "no serial traffic recorded")
			return
		}
		for _, e := range entries {
			fmt.Fprintf(w, "%s %s %s\n", e.Time.Format(time.RFC3339Nano), e.Dir, e.Line)
		}
	})

	debug.HandleSilentFunc("serial-trace.json", func(w http.ResponseWriter, r *http.Request) {
		if !httputil.RequireGet(w, r) {
			return
		}
		entries := trace.Entries()
		if entries == nil {
			entries = []TraceEntry{}
		}
		httputil.WriteJSONOK(w, entries)
	})
}
