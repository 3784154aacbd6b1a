// Package statuspage serves the bus's debug/status HTTP page, in the
// idiom of grafana-tempo/cmd/tempo/app's /status handler: gorilla/mux
// routing, go-pretty/v6/table rendering, and dustin/go-humanize for the
// human-readable uptime line. This has no counterpart in the
// original C source — mds had no ops surface at all — but it is
// standard ambient tooling for a long-running daemon in this teacher's
// idiom.
package statuspage

import (
	"fmt"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/mux"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mdsproject/mds/internal/registry"
)

// Page serves /status, /status/registry and /metrics (the collectors
// registered with prometheus.DefaultRegisterer) over an internal router.
type Page struct {
	reg       *registry.Registry
	startedAt time.Time
}

// New builds a Page backed by reg, timestamping its own start time for
// the uptime line on /status.
func New(reg *registry.Registry) *Page {
	return &Page{reg: reg, startedAt: time.Now()}
}

// Router returns a gorilla/mux router exposing this page's endpoints,
// intended to be mounted under the process's internal status server.
func (p *Page) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/status", p.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/status/registry", p.handleRegistry).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return r
}

func (p *Page) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "mds bus\nuptime: %s\n\n", humanize.RelTime(p.startedAt, time.Now(), "", ""))

	commands := p.reg.List()
	x := table.NewWriter()
	x.SetOutputMirror(w)
	x.AppendHeader(table.Row{"registered commands", "count"})
	x.AppendRows([]table.Row{
		{"total", len(commands)},
		{"pending waiters", p.reg.PendingWaiters()},
	})
	x.AppendSeparator()
	x.Render()
}

func (p *Page) handleRegistry(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	x := table.NewWriter()
	x.SetOutputMirror(w)
	x.AppendHeader(table.Row{"command"})
	for _, c := range p.reg.List() {
		x.AppendRows([]table.Row{{c}})
	}
	x.AppendSeparator()
	x.Render()
}
