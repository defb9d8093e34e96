package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
)

const promFamily = "blazorchat_signal_events_total"

var labelEscaper = strings.NewReplacer("\\", `\\`, "\"", `\"`, "\n", `\n`)

// PrometheusHandler serves every counter as one sample of a single counter
// family, labelled by event name.
func PrometheusHandler(m *Metrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m == nil {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
			return
		}

		snap := m.Snapshot()
		events := make([]string, 0, len(snap))
		for k := range snap {
			events = append(events, k)
		}
		sort.Strings(events)

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = fmt.Fprintf(w, "# HELP %s Signaling relay event counters.\n", promFamily)
		_, _ = fmt.Fprintf(w, "# TYPE %s counter\n", promFamily)
		for _, ev := range events {
			_, _ = fmt.Fprintf(w, "%s{event=\"%s\"} %d\n", promFamily, labelEscaper.Replace(ev), snap[ev])
		}
	})
}
