package observe

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsHandler returns the HTTP handler serving the Prometheus scrape
// endpoint backed by the default registry the exporter writes into.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
