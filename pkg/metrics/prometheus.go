package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusHandler returns an HTTP handler for the default registry
func PrometheusHandler() http.Handler {
	return promhttp.Handler()
}

// RegistryHandler returns an HTTP handler that serves the given gatherer
func RegistryHandler(gatherer prometheus.Gatherer) http.Handler {
	if gatherer == nil {
		return PrometheusHandler()
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
