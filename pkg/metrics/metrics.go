package metrics

import (
	"fmt"

	ocprom "contrib.go.opencensus.io/exporter/prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opencensus.io/plugin/ochttp"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
)

var (
	// ServerLatencyView ...
	ServerLatencyView = &view.View{
		Name:        "opencensus.io/http/server/latency",
		Description: "Latency distribution of HTTP requests",
		TagKeys:     []tag.Key{ochttp.Path},
		Measure:     ochttp.ServerLatency,
		Aggregation: ochttp.DefaultLatencyDistribution,
	}
	// ServerResponseCountByStatusCode ...
	ServerResponseCountByStatusCode = &view.View{
		Name:        "opencensus.io/http/server/response_count_by_status_code",
		Description: "Server response count by status code",
		TagKeys:     []tag.Key{ochttp.Path, ochttp.StatusCode},
		Measure:     ochttp.ServerLatency,
		Aggregation: view.Count(),
	}
)

// Reconcile loop instrumentation.
var (
	// ReconcileTotal counts finished reconciles by outcome.
	ReconcileTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "istio_operator_reconcile_total",
		Help: "Finished reconcile passes by result",
	}, []string{"result"})

	// ReconcileDuration observes full reconcile latency.
	ReconcileDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "istio_operator_reconcile_duration_seconds",
		Help:    "Duration of full reconcile passes",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
	})

	// Leader reports whether this replica currently holds the lease.
	Leader = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "istio_operator_leader",
		Help: "1 while this replica holds leadership",
	})
)

// OcPrometheus ...
type OcPrometheus struct {
	Exporter *ocprom.Exporter
}

// NewOcPrometheus ...
func NewOcPrometheus() (*OcPrometheus, error) {
	registry := prometheus.DefaultRegisterer.(*prometheus.Registry)

	exporter, err := ocprom.NewExporter(ocprom.Options{Registry: registry})
	if err != nil {
		return nil, fmt.Errorf("could not set up prometheus exporter: %v", err)
	}

	p := &OcPrometheus{
		Exporter: exporter,
	}
	view.RegisterExporter(exporter)

	return p, nil
}

// RegisterGinView ...
func RegisterGinView() error {
	err := view.Register(
		ochttp.ServerRequestCountView,
		ochttp.ServerRequestBytesView,
		ochttp.ServerResponseBytesView,
		ServerLatencyView,
		ochttp.ServerRequestCountByMethod,
		ServerResponseCountByStatusCode,
	)
	if err != nil {
		panic(err)
	}

	return nil
}
