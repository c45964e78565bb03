package server

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"billbridge/internal/transfer"
)

type metricsRegistry struct {
	registry         *prometheus.Registry
	billsTotal       *prometheus.CounterVec
	transfersTotal   *prometheus.CounterVec
	transferDuration *prometheus.HistogramVec
	authRejections   prometheus.Counter
	inflight         prometheus.Gauge
}

func newMetricsRegistry() *metricsRegistry {
	bills := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "billbridge_bills_total",
		Help: "Bill submissions by result",
	}, []string{"status"})

	transfers := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "billbridge_transfers_total",
		Help: "Finished transfer runs by outcome",
	}, []string{"outcome"})

	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "billbridge_transfer_duration_seconds",
		Help:    "Wall time of a transfer run",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
	}, []string{"outcome"})

	rejections := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "billbridge_auth_rejections_total",
		Help: "Requests rejected by signature verification",
	})

	inflight := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "billbridge_transfers_inflight",
		Help: "Transfer runs currently executing",
	})

	r := prometheus.NewRegistry()
	r.MustRegister(bills, transfers, duration, rejections, inflight)

	return &metricsRegistry{
		registry:         r,
		billsTotal:       bills,
		transfersTotal:   transfers,
		transferDuration: duration,
		authRejections:   rejections,
		inflight:         inflight,
	}
}

func (m *metricsRegistry) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metricsRegistry) incBill(status string) {
	m.billsTotal.WithLabelValues(status).Inc()
}

func (m *metricsRegistry) incAuthRejection() {
	m.authRejections.Inc()
}

// observeTransfer is registered as a payments.Observer.
func (m *metricsRegistry) observeTransfer(_ string, res transfer.Result, elapsed time.Duration) {
	outcome := "completed"
	if !res.Success {
		outcome = string(res.ErrorKind)
	}
	m.transfersTotal.WithLabelValues(outcome).Inc()
	m.transferDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}
