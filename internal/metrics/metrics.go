package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"net/http"
)

const namespace = "checkout"

// Checkout counts allocation outcomes and credential movements. A nil
// *Checkout is valid and records nothing.
type Checkout struct {
	Allocations *prometheus.CounterVec
	Claimed     prometheus.Counter
	Released    prometheus.Counter
	Stocked     prometheus.Counter
}

func NewCheckout(reg prometheus.Registerer) *Checkout {
	c := &Checkout{
		Allocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "allocations_total",
			Help:      "Allocation attempts by operation and result.",
		}, []string{"op", "result"}),
		Claimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credentials_claimed_total",
			Help:      "Credentials moved from AVAILABLE to SOLD.",
		}),
		Released: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credentials_released_total",
			Help:      "Credentials moved from SOLD back to AVAILABLE.",
		}),
		Stocked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credentials_stocked_total",
			Help:      "Credentials added to the AVAILABLE pool.",
		}),
	}
	reg.MustRegister(c.Allocations, c.Claimed, c.Released, c.Stocked)
	return c
}

func (c *Checkout) Allocation(op, result string) {
	if c == nil {
		return
	}
	c.Allocations.WithLabelValues(op, result).Inc()
}

func (c *Checkout) Moved(claimed, released int) {
	if c == nil {
		return
	}
	c.Claimed.Add(float64(claimed))
	c.Released.Add(float64(released))
}

func (c *Checkout) AddStocked(n int) {
	if c == nil {
		return
	}
	c.Stocked.Add(float64(n))
}

type ServerMetrics struct {
	Requests  *prometheus.CounterVec
	LatencyMS *prometheus.HistogramVec
}

func NewServerMetrics(reg prometheus.Registerer, service string) *ServerMetrics {
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: service,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests.",
	}, []string{"route", "status"})
	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: service,
		Name:      "http_request_duration_ms",
		Help:      "HTTP request latency in milliseconds.",
		Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
	}, []string{"route"})

	reg.MustRegister(requests, latency)
	return &ServerMetrics{Requests: requests, LatencyMS: latency}
}

func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
