package monitor

import (
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"execution-core/internal/risk"
)

// Metrics owns a private Prometheus registry with the execution and risk
// series. It satisfies order.Observer.
type Metrics struct {
	registry *prometheus.Registry

	ordersSubmitted *prometheus.CounterVec
	orderOutcomes   *prometheus.CounterVec
	refusals        *prometheus.CounterVec
	slippage        prometheus.Histogram
	executionTime   prometheus.Histogram
	activeOrders    prometheus.Gauge
	emergencyStop   prometheus.Gauge

	balance           prometheus.Gauge
	drawdown          prometheus.Gauge
	consecutiveLosses prometheus.Gauge
	openPositions     prometheus.Gauge
	riskAlerts        prometheus.Counter

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// NewMetrics registers every series plus the Go runtime and process collectors.
func NewMetrics(service string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{registry: reg}
	m.ordersSubmitted = m.counterVec("execution_orders_submitted_total", "Orders accepted by the backend", "type")
	m.orderOutcomes = m.counterVec("execution_order_outcomes_total", "Execution attempts by outcome", "outcome")
	m.refusals = m.counterVec("execution_signal_refusals_total", "Signals refused before submission", "code")
	m.slippage = m.histogram("execution_slippage_ratio", "Fill slippage against the reference price",
		[]float64{0.0001, 0.0005, 0.001, 0.002, 0.005, 0.01, 0.02, 0.05})
	m.executionTime = m.histogram("execution_fill_duration_seconds", "Time from submission to fill", prometheus.DefBuckets)
	m.activeOrders = m.gauge("execution_active_orders", "Orders currently supervised")
	m.emergencyStop = m.gauge("execution_emergency_stop", "1 while the emergency stop is engaged")

	m.balance = m.gauge("risk_balance", "Current account balance tracked by the risk manager")
	m.drawdown = m.gauge("risk_current_drawdown_ratio", "Drawdown from peak balance")
	m.consecutiveLosses = m.gauge("risk_consecutive_losses", "Current losing streak")
	m.openPositions = m.gauge("risk_open_positions", "Open risk-managed positions")
	m.riskAlerts = m.counter("risk_alerts_total", "Risk warnings raised")

	m.httpRequests = m.counterVec("http_server_requests_total", "Total number of HTTP requests", "method", "path", "status")
	m.httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_server_request_duration_seconds",
		Help:    "HTTP request latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
	reg.MustRegister(m.httpDuration)

	log.Printf("monitor: metrics registry initialized for %s", service)
	return m
}

func (m *Metrics) counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	cv := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labels)
	m.registry.MustRegister(cv)
	return cv
}

func (m *Metrics) counter(name, help string) prometheus.Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
	m.registry.MustRegister(c)
	return c
}

func (m *Metrics) gauge(name, help string) prometheus.Gauge {
	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
	m.registry.MustRegister(g)
	return g
}

func (m *Metrics) histogram(name, help string, buckets []float64) prometheus.Histogram {
	h := prometheus.NewHistogram(prometheus.HistogramOpts{Name: name, Help: help, Buckets: buckets})
	m.registry.MustRegister(h)
	return h
}

// Registry exposes the registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) OrderSubmitted(orderType string) { m.ordersSubmitted.WithLabelValues(orderType).Inc() }
func (m *Metrics) OrderOutcome(outcome string)     { m.orderOutcomes.WithLabelValues(outcome).Inc() }
func (m *Metrics) Refused(code string)             { m.refusals.WithLabelValues(code).Inc() }
func (m *Metrics) ActiveOrders(n int)              { m.activeOrders.Set(float64(n)) }

func (m *Metrics) Fill(slippage float64, elapsed time.Duration) {
	m.slippage.Observe(slippage)
	m.executionTime.Observe(elapsed.Seconds())
}

func (m *Metrics) EmergencyStop(on bool) {
	if on {
		m.emergencyStop.Set(1)
		return
	}
	m.emergencyStop.Set(0)
}

// ObserveRisk mirrors the risk counters into gauges.
func (m *Metrics) ObserveRisk(st risk.RiskState, openPositions int) {
	m.balance.Set(st.Balance)
	m.drawdown.Set(st.CurrentDrawdown)
	m.consecutiveLosses.Set(float64(st.ConsecutiveLosses))
	m.openPositions.Set(float64(openPositions))
}

// RiskAlert counts a raised warning.
func (m *Metrics) RiskAlert() { m.riskAlerts.Inc() }

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(method, path string, status int, elapsed time.Duration) {
	m.httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, path).Observe(elapsed.Seconds())
}
