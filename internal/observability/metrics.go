package observability

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bilal/freqswitch-agent/internal/device"
)

// Cycle results as recorded on freqswitch_cycles_total.
const (
	CycleHealthy  = "healthy"
	CycleDegraded = "degraded"
	CycleNoData   = "no_data"
	CycleError    = "error"
)

// Collector bundles the agent's Prometheus metrics. A nil *Collector is a
// valid no-op recorder.
type Collector struct {
	gatherer prometheus.Gatherer

	Cycles          *prometheus.CounterVec
	CycleDurations  prometheus.Histogram
	DegradedReasons *prometheus.CounterVec
	Consecutive     prometheus.Gauge
	Failovers       *prometheus.CounterVec

	Signal     *prometheus.GaugeVec
	CCQ        *prometheus.GaugeVec
	TxCapacity *prometheus.GaugeVec
	Frequency  *prometheus.GaugeVec
}

// NewCollector registers the agent metrics against reg, defaulting to the
// global Prometheus registry when nil.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	cycles, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "freqswitch_cycles_total",
		Help: "Monitoring cycles, labeled by result.",
	}, []string{"result"}), "freqswitch_cycles_total")
	if err != nil {
		return nil, err
	}

	durations, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "freqswitch_cycle_duration_seconds",
		Help:    "Wall time of one monitoring cycle, failover included.",
		Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
	}), "freqswitch_cycle_duration_seconds")
	if err != nil {
		return nil, err
	}

	reasons, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "freqswitch_degraded_reasons_total",
		Help: "Threshold violations seen on the master, labeled by reason.",
	}, []string{"reason"}), "freqswitch_degraded_reasons_total")
	if err != nil {
		return nil, err
	}

	consecutive, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "freqswitch_consecutive_failures",
		Help: "Current hysteresis count of consecutive degraded cycles.",
	}), "freqswitch_consecutive_failures")
	if err != nil {
		return nil, err
	}

	failovers, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "freqswitch_failovers_total",
		Help: "Failover attempts, labeled by outcome and failure reason.",
	}, []string{"outcome", "reason"}), "freqswitch_failovers_total")
	if err != nil {
		return nil, err
	}

	linkGauge := func(name, help string) (*prometheus.GaugeVec, error) {
		return registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: name,
			Help: help,
		}, []string{"role"}), name)
	}
	signal, err := linkGauge("freqswitch_link_signal_dbm", "Last reported signal strength in dBm.")
	if err != nil {
		return nil, err
	}
	ccq, err := linkGauge("freqswitch_link_ccq_percent", "Last reported CCQ in percent.")
	if err != nil {
		return nil, err
	}
	capacity, err := linkGauge("freqswitch_link_tx_capacity_percent", "Last reported airMAX TX capacity in percent.")
	if err != nil {
		return nil, err
	}
	frequency, err := linkGauge("freqswitch_link_frequency_mhz", "Last reported operating frequency in MHz.")
	if err != nil {
		return nil, err
	}

	return &Collector{
		gatherer:        gatherer,
		Cycles:          cycles,
		CycleDurations:  durations,
		DegradedReasons: reasons,
		Consecutive:     consecutive,
		Failovers:       failovers,
		Signal:          signal,
		CCQ:             ccq,
		TxCapacity:      capacity,
		Frequency:       frequency,
	}, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *Collector) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		gatherer = c.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func (c *Collector) ObserveCycle(result string, reasons []string, consecutive int, took time.Duration) {
	if c == nil {
		return
	}
	c.Cycles.WithLabelValues(result).Inc()
	c.CycleDurations.Observe(took.Seconds())
	for _, r := range reasons {
		c.DegradedReasons.WithLabelValues(r).Inc()
	}
	c.Consecutive.Set(float64(consecutive))
}

func (c *Collector) SetConsecutive(n int) {
	if c == nil {
		return
	}
	c.Consecutive.Set(float64(n))
}

func (c *Collector) ObserveFailover(outcome, reason string) {
	if c == nil {
		return
	}
	c.Failovers.WithLabelValues(outcome, reason).Inc()
}

// ObserveLink sets the link gauges of role. Absent readings remove the
// series instead of reporting a misleading zero.
func (c *Collector) ObserveLink(role device.Role, s device.LinkStatus) {
	if c == nil {
		return
	}
	set := func(g *prometheus.GaugeVec, v *float64) {
		if v == nil {
			g.DeleteLabelValues(string(role))
			return
		}
		g.WithLabelValues(string(role)).Set(*v)
	}
	set(c.Signal, s.SignalDBm)
	set(c.CCQ, s.CCQPercent)
	set(c.TxCapacity, s.TxCapacityPercent)
	set(c.Frequency, s.FrequencyMHz)
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogram(reg prometheus.Registerer, h prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(h); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return h, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
