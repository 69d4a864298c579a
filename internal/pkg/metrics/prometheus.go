package metrics

import (
	"net/http"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/helixflow/helixgate/internal/pkg/logger"
)

var helpText = map[string]string{
	MetricRequestsTotal:     "HTTP requests served, by route, method and status.",
	MetricRequestDuration:   "HTTP request latency in seconds, by route.",
	MetricJobsTotal:         "Inference jobs reaching a terminal state, by state.",
	MetricQueueDepth:        "Admission queue depth.",
	MetricJobsRunning:       "Jobs currently holding a GPU lease.",
	MetricGPUMemoryUsed:     "Allocated GPU memory in gigabytes, by device.",
	MetricGPULeases:         "Active leases, by device.",
	MetricRateLimitedTotal:  "Requests rejected by the rate limiter, by tier.",
	MetricTokensTotal:       "Tokens accounted by the usage recorder, by model and kind.",
	MetricHeartbeatsTotal:   "Stream heartbeats written, by transport.",
	MetricUsageTasksTotal:   "Usage recording tasks, by completion mode.",
	MetricJanitorReclaimed:  "GPU leases reclaimed by the janitor.",
	MetricSchedulerRequeues: "Jobs requeued after a failed allocation attempt.",
}

// PromSink exports observations through a prometheus registry. Collectors
// are registered on first use, keyed by metric name; the label key set of
// the first observation is authoritative and later observations with a
// different key set are dropped.
type PromSink struct {
	reg *prometheus.Registry

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

var _ Sink = (*PromSink)(nil)

// NewPromSink wraps reg, creating a fresh registry with the standard Go
// and process collectors when reg is nil.
func NewPromSink(reg *prometheus.Registry) *PromSink {
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector())
		reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	return &PromSink{
		reg:        reg,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

// Handler serves the exposition endpoint for this sink's registry.
func (s *PromSink) Handler() http.Handler {
	return promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{})
}

func (s *PromSink) IncCounter(name string, labels Labels) {
	s.AddCounter(name, 1, labels)
}

func (s *PromSink) AddCounter(name string, v float64, labels Labels) {
	s.mu.Lock()
	vec, ok := s.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help(name)}, labelKeys(labels))
		if err := s.reg.Register(vec); err != nil {
			s.mu.Unlock()
			dropObservation(name, err)
			return
		}
		s.counters[name] = vec
	}
	s.mu.Unlock()

	c, err := vec.GetMetricWith(prometheus.Labels(labels))
	if err != nil {
		dropObservation(name, err)
		return
	}
	c.Add(v)
}

func (s *PromSink) SetGauge(name string, v float64, labels Labels) {
	s.mu.Lock()
	vec, ok := s.gauges[name]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help(name)}, labelKeys(labels))
		if err := s.reg.Register(vec); err != nil {
			s.mu.Unlock()
			dropObservation(name, err)
			return
		}
		s.gauges[name] = vec
	}
	s.mu.Unlock()

	g, err := vec.GetMetricWith(prometheus.Labels(labels))
	if err != nil {
		dropObservation(name, err)
		return
	}
	g.Set(v)
}

func (s *PromSink) ObserveHistogram(name string, v float64, labels Labels) {
	s.mu.Lock()
	vec, ok := s.histograms[name]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    name,
			Help:    help(name),
			Buckets: prometheus.DefBuckets,
		}, labelKeys(labels))
		if err := s.reg.Register(vec); err != nil {
			s.mu.Unlock()
			dropObservation(name, err)
			return
		}
		s.histograms[name] = vec
	}
	s.mu.Unlock()

	h, err := vec.GetMetricWith(prometheus.Labels(labels))
	if err != nil {
		dropObservation(name, err)
		return
	}
	h.Observe(v)
}

func help(name string) string {
	if h, ok := helpText[name]; ok {
		return h
	}
	return name
}

func labelKeys(labels Labels) []string {
	if len(labels) == 0 {
		return nil
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// dropObservation logs and discards an observation the registry refused,
// usually a label key set that diverged from the first registration.
func dropObservation(name string, err error) {
	logger.L().Debug("metrics.observation_dropped",
		zap.String("metric", name),
		zap.Error(err))
}
