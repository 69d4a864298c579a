// Package metrics is a thin instrumentation facade. Services emit named
// observations through Sink; the prometheus exporter or a no-op sink sits
// behind it, so business code never links collector plumbing.
package metrics

// Labels attach dimensions to an observation. Keys must be stable per
// metric name.
type Labels map[string]string

// Sink receives gateway observations.
type Sink interface {
	IncCounter(name string, labels Labels)
	AddCounter(name string, v float64, labels Labels)
	SetGauge(name string, v float64, labels Labels)
	ObserveHistogram(name string, v float64, labels Labels)
}

// Metric names emitted by the gateway. Declared here so dashboards and
// tests share one vocabulary.
const (
	MetricRequestsTotal     = "gateway_requests_total"
	MetricRequestDuration   = "gateway_request_duration_seconds"
	MetricJobsTotal         = "gateway_jobs_total"
	MetricQueueDepth        = "gateway_queue_depth"
	MetricJobsRunning       = "gateway_jobs_running"
	MetricGPUMemoryUsed     = "gateway_gpu_memory_used_gigabytes"
	MetricGPULeases         = "gateway_gpu_leases"
	MetricRateLimitedTotal  = "gateway_rate_limited_total"
	MetricTokensTotal       = "gateway_tokens_total"
	MetricHeartbeatsTotal   = "gateway_stream_heartbeats_total"
	MetricUsageTasksTotal   = "gateway_usage_tasks_total"
	MetricJanitorReclaimed  = "gateway_janitor_reclaimed_total"
	MetricSchedulerRequeues = "gateway_scheduler_requeues_total"
)

// NopSink drops every observation. Tests that do not assert on metrics
// inject it.
type NopSink struct{}

var _ Sink = NopSink{}

func NewNop() NopSink { return NopSink{} }

func (NopSink) IncCounter(string, Labels)                {}
func (NopSink) AddCounter(string, float64, Labels)       {}
func (NopSink) SetGauge(string, float64, Labels)         {}
func (NopSink) ObserveHistogram(string, float64, Labels) {}
