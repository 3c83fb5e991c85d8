// Package metrics wires the judge's fixed set of job, queue and HTTP
// metrics (spec §4.G, SPEC_FULL.md §12) on top of the generic
// Register/Record dispatch in the root metrics package.
package metrics

import (
	"strconv"
	"time"

	"github.com/judge/judge/metrics"
)

// Names of the metrics registered by New. Kept as constants so dispatch
// and submission code never typo a metric name.
const (
	JobStartedTotal    = "judge_job_started_total"
	JobFinishedTotal   = "judge_job_finished_total"
	JobDurationSeconds = "judge_job_duration_seconds"
	JobQueueWaitSeconds = "judge_job_queue_wait_seconds"
	JobsInProgress      = "judge_jobs_in_progress"
	QueueStreamLength    = "judge_queue_stream_length"
	QueueGroupLag        = "judge_queue_group_lag"
	QueueGroupPending    = "judge_queue_group_pending"
	JobsByStatus         = "judge_jobs_in_status"
	HTTPRequestsTotal    = "judge_http_requests_total"
	HTTPRequestLatency   = "judge_http_request_latency_seconds"
)

// Judge bundles the registered collectors needed by the dispatch loop
// and the submission service.
type Judge struct {
	pm *metrics.PrometheusMetrics
}

// New registers every metric named in spec §4.G / SPEC_FULL.md §12.
func New() *Judge {
	pm := metrics.NewPrometheusMetrics()

	pm.RegisterWithLabels(JobStartedTotal, "Counter", "Jobs started by workers", []string{"profile", "kind"})
	pm.RegisterWithLabels(JobFinishedTotal, "Counter", "Jobs finished by workers", []string{"profile", "status", "error_kind"})
	pm.SetCustomBuckets(JobDurationSeconds, []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60})
	pm.RegisterWithLabels(JobDurationSeconds, "Histogram", "Job execution time in seconds", []string{"profile"})
	pm.SetCustomBuckets(JobQueueWaitSeconds, []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60, 120})
	pm.RegisterWithLabels(JobQueueWaitSeconds, "Histogram", "Time between enqueue and start in seconds", []string{"profile"})
	pm.RegisterWithLabels(JobsInProgress, "Gauge", "Jobs currently running", []string{"profile"})
	pm.RegisterWithLabels(QueueStreamLength, "Gauge", "Redis stream length", []string{"stream"})
	pm.RegisterWithLabels(QueueGroupLag, "Gauge", "Redis consumer group lag by stream/group", []string{"stream", "group"})
	pm.RegisterWithLabels(QueueGroupPending, "Gauge", "Redis consumer group pending entries by stream/group", []string{"stream", "group"})
	pm.RegisterWithLabels(JobsByStatus, "Gauge", "Jobs by status in the result store", []string{"status"})
	pm.RegisterWithLabels(HTTPRequestsTotal, "Counter", "HTTP requests", []string{"method", "path", "status"})
	pm.SetCustomBuckets(HTTPRequestLatency, []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10})
	pm.RegisterWithLabels(HTTPRequestLatency, "Histogram", "HTTP request latency in seconds", []string{"method", "path"})

	return &Judge{pm: pm}
}

// Serve starts the /metrics scrape endpoint, blocking until the process
// exits or ListenAndServe fails.
func (j *Judge) Serve(port string) {
	j.pm.StartMetricsServer(port)
}

func (j *Judge) JobStarted(profile, kind string) {
	j.pm.RecordWithLabels(JobStartedTotal, 1, profile, kind)
	j.pm.RecordWithLabels(JobsInProgress, 1, profile)
}

func (j *Judge) JobFinished(profile, status, errorKind string) {
	if errorKind == "" {
		errorKind = "none"
	}
	j.pm.RecordWithLabels(JobFinishedTotal, 1, profile, status, errorKind)
	j.pm.RecordWithLabels(JobsInProgress, 0, profile)
}

func (j *Judge) ObserveJobDuration(profile string, d time.Duration) {
	j.pm.RecordWithLabels(JobDurationSeconds, d.Seconds(), profile)
}

func (j *Judge) ObserveQueueWait(profile string, createdAt time.Time) {
	if createdAt.IsZero() {
		return
	}
	wait := time.Since(createdAt).Seconds()
	if wait < 0 {
		wait = 0
	}
	j.pm.RecordWithLabels(JobQueueWaitSeconds, wait, profile)
}

func (j *Judge) SetStreamLength(stream string, length int64) {
	j.pm.RecordWithLabels(QueueStreamLength, float64(length), stream)
}

func (j *Judge) SetGroupLag(stream, group string, lag int64) {
	j.pm.RecordWithLabels(QueueGroupLag, float64(lag), stream, group)
}

func (j *Judge) SetGroupPending(stream, group string, pending int64) {
	j.pm.RecordWithLabels(QueueGroupPending, float64(pending), stream, group)
}

func (j *Judge) SetJobsByStatus(status string, count int64) {
	j.pm.RecordWithLabels(JobsByStatus, float64(count), status)
}

func (j *Judge) HTTPRequest(method, path string, status int, d time.Duration) {
	j.pm.RecordWithLabels(HTTPRequestsTotal, 1, method, path, strconv.Itoa(status))
	j.pm.RecordWithLabels(HTTPRequestLatency, d.Seconds(), method, path)
}
