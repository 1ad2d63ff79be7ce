// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// ハンドラー、ミドルウェア、ジョブスーパーバイザーから利用する。
type MetricsCollector interface {
	RecordHTTPStatus(statusCode int)
	RecordAuthRejection(reason string)
	RecordTimerTransition(action string)
	RecordActivityBatch(events int, score int, duplicate bool)
	RecordPayrollWeeksCreated(count int)
	RecordJobRun(jobName, status string, duration time.Duration)
	RecordJobSkipped(jobName, reason string)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	httpStatus       *prometheus.CounterVec
	authRejections   *prometheus.CounterVec
	timerTransitions *prometheus.CounterVec
	activityBatches  *prometheus.CounterVec
	activityEvents   prometheus.Counter
	activityScore    prometheus.Histogram
	payrollWeeks     prometheus.Counter
	jobRuns          *prometheus.CounterVec
	jobDuration      *prometheus.HistogramVec
	jobSkipped       *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kintai_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		authRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kintai_agent_auth_rejections_total",
			Help: "エージェントリクエストの拒否数（理由別）",
		}, []string{"reason"}),
		timerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kintai_timer_transitions_total",
			Help: "タイマーセッションの状態遷移数",
		}, []string{"action"}),
		activityBatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kintai_activity_batches_total",
			Help: "受信したアクティビティバッチ数",
		}, []string{"result"}),
		activityEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kintai_activity_events_total",
			Help: "保存したアクティビティイベントの合計数",
		}),
		activityScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "kintai_activity_score",
			Help:    "バッチごとのアクティビティスコア",
			Buckets: prometheus.LinearBuckets(0, 10, 11),
		}),
		payrollWeeks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kintai_payroll_weeks_created_total",
			Help: "作成された給与週の合計数",
		}),
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kintai_job_runs_total",
			Help: "ジョブ実行数（ジョブ・結果別）",
		}, []string{"job", "status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kintai_job_duration_seconds",
			Help:    "ジョブの実行時間（秒）",
			Buckets: prometheus.ExponentialBuckets(0.05, 4, 8),
		}, []string{"job"}),
		jobSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kintai_job_skipped_total",
			Help: "ガードによりスキップされたジョブ実行数",
		}, []string{"job", "reason"}),
	}

	reg.MustRegister(
		c.httpStatus,
		c.authRejections,
		c.timerTransitions,
		c.activityBatches,
		c.activityEvents,
		c.activityScore,
		c.payrollWeeks,
		c.jobRuns,
		c.jobDuration,
		c.jobSkipped,
	)

	return c
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordAuthRejection はエージェントリクエストの拒否を記録する。
func (c *Collector) RecordAuthRejection(reason string) {
	c.authRejections.WithLabelValues(reason).Inc()
}

// RecordTimerTransition はタイマーの状態遷移を記録する。
func (c *Collector) RecordTimerTransition(action string) {
	c.timerTransitions.WithLabelValues(action).Inc()
}

// RecordActivityBatch はアクティビティバッチの受信を記録する。再送分はイベント数に加算しない。
func (c *Collector) RecordActivityBatch(events int, score int, duplicate bool) {
	if duplicate {
		c.activityBatches.WithLabelValues("duplicate").Inc()
		return
	}
	c.activityBatches.WithLabelValues("stored").Inc()
	c.activityEvents.Add(float64(events))
	c.activityScore.Observe(float64(score))
}

// RecordPayrollWeeksCreated は作成された給与週の数を記録する。
func (c *Collector) RecordPayrollWeeksCreated(count int) {
	c.payrollWeeks.Add(float64(count))
}

// RecordJobRun はジョブの実行結果と実行時間を記録する。
func (c *Collector) RecordJobRun(jobName, status string, duration time.Duration) {
	c.jobRuns.WithLabelValues(jobName, status).Inc()
	c.jobDuration.WithLabelValues(jobName).Observe(duration.Seconds())
}

// RecordJobSkipped はガードによりスキップされたジョブ実行を記録する。
func (c *Collector) RecordJobSkipped(jobName, reason string) {
	c.jobSkipped.WithLabelValues(jobName, reason).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// Prometheusスクレイプに対応する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}

var _ MetricsCollector = (*Collector)(nil)
