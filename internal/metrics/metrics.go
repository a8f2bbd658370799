package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pii_tokenizer"

var (
	RunsFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "runs_finished_total",
		Help:      "Tokenization runs that reached a terminal state.",
	}, []string{"platform", "state"})
	RunsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "runs_active",
		Help:      "Tokenization runs currently RUNNING in this process.",
	})
	RunDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "run_duration_seconds",
		Help:      "Wall time of tokenization runs from RUNNING to terminal.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
	}, []string{"platform"})
	RowsUpdated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rows_updated_total",
		Help:      "Rows rewritten with tokens.",
	}, []string{"platform"})
	RowsSkipped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rows_skipped_total",
		Help:      "Candidate rows that needed no rewrite.",
	}, []string{"platform"})
	ValuesUnencodable = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "values_unencodable_total",
		Help:      "Values left in place because they cannot be tokenized.",
	}, []string{"platform"})
	TriggersRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "triggers_rejected_total",
		Help:      "Run triggers that were not accepted.",
	}, []string{"reason"})
	StatusReportFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "status_report_failures_total",
		Help:      "Terminal run payloads that could not be written to the metadata store.",
	})
	ColumnsTagged = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "classifier_columns_tagged_total",
		Help:      "Columns tagged by the classifier, per rule.",
	}, []string{"rule"})
)

var once sync.Once

// Init registers collectors. Safe to call more than once.
func Init() {
	once.Do(func() {
		prometheus.MustRegister(
			RunsFinished,
			RunsActive,
			RunDuration,
			RowsUpdated,
			RowsSkipped,
			ValuesUnencodable,
			TriggersRejected,
			StatusReportFailures,
			ColumnsTagged,
		)
	})
}

// Handler exposes the default registry for scraping.
func Handler() http.Handler {
	return promhttp.Handler()
}
