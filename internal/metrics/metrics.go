package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// FetchOutcome captures the result of a remote escrow fetch.
type FetchOutcome string

const (
	// FetchSuccess indicates the remote returned a record set (possibly empty).
	FetchSuccess FetchOutcome = "success"
	// FetchError indicates the remote fetch failed.
	FetchError FetchOutcome = "error"
)

// CacheLookupOutcome captures the result of a viability cache lookup.
type CacheLookupOutcome string

const (
	// CacheLookupHit indicates the stored tiers were served without a fetch.
	CacheLookupHit CacheLookupOutcome = "hit"
	// CacheLookupMiss indicates no populated entry existed.
	CacheLookupMiss CacheLookupOutcome = "miss"
	// CacheLookupStale indicates a populated entry expired, mismatched the filter, or was bypassed.
	CacheLookupStale CacheLookupOutcome = "stale"
	// CacheLookupError indicates the store could not be read.
	CacheLookupError CacheLookupOutcome = "error"
)

// RecoverabilityOutcome captures the result of a TLK recoverability evaluation.
type RecoverabilityOutcome string

const (
	// RecoverabilityRecoverable indicates at least one view is recoverable.
	RecoverabilityRecoverable RecoverabilityOutcome = "recoverable"
	// RecoverabilityNone indicates evaluation succeeded with no recoverable views.
	RecoverabilityNone RecoverabilityOutcome = "none"
	// RecoverabilityNoTrust indicates the local trust state could not evaluate the record.
	RecoverabilityNoTrust RecoverabilityOutcome = "no_trust"
	// RecoverabilityError indicates the record or evaluator failed otherwise.
	RecoverabilityError RecoverabilityOutcome = "error"
)

// Recorder publishes Prometheus metrics for escrow cache activity.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	fetches       *prometheus.CounterVec
	fetchLatency  *prometheus.HistogramVec
	cacheLookups  *prometheus.CounterVec
	records       *prometheus.GaugeVec
	recoverabilty *prometheus.CounterVec
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a dedicated
// registry is created so multiple recorders can coexist without conflicting with
// the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	fetches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowcache",
		Name:      "fetch_total",
		Help:      "Remote escrow record fetches issued by the viability cache.",
	}, []string{"filter", "result"})

	fetchLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "escrowcache",
		Name:      "fetch_duration_seconds",
		Help:      "Latency distribution for remote escrow record fetches.",
		Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"filter", "result"})

	cacheLookups := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowcache",
		Subsystem: "cache",
		Name:      "lookups_total",
		Help:      "Viability cache lookups by freshness result.",
	}, []string{"result"})

	records := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "escrowcache",
		Name:      "records",
		Help:      "Records per tier returned by the most recent fetch.",
	}, []string{"tier"})

	recoverability := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowcache",
		Name:      "recoverability_total",
		Help:      "TLK recoverability evaluations by result.",
	}, []string{"result"})

	reg.MustRegister(fetches, fetchLatency, cacheLookups, records, recoverability)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:      reg,
		handler:       handler,
		fetches:       fetches,
		fetchLatency:  fetchLatency,
		cacheLookups:  cacheLookups,
		records:       records,
		recoverabilty: recoverability,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveFetch records a completed remote fetch.
func (r *Recorder) ObserveFetch(filter string, result FetchOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	filterLabel := normalizeLabel(filter)
	resultLabel := string(result)
	if resultLabel == "" {
		resultLabel = string(FetchError)
	}
	r.fetches.WithLabelValues(filterLabel, resultLabel).Inc()
	r.fetchLatency.WithLabelValues(filterLabel, resultLabel).Observe(duration.Seconds())
}

// ObserveCacheLookup records the freshness decision for a fetch request.
func (r *Recorder) ObserveCacheLookup(result CacheLookupOutcome) {
	if r == nil {
		return
	}
	resultLabel := string(result)
	if resultLabel == "" {
		resultLabel = string(CacheLookupMiss)
	}
	r.cacheLookups.WithLabelValues(resultLabel).Inc()
}

// SetRecordCounts publishes the tier sizes of the latest fetch.
func (r *Recorder) SetRecordCounts(counts map[string]int) {
	if r == nil {
		return
	}
	for tier, n := range counts {
		r.records.WithLabelValues(normalizeLabel(tier)).Set(float64(n))
	}
}

// ObserveRecoverability records one recoverability evaluation.
func (r *Recorder) ObserveRecoverability(result RecoverabilityOutcome) {
	if r == nil {
		return
	}
	resultLabel := string(result)
	if resultLabel == "" {
		resultLabel = string(RecoverabilityError)
	}
	r.recoverabilty.WithLabelValues(resultLabel).Inc()
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
