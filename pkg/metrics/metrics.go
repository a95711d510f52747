package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "envdeploy"

	StatusOK    = "ok"
	StatusError = "error"

	LabelStatus      = "status"
	LabelStatusCode  = "status_code"
	LabelStage       = "stage"
	LabelVariant     = "variant"
	LabelEnvironment = "environment"
	LabelOutcome     = "outcome"
	LabelPartial     = "partial"
	Repository       = "repository"
)

func statusLabel(err error) string {
	if err == nil {
		return StatusOK
	}
	return StatusError
}

func GitHubRequest(statusCode int, repository string) {
	githubRequests.With(prometheus.Labels{
		LabelStatusCode: strconv.Itoa(statusCode),
		Repository:      repository,
	}).Inc()
}

func DatabaseQuery(t time.Time, err error) {
	databaseQueries.With(prometheus.Labels{
		LabelStatus: statusLabel(err),
	}).Observe(time.Since(t).Seconds())
}

func StageDuration(stage string, t time.Time, err error) {
	stageDuration.With(prometheus.Labels{
		LabelStage:  stage,
		LabelStatus: statusLabel(err),
	}).Observe(time.Since(t).Seconds())
}

func LockWait(environment string, t time.Time, err error) {
	lockWait.With(prometheus.Labels{
		LabelEnvironment: environment,
		LabelStatus:      statusLabel(err),
	}).Observe(time.Since(t).Seconds())
}

func RunStarted(variant, environment string) {
	runsInFlight.With(prometheus.Labels{
		LabelVariant:     variant,
		LabelEnvironment: environment,
	}).Inc()
}

func RunFinished(variant, environment, outcome string, partial bool) {
	runsInFlight.With(prometheus.Labels{
		LabelVariant:     variant,
		LabelEnvironment: environment,
	}).Dec()
	runs.With(prometheus.Labels{
		LabelVariant:     variant,
		LabelEnvironment: environment,
		LabelOutcome:     outcome,
		LabelPartial:     strconv.FormatBool(partial),
	}).Inc()
}

var (
	databaseQueries = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:      "database_queries",
		Help:      "time to execute database queries",
		Namespace: namespace,
		Buckets:   prometheus.LinearBuckets(0.005, 0.005, 20),
	},
		[]string{
			LabelStatus,
		},
	)

	githubRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:      "github_requests",
		Help:      "number of Github requests made",
		Namespace: namespace,
	},
		[]string{
			LabelStatusCode,
			Repository,
		},
	)

	stageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:      "stage_duration_seconds",
		Help:      "time spent in each pipeline stage",
		Namespace: namespace,
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 14),
	},
		[]string{
			LabelStage,
			LabelStatus,
		},
	)

	lockWait = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:      "lock_wait_seconds",
		Help:      "time spent waiting for an environment lock",
		Namespace: namespace,
		Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
	},
		[]string{
			LabelEnvironment,
			LabelStatus,
		},
	)

	runsInFlight = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name:      "runs_in_flight",
		Help:      "number of unfinished pipeline runs",
		Namespace: namespace,
	},
		[]string{
			LabelVariant,
			LabelEnvironment,
		},
	)

	runs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:      "runs_total",
		Help:      "finished pipeline runs",
		Namespace: namespace,
	},
		[]string{
			LabelVariant,
			LabelEnvironment,
			LabelOutcome,
			LabelPartial,
		},
	)
)

func init() {
	prometheus.MustRegister(databaseQueries)
	prometheus.MustRegister(githubRequests)
	prometheus.MustRegister(stageDuration)
	prometheus.MustRegister(lockWait)
	prometheus.MustRegister(runsInFlight)
	prometheus.MustRegister(runs)
}
