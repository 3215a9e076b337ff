// Package metrics exposes prometheus instrumentation for the pipeline and a
// text-format snapshot writer for batch runs.
package metrics

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/common/expfmt"

	"supportflow/pkg/proto"
)

//nolint:gochecknoglobals // Prometheus collectors are process-wide by design
var (
	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "supportflow_runs_total",
		Help: "Completed conversation runs by terminal status.",
	}, []string{"status"})

	HopsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "supportflow_hops_total",
		Help: "Hop-loop iterations across all runs.",
	})

	ActionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "supportflow_actions_total",
		Help: "Executed action tools by name and success.",
	}, []string{"tool", "success"})

	ValidationAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "supportflow_validation_attempts_total",
		Help: "Validator attempts by outcome.",
	}, []string{"passed"})

	EscalationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "supportflow_escalations_total",
		Help: "Escalations by triggering source.",
	}, []string{"source"})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "supportflow_stage_duration_seconds",
		Help:    "Wall-clock duration of each stage execution.",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage"})
)

// ObserveStage records one stage execution; wired as the engine observer.
func ObserveStage(stage proto.Stage, d time.Duration) {
	StageDuration.WithLabelValues(string(stage)).Observe(d.Seconds())
}

// RecordAction records one executed action.
func RecordAction(tool string, success bool) {
	ActionsTotal.WithLabelValues(tool, strconv.FormatBool(success)).Inc()
}

// RecordValidation records one validator attempt.
func RecordValidation(passed bool) {
	ValidationAttemptsTotal.WithLabelValues(strconv.FormatBool(passed)).Inc()
}

// RecordRun records one completed run.
func RecordRun(status proto.Status) {
	RunsTotal.WithLabelValues(string(status)).Inc()
}

// RecordEscalation records one escalation.
func RecordEscalation(source proto.EscalationSource) {
	EscalationsTotal.WithLabelValues(string(source)).Inc()
}

// WriteSnapshot writes all registered metrics to path in the prometheus
// text exposition format.
func WriteSnapshot(path string) error {
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create metrics snapshot %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	encoder := expfmt.NewEncoder(f, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, family := range families {
		if err := encoder.Encode(family); err != nil {
			return fmt.Errorf("encode metric family %s: %w", family.GetName(), err)
		}
	}
	return nil
}
