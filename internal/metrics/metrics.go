// Package metrics exposes the Prometheus collectors of the steward pipeline.
//
// Label values are drawn from closed sets (error codes, decisions, statuses,
// rule ids from the loaded ruleset) so series cardinality stays bounded.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "steward"

// Outcome labels.
const (
	OutcomeStored    = "stored"
	OutcomeDuplicate = "duplicate"
	OutcomeSuccess   = "success"
	OutcomeError     = "error"
	OutcomeValid     = "valid"
	OutcomeInvalid   = "invalid"
)

var (
	signalsIngestedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_ingested_total",
			Help:      "Raw signals accepted by ingestion, partitioned by whether they were new.",
		},
		[]string{"outcome"},
	)

	normalizationFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "normalization_failures_total",
			Help:      "Signals that failed normalization, partitioned by classified error code.",
		},
		[]string{"code"},
	)

	detectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detections_total",
			Help:      "Detections produced, partitioned by rule.",
		},
		[]string{"rule"},
	)

	graphVerificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evidence_graph_verifications_total",
			Help:      "Evidence graph verifications, partitioned by mode and outcome.",
		},
		[]string{"mode", "outcome"},
	)

	candidatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "candidates_generated_total",
			Help:      "Incident candidates generated, partitioned by confidence band.",
		},
		[]string{"band"},
	)

	promotionDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "promotion_decisions_total",
			Help:      "Promotion gate decisions, partitioned by decision and authority type.",
		},
		[]string{"decision", "authority"},
	)

	incidentTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "incident_transitions_total",
			Help:      "Incident lifecycle transitions, partitioned by source and target status.",
		},
		[]string{"from", "to"},
	)

	orchestrationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "orchestration_seconds",
			Help:      "End-to-end candidate processing latency in seconds.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"outcome"},
	)

	eventDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_deliveries_total",
			Help:      "Domain event deliveries, partitioned by sink and outcome.",
		},
		[]string{"sink", "outcome"},
	)
)

// Register attaches the steward collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		signalsIngestedTotal,
		normalizationFailuresTotal,
		detectionsTotal,
		graphVerificationsTotal,
		candidatesTotal,
		promotionDecisionsTotal,
		incidentTransitionsTotal,
		orchestrationSeconds,
		eventDeliveriesTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveSignalIngested counts a stored or duplicate raw signal.
func ObserveSignalIngested(duplicate bool) {
	outcome := OutcomeStored
	if duplicate {
		outcome = OutcomeDuplicate
	}
	signalsIngestedTotal.WithLabelValues(outcome).Inc()
}

// ObserveNormalizationFailure counts a fail-open normalization result.
func ObserveNormalizationFailure(code string) {
	normalizationFailuresTotal.WithLabelValues(code).Inc()
}

// ObserveDetection counts a detection produced by rule.
func ObserveDetection(rule string) {
	detectionsTotal.WithLabelValues(rule).Inc()
}

// ObserveGraphVerification counts a graph verification.
func ObserveGraphVerification(mode string, valid bool) {
	outcome := OutcomeValid
	if !valid {
		outcome = OutcomeInvalid
	}
	graphVerificationsTotal.WithLabelValues(mode, outcome).Inc()
}

// ObserveCandidate counts a generated candidate.
func ObserveCandidate(band string) {
	candidatesTotal.WithLabelValues(band).Inc()
}

// ObservePromotionDecision counts a gate decision.
func ObservePromotionDecision(decision, authority string) {
	promotionDecisionsTotal.WithLabelValues(decision, authority).Inc()
}

// ObserveTransition counts an incident transition.
func ObserveTransition(from, to string) {
	incidentTransitionsTotal.WithLabelValues(from, to).Inc()
}

// ObserveOrchestration records candidate processing latency.
func ObserveOrchestration(duration time.Duration, err error) {
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeError
	}
	if duration < 0 {
		duration = 0
	}
	orchestrationSeconds.WithLabelValues(outcome).Observe(duration.Seconds())
}

// ObserveEventDelivery counts a domain event delivery attempt.
func ObserveEventDelivery(sink string, err error) {
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeError
	}
	eventDeliveriesTotal.WithLabelValues(sink, outcome).Inc()
}
