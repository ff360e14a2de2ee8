package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collectors groups the service's Prometheus instruments. All methods are
// safe on a nil receiver so components can run without metrics.
type Collectors struct {
	checkins         *prometheus.CounterVec
	fraudScore       prometheus.Histogram
	scoringFailures  prometheus.Counter
	scoringDuration  prometheus.Histogram
	blocks           *prometheus.CounterVec
	alerts           *prometheus.CounterVec
	travelFlags      prometheus.Counter
	gatesCreated     prometheus.Counter
	gatePromotions   prometheus.Counter
	gateMerges       prometheus.Counter
	mergeSuggestions prometheus.Counter
	bindingViolation prometheus.Counter
	ingestDropped    *prometheus.CounterVec
	sweepDuration    *prometheus.HistogramVec
}

func NewCollectors(reg prometheus.Registerer) *Collectors {
	f := promauto.With(reg)
	return &Collectors{
		checkins: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gateguard_checkins_total",
			Help: "Recorded check-ins by final outcome",
		}, []string{"outcome"}),
		fraudScore: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "gateguard_fraud_score",
			Help:    "Distribution of computed wristband fraud scores",
			Buckets: []float64{0, 15, 25, 50, 75, 90, 100},
		}),
		scoringFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "gateguard_scoring_failures_total",
			Help: "Check-ins recorded without a score because scoring failed",
		}),
		scoringDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "gateguard_checkin_processing_seconds",
			Help:    "Time spent recording and scoring one check-in",
			Buckets: prometheus.DefBuckets,
		}),
		blocks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gateguard_wristband_blocks_total",
			Help: "Wristbands blocked by source",
		}, []string{"source"}),
		alerts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gateguard_alerts_total",
			Help: "System alerts raised by type and severity",
		}, []string{"alert_type", "severity"}),
		travelFlags: f.NewCounter(prometheus.CounterOpts{
			Name: "gateguard_impossible_travel_total",
			Help: "Impossible-travel pairs flagged during ingest",
		}),
		gatesCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "gateguard_gates_created_total",
			Help: "Gates created automatically or by operators",
		}),
		gatePromotions: f.NewCounter(prometheus.CounterOpts{
			Name: "gateguard_gate_promotions_total",
			Help: "Probation gates promoted to approved",
		}),
		gateMerges: f.NewCounter(prometheus.CounterOpts{
			Name: "gateguard_gate_merges_total",
			Help: "Gates merged into another gate",
		}),
		mergeSuggestions: f.NewCounter(prometheus.CounterOpts{
			Name: "gateguard_merge_suggestions_total",
			Help: "New gate merge suggestions",
		}),
		bindingViolation: f.NewCounter(prometheus.CounterOpts{
			Name: "gateguard_binding_violations_total",
			Help: "Check-ins whose category mismatched an enforced binding",
		}),
		ingestDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gateguard_ingest_dropped_total",
			Help: "Inbound check-ins dropped because the queue was full",
		}, []string{"source"}),
		sweepDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateguard_sweep_seconds",
			Help:    "Duration of periodic sweeps",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
	}
}

func (c *Collectors) Checkin(outcome string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.checkins.WithLabelValues(outcome).Inc()
	c.scoringDuration.Observe(elapsed.Seconds())
}

func (c *Collectors) Score(score int) {
	if c == nil {
		return
	}
	c.fraudScore.Observe(float64(score))
}

func (c *Collectors) ScoringFailed() {
	if c == nil {
		return
	}
	c.scoringFailures.Inc()
}

func (c *Collectors) Blocked(source string) {
	if c == nil {
		return
	}
	c.blocks.WithLabelValues(source).Inc()
}

func (c *Collectors) Alert(alertType, severity string) {
	if c == nil {
		return
	}
	c.alerts.WithLabelValues(alertType, severity).Inc()
}

func (c *Collectors) ImpossibleTravel(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.travelFlags.Add(float64(n))
}

func (c *Collectors) GateCreated() {
	if c == nil {
		return
	}
	c.gatesCreated.Inc()
}

func (c *Collectors) GatePromoted() {
	if c == nil {
		return
	}
	c.gatePromotions.Inc()
}

func (c *Collectors) GateMerged() {
	if c == nil {
		return
	}
	c.gateMerges.Inc()
}

func (c *Collectors) MergeSuggested() {
	if c == nil {
		return
	}
	c.mergeSuggestions.Inc()
}

func (c *Collectors) BindingViolation() {
	if c == nil {
		return
	}
	c.bindingViolation.Inc()
}

func (c *Collectors) Dropped(source string) {
	if c == nil {
		return
	}
	c.ingestDropped.WithLabelValues(source).Inc()
}

func (c *Collectors) Sweep(kind string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.sweepDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
}
