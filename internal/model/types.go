package model

import "time"

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeDenied  Outcome = "denied"
	OutcomeFraud   Outcome = "fraud"
	OutcomeError   Outcome = "error"
	OutcomeBlocked Outcome = "blocked"
)

func (o Outcome) Valid() bool {
	switch o {
	case OutcomeSuccess, OutcomeDenied, OutcomeFraud, OutcomeError, OutcomeBlocked:
		return true
	}
	return false
}

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Notifiable reports whether alerts of this severity are pushed to the
// notification channel.
func (s Severity) Notifiable() bool {
	return s == SeverityHigh || s == SeverityCritical
}

const (
	AlertFraudDetection     = "fraud_detection"
	AlertImpossibleLocation = "impossible_location"
	AlertAutoBlock          = "auto_block"
	AlertSweepBlock         = "sweep_block"
	AlertBindingViolation   = "binding_violation"
	AlertMergeSuggestion    = "gate_merge_suggestion"
	AlertGatePromoted       = "gate_promoted"
)

type Coordinates struct {
	Lat float64 `json:"lat" yaml:"lat" validate:"gte=-90,lte=90"`
	Lng float64 `json:"lng" yaml:"lng" validate:"gte=-180,lte=180"`
}

// Point is a position on a venue map, in pixels.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// CheckinRequest is an inbound scan before it has been scored or persisted.
type CheckinRequest struct {
	ID               string       `json:"id,omitempty"`
	WristbandID      string       `json:"wristband_id" validate:"required,max=128"`
	EventID          string       `json:"event_id" validate:"required,max=128"`
	Gate             string       `json:"gate" validate:"required,max=256"`
	Timestamp        time.Time    `json:"timestamp"`
	Outcome          Outcome      `json:"outcome" validate:"required,oneof=success denied fraud error"`
	ProcessingTimeMs int64        `json:"processing_time_ms,omitempty" validate:"gte=0"`
	Category         string       `json:"category,omitempty" validate:"max=64"`
	Location         *Coordinates `json:"location,omitempty"`
	Source           string       `json:"source,omitempty"`
}

type CheckinEvent struct {
	ID               string            `json:"id"`
	Seq              int64             `json:"seq"`
	WristbandID      string            `json:"wristband_id"`
	EventID          string            `json:"event_id"`
	GateID           string            `json:"gate_id,omitempty"`
	GateName         string            `json:"gate_name"`
	Timestamp        time.Time         `json:"timestamp"`
	Outcome          Outcome           `json:"outcome"`
	ProcessingTimeMs int64             `json:"processing_time_ms"`
	Category         string            `json:"category,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// CheckinResult is what RecordCheckin hands back to the scanning client.
type CheckinResult struct {
	CheckinID  string  `json:"checkin_id"`
	Outcome    Outcome `json:"outcome"`
	GateID     string  `json:"gate_id,omitempty"`
	FraudScore int     `json:"fraud_score"`
	Blocked    bool    `json:"blocked"`
	Duplicate  bool    `json:"duplicate,omitempty"`
}

// QueuedCheckin is a request waiting for an engine worker. Done, when set,
// is called with the outcome once the worker has processed it.
type QueuedCheckin struct {
	Request CheckinRequest
	Done    func(CheckinResult, error)
}

type WristbandFraudState struct {
	WristbandID     string     `json:"wristband_id"`
	EventID         string     `json:"event_id"`
	CheckinCount    int        `json:"checkin_count"`
	RapidCheckins   int        `json:"rapid_checkins"`
	BlockedAttempts int        `json:"blocked_attempts"`
	Last5mCount     int        `json:"last_5m_count"`
	Last1hCount     int        `json:"last_1h_count"`
	FraudScore      int        `json:"fraud_score"`
	LastCheckinAt   time.Time  `json:"last_checkin_at"`
	BlockedAt       *time.Time `json:"blocked_at,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

const (
	BlockSourceAuto  = "auto"
	BlockSourceSweep = "sweep"
)

type WristbandBlock struct {
	EventID     string    `json:"event_id"`
	WristbandID string    `json:"wristband_id"`
	BlockedAt   time.Time `json:"blocked_at"`
	Reason      string    `json:"reason"`
	Score       int       `json:"score"`
	Source      string    `json:"source"`
}

type GateStatus string

const (
	GateProbation GateStatus = "probation"
	GateApproved  GateStatus = "approved"
	GateRejected  GateStatus = "rejected"
	GateActive    GateStatus = "active"
	GateInactive  GateStatus = "inactive"
)

type Gate struct {
	ID              string       `json:"id"`
	EventID         string       `json:"event_id"`
	Name            string       `json:"name"`
	Status          GateStatus   `json:"status"`
	Coordinates     *Coordinates `json:"coordinates,omitempty"`
	MapPosition     *Point       `json:"map_position,omitempty"`
	AutoCreated     bool         `json:"auto_created"`
	ConfidenceScore int          `json:"confidence_score"`
	CheckinCount    int          `json:"checkin_count"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

type SuggestionStatus string

const (
	SuggestionPending  SuggestionStatus = "pending"
	SuggestionApproved SuggestionStatus = "approved"
	SuggestionRejected SuggestionStatus = "rejected"
	SuggestionMerged   SuggestionStatus = "merged"
)

func (s SuggestionStatus) Terminal() bool {
	return s != SuggestionPending
}

type GateMergeSuggestion struct {
	ID              string           `json:"id"`
	EventID         string           `json:"event_id"`
	PrimaryGateID   string           `json:"primary_gate_id"`
	SecondaryGateID string           `json:"secondary_gate_id"`
	ConfidenceScore int              `json:"confidence_score"`
	NameSimilarity  float64          `json:"name_similarity"`
	Reasoning       string           `json:"reasoning"`
	DistanceMeters  *float64         `json:"distance_meters,omitempty"`
	Status          SuggestionStatus `json:"status"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

type BindingStatus string

const (
	BindingUnbound   BindingStatus = "unbound"
	BindingProbation BindingStatus = "probation"
	BindingEnforced  BindingStatus = "enforced"
	BindingRejected  BindingStatus = "rejected"
)

func (s BindingStatus) Valid() bool {
	switch s {
	case BindingUnbound, BindingProbation, BindingEnforced, BindingRejected:
		return true
	}
	return false
}

type GateBinding struct {
	GateID         string        `json:"gate_id"`
	EventID        string        `json:"event_id"`
	Category       string        `json:"category"`
	Status         BindingStatus `json:"status"`
	Confidence     float64       `json:"confidence"`
	SampleCount    int           `json:"sample_count"`
	MatchCount     int           `json:"match_count"`
	ViolationCount int           `json:"violation_count"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

type SystemAlert struct {
	ID         string         `json:"id"`
	EventID    string         `json:"event_id"`
	AlertType  string         `json:"alert_type"`
	Severity   Severity       `json:"severity"`
	Message    string         `json:"message"`
	Data       map[string]any `json:"data,omitempty"`
	Resolved   bool           `json:"resolved"`
	CreatedAt  time.Time      `json:"created_at"`
	ResolvedAt *time.Time     `json:"resolved_at,omitempty"`
}

// Notification is the structured payload handed to the notification
// channel. Rendering is left to the consumer.
type Notification struct {
	EventID   string         `json:"event_id"`
	AlertType string         `json:"alert_type"`
	Severity  Severity       `json:"severity"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
}

func NotificationFor(a SystemAlert) Notification {
	return Notification{
		EventID:   a.EventID,
		AlertType: a.AlertType,
		Severity:  a.Severity,
		Message:   a.Message,
		Data:      a.Data,
	}
}

type AuditEntry struct {
	ID          string            `json:"id"`
	EventID     string            `json:"event_id"`
	Actor       string            `json:"actor"`
	Action      string            `json:"action"`
	SubjectType string            `json:"subject_type"`
	SubjectID   string            `json:"subject_id"`
	Details     map[string]string `json:"details,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// ImpossibleTravel is one flagged pair of check-ins.
type ImpossibleTravel struct {
	WristbandID     string  `json:"wristband_id"`
	EventID         string  `json:"event_id"`
	FromCheckinID   string  `json:"from_checkin_id"`
	ToCheckinID     string  `json:"to_checkin_id"`
	FromGateID      string  `json:"from_gate_id"`
	ToGateID        string  `json:"to_gate_id"`
	DistanceMeters  float64 `json:"distance_meters"`
	TimeDiffSeconds float64 `json:"time_diff_seconds"`
	SpeedKmh        float64 `json:"speed_kmh"`
}
