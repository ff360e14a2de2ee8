// Package normalize turns loosely typed scanner fields into check-in
// requests.
package normalize

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gateguard/internal/config"
	"gateguard/internal/model"
)

// EventFields are the raw values a parser extracted from one scan record.
type EventFields struct {
	ID           string
	Timestamp    string
	WristbandID  string
	EventID      string
	Gate         string
	Outcome      string
	ErrorCode    string
	Category     string
	ProcessingMs string
	Lat          string
	Lng          string
	Extras       map[string]string
	Raw          string
}

// Normalize builds a check-in request. Field validation is left to the
// engine; only values that cannot be parsed at all fail here.
func Normalize(fields EventFields, cfg *config.Config) (model.CheckinRequest, error) {
	eventID := strings.TrimSpace(fields.EventID)
	if eventID == "" {
		eventID = cfg.Ingest.Parser.DefaultEventID
	}

	loc := time.UTC
	if cfg.Ingest.Parser.Timezone != "" {
		if l, err := time.LoadLocation(cfg.Ingest.Parser.Timezone); err == nil {
			loc = l
		}
	}

	var ts time.Time
	if fields.Timestamp != "" {
		parsed, err := ParseTimestamp(fields.Timestamp, loc)
		if err != nil {
			return model.CheckinRequest{}, fmt.Errorf("parse timestamp: %w", err)
		}
		ts = parsed.UTC()
	}

	req := model.CheckinRequest{
		ID:          strings.TrimSpace(fields.ID),
		WristbandID: strings.TrimSpace(fields.WristbandID),
		EventID:     eventID,
		Gate:        strings.TrimSpace(fields.Gate),
		Timestamp:   ts,
		Outcome:     ParseOutcome(fields.Outcome, fields.ErrorCode),
		Category:    strings.TrimSpace(fields.Category),
	}
	if v := strings.TrimSpace(fields.ProcessingMs); v != "" {
		ms, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return model.CheckinRequest{}, fmt.Errorf("parse processing time: %w", err)
		}
		req.ProcessingTimeMs = int64(ms)
	}
	position, err := parseLocation(fields.Lat, fields.Lng)
	if err != nil {
		return model.CheckinRequest{}, err
	}
	req.Location = position
	return req, nil
}

func parseLocation(lat, lng string) (*model.Coordinates, error) {
	lat, lng = strings.TrimSpace(lat), strings.TrimSpace(lng)
	if lat == "" && lng == "" {
		return nil, nil
	}
	if lat == "" || lng == "" {
		return nil, errors.New("location needs both lat and lng")
	}
	la, err := strconv.ParseFloat(lat, 64)
	if err != nil {
		return nil, fmt.Errorf("parse lat: %w", err)
	}
	ln, err := strconv.ParseFloat(lng, 64)
	if err != nil {
		return nil, fmt.Errorf("parse lng: %w", err)
	}
	return &model.Coordinates{Lat: la, Lng: ln}, nil
}

// ParseOutcome maps the many spellings scanners use onto an outcome. An
// error code without a recognised result counts as an error.
func ParseOutcome(result string, errorCode string) model.Outcome {
	n := strings.ToLower(strings.TrimSpace(result))
	switch n {
	case "ok", "success", "allow", "allowed", "granted", "pass", "valid", "accepted":
		return model.OutcomeSuccess
	case "denied", "deny", "reject", "rejected", "invalid", "refused",
		"blocked", "block", "banned", "blacklisted":
		// blocked is assigned by the engine only; a scanner-side ban is a denial.
		return model.OutcomeDenied
	case "fraud", "fraudulent", "clone", "cloned":
		return model.OutcomeFraud
	case "error", "fail", "failure", "timeout", "fault":
		return model.OutcomeError
	}
	if strings.TrimSpace(errorCode) != "" {
		return model.OutcomeError
	}
	if n == "" {
		return model.OutcomeSuccess
	}
	return model.Outcome(n)
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05Z0700",
	"Jan 02 15:04:05",
	"Jan 2 15:04:05",
}

// ParseTimestamp accepts RFC 3339, common log layouts and unix seconds or
// milliseconds. Layouts without a zone are read in loc.
func ParseTimestamp(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if isNumeric(value) {
		if ts, err := parseUnix(value); err == nil {
			return ts, nil
		}
	}
	for _, layout := range timestampLayouts {
		if layout == "Jan 02 15:04:05" || layout == "Jan 2 15:04:05" {
			if t, err := time.ParseInLocation(layout, value, loc); err == nil {
				now := time.Now().In(loc)
				return time.Date(now.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), loc), nil
			}
			continue
		}
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", value)
}

func isNumeric(value string) bool {
	for _, ch := range value {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return len(value) > 0
}

func parseUnix(value string) (time.Time, error) {
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	if len(value) >= 13 {
		return time.UnixMilli(n).UTC(), nil
	}
	return time.Unix(n, 0).UTC(), nil
}
