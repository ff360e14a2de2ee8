package ingest

import (
	"encoding/csv"
	"regexp"
	"strings"

	"gateguard/internal/normalize"
)

var (
	reTimestamp = regexp.MustCompile(`^\s*([0-9]{4}-[0-9]{2}-[0-9]{2}[ T][0-9:.+-Z]+)`)
	reKV        = regexp.MustCompile(`(?i)([a-zA-Z_.]+)=([^\s]+)`)
	reSyslogTS  = regexp.MustCompile(`^\s*([A-Za-z]{3}\s+\d{1,2}\s+\d{2}:\d{2}:\d{2})`)
)

// Accepted spellings per field, in order of preference.
var (
	idKeys         = []string{"id", "checkin_id", "scan_id"}
	timestampKeys  = []string{"timestamp", "time", "ts", "scanned_at"}
	wristbandKeys  = []string{"wristband_id", "wristband", "uid", "card", "card_id", "tag", "band"}
	eventKeys      = []string{"event_id", "event"}
	gateKeys       = []string{"gate", "gate_id", "gate_name", "checkpoint", "reader", "reader_id", "device", "terminal"}
	outcomeKeys    = []string{"outcome", "result", "status"}
	errorKeys      = []string{"error", "error_code", "err"}
	categoryKeys   = []string{"category", "ticket_type", "tier"}
	processingKeys = []string{"processing_time_ms", "processing_ms", "latency_ms"}
	latKeys        = []string{"lat", "latitude", "location.lat", "location.latitude"}
	lngKeys        = []string{"lng", "lon", "longitude", "location.lng", "location.lon", "location.longitude"}
)

var knownKeys = func() map[string]bool {
	out := map[string]bool{}
	for _, group := range [][]string{idKeys, timestampKeys, wristbandKeys, eventKeys, gateKeys, outcomeKeys, errorKeys, categoryKeys, processingKeys, latKeys, lngKeys} {
		for _, k := range group {
			out[k] = true
		}
	}
	return out
}()

func fromMap(m map[string]string) *normalize.EventFields {
	return &normalize.EventFields{
		ID:           firstNonEmpty(m, idKeys...),
		Timestamp:    firstNonEmpty(m, timestampKeys...),
		WristbandID:  firstNonEmpty(m, wristbandKeys...),
		EventID:      firstNonEmpty(m, eventKeys...),
		Gate:         firstNonEmpty(m, gateKeys...),
		Outcome:      firstNonEmpty(m, outcomeKeys...),
		ErrorCode:    firstNonEmpty(m, errorKeys...),
		Category:     firstNonEmpty(m, categoryKeys...),
		ProcessingMs: firstNonEmpty(m, processingKeys...),
		Lat:          firstNonEmpty(m, latKeys...),
		Lng:          firstNonEmpty(m, lngKeys...),
		Extras:       m,
	}
}

// Parser recognises JSON objects, CSV rows and key=value log lines. A CSV
// header row is remembered, so use one Parser per stream.
type Parser struct {
	csv *CSVParser
}

func NewParser() *Parser {
	return &Parser{csv: NewCSVParser()}
}

func (p *Parser) ParseLine(line string) (*normalize.EventFields, error) {
	trim := strings.TrimSpace(line)
	if trim == "" {
		return nil, nil
	}
	if looksLikeJSON(trim) {
		if fields, err := ParseJSONBytes([]byte(trim)); err == nil {
			fields.Raw = line
			return fields, nil
		}
	}
	if strings.Contains(trim, ",") && !reKV.MatchString(trim) {
		fields, err := p.csv.Parse(trim)
		if err == nil {
			if fields == nil {
				return nil, nil
			}
			fields.Raw = line
			return fields, nil
		}
	}
	fields := parsePlain(trim)
	fields.Raw = line
	return fields, nil
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

// parsePlain reads "<timestamp> <gate> key=value ..." lines. The first bare
// token after the timestamp is the gate unless a gate key is present.
func parsePlain(line string) *normalize.EventFields {
	ts, rest := extractTimestamp(line)
	kv := map[string]string{}
	for _, match := range reKV.FindAllStringSubmatch(line, -1) {
		kv[strings.ToLower(match[1])] = match[2]
	}
	if ts != "" && firstNonEmpty(kv, timestampKeys...) == "" {
		kv["timestamp"] = ts
	}
	fields := fromMap(kv)
	if fields.Gate == "" {
		for _, tok := range strings.Fields(rest) {
			if !strings.Contains(tok, "=") {
				fields.Gate = tok
			}
			break
		}
	}
	return fields
}

func extractTimestamp(line string) (string, string) {
	m := reTimestamp.FindStringSubmatchIndex(line)
	if len(m) >= 4 {
		ts := strings.TrimSpace(line[m[2]:m[3]])
		rest := strings.TrimSpace(line[m[3]:])
		return ts, rest
	}
	m = reSyslogTS.FindStringSubmatchIndex(line)
	if len(m) >= 4 {
		ts := strings.TrimSpace(line[m[2]:m[3]])
		rest := strings.TrimSpace(line[m[3]:])
		return ts, rest
	}
	return "", line
}

func firstNonEmpty(m map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(m[k]); v != "" {
			return v
		}
	}
	return ""
}

// CSVParser reads rows either by a header seen earlier in the stream or
// positionally as timestamp, gate, wristband, outcome, event, category.
type CSVParser struct {
	header []string
}

func NewCSVParser() *CSVParser {
	return &CSVParser{}
}

var csvPositions = []string{"timestamp", "gate", "wristband_id", "outcome", "event_id", "category"}

func (p *CSVParser) Parse(line string) (*normalize.EventFields, error) {
	r := csv.NewReader(strings.NewReader(line))
	r.TrimLeadingSpace = true
	record, err := r.Read()
	if err != nil {
		return nil, err
	}
	if len(record) == 0 {
		return nil, nil
	}
	if p.header == nil && looksLikeHeader(record) {
		p.header = normalizeHeader(record)
		return nil, nil
	}
	names := p.header
	if names == nil {
		names = csvPositions
	}
	m := make(map[string]string, len(record))
	for i, name := range names {
		if i >= len(record) {
			break
		}
		m[name] = strings.TrimSpace(record[i])
	}
	return fromMap(m), nil
}

func looksLikeHeader(record []string) bool {
	for _, v := range record {
		if knownKeys[strings.ToLower(strings.TrimSpace(v))] {
			return true
		}
	}
	return false
}

func normalizeHeader(record []string) []string {
	out := make([]string, len(record))
	for i, v := range record {
		out[i] = strings.ToLower(strings.TrimSpace(v))
	}
	return out
}
