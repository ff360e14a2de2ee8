package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"gateguard/internal/normalize"
)

// ParseJSONBytes decodes one JSON object. Numbers keep their literal form
// so unix timestamps survive.
func ParseJSONBytes(data []byte) (*normalize.EventFields, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, err
	}
	return ParseJSONMap(obj), nil
}

// ParseJSONMap maps a decoded object onto event fields. Nested objects are
// flattened with dotted keys, so {"location": {"lat": 1}} yields
// location.lat.
func ParseJSONMap(obj map[string]any) *normalize.EventFields {
	flat := make(map[string]string, len(obj))
	flatten("", obj, flat)
	return fromMap(flat)
}

func flatten(prefix string, obj map[string]any, out map[string]string) {
	for key, val := range obj {
		key = strings.ToLower(key)
		if prefix != "" {
			key = prefix + "." + key
		}
		switch v := val.(type) {
		case nil:
		case map[string]any:
			flatten(key, v, out)
		default:
			out[key] = fmt.Sprint(v)
		}
	}
}
