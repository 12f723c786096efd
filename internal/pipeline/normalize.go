package pipeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/araddon/dateparse"
)

// isoSuffix marks the normalized companion of a timestamp field. Index
// mappings treat *_iso fields as dates.
const isoSuffix = "_iso"

// Normalizer resolves the listing timestamp of a record. Source records
// carry dates under inconsistent names and formats; the normalizer walks a
// priority list of candidate fields, takes the first parseable one, and
// writes it back under OutField both raw and as ISO-8601 UTC.
type Normalizer struct {
	// Candidates are the field names to probe, most trusted first.
	Candidates []string
	// OutField is the canonical field the chosen value is stored under.
	OutField string
}

// Normalize mutates doc in place and returns the parsed timestamp. When no
// candidate parses, OutField and its _iso companion are set to nil and ok
// is false.
func (n Normalizer) Normalize(doc map[string]any) (ts time.Time, ok bool) {
	out := n.OutField
	if out == "" {
		out = "listed_date"
	}

	for _, field := range n.Candidates {
		raw, exists := doc[field]
		if !exists || raw == nil {
			continue
		}
		parsed, err := parseTimestamp(raw)
		if err != nil {
			continue
		}
		doc[out] = raw
		doc[out+isoSuffix] = parsed.UTC().Format(time.RFC3339)
		return parsed.UTC(), true
	}

	doc[out] = nil
	doc[out+isoSuffix] = nil
	return time.Time{}, false
}

func parseTimestamp(raw any) (time.Time, error) {
	switch v := raw.(type) {
	case time.Time:
		return v, nil
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return time.Time{}, fmt.Errorf("empty timestamp")
		}
		return dateparse.ParseAny(s)
	case float64:
		// JSON numbers decode as float64; treat as a unix timestamp,
		// milliseconds when too large for seconds.
		sec := int64(v)
		if sec > 1e12 {
			return time.UnixMilli(sec), nil
		}
		return time.Unix(sec, 0), nil
	case int64:
		if v > 1e12 {
			return time.UnixMilli(v), nil
		}
		return time.Unix(v, 0), nil
	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp type %T", raw)
	}
}
