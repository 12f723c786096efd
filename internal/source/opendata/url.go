package opendata

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/souqlens/souqlens/internal/checkpoint"
)

var fromPlaceholders = []string{"{fromDate}", "{FromDate}", "{fromdate}"}
var toPlaceholders = []string{"{toDate}", "{ToDate}", "{todate}"}

var fromParamNames = map[string]bool{
	"fromdate": true, "from": true, "from_date": true, "start": true, "startdate": true,
}
var toParamNames = map[string]bool{
	"todate": true, "to": true, "to_date": true, "end": true, "enddate": true,
}

// PrepareURL substitutes the date window into a dataset download URL. Path
// placeholders like {fromDate}/{toDate} are replaced first; then any
// window-like query parameters are rewritten. URLs carrying neither get
// FromDate/ToDate parameters appended.
func PrepareURL(raw string, from, to checkpoint.Date) (string, error) {
	fromStr := from.Format("2006-01-02")
	toStr := to.Format("2006-01-02")

	for _, placeholder := range fromPlaceholders {
		raw = strings.ReplaceAll(raw, placeholder, fromStr)
	}
	for _, placeholder := range toPlaceholders {
		raw = strings.ReplaceAll(raw, placeholder, toStr)
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid dataset url %q: %w", raw, err)
	}

	params := parsed.Query()
	updated := false
	for key := range params {
		lower := strings.ToLower(key)
		if fromParamNames[lower] {
			params.Set(key, fromStr)
			updated = true
		} else if toParamNames[lower] {
			params.Set(key, toStr)
			updated = true
		}
	}
	if !updated && !strings.Contains(raw, fromStr) {
		params.Set("FromDate", fromStr)
		params.Set("ToDate", toStr)
	}

	parsed.RawQuery = params.Encode()
	return parsed.String(), nil
}
