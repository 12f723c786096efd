package fetch

import (
	"bytes"
	"strings"
)

// Markers that identify an anti-bot interstitial regardless of source.
// Sources can append their own through Config.Markers.
var challengeMarkers = []string{
	"recaptcha",
	"i'm not a robot",
	"confirm you are human",
	"verify you are human",
	"checking your browser",
	"cf-challenge",
}

// maxInspectBytes bounds how much of a body is scanned for markers; real
// challenge pages are small and carry their markers near the top.
const maxInspectBytes = 256 << 10

// isChallenge reports whether a response looks like an anti-automation
// challenge page. Only HTML bodies are inspected: JSON and CSV payloads may
// legitimately contain marker words in their data.
func isChallenge(resp Response, extraMarkers []string) bool {
	if len(resp.Body) == 0 {
		return false
	}
	if ct := strings.ToLower(resp.ContentType); ct != "" && !strings.Contains(ct, "text/html") {
		return false
	}

	body := resp.Body
	if len(body) > maxInspectBytes {
		body = body[:maxInspectBytes]
	}
	lowered := string(bytes.ToLower(body))

	for _, marker := range challengeMarkers {
		if strings.Contains(lowered, marker) {
			return true
		}
	}
	for _, marker := range extraMarkers {
		if marker != "" && strings.Contains(lowered, strings.ToLower(marker)) {
			return true
		}
	}
	return false
}
