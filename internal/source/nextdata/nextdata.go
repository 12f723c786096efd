// Package nextdata extracts structured payloads from Next.js pages: the
// __NEXT_DATA__ bootstrap JSON of server-rendered pages and the streamed
// self.__next_f.push chunks of app-router pages.
package nextdata

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var streamChunkRe = regexp.MustCompile(`(?s)self\.__next_f\.push\(\[1,"(.*?)"\]\)`)

// Bootstrap parses the __NEXT_DATA__ script of a server-rendered page.
func Bootstrap(html []byte) (map[string]any, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parsing page html: %w", err)
	}
	payload := doc.Find("script#__NEXT_DATA__").First().Text()
	if strings.TrimSpace(payload) == "" {
		return nil, fmt.Errorf("page has no __NEXT_DATA__ script")
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(payload), &data); err != nil {
		return nil, fmt.Errorf("decoding __NEXT_DATA__ payload: %w", err)
	}
	return data, nil
}

// StreamChunks returns the decoded self.__next_f.push chunks of an
// app-router page, in document order. Chunks that fail to decode as JSON
// string literals are skipped.
func StreamChunks(html []byte) []string {
	matches := streamChunkRe.FindAllSubmatch(html, -1)
	chunks := make([]string, 0, len(matches))
	for _, m := range matches {
		var decoded string
		if err := json.Unmarshal([]byte(`"`+string(m[1])+`"`), &decoded); err != nil {
			continue
		}
		if decoded != "" {
			chunks = append(chunks, decoded)
		}
	}
	return chunks
}

// BalancedObject returns the leading balanced JSON object of s, which must
// start at a '{'. String literals are skipped so embedded braces do not
// unbalance the scan.
func BalancedObject(s string) (string, bool) {
	if !strings.HasPrefix(s, "{") {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[:i+1], true
			}
		}
	}
	return "", false
}

// ObjectsWithPrefix decodes every JSON object in chunk that starts with the
// given literal prefix.
func ObjectsWithPrefix(chunk, prefix string) []map[string]any {
	var out []map[string]any
	idx := strings.Index(chunk, prefix)
	for idx != -1 {
		if candidate, ok := BalancedObject(chunk[idx:]); ok {
			var obj map[string]any
			if err := json.Unmarshal([]byte(candidate), &obj); err == nil {
				out = append(out, obj)
			}
		}
		next := strings.Index(chunk[idx+len(prefix):], prefix)
		if next == -1 {
			break
		}
		idx += len(prefix) + next
	}
	return out
}

// Walk traverses node breadth first, calling visit on every nested map and
// slice element. Traversal stops when visit returns false.
func Walk(node any, visit func(any) bool) {
	queue := []any{node}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if !visit(current) {
			return
		}
		switch v := current.(type) {
		case map[string]any:
			for _, child := range v {
				queue = append(queue, child)
			}
		case []any:
			queue = append(queue, v...)
		}
	}
}

// Dig resolves a path of map keys, returning nil when any hop is missing.
func Dig(node any, keys ...string) any {
	current := node
	for _, key := range keys {
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current = m[key]
	}
	return current
}
