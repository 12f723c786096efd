// Package opendata adapts a government open-data portal. The portal page is
// a Next.js application whose __NEXT_DATA__ bootstrap lists every dataset;
// each dataset either embeds its table inline or links a download endpoint
// that accepts a date window.
package opendata

import (
	"context"
	"crypto/sha1"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/souqlens/souqlens/internal/checkpoint"
	"github.com/souqlens/souqlens/internal/pipeline"
	"github.com/souqlens/souqlens/internal/source/nextdata"
)

// Dataset names one table on the portal.
type Dataset struct {
	// Key is the dataset identifier used in document ids and state.
	Key string
	// Label matches the dataset's display title on the portal.
	Label string
	// Slug matches the dataset's slug/key in the bootstrap JSON.
	Slug string
}

// Config locates the portal and the dataset to ingest.
type Config struct {
	PageURL string
	Dataset Dataset
}

// Source implements pipeline.WindowedSource for one dataset.
type Source struct {
	cfg Config
	now func() time.Time
}

func New(cfg Config) *Source {
	cfg.Dataset.Slug = strings.ToLower(cfg.Dataset.Slug)
	if cfg.Dataset.Slug == "" {
		cfg.Dataset.Slug = strings.ToLower(cfg.Dataset.Key)
	}
	return &Source{cfg: cfg, now: time.Now}
}

// Fetch locates the dataset node on the portal page and returns its rows
// for the window, either from the inline table or by downloading the
// dataset endpoint with the window substituted in.
func (s *Source) Fetch(ctx context.Context, get pipeline.Getter, from, to checkpoint.Date) ([]pipeline.Record, error) {
	body, err := get(ctx, s.cfg.PageURL)
	if err != nil {
		return nil, fmt.Errorf("fetching portal page: %w", err)
	}
	data, err := nextdata.Bootstrap(body)
	if err != nil {
		return nil, fmt.Errorf("reading portal page data: %w", err)
	}

	node := s.findDatasetNode(data)
	if node == nil {
		return nil, fmt.Errorf("dataset %q not found on portal page", s.cfg.Dataset.Key)
	}

	var rows []map[string]any
	sourceURL := s.cfg.PageURL

	if table := extractTableNode(node); table != nil {
		rows = tableToRows(table)
	} else {
		dataURL := extractDataURL(node)
		if dataURL == "" {
			return nil, fmt.Errorf("dataset %q has no inline table or download endpoint", s.cfg.Dataset.Key)
		}
		prepared, err := PrepareURL(dataURL, from, to)
		if err != nil {
			return nil, err
		}
		payload, err := get(ctx, prepared)
		if err != nil {
			return nil, fmt.Errorf("downloading dataset %q: %w", s.cfg.Dataset.Key, err)
		}
		rows, err = parsePayload(payload)
		if err != nil {
			return nil, fmt.Errorf("parsing dataset %q payload: %w", s.cfg.Dataset.Key, err)
		}
		sourceURL = prepared
	}

	extractedAt := s.now().UTC().Format(time.RFC3339)
	records := make([]pipeline.Record, 0, len(rows))
	for _, row := range rows {
		row["_dataset"] = s.cfg.Dataset.Key
		row["_source_url"] = sourceURL
		row["_extracted_at_iso"] = extractedAt
		records = append(records, pipeline.Record{
			Identifier: s.recordID(row),
			Fields:     row,
		})
	}
	return records, nil
}

// recordID prefers the row's own id prefixed with the dataset key; rows
// without one get a fingerprint of their content so re-ingesting the same
// row stays idempotent.
func (s *Source) recordID(row map[string]any) string {
	for _, key := range []string{"_id", "id"} {
		if v := row[key]; v != nil {
			switch id := v.(type) {
			case string:
				if id != "" {
					return s.cfg.Dataset.Key + "-" + id
				}
			case float64:
				return fmt.Sprintf("%s-%.0f", s.cfg.Dataset.Key, id)
			}
		}
	}
	return s.cfg.Dataset.Key + "-" + fingerprint(row)
}

// fingerprint hashes the row's non-synthetic fields in key order.
func fingerprint(row map[string]any) string {
	keys := make([]string, 0, len(row))
	for k := range row {
		if strings.HasPrefix(k, "_") {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha1.New()
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%v;", k, row[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// findDatasetNode walks the bootstrap JSON breadth first for a node whose
// slug or title matches the dataset.
func (s *Source) findDatasetNode(data map[string]any) map[string]any {
	targetSlug := s.cfg.Dataset.Slug
	targetLabel := strings.ToLower(s.cfg.Dataset.Label)

	var found map[string]any
	nextdata.Walk(data, func(node any) bool {
		m, ok := node.(map[string]any)
		if !ok {
			return true
		}
		slug := strings.ToLower(firstString(m["slug"], m["key"], m["id"]))
		title := strings.ToLower(firstString(m["title"], m["name"], m["label"]))
		if (slug != "" && slug == targetSlug) || (title != "" && title == targetLabel) {
			found = m
			return false
		}
		return true
	})
	return found
}

func extractTableNode(node map[string]any) map[string]any {
	for _, key := range []string{"table", "tableData", "grid", "dataTable"} {
		if table, ok := node[key].(map[string]any); ok {
			return table
		}
	}
	for _, value := range node {
		if child, ok := value.(map[string]any); ok {
			if table := extractTableNode(child); table != nil {
				return table
			}
		}
	}
	return nil
}

func extractDataURL(node map[string]any) string {
	for _, key := range []string{"downloadUrl", "dataUrl", "csvUrl", "apiUrl"} {
		if url, ok := node[key].(string); ok && strings.TrimSpace(url) != "" {
			return strings.TrimSpace(url)
		}
	}
	return ""
}

// tableToRows converts the portal's table shape (named columns plus rows of
// arrays or maps) into flat records.
func tableToRows(table map[string]any) []map[string]any {
	columns := columnNames(table["columns"], table["headers"])

	data := table["rows"]
	if data == nil {
		data = table["data"]
	}
	if data == nil {
		data = table["body"]
	}
	if wrapper, ok := data.(map[string]any); ok {
		for _, key := range []string{"items", "rows", "data"} {
			if inner, ok := wrapper[key].([]any); ok {
				data = inner
				break
			}
		}
	}

	list, _ := data.([]any)
	rows := make([]map[string]any, 0, len(list))
	for _, raw := range list {
		switch row := raw.(type) {
		case map[string]any:
			rows = append(rows, row)
		case []any:
			record := make(map[string]any, len(row))
			for i, value := range row {
				key := fmt.Sprintf("column_%d", i)
				if i < len(columns) {
					key = columns[i]
				}
				record[key] = value
			}
			rows = append(rows, record)
		}
	}
	return rows
}

func columnNames(candidates ...any) []string {
	for _, candidate := range candidates {
		list, ok := candidate.([]any)
		if !ok {
			continue
		}
		var names []string
		for _, raw := range list {
			switch col := raw.(type) {
			case map[string]any:
				name := firstString(col["dataIndex"], col["key"], col["field"],
					col["id"], col["name"], col["title"], col["label"])
				if name != "" {
					names = append(names, name)
				}
			case string:
				names = append(names, col)
			}
		}
		if len(names) > 0 {
			return names
		}
	}
	return nil
}

// parsePayload decodes a downloaded dataset body, sniffing JSON against
// header-prefixed CSV since the endpoints are inconsistent about content
// types.
func parsePayload(payload []byte) ([]map[string]any, error) {
	trimmed := strings.TrimSpace(string(payload))
	if trimmed == "" {
		return nil, nil
	}
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		var decoded any
		if err := json.Unmarshal([]byte(trimmed), &decoded); err != nil {
			return nil, fmt.Errorf("decoding json payload: %w", err)
		}
		return jsonToRows(decoded), nil
	}
	return csvToRows(trimmed)
}

// jsonToRows finds the row collection in an arbitrary payload shape: a bare
// array, a table object, a rows/data/items wrapper, or any of those nested
// below the top level.
func jsonToRows(payload any) []map[string]any {
	switch v := payload.(type) {
	case []any:
		return anySliceToRows(v)
	case map[string]any:
		if _, hasCols := v["columns"]; hasCols {
			if v["rows"] != nil || v["data"] != nil {
				return tableToRows(v)
			}
		}
		for _, key := range []string{"table", "tableData", "grid", "dataTable"} {
			if table, ok := v[key].(map[string]any); ok {
				return tableToRows(table)
			}
		}
		for _, key := range []string{"data", "rows", "items", "records"} {
			if list, ok := v[key].([]any); ok {
				return anySliceToRows(list)
			}
		}
		for _, value := range v {
			if rows := jsonToRows(value); len(rows) > 0 {
				return rows
			}
		}
	}
	return nil
}

func anySliceToRows(list []any) []map[string]any {
	rows := make([]map[string]any, 0, len(list))
	for _, raw := range list {
		if row, ok := raw.(map[string]any); ok {
			rows = append(rows, row)
		}
	}
	return rows
}

func csvToRows(payload string) ([]map[string]any, error) {
	reader := csv.NewReader(strings.NewReader(payload))
	reader.FieldsPerRecord = -1
	all, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("decoding csv payload: %w", err)
	}
	if len(all) < 2 {
		return nil, nil
	}
	header := all[0]
	rows := make([]map[string]any, 0, len(all)-1)
	for _, line := range all[1:] {
		row := make(map[string]any, len(header))
		for i, value := range line {
			key := fmt.Sprintf("column_%d", i)
			if i < len(header) {
				key = header[i]
			}
			row[key] = value
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func firstString(values ...any) string {
	for _, v := range values {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return ""
}
