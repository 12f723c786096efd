package pipeline

import (
	"testing"
	"time"
)

func TestNormalizer_Normalize_PriorityOrder(t *testing.T) {
	n := Normalizer{Candidates: []string{"instance_date", "created_at"}, OutField: "listed_date"}

	doc := map[string]any{
		"instance_date": "2024-01-12",
		"created_at":    "2023-06-01T10:00:00Z",
	}
	ts, ok := n.Normalize(doc)
	if !ok {
		t.Fatal("Normalize() found no parseable timestamp")
	}
	if ts.Format("2006-01-02") != "2024-01-12" {
		t.Errorf("Normalize() picked %s, want the first candidate 2024-01-12", ts)
	}
	if doc["listed_date"] != "2024-01-12" {
		t.Errorf("raw field = %v, want 2024-01-12", doc["listed_date"])
	}
	if doc["listed_date_iso"] != "2024-01-12T00:00:00Z" {
		t.Errorf("iso field = %v, want 2024-01-12T00:00:00Z", doc["listed_date_iso"])
	}
}

func TestNormalizer_Normalize_FallsThroughUnparseable(t *testing.T) {
	n := Normalizer{Candidates: []string{"instance_date", "created_at"}, OutField: "listed_date"}

	doc := map[string]any{
		"instance_date": "not a date",
		"created_at":    "12 Jan 2024",
	}
	ts, ok := n.Normalize(doc)
	if !ok {
		t.Fatal("Normalize() found no parseable timestamp")
	}
	if ts.Format("2006-01-02") != "2024-01-12" {
		t.Errorf("Normalize() = %s, want 2024-01-12 from the second candidate", ts)
	}
}

func TestNormalizer_Normalize_NothingParseable(t *testing.T) {
	n := Normalizer{Candidates: []string{"instance_date"}, OutField: "listed_date"}

	doc := map[string]any{"instance_date": "garbage", "price": 100.0}
	if _, ok := n.Normalize(doc); ok {
		t.Fatal("Normalize() parsed garbage")
	}
	if v, present := doc["listed_date"]; !present || v != nil {
		t.Errorf("raw field = %v, want explicit nil", v)
	}
	if v, present := doc["listed_date_iso"]; !present || v != nil {
		t.Errorf("iso field = %v, want explicit nil", v)
	}
}

func TestNormalizer_Normalize_UnixMillis(t *testing.T) {
	n := Normalizer{Candidates: []string{"added"}, OutField: "listed_date"}

	// JSON decoding hands numbers over as float64.
	doc := map[string]any{"added": float64(1705017600000)}
	ts, ok := n.Normalize(doc)
	if !ok {
		t.Fatal("Normalize() rejected millisecond timestamp")
	}
	if got := ts.UTC().Format(time.RFC3339); got != "2024-01-12T00:00:00Z" {
		t.Errorf("Normalize() = %s, want 2024-01-12T00:00:00Z", got)
	}
}

func TestMerge_DetailOverridesOnlyNonNil(t *testing.T) {
	summary := map[string]any{"price": 50000.0, "mileage": 12000.0, "color": "red"}
	detail := map[string]any{"price": 48000.0, "mileage": nil, "engine": "2.0L"}

	out := merge(summary, detail)
	if out["price"] != 48000.0 {
		t.Errorf("price = %v, want detail value 48000", out["price"])
	}
	if out["mileage"] != 12000.0 {
		t.Errorf("mileage = %v, want summary value preserved over nil detail", out["mileage"])
	}
	if out["engine"] != "2.0L" {
		t.Errorf("engine = %v, want 2.0L", out["engine"])
	}
	if out["color"] != "red" {
		t.Errorf("color = %v, want red", out["color"])
	}
}

func TestMerge_NilDetailValueNeverEntersDocument(t *testing.T) {
	summary := map[string]any{"price": 50000.0}
	detail := map[string]any{"warranty": nil}

	out := merge(summary, detail)
	if _, ok := out["warranty"]; ok {
		t.Errorf("warranty = %v, want nil detail value dropped entirely", out["warranty"])
	}
}
