package opendata

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/souqlens/souqlens/internal/checkpoint"
)

func mustDate(t *testing.T, s string) checkpoint.Date {
	t.Helper()
	d, err := checkpoint.ParseDate(s)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func portalPage(t *testing.T, datasets []any) []byte {
	t.Helper()
	payload := map[string]any{
		"props": map[string]any{
			"pageProps": map[string]any{
				"openData": map[string]any{"datasets": datasets},
			},
		},
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	return []byte(`<html><body><script id="__NEXT_DATA__" type="application/json">` +
		string(encoded) + `</script></body></html>`)
}

func scriptedGet(pages map[string][]byte) func(context.Context, string) ([]byte, error) {
	return func(_ context.Context, url string) ([]byte, error) {
		body, ok := pages[url]
		if !ok {
			return nil, fmt.Errorf("unexpected fetch of %s", url)
		}
		return body, nil
	}
}

func testSource(dataset Dataset) *Source {
	src := New(Config{PageURL: "https://opendata.example/real-estate/", Dataset: dataset})
	src.now = func() time.Time { return time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC) }
	return src
}

func TestPrepareURL(t *testing.T) {
	from := mustDate(t, "2024-01-07")
	to := mustDate(t, "2024-01-15")

	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "path placeholders",
			in:   "https://api.example/tx/{fromDate}/{toDate}",
			want: "https://api.example/tx/2024-01-07/2024-01-15",
		},
		{
			name: "existing window params rewritten",
			in:   "https://api.example/tx?FromDate=2020-01-01&ToDate=2020-02-01&format=json",
			want: "https://api.example/tx?FromDate=2024-01-07&ToDate=2024-01-15&format=json",
		},
		{
			name: "start and end names recognized",
			in:   "https://api.example/tx?start=x&end=y",
			want: "https://api.example/tx?end=2024-01-15&start=2024-01-07",
		},
		{
			name: "bare url gets window appended",
			in:   "https://api.example/tx",
			want: "https://api.example/tx?FromDate=2024-01-07&ToDate=2024-01-15",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := PrepareURL(tt.in, from, to)
			if err != nil {
				t.Fatalf("PrepareURL() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("PrepareURL() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSource_Fetch_DownloadEndpointJSON(t *testing.T) {
	page := portalPage(t, []any{
		map[string]any{"slug": "rents", "title": "Rents"},
		map[string]any{
			"slug":        "transactions",
			"title":       "Transactions",
			"downloadUrl": "https://api.example/tx/{fromDate}/{toDate}",
		},
	})
	rows, _ := json.Marshal(map[string]any{
		"data": []any{
			map[string]any{"id": "T-1", "instance_date": "2024-01-09", "amount": 100},
			map[string]any{"id": "T-2", "instance_date": "2024-01-12", "amount": 250},
		},
	})

	src := testSource(Dataset{Key: "transactions", Label: "Transactions", Slug: "transactions"})
	get := scriptedGet(map[string][]byte{
		"https://opendata.example/real-estate/":     page,
		"https://api.example/tx/2024-01-07/2024-01-15": rows,
	})

	records, err := src.Fetch(context.Background(), get, mustDate(t, "2024-01-07"), mustDate(t, "2024-01-15"))
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("Fetch() returned %d records, want 2", len(records))
	}
	if records[0].Identifier != "transactions-T-1" {
		t.Errorf("Identifier = %q, want transactions-T-1", records[0].Identifier)
	}
	f := records[0].Fields
	if f["_dataset"] != "transactions" {
		t.Errorf("_dataset = %v", f["_dataset"])
	}
	if f["_source_url"] != "https://api.example/tx/2024-01-07/2024-01-15" {
		t.Errorf("_source_url = %v", f["_source_url"])
	}
	if f["_extracted_at_iso"] != "2024-01-15T09:00:00Z" {
		t.Errorf("_extracted_at_iso = %v", f["_extracted_at_iso"])
	}
	if f["instance_date"] != "2024-01-09" {
		t.Errorf("instance_date = %v", f["instance_date"])
	}
}

func TestSource_Fetch_InlineTable(t *testing.T) {
	page := portalPage(t, []any{
		map[string]any{
			"slug":  "brokers",
			"title": "Brokers",
			"table": map[string]any{
				"columns": []any{
					map[string]any{"dataIndex": "license_number"},
					map[string]any{"dataIndex": "broker_name"},
				},
				"rows": []any{
					[]any{"BRK-1", "Alpha Realty"},
					[]any{"BRK-2", "Beta Homes"},
				},
			},
		},
	})

	src := testSource(Dataset{Key: "brokers", Label: "Brokers", Slug: "brokers"})
	get := scriptedGet(map[string][]byte{"https://opendata.example/real-estate/": page})

	records, err := src.Fetch(context.Background(), get, mustDate(t, "2024-01-07"), mustDate(t, "2024-01-15"))
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("Fetch() returned %d records, want 2", len(records))
	}
	if records[0].Fields["license_number"] != "BRK-1" {
		t.Errorf("license_number = %v", records[0].Fields["license_number"])
	}
	if records[0].Fields["broker_name"] != "Alpha Realty" {
		t.Errorf("broker_name = %v", records[0].Fields["broker_name"])
	}
	// Rows without an id get a content fingerprint scoped to the dataset.
	if !hasPrefix(records[0].Identifier, "brokers-") {
		t.Errorf("Identifier = %q, want brokers- prefix", records[0].Identifier)
	}
	if records[0].Identifier == records[1].Identifier {
		t.Error("distinct rows produced the same fingerprint id")
	}
}

func TestSource_Fetch_CSVDownload(t *testing.T) {
	page := portalPage(t, []any{
		map[string]any{
			"slug":   "valuations",
			"title":  "Valuations",
			"csvUrl": "https://api.example/valuations.csv?start=a&end=b",
		},
	})
	csvBody := []byte("id,procedure_value,instance_date\nV-1,500000,2024-01-10\nV-2,750000,2024-01-11\n")

	src := testSource(Dataset{Key: "valuations", Label: "Valuations", Slug: "valuations"})
	get := scriptedGet(map[string][]byte{
		"https://opendata.example/real-estate/":                          page,
		"https://api.example/valuations.csv?end=2024-01-15&start=2024-01-07": csvBody,
	})

	records, err := src.Fetch(context.Background(), get, mustDate(t, "2024-01-07"), mustDate(t, "2024-01-15"))
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("Fetch() returned %d records, want 2", len(records))
	}
	if records[0].Identifier != "valuations-V-1" {
		t.Errorf("Identifier = %q, want valuations-V-1", records[0].Identifier)
	}
	if records[1].Fields["procedure_value"] != "750000" {
		t.Errorf("procedure_value = %v", records[1].Fields["procedure_value"])
	}
}

func TestSource_Fetch_DatasetMissing(t *testing.T) {
	page := portalPage(t, []any{map[string]any{"slug": "rents", "title": "Rents"}})

	src := testSource(Dataset{Key: "transactions", Label: "Transactions", Slug: "transactions"})
	get := scriptedGet(map[string][]byte{"https://opendata.example/real-estate/": page})

	if _, err := src.Fetch(context.Background(), get, mustDate(t, "2024-01-07"), mustDate(t, "2024-01-15")); err == nil {
		t.Fatal("Fetch() for an unknown dataset succeeded, want error")
	}
}

func TestFingerprint_StableAcrossSyntheticFields(t *testing.T) {
	a := map[string]any{"x": 1, "y": "two", "_source_url": "u1"}
	b := map[string]any{"y": "two", "x": 1, "_source_url": "u2"}
	if fingerprint(a) != fingerprint(b) {
		t.Error("fingerprint changed with key order or synthetic fields")
	}
	c := map[string]any{"x": 2, "y": "two"}
	if fingerprint(a) == fingerprint(c) {
		t.Error("different rows share a fingerprint")
	}
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
