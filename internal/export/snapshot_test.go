package export

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
)

// fakeIndex serves canned documents per index name.
type fakeIndex struct {
	docs map[string][]map[string]any
}

func (f *fakeIndex) EnsureIndex(context.Context, string) error { return nil }

func (f *fakeIndex) Exists(context.Context, string, string) (bool, error) { return false, nil }

func (f *fakeIndex) ExistsMulti(_ context.Context, _ string, ids []string) (map[string]bool, error) {
	out := map[string]bool{}
	for _, id := range ids {
		out[id] = false
	}
	return out, nil
}

func (f *fakeIndex) Upsert(context.Context, string, string, map[string]any) error { return nil }

func (f *fakeIndex) ScanAll(_ context.Context, name string) ([]map[string]any, error) {
	return f.docs[name], nil
}

// capturePut is a minimal S3 endpoint recording the last uploaded object.
type capturePut struct {
	key          string
	body         []byte
	cacheControl string
	contentType  string
}

func (c *capturePut) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			w.WriteHeader(http.StatusOK)
			return
		}
		c.key = strings.TrimPrefix(r.URL.Path, "/")
		body, _ := io.ReadAll(r.Body)
		// The client streaming-signs uploads over plain HTTP, wrapping the
		// payload in aws-chunked framing; strip it to recover the object.
		if strings.HasPrefix(r.Header.Get("X-Amz-Content-Sha256"), "STREAMING-") {
			body = decodeAWSChunked(body)
		}
		c.body = body
		c.cacheControl = r.Header.Get("Cache-Control")
		c.contentType = r.Header.Get("Content-Type")
		w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
		w.WriteHeader(http.StatusOK)
	})
}

// decodeAWSChunked removes aws-chunked transfer framing: repeated
// "<hex-size>;chunk-signature=...\r\n<data>\r\n" chunks ending with a
// zero-size chunk. Returns the input unchanged if it is not framed.
func decodeAWSChunked(raw []byte) []byte {
	var out []byte
	rest := raw
	for {
		i := bytes.Index(rest, []byte("\r\n"))
		if i < 0 {
			return raw
		}
		header := string(rest[:i])
		rest = rest[i+2:]
		if j := strings.IndexByte(header, ';'); j >= 0 {
			header = header[:j]
		}
		size, err := strconv.ParseInt(header, 16, 64)
		if err != nil {
			return raw
		}
		if size == 0 {
			return out
		}
		if int64(len(rest)) < size+2 {
			return raw
		}
		out = append(out, rest[:size]...)
		rest = rest[size+2:]
	}
}

func testSnapshot(t *testing.T, capture *capturePut) (*Snapshot, func()) {
	t.Helper()
	srv := httptest.NewServer(capture.handler())
	s, err := New(Config{
		Endpoint:  strings.TrimPrefix(srv.URL, "http://"),
		AccessKey: "test",
		SecretKey: "test",
		Bucket:    "snapshots",
		UseSSL:    false,
	})
	if err != nil {
		srv.Close()
		t.Fatalf("New() error = %v", err)
	}
	return s, srv.Close
}

func TestSnapshot_Export_MergesFeedsWithCategories(t *testing.T) {
	store := &fakeIndex{docs: map[string][]map[string]any{
		"sales": {
			{"identifier": "s1", "price": 100.0},
			{"identifier": "s2", "price": 200.0},
		},
		"lettings": {
			{"identifier": "l1", "price": 10.0},
			{"identifier": "l2", "price": 20.0},
		},
	}}

	capture := &capturePut{}
	s, done := testSnapshot(t, capture)
	defer done()

	feeds := []Feed{
		{Index: "sales", Category: "sales"},
		{Index: "lettings", Category: "lettings"},
	}
	if err := s.Export(context.Background(), store, feeds, "residential.json", nil); err != nil {
		t.Fatalf("Export() error = %v", err)
	}

	if capture.key != "snapshots/residential.json" {
		t.Errorf("uploaded key = %q, want snapshots/residential.json", capture.key)
	}
	if capture.contentType != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", capture.contentType)
	}
	if capture.cacheControl != "public, max-age=60" {
		t.Errorf("Cache-Control = %q, want public, max-age=60", capture.cacheControl)
	}

	var records []map[string]any
	if err := json.Unmarshal(capture.body, &records); err != nil {
		t.Fatalf("snapshot body is not a JSON array: %v", err)
	}
	if len(records) != 4 {
		t.Fatalf("snapshot holds %d records, want 4", len(records))
	}
	categories := map[string]string{}
	for _, rec := range records {
		id, _ := rec["identifier"].(string)
		cat, _ := rec["listing_category"].(string)
		categories[id] = cat
	}
	for id, want := range map[string]string{"s1": "sales", "s2": "sales", "l1": "lettings", "l2": "lettings"} {
		if categories[id] != want {
			t.Errorf("record %s has listing_category %q, want %q", id, categories[id], want)
		}
	}
}

func TestSnapshot_Export_ProjectsFields(t *testing.T) {
	store := &fakeIndex{docs: map[string][]map[string]any{
		"vehicles": {
			{"identifier": "v1", "price": 100.0, "internal_ref": "x-99", "year": 2021.0},
		},
	}}

	capture := &capturePut{}
	s, done := testSnapshot(t, capture)
	defer done()

	feeds := []Feed{{Index: "vehicles", Category: "vehicles"}}
	if err := s.Export(context.Background(), store, feeds, "vehicles.json", []string{"price", "year"}); err != nil {
		t.Fatalf("Export() error = %v", err)
	}

	var records []map[string]any
	if err := json.Unmarshal(capture.body, &records); err != nil {
		t.Fatal(err)
	}
	rec := records[0]
	if _, leaked := rec["internal_ref"]; leaked {
		t.Error("internal_ref leaked through field projection")
	}
	if rec["price"] != 100.0 || rec["year"] != 2021.0 {
		t.Errorf("projected fields = %v, want price and year kept", rec)
	}
	if rec["identifier"] != "v1" {
		t.Error("identifier must survive projection")
	}
}

func TestSnapshot_Export_EmptyIndexUploadsEmptyArray(t *testing.T) {
	store := &fakeIndex{docs: map[string][]map[string]any{}}
	capture := &capturePut{}
	s, done := testSnapshot(t, capture)
	defer done()

	if err := s.Export(context.Background(), store, []Feed{{Index: "vehicles"}}, "vehicles.json", nil); err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if string(capture.body) != "[]" {
		t.Errorf("body = %q, want empty JSON array", capture.body)
	}
}
