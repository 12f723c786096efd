package index

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"github.com/souqlens/souqlens/internal/logger"
)

// indexMapping maps any *_iso field to a date type so normalized timestamps
// are range-queryable without per-dataset mappings.
const indexMapping = `{
  "mappings": {
    "dynamic_templates": [
      {
        "iso_dates": {
          "match": "*_iso",
          "mapping": { "type": "date" }
        }
      }
    ]
  }
}`

const (
	upsertRetries = 3
	upsertBackoff = 2 * time.Second
	scanPageSize  = 1000
	scrollKeep    = time.Minute
)

// ElasticConfig connects the client to an Elasticsearch-compatible cluster.
type ElasticConfig struct {
	URL      string
	Username string
	Password string
	APIKey   string
}

// Elastic implements Store against Elasticsearch.
type Elastic struct {
	es *elasticsearch.Client

	// sleep is replaceable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewElastic builds a client from config.
func NewElastic(cfg ElasticConfig) (*Elastic, error) {
	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
		APIKey:    cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("creating elasticsearch client: %w", err)
	}
	return &Elastic{es: es, sleep: sleepCtx}, nil
}

func (e *Elastic) EnsureIndex(ctx context.Context, name string) error {
	res, err := e.es.Indices.Exists([]string{name}, e.es.Indices.Exists.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("checking index %s: %w", name, err)
	}
	drain(res)
	if res.StatusCode == http.StatusOK {
		return nil
	}
	if res.StatusCode != http.StatusNotFound {
		return fmt.Errorf("checking index %s: unexpected status %d", name, res.StatusCode)
	}

	logger.Info("creating index", "index", name)
	res, err = e.es.Indices.Create(name,
		e.es.Indices.Create.WithBody(strings.NewReader(indexMapping)),
		e.es.Indices.Create.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("creating index %s: %w", name, err)
	}
	defer drain(res)
	if res.IsError() {
		return fmt.Errorf("creating index %s: %s", name, res.String())
	}
	return nil
}

func (e *Elastic) Exists(ctx context.Context, name, id string) (bool, error) {
	res, err := e.es.Exists(name, id, e.es.Exists.WithContext(ctx))
	if err != nil {
		return false, fmt.Errorf("checking document %s in %s: %w", id, name, err)
	}
	drain(res)
	switch res.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("checking document %s in %s: unexpected status %d", id, name, res.StatusCode)
	}
}

func (e *Elastic) ExistsMulti(ctx context.Context, name string, ids []string) (map[string]bool, error) {
	out := make(map[string]bool, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	body, err := json.Marshal(map[string]any{"ids": ids})
	if err != nil {
		return nil, err
	}
	res, err := e.es.Mget(bytes.NewReader(body),
		e.es.Mget.WithIndex(name),
		e.es.Mget.WithSourceExcludes("*"),
		e.es.Mget.WithContext(ctx),
	)
	if err != nil {
		return nil, fmt.Errorf("batch existence check against %s: %w", name, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		// A missing index means nothing is indexed yet.
		if res.StatusCode == http.StatusNotFound {
			for _, id := range ids {
				out[id] = false
			}
			return out, nil
		}
		return nil, fmt.Errorf("batch existence check against %s: %s", name, res.String())
	}

	var parsed struct {
		Docs []struct {
			ID    string `json:"_id"`
			Found bool   `json:"found"`
		} `json:"docs"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decoding mget response: %w", err)
	}
	for _, id := range ids {
		out[id] = false
	}
	for _, doc := range parsed.Docs {
		out[doc.ID] = doc.Found
	}
	return out, nil
}

func (e *Elastic) Upsert(ctx context.Context, name, id string, doc map[string]any) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return &WriteError{Index: name, ID: id, Attempts: 0, Err: err}
	}

	var lastErr error
	for attempt := 1; attempt <= upsertRetries; attempt++ {
		res, err := e.es.Index(name, bytes.NewReader(body),
			e.es.Index.WithDocumentID(id),
			e.es.Index.WithContext(ctx),
		)
		if err == nil {
			drain(res)
			if !res.IsError() {
				return nil
			}
			lastErr = fmt.Errorf("status %d", res.StatusCode)
		} else {
			lastErr = err
		}

		if attempt < upsertRetries {
			logger.Warn("index write failed, retrying",
				"index", name, "id", id, "attempt", attempt, "error", lastErr)
			if err := e.sleep(ctx, upsertBackoff*time.Duration(attempt)); err != nil {
				return err
			}
		}
	}
	return &WriteError{Index: name, ID: id, Attempts: upsertRetries, Err: lastErr}
}

func (e *Elastic) ScanAll(ctx context.Context, name string) ([]map[string]any, error) {
	res, err := e.es.Search(
		e.es.Search.WithContext(ctx),
		e.es.Search.WithIndex(name),
		e.es.Search.WithSize(scanPageSize),
		e.es.Search.WithScroll(scrollKeep),
		e.es.Search.WithBody(strings.NewReader(`{"query":{"match_all":{}}}`)),
	)
	if err != nil {
		return nil, fmt.Errorf("scanning index %s: %w", name, err)
	}

	var docs []map[string]any
	scrollID := ""
	for {
		page, id, err := decodeHits(res)
		if err != nil {
			e.clearScroll(ctx, scrollID)
			return nil, fmt.Errorf("scanning index %s: %w", name, err)
		}
		scrollID = id
		if len(page) == 0 {
			break
		}
		docs = append(docs, page...)

		res, err = e.es.Scroll(
			e.es.Scroll.WithContext(ctx),
			e.es.Scroll.WithScrollID(scrollID),
			e.es.Scroll.WithScroll(scrollKeep),
		)
		if err != nil {
			e.clearScroll(ctx, scrollID)
			return nil, fmt.Errorf("scrolling index %s: %w", name, err)
		}
	}
	e.clearScroll(ctx, scrollID)
	return docs, nil
}

func (e *Elastic) clearScroll(ctx context.Context, scrollID string) {
	if scrollID == "" {
		return
	}
	res, err := e.es.ClearScroll(
		e.es.ClearScroll.WithContext(ctx),
		e.es.ClearScroll.WithScrollID(scrollID),
	)
	if err == nil {
		drain(res)
	}
}

func decodeHits(res *esapi.Response) ([]map[string]any, string, error) {
	defer res.Body.Close()
	if res.IsError() {
		return nil, "", fmt.Errorf("search failed: %s", res.String())
	}

	var parsed struct {
		ScrollID string `json:"_scroll_id"`
		Hits     struct {
			Hits []struct {
				Source map[string]any `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, "", fmt.Errorf("decoding search response: %w", err)
	}

	docs := make([]map[string]any, 0, len(parsed.Hits.Hits))
	for _, hit := range parsed.Hits.Hits {
		docs = append(docs, hit.Source)
	}
	return docs, parsed.ScrollID, nil
}

func drain(res *esapi.Response) {
	if res != nil && res.Body != nil {
		io.Copy(io.Discard, res.Body)
		res.Body.Close()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
