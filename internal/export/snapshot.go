// Package export publishes full-replace JSON snapshots of indexed datasets
// to S3-compatible object storage for the dashboard to read.
package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/souqlens/souqlens/internal/index"
	"github.com/souqlens/souqlens/internal/logger"
)

// Config connects the exporter to an S3-compatible endpoint.
type Config struct {
	Endpoint     string
	AccessKey    string
	SecretKey    string
	Bucket       string
	Region       string
	UseSSL       bool
	CacheControl string
}

// Feed names one index contributing to a snapshot and the category tag its
// records carry in the merged document.
type Feed struct {
	Index    string
	Category string
}

// Snapshot uploads dataset snapshots. Each export fully overwrites the
// previous object at the same key; the index stays the source of truth and
// the snapshot is regenerable.
type Snapshot struct {
	client       *minio.Client
	bucket       string
	cacheControl string
}

// New builds an exporter from config.
func New(cfg Config) (*Snapshot, error) {
	region := cfg.Region
	if region == "" {
		// R2 and most S3 compatibles accept the default region and a set
		// region skips the bucket location lookup.
		region = "us-east-1"
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("creating object storage client: %w", err)
	}
	cacheControl := cfg.CacheControl
	if cacheControl == "" {
		cacheControl = "public, max-age=60"
	}
	return &Snapshot{client: client, bucket: cfg.Bucket, cacheControl: cacheControl}, nil
}

// Export scans every feed's index, merges the documents into one JSON array
// with per-feed category tags, and uploads it to key.
//
// fields, when non-empty, projects each document down to just those fields;
// listing_category and identifier are always kept.
func (s *Snapshot) Export(ctx context.Context, store index.Store, feeds []Feed, key string, fields []string) error {
	combined := make([]map[string]any, 0)

	for _, feed := range feeds {
		docs, err := store.ScanAll(ctx, feed.Index)
		if err != nil {
			return fmt.Errorf("reading index %s for export: %w", feed.Index, err)
		}
		for _, doc := range docs {
			doc = project(doc, fields)
			if feed.Category != "" {
				doc["listing_category"] = feed.Category
			}
			combined = append(combined, doc)
		}
		logger.Debug("collected feed for snapshot", "index", feed.Index, "records", len(docs))
	}

	data, err := json.Marshal(combined)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}

	_, err = s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{
			ContentType:  "application/json",
			CacheControl: s.cacheControl,
		})
	if err != nil {
		return fmt.Errorf("uploading snapshot %s/%s: %w", s.bucket, key, err)
	}

	logger.Info("snapshot uploaded", "bucket", s.bucket, "key", key, "records", len(combined), "bytes", len(data))
	return nil
}

func project(doc map[string]any, fields []string) map[string]any {
	if len(fields) == 0 {
		return doc
	}
	out := make(map[string]any, len(fields)+2)
	if v, ok := doc["identifier"]; ok {
		out["identifier"] = v
	}
	if v, ok := doc["listing_category"]; ok {
		out["listing_category"] = v
	}
	for _, f := range fields {
		if v, ok := doc[f]; ok {
			out[f] = v
		}
	}
	return out
}
