package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/souqlens/souqlens/internal/checkpoint"
	"github.com/souqlens/souqlens/internal/fetch"
	"github.com/souqlens/souqlens/internal/index"
	"github.com/souqlens/souqlens/internal/logger"
)

// Getter fetches one URL with retry and challenge handling applied.
type Getter func(ctx context.Context, url string) ([]byte, error)

// PagedSource adapts a paginated listing site. Page numbering starts at 1.
type PagedSource interface {
	PageURL(page int) string
	ParsePage(body []byte) ([]Stub, error)
	ParseDetail(body []byte) (map[string]any, error)
}

// WindowedSource adapts a date-windowed open-data endpoint. Fetch owns
// discovery and download through get; the engine owns the window bounds,
// normalization, indexing, and the watermark.
type WindowedSource interface {
	Fetch(ctx context.Context, get Getter, from, to checkpoint.Date) ([]Record, error)
}

// Config is one dataset's run parameters.
type Config struct {
	Dataset   string
	IndexName string

	// Category tags every record, so merged exports can tell feeds apart.
	Category string

	// Paged sources.
	MaxPages int
	// StopAfterSeen ends the run at the first already-indexed identifier,
	// for sources ordered newest first.
	StopAfterSeen bool
	// SeenPageThreshold ends the run after a page whose seen fraction
	// reaches it. Zero disables the threshold.
	SeenPageThreshold float64

	// Windowed sources.
	BufferDays   int
	LookbackDays int

	// Timestamp normalization, most trusted candidate first.
	DateCandidates []string
	DateField      string
}

// Stats summarizes one run.
type Stats struct {
	Pages         int
	Seen          int
	New           int
	Indexed       int
	Partial       int
	WriteFailures int
	MaxDate       checkpoint.Date
}

// Engine drives one dataset through fetch, dedup, enrich, normalize, and
// index. It is single threaded: the pagination short-circuit depends on
// observing identifiers in source order.
type Engine struct {
	cfg         Config
	client      *fetch.Client
	store       index.Store
	checkpoints *checkpoint.Store

	norm Normalizer
	now  func() time.Time
}

// NewEngine wires a run. checkpoints may be nil for paged sources, which
// dedup against the index instead of a watermark.
func NewEngine(cfg Config, client *fetch.Client, store index.Store, checkpoints *checkpoint.Store) *Engine {
	return &Engine{
		cfg:         cfg,
		client:      client,
		store:       store,
		checkpoints: checkpoints,
		norm:        Normalizer{Candidates: cfg.DateCandidates, OutField: cfg.DateField},
		now:         time.Now,
	}
}

// RunPaged walks listing pages in order, skipping already-indexed records
// and enriching new ones from their detail pages. It stops at MaxPages, an
// empty page, or the dataset's short-circuit condition.
func (e *Engine) RunPaged(ctx context.Context, src PagedSource) (Stats, error) {
	var stats Stats

	if err := e.store.EnsureIndex(ctx, e.cfg.IndexName); err != nil {
		return stats, err
	}

	log := logger.With("dataset", e.cfg.Dataset)

	for page := 1; page <= e.cfg.MaxPages; page++ {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if page > 1 {
			if err := e.client.Pause(ctx); err != nil {
				return stats, err
			}
		}

		url := src.PageURL(page)
		body, err := e.client.Get(ctx, url)
		if err != nil {
			return stats, fmt.Errorf("fetching page %d: %w", page, err)
		}

		stubs, err := src.ParsePage(body)
		if err != nil {
			return stats, fmt.Errorf("parsing page %d: %w", page, err)
		}
		if len(stubs) == 0 {
			log.Info("empty page, stopping pagination", "page", page)
			break
		}
		stats.Pages++
		stats.Seen += len(stubs)

		ids := make([]string, 0, len(stubs))
		for _, s := range stubs {
			ids = append(ids, s.Identifier)
		}
		existing, err := e.store.ExistsMulti(ctx, e.cfg.IndexName, ids)
		if err != nil {
			return stats, fmt.Errorf("dedup check on page %d: %w", page, err)
		}

		seenOnPage := 0
		for _, stub := range stubs {
			if existing[stub.Identifier] {
				seenOnPage++
				if e.cfg.StopAfterSeen {
					log.Info("reached already-indexed listing, stopping",
						"page", page, "identifier", stub.Identifier)
					return stats, nil
				}
				continue
			}
			stats.New++
			if err := e.processStub(ctx, src, stub, url, &stats); err != nil {
				return stats, err
			}
		}

		log.Debug("page processed", "page", page, "listings", len(stubs), "already_indexed", seenOnPage)

		if e.cfg.SeenPageThreshold > 0 &&
			float64(seenOnPage)/float64(len(stubs)) >= e.cfg.SeenPageThreshold {
			log.Info("page mostly already indexed, stopping",
				"page", page, "seen", seenOnPage, "listings", len(stubs))
			break
		}
	}

	return stats, nil
}

// processStub enriches one new listing and indexes it. A failed detail
// fetch or parse degrades to indexing the summary fields, so a broken
// detail page never drops a listing entirely.
func (e *Engine) processStub(ctx context.Context, src PagedSource, stub Stub, pageURL string, stats *Stats) error {
	log := logger.With("dataset", e.cfg.Dataset, "identifier", stub.Identifier)

	fields := stub.Fields
	if stub.DetailURL != "" {
		if err := e.client.Pause(ctx); err != nil {
			return err
		}
		body, err := e.client.Get(ctx, stub.DetailURL)
		if err != nil {
			if errors.Is(err, fetch.ErrChallengeBlocked) || ctx.Err() != nil {
				return err
			}
			log.Warn("detail fetch failed, indexing summary fields only", "url", stub.DetailURL, "error", err)
			stats.Partial++
		} else if detail, perr := src.ParseDetail(body); perr != nil {
			log.Warn("detail parse failed, indexing summary fields only", "url", stub.DetailURL, "error", perr)
			stats.Partial++
		} else {
			fields = merge(stub.Fields, detail)
		}
	}

	sourceURL := stub.SourceURL
	if sourceURL == "" {
		sourceURL = pageURL
	}

	rec := Record{Identifier: stub.Identifier, Fields: fields}
	doc := rec.Document()
	e.categorize(doc)
	e.stamp(doc, sourceURL, stats)

	return e.upsert(ctx, stub.Identifier, doc, stats)
}

// RunWindowed fetches the incremental date window for a dataset and indexes
// all returned rows. The watermark only advances after a fully successful
// run and never moves backwards.
func (e *Engine) RunWindowed(ctx context.Context, src WindowedSource) (Stats, error) {
	var stats Stats

	if e.checkpoints == nil {
		return stats, fmt.Errorf("dataset %s requires a checkpoint store", e.cfg.Dataset)
	}
	if err := e.store.EnsureIndex(ctx, e.cfg.IndexName); err != nil {
		return stats, err
	}

	today := checkpoint.NewDate(e.now())
	from := e.checkpoints.LowerBound(e.cfg.Dataset, e.cfg.BufferDays, e.cfg.LookbackDays, today)
	log := logger.With("dataset", e.cfg.Dataset)
	log.Info("running incremental window", "from", from.String(), "to", today.String())

	records, err := src.Fetch(ctx, e.client.Get, from, today)
	if err != nil {
		return stats, fmt.Errorf("fetching window data: %w", err)
	}
	stats.Seen = len(records)

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		stats.New++
		doc := rec.Document()
		e.categorize(doc)
		e.stamp(doc, "", &stats)
		if err := e.upsert(ctx, rec.Identifier, doc, &stats); err != nil {
			return stats, err
		}
	}

	if !stats.MaxDate.IsZero() {
		e.checkpoints.Advance(e.cfg.Dataset, stats.MaxDate, e.cfg.BufferDays)
	}
	if err := e.checkpoints.Save(); err != nil {
		return stats, fmt.Errorf("persisting checkpoint: %w", err)
	}
	return stats, nil
}

// categorize tags the document with the dataset's category. A category the
// adapter resolved per record (a lettings-typed hit in a sales feed, say)
// wins over the dataset-wide tag.
func (e *Engine) categorize(doc map[string]any) {
	if e.cfg.Category == "" {
		return
	}
	if _, ok := doc["listing_category"]; !ok {
		doc["listing_category"] = e.cfg.Category
	}
}

// stamp normalizes the record timestamp, tracks the run's max date, and adds
// extraction provenance. Adapters that already stamped their own provenance
// keep it.
func (e *Engine) stamp(doc map[string]any, sourceURL string, stats *Stats) {
	if ts, ok := e.norm.Normalize(doc); ok {
		d := checkpoint.NewDate(ts)
		if d.After(stats.MaxDate.Time) {
			stats.MaxDate = d
		}
	}

	if _, ok := doc["_dataset"]; !ok {
		doc["_dataset"] = e.cfg.Dataset
	}
	if _, ok := doc["_source_url"]; !ok && sourceURL != "" {
		doc["_source_url"] = sourceURL
	}
	if _, ok := doc["_extracted_at_iso"]; !ok {
		doc["_extracted_at_iso"] = e.now().UTC().Format(time.RFC3339)
	}
}

// upsert writes one document, counting exhausted write retries instead of
// aborting the batch.
func (e *Engine) upsert(ctx context.Context, id string, doc map[string]any, stats *Stats) error {
	err := e.store.Upsert(ctx, e.cfg.IndexName, id, doc)
	if err == nil {
		stats.Indexed++
		return nil
	}
	var werr *index.WriteError
	if errors.As(err, &werr) {
		logger.Error("record dropped after write retries",
			"dataset", e.cfg.Dataset, "identifier", id, "error", err)
		stats.WriteFailures++
		return nil
	}
	return err
}
