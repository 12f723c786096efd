package commands

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/souqlens/souqlens/internal/checkpoint"
	"github.com/souqlens/souqlens/internal/config"
	"github.com/souqlens/souqlens/internal/fetch"
	"github.com/souqlens/souqlens/internal/index"
	"github.com/souqlens/souqlens/internal/logger"
	"github.com/souqlens/souqlens/internal/pipeline"
	"github.com/souqlens/souqlens/internal/source/opendata"
	"github.com/souqlens/souqlens/internal/source/residential"
	"github.com/souqlens/souqlens/internal/source/vehicles"
)

var runCmd = &cobra.Command{
	Use:   "run [pipeline...]",
	Short: "Run pipelines from the definitions file",
	Long: `Run one or more pipelines. With no arguments every defined pipeline
runs in file order. A failing pipeline does not stop the others; the
command exits non-zero if any pipeline failed.

Examples:
  # Run everything
  souqlens run

  # Run two specific pipelines
  souqlens run used-cars dld-transactions`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	logger.Init(logger.Options{
		Debug: viper.GetBool("debug"),
		Quiet: viper.GetBool("quiet"),
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	file, err := loadPipelines()
	if err != nil {
		return err
	}

	selected, err := selectPipelines(file, args)
	if err != nil {
		return err
	}

	store, err := newIndexStore()
	if err != nil {
		return err
	}

	checkpoints, err := checkpoint.Open(viper.GetString("checkpoint_path"))
	if err != nil {
		return fmt.Errorf("opening checkpoints: %w", err)
	}

	var failed []string
	succeeded := make(map[string]bool)
	for _, p := range selected {
		if err := ctx.Err(); err != nil {
			return err
		}
		log := logger.With("pipeline", p.Name)
		log.Info("pipeline starting", "kind", p.Kind, "source", p.Source, "index", p.Index)

		stats, err := runPipeline(ctx, p, store, checkpoints)
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			log.Error("pipeline failed", "error", err)
			failed = append(failed, p.Name)
			continue
		}
		succeeded[p.Index] = true
		log.Info("pipeline finished",
			"pages", stats.Pages,
			"seen", stats.Seen,
			"new", stats.New,
			"indexed", stats.Indexed,
			"partial", stats.Partial,
			"write_failures", stats.WriteFailures,
			"max_date", stats.MaxDate.String())
	}

	if err := publishExports(ctx, file, store, succeeded); err != nil {
		return err
	}

	if len(failed) > 0 {
		return fmt.Errorf("%d of %d pipelines failed: %s", len(failed), len(selected), strings.Join(failed, ", "))
	}
	return nil
}

// publishExports refreshes the snapshots fed by the indexes this run just
// updated. A failed export is reported but never fails the run: the index
// writes already happened and the next run replaces the snapshot anyway.
func publishExports(ctx context.Context, file config.File, store index.Store, indexes map[string]bool) error {
	exports := matchingExports(file.Exports, indexes)
	if len(exports) == 0 {
		return nil
	}

	snap, err := newSnapshot()
	if err != nil {
		logger.Warn("skipping snapshot exports", "error", err)
		return nil
	}

	for _, ex := range exports {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := runOneExport(ctx, snap, store, ex); err != nil {
			if ctx.Err() != nil {
				return err
			}
			logger.Warn("export failed", "key", ex.Key, "error", err)
		}
	}
	return nil
}

// matchingExports selects the exports with at least one feed reading from
// the given indexes.
func matchingExports(exports []config.Export, indexes map[string]bool) []config.Export {
	var out []config.Export
	for _, ex := range exports {
		for _, feed := range ex.Feeds {
			if indexes[feed.Index] {
				out = append(out, ex)
				break
			}
		}
	}
	return out
}

func runPipeline(ctx context.Context, p config.Pipeline, store index.Store, checkpoints *checkpoint.Store) (pipeline.Stats, error) {
	client, err := fetch.New(fetch.Mode(p.Fetch.Mode), fetchConfig(p.Fetch), logger.With("pipeline", p.Name))
	if err != nil {
		return pipeline.Stats{}, fmt.Errorf("creating fetch client: %w", err)
	}
	defer client.Close()

	eng := pipeline.NewEngine(engineConfig(p), client, store, checkpoints)

	switch p.Kind {
	case "paged":
		src, err := pagedSource(p)
		if err != nil {
			return pipeline.Stats{}, err
		}
		return eng.RunPaged(ctx, src)
	case "windowed":
		src, err := windowedSource(p)
		if err != nil {
			return pipeline.Stats{}, err
		}
		return eng.RunWindowed(ctx, src)
	default:
		return pipeline.Stats{}, fmt.Errorf("unknown pipeline kind %q", p.Kind)
	}
}

func pagedSource(p config.Pipeline) (pipeline.PagedSource, error) {
	switch p.Source {
	case "vehicles":
		return vehicles.New(vehicles.Config{
			BaseURL:            p.Paged.BaseURL,
			ListingURLTemplate: p.Paged.ListingURL,
		}), nil
	case "residential":
		return residential.New(residential.Config{
			ListingURLTemplate: p.Paged.ListingURL,
			Segment:            p.Paged.Segment,
			DetailBaseURL:      p.Paged.DetailBaseURL,
		}), nil
	default:
		return nil, fmt.Errorf("source %q is not paged", p.Source)
	}
}

func windowedSource(p config.Pipeline) (pipeline.WindowedSource, error) {
	switch p.Source {
	case "opendata":
		return opendata.New(opendata.Config{
			PageURL: p.Window.PageURL,
			Dataset: opendata.Dataset{
				Key:   p.Window.DatasetKey,
				Label: p.Window.Label,
				Slug:  p.Window.Slug,
			},
		}), nil
	default:
		return nil, fmt.Errorf("source %q is not windowed", p.Source)
	}
}

func engineConfig(p config.Pipeline) pipeline.Config {
	cfg := pipeline.Config{
		Dataset:        p.Name,
		IndexName:      p.Index,
		Category:       p.Category,
		DateCandidates: p.Dates.Candidates,
		DateField:      p.Dates.OutField,
	}
	if p.Paged != nil {
		cfg.MaxPages = p.Paged.MaxPages
		cfg.StopAfterSeen = p.Paged.StopAfterSeen
		cfg.SeenPageThreshold = p.Paged.SeenPageThreshold
	}
	if p.Window != nil {
		cfg.BufferDays = p.Window.BufferDays
		cfg.LookbackDays = p.Window.LookbackDays
	}
	return cfg
}

func fetchConfig(f config.Fetch) fetch.Config {
	return fetch.Config{
		Timeout:          time.Duration(f.TimeoutSeconds) * time.Second,
		MinDelay:         secondsToDuration(f.MinDelaySeconds),
		MaxDelay:         secondsToDuration(f.MaxDelaySeconds),
		RetryCount:       f.RetryCount,
		ChallengeRetries: f.ChallengeRetries,
		ChallengeBackoff: time.Duration(f.ChallengeBackoffSeconds) * time.Second,
		Markers:          f.ChallengeMarkers,
	}
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func loadPipelines() (config.File, error) {
	path := viper.GetString("pipelines_file")
	file, err := config.Load(path)
	if err != nil {
		return config.File{}, fmt.Errorf("loading pipelines file %s: %w", path, err)
	}
	return file, nil
}

func selectPipelines(file config.File, names []string) ([]config.Pipeline, error) {
	if len(names) == 0 {
		return file.Pipelines, nil
	}
	selected := make([]config.Pipeline, 0, len(names))
	for _, name := range names {
		p, err := file.Pipeline(name)
		if err != nil {
			return nil, err
		}
		selected = append(selected, p)
	}
	return selected, nil
}

func newIndexStore() (index.Store, error) {
	store, err := index.NewElastic(index.ElasticConfig{
		URL:      viper.GetString("elasticsearch.url"),
		Username: viper.GetString("elasticsearch.username"),
		Password: viper.GetString("elasticsearch.password"),
		APIKey:   viper.GetString("elasticsearch.api_key"),
	})
	if err != nil {
		return nil, fmt.Errorf("creating elasticsearch client: %w", err)
	}
	return store, nil
}
