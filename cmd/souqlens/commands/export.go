package commands

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/souqlens/souqlens/internal/config"
	"github.com/souqlens/souqlens/internal/export"
	"github.com/souqlens/souqlens/internal/index"
	"github.com/souqlens/souqlens/internal/logger"
)

var exportCmd = &cobra.Command{
	Use:   "export [key...]",
	Short: "Publish snapshot exports to object storage",
	Long: `Publish the exports defined in the pipelines file. Each export scans
its feeds' indices, merges and projects the documents, and overwrites one
JSON object in the configured bucket. With no arguments every export runs.

Examples:
  # Publish every export
  souqlens export

  # Publish one snapshot by object key
  souqlens export snapshots/residential.json`,
	RunE: runExport,
}

func init() {
	rootCmd.AddCommand(exportCmd)
}

func runExport(cmd *cobra.Command, args []string) error {
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

	exports, err := selectExports(file, args)
	if err != nil {
		return err
	}
	if len(exports) == 0 {
		return fmt.Errorf("no exports defined in %s", viper.GetString("pipelines_file"))
	}

	store, err := newIndexStore()
	if err != nil {
		return err
	}

	snap, err := newSnapshot()
	if err != nil {
		return err
	}

	var failed []string
	for _, ex := range exports {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := runOneExport(ctx, snap, store, ex); err != nil {
			if ctx.Err() != nil {
				return err
			}
			logger.Error("export failed", "key", ex.Key, "error", err)
			failed = append(failed, ex.Key)
		}
	}

	if len(failed) > 0 {
		return fmt.Errorf("%d of %d exports failed: %s", len(failed), len(exports), strings.Join(failed, ", "))
	}
	return nil
}

func newSnapshot() (*export.Snapshot, error) {
	snap, err := export.New(export.Config{
		Endpoint:     viper.GetString("storage.endpoint"),
		AccessKey:    viper.GetString("storage.access_key"),
		SecretKey:    viper.GetString("storage.secret_key"),
		Bucket:       viper.GetString("storage.bucket"),
		Region:       viper.GetString("storage.region"),
		UseSSL:       viper.GetBool("storage.use_ssl"),
		CacheControl: viper.GetString("storage.cache_control"),
	})
	if err != nil {
		return nil, fmt.Errorf("creating storage client: %w", err)
	}
	return snap, nil
}

func runOneExport(ctx context.Context, snap *export.Snapshot, store index.Store, ex config.Export) error {
	feeds := make([]export.Feed, 0, len(ex.Feeds))
	for _, f := range ex.Feeds {
		feeds = append(feeds, export.Feed{Index: f.Index, Category: f.Category})
	}
	if err := snap.Export(ctx, store, feeds, ex.Key, ex.Fields); err != nil {
		return err
	}
	logger.Info("export published", "key", ex.Key, "feeds", len(feeds))
	return nil
}

func selectExports(file config.File, keys []string) ([]config.Export, error) {
	if len(keys) == 0 {
		return file.Exports, nil
	}
	byKey := make(map[string]config.Export, len(file.Exports))
	for _, ex := range file.Exports {
		byKey[ex.Key] = ex
	}
	selected := make([]config.Export, 0, len(keys))
	for _, key := range keys {
		ex, ok := byKey[key]
		if !ok {
			return nil, fmt.Errorf("export %q is not defined", key)
		}
		selected = append(selected, ex)
	}
	return selected, nil
}
