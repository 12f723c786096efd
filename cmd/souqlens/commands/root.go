// Package commands implements the CLI commands for souqlens.
package commands

import (
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/souqlens/souqlens/internal/version"
)

var rootCmd = &cobra.Command{
	Use:   "souqlens",
	Short: "Incremental marketplace and open-data indexer",
	Long: `Souqlens scrapes listing sites and open-data portals incrementally,
deduplicates against an Elasticsearch index, and publishes merged JSON
snapshots to object storage.

Pipelines are defined in a YAML file (see --pipelines). Elasticsearch and
object storage credentials come from the config file or SOUQLENS_*
environment variables.

Examples:
  # Run every defined pipeline
  souqlens run

  # Run a single pipeline
  souqlens run used-cars

  # Publish the configured snapshot exports
  souqlens export`,
	Version: version.String(),
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().String("config", "", "config file (default $HOME/.souqlens.yaml)")
	rootCmd.PersistentFlags().StringP("pipelines", "f", "pipelines.yaml", "pipeline definitions file")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolP("quiet", "q", false, "suppress progress output")

	_ = viper.BindPFlag("pipelines_file", rootCmd.PersistentFlags().Lookup("pipelines"))
	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	_ = viper.BindPFlag("quiet", rootCmd.PersistentFlags().Lookup("quiet"))
}

func initConfig() {
	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.SetConfigName(".souqlens")
		viper.SetConfigType("yaml")
	}

	viper.SetDefault("checkpoint_path", ".souqlens-checkpoints.json")
	viper.SetDefault("elasticsearch.url", "http://localhost:9200")

	// Environment variables: SOUQLENS_ELASTICSEARCH_URL maps to
	// elasticsearch.url, and so on.
	viper.SetEnvPrefix("SOUQLENS")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Read config file (ignore error if not found)
	_ = viper.ReadInConfig()
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
