// Package config loads and validates the pipeline definitions file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// File is the full pipelines definition document.
type File struct {
	Pipelines []Pipeline `yaml:"pipelines" validate:"required,min=1,dive"`
	Exports   []Export   `yaml:"exports" validate:"dive"`
}

// Pipeline configures one dataset run.
type Pipeline struct {
	Name     string `yaml:"name" validate:"required"`
	Kind     string `yaml:"kind" validate:"required,oneof=paged windowed"`
	Source   string `yaml:"source" validate:"required,oneof=vehicles residential opendata"`
	Index    string `yaml:"index" validate:"required"`
	Category string `yaml:"category"`

	Fetch  Fetch   `yaml:"fetch"`
	Paged  *Paged  `yaml:"paged" validate:"required_if=Kind paged"`
	Window *Window `yaml:"window" validate:"required_if=Kind windowed"`
	Dates  Dates   `yaml:"dates"`
}

// Fetch tunes the HTTP client for one pipeline. Zero values use the client
// defaults.
type Fetch struct {
	Mode                    string   `yaml:"mode" validate:"omitempty,oneof=static dynamic"`
	TimeoutSeconds          int      `yaml:"timeout_seconds" validate:"min=0"`
	MinDelaySeconds         float64  `yaml:"min_delay_seconds" validate:"min=0"`
	MaxDelaySeconds         float64  `yaml:"max_delay_seconds" validate:"min=0"`
	RetryCount              int      `yaml:"retry_count" validate:"min=0"`
	ChallengeRetries        int      `yaml:"challenge_retries" validate:"min=0"`
	ChallengeBackoffSeconds int      `yaml:"challenge_backoff_seconds" validate:"min=0"`
	ChallengeMarkers        []string `yaml:"challenge_markers"`
}

// Paged configures a paginated listing source.
type Paged struct {
	ListingURL        string  `yaml:"listing_url" validate:"required,contains={page}"`
	BaseURL           string  `yaml:"base_url"`
	DetailBaseURL     string  `yaml:"detail_base_url"`
	Segment           string  `yaml:"segment"`
	MaxPages          int     `yaml:"max_pages" validate:"min=0"`
	StopAfterSeen     bool    `yaml:"stop_after_seen"`
	SeenPageThreshold float64 `yaml:"seen_page_threshold" validate:"min=0,max=1"`
}

// Window configures a date-windowed open-data source.
type Window struct {
	PageURL      string `yaml:"page_url" validate:"required"`
	DatasetKey   string `yaml:"dataset_key"`
	Label        string `yaml:"label"`
	Slug         string `yaml:"slug"`
	BufferDays   int    `yaml:"buffer_days" validate:"min=0"`
	LookbackDays int    `yaml:"lookback_days" validate:"min=0"`
}

// Dates configures timestamp normalization.
type Dates struct {
	Candidates []string `yaml:"candidates"`
	OutField   string   `yaml:"out_field"`
}

// Export configures one snapshot upload merging one or more indexed feeds.
type Export struct {
	Key    string   `yaml:"key" validate:"required"`
	Fields []string `yaml:"fields"`
	Feeds  []Feed   `yaml:"feeds" validate:"required,min=1,dive"`
}

// Feed names an index contributing to an export and its category tag.
type Feed struct {
	Index    string `yaml:"index" validate:"required"`
	Category string `yaml:"category"`
}

const (
	defaultMaxPages     = 5
	defaultBufferDays   = 3
	defaultLookbackDays = 30
)

// Load reads, validates, and defaults a pipelines file.
func Load(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("reading pipelines file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a pipelines document.
func Parse(data []byte) (File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return File{}, fmt.Errorf("parsing pipelines file: %w", err)
	}

	if err := validator.New().Struct(f); err != nil {
		var errs validator.ValidationErrors
		if errors.As(err, &errs) && len(errs) > 0 {
			e := errs[0]
			return File{}, fmt.Errorf("invalid pipelines file: field %s failed %q", e.Namespace(), e.Tag())
		}
		return File{}, fmt.Errorf("invalid pipelines file: %w", err)
	}

	names := map[string]bool{}
	for i := range f.Pipelines {
		p := &f.Pipelines[i]
		if names[p.Name] {
			return File{}, fmt.Errorf("invalid pipelines file: duplicate pipeline name %q", p.Name)
		}
		names[p.Name] = true
		applyDefaults(p)
	}
	return f, nil
}

// Pipeline returns the named pipeline.
func (f File) Pipeline(name string) (Pipeline, error) {
	for _, p := range f.Pipelines {
		if p.Name == name {
			return p, nil
		}
	}
	return Pipeline{}, fmt.Errorf("unknown pipeline %q", name)
}

func applyDefaults(p *Pipeline) {
	if p.Paged != nil {
		if p.Paged.MaxPages == 0 {
			p.Paged.MaxPages = defaultMaxPages
		}
		if p.Paged.Segment == "" {
			p.Paged.Segment = "sales"
		}
	}
	if p.Window != nil {
		if p.Window.DatasetKey == "" {
			p.Window.DatasetKey = p.Name
		}
		if p.Window.Slug == "" {
			p.Window.Slug = strings.ToLower(p.Window.DatasetKey)
		}
		if p.Window.BufferDays == 0 {
			p.Window.BufferDays = defaultBufferDays
		}
		if p.Window.LookbackDays == 0 {
			p.Window.LookbackDays = defaultLookbackDays
		}
	}
	if p.Dates.OutField == "" {
		p.Dates.OutField = "listed_date"
	}
}
