// Package config loads kiln's configuration from .kiln/config.yaml (or
// config.toml). Missing keys keep their defaults and invalid values are reset
// to their defaults with a warning; a bad config never stops the daemon.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Cleanup frequencies.
const (
	FrequencyDaily  = "daily"
	FrequencyWeekly = "weekly"
)

// Config is the full kiln configuration.
type Config struct {
	Repository          string `yaml:"repository" toml:"repository" validate:"omitempty,contains=/"`
	BaseBranch          string `yaml:"base_branch" toml:"base_branch" validate:"required"`
	IntervalSeconds     int    `yaml:"interval_seconds" toml:"interval_seconds" validate:"min=1"`
	Once                bool   `yaml:"once" toml:"once"`
	MaxDispatchPerCycle int    `yaml:"max_dispatch_per_cycle" toml:"max_dispatch_per_cycle" validate:"min=1,max=100"`

	Labels         Labels         `yaml:"labels" toml:"labels"`
	Reconciliation Reconciliation `yaml:"reconciliation" toml:"reconciliation"`
	Cleanup        Cleanup        `yaml:"cleanup" toml:"cleanup"`
	Harness        Harness        `yaml:"harness" toml:"harness"`
	Status         Status         `yaml:"status" toml:"status"`
	Log            Log            `yaml:"log" toml:"log"`
}

// Labels maps each processor to the GitHub label that triggers it.
type Labels struct {
	Plan          string `yaml:"plan" toml:"plan" validate:"required"`
	Build         string `yaml:"build" toml:"build" validate:"required"`
	Review        string `yaml:"review" toml:"review" validate:"required"`
	CIFix         string `yaml:"ci_fix" toml:"ci_fix" validate:"required"`
	ChangeRequest string `yaml:"change_request" toml:"change_request" validate:"required"`
	Rebase        string `yaml:"rebase" toml:"rebase" validate:"required"`
	Paused        string `yaml:"paused" toml:"paused" validate:"required"`
}

// Reconciliation configures the worktree reconciler.
type Reconciliation struct {
	Enabled         bool `yaml:"enabled" toml:"enabled"`
	IntervalSeconds int  `yaml:"interval_seconds" toml:"interval_seconds" validate:"min=1"`
	AutoResume      bool `yaml:"auto_resume" toml:"auto_resume"`
	AutoReconcile   bool `yaml:"auto_reconcile" toml:"auto_reconcile"`
	// BuildLabel is filled from Labels.Build after loading.
	BuildLabel string `yaml:"-" toml:"-"`
	BaseBranch string `yaml:"base_branch" toml:"base_branch"`
}

// Cleanup configures the merged-worktree garbage collector.
type Cleanup struct {
	Enabled      bool   `yaml:"enabled" toml:"enabled"`
	Frequency    string `yaml:"frequency" toml:"frequency" validate:"oneof=daily weekly"`
	DeleteBranch bool   `yaml:"delete_branch" toml:"delete_branch"`
	BaseBranch   string `yaml:"base_branch" toml:"base_branch"`
}

// Harness configures the AI harness command run by background jobs.
type Harness struct {
	Command        string `yaml:"command" toml:"command" validate:"required"`
	TimeoutSeconds int    `yaml:"timeout_seconds" toml:"timeout_seconds" validate:"min=1"`
}

// Status configures the HTTP status API. An empty Addr disables it.
type Status struct {
	Addr string `yaml:"addr" toml:"addr" validate:"omitempty,hostname_port"`
}

// Log configures slog output.
type Log struct {
	Level  string `yaml:"level" toml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" toml:"format" validate:"oneof=text json"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		BaseBranch:          "main",
		IntervalSeconds:     60,
		MaxDispatchPerCycle: 1,
		Labels: Labels{
			Plan:          "kiln:plan",
			Build:         "kiln:build",
			Review:        "kiln:review",
			CIFix:         "kiln:ci-fix",
			ChangeRequest: "kiln:changes-requested",
			Rebase:        "kiln:rebase",
			Paused:        "kiln:paused",
		},
		Reconciliation: Reconciliation{
			Enabled:         true,
			IntervalSeconds: 3600,
			AutoResume:      true,
			AutoReconcile:   true,
		},
		Cleanup: Cleanup{
			Enabled:      true,
			Frequency:    FrequencyWeekly,
			DeleteBranch: true,
		},
		Harness: Harness{
			Command:        "kiln-harness",
			TimeoutSeconds: 3600,
		},
		Log: Log{Level: "info", Format: "text"},
	}
}

// FileNames are the config file names searched in the .kiln directory, in
// order of precedence.
var FileNames = []string{"config.yaml", "config.yml", "config.toml"} //nolint:gochecknoglobals // read-only table

// Find returns the config file in kilnDir, honoring KILN_CONFIG. Returns ""
// when no file exists.
func Find(kilnDir string) string {
	if p := os.Getenv("KILN_CONFIG"); p != "" {
		return p
	}
	for _, name := range FileNames {
		p := filepath.Join(kilnDir, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Load reads the config at path (YAML or TOML by extension) over the
// defaults. An empty path yields the defaults. Problems are returned as
// warnings; the returned Config is always usable.
func Load(path string) (Config, []string) {
	cfg := Default()
	var warnings []string

	if path != "" {
		//nolint:gosec // path comes from Find or the operator
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			warnings = append(warnings, fmt.Sprintf("config: %s not found, using defaults", path))
		case err != nil:
			warnings = append(warnings, fmt.Sprintf("config: read %s: %v, using defaults", path, err))
		default:
			if err := decode(path, data, &cfg); err != nil {
				warnings = append(warnings, fmt.Sprintf("config: parse %s: %v, using defaults", path, err))
				cfg = Default()
			}
		}
	}

	warnings = append(warnings, sanitize(&cfg)...)
	cfg.fill()
	return cfg, warnings
}

func decode(path string, data []byte, cfg *Config) error {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return toml.NewDecoder(bytes.NewReader(data)).Decode(cfg)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	return yaml.Unmarshal(data, cfg)
}

// fill derives the fields that default to other settings.
func (c *Config) fill() {
	if c.Reconciliation.BaseBranch == "" {
		c.Reconciliation.BaseBranch = c.BaseBranch
	}
	if c.Cleanup.BaseBranch == "" {
		c.Cleanup.BaseBranch = c.BaseBranch
	}
	c.Reconciliation.BuildLabel = c.Labels.Build
}

var validate = newValidator() //nolint:gochecknoglobals // validator caches struct metadata

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// sanitize resets every field that fails validation to its default value
// and returns one warning per reset.
func sanitize(cfg *Config) []string {
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []string{fmt.Sprintf("config: validation: %v", err)}
	}

	def := reflect.ValueOf(Default())
	cur := reflect.ValueOf(cfg).Elem()

	warnings := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		// StructNamespace is "Config.Cleanup.Frequency"; drop the type name.
		parts := strings.Split(fe.StructNamespace(), ".")[1:]
		dst, src := cur, def
		for _, name := range parts {
			dst = dst.FieldByName(name)
			src = src.FieldByName(name)
		}
		if !dst.IsValid() || !dst.CanSet() {
			continue
		}
		dst.Set(src)
		warnings = append(warnings, fmt.Sprintf("config: %s=%v is invalid (%s), using default %v",
			strings.TrimPrefix(fe.Namespace(), "Config."), fe.Value(), fe.Tag(), src.Interface()))
	}
	return warnings
}
