// Package config loads the head, backbone and logging configuration from a
// YAML file with environment overrides.
package config

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/nvr-ai/go-yolo/anchors"
	"github.com/nvr-ai/go-yolo/backbone"
	"github.com/nvr-ai/go-yolo/head"
	"github.com/nvr-ai/go-yolo/labels"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Environment variables read by Load.
const (
	EnvNumClasses      = "YOLO_NUM_CLASSES"
	EnvIgnoreThreshold = "YOLO_IGNORE_THRESHOLD"
	EnvWorkers         = "YOLO_WORKERS"
	EnvModelPath       = "YOLO_MODEL_PATH"
	EnvAnchors         = "YOLO_ANCHORS"
	EnvAnchorPreset    = "YOLO_ANCHOR_PRESET"
	EnvLabels          = "YOLO_LABELS"
	EnvLogLevel        = "YOLO_LOG_LEVEL"
	EnvLogFormat       = "YOLO_LOG_FORMAT"
)

// LogConfig selects the slog handler.
type LogConfig struct {
	// debug, info, warn or error.
	Level string `json:"level" yaml:"level"`
	// text or json.
	Format string `json:"format" yaml:"format"`
}

// Config is the top-level configuration file.
type Config struct {
	Head     head.Config     `json:"head"     yaml:"head"`
	Backbone backbone.Config `json:"backbone" yaml:"backbone"`
	Log      LogConfig       `json:"log"      yaml:"log"`
	// AnchorPreset, when set, replaces Head.Anchors with one head of a
	// published anchor set.
	AnchorPreset string `json:"anchor_preset,omitempty" yaml:"anchor_preset,omitempty"`
	// AnchorHead picks the head within AnchorPreset, 0 being the coarsest.
	AnchorHead int `json:"anchor_head" yaml:"anchor_head"`
	// Labels is a label preset (coco, voc) or a .names file used to name
	// decoded classes. Empty leaves classes unnamed.
	Labels string `json:"labels,omitempty" yaml:"labels,omitempty"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Head:     head.DefaultConfig(),
		Backbone: backbone.DefaultConfig(),
		Log:      LogConfig{Level: "info", Format: "text"},
	}
}

// Load overlays the YAML file at path (optional) and the environment on
// Default, then resolves derived fields.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, errors.Wrapf(err, "reading config %s", path)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, errors.Wrapf(err, "parsing config %s", path)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	if err := cfg.Resolve(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv(EnvNumClasses); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrapf(err, "%s", EnvNumClasses)
		}
		c.Head.NumClasses = n
	}
	if v := os.Getenv(EnvIgnoreThreshold); v != "" {
		f, err := strconv.ParseFloat(v, 32)
		if err != nil {
			return errors.Wrapf(err, "%s", EnvIgnoreThreshold)
		}
		c.Head.IgnoreThreshold = float32(f)
	}
	if v := os.Getenv(EnvWorkers); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrapf(err, "%s", EnvWorkers)
		}
		c.Head.Workers = n
	}
	if v := os.Getenv(EnvModelPath); v != "" {
		c.Backbone.ModelPath = v
	}
	if v := os.Getenv(backbone.EnvSharedLibraryPath); v != "" {
		c.Backbone.SharedLibraryPath = v
	}
	if v := os.Getenv(EnvAnchors); v != "" {
		if err := c.SetAnchors(v); err != nil {
			return errors.Wrapf(err, "%s", EnvAnchors)
		}
	}
	if v := os.Getenv(EnvAnchorPreset); v != "" {
		c.AnchorPreset = v
	}
	if v := os.Getenv(EnvLabels); v != "" {
		c.Labels = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv(EnvLogFormat); v != "" {
		c.Log.Format = v
	}
	return nil
}

// SetAnchors replaces the head anchors with a "w,h w,h" list and drops any
// anchor preset. Call Resolve afterwards to update derived fields.
func (c *Config) SetAnchors(text string) error {
	set, err := anchors.Parse(text)
	if err != nil {
		return err
	}
	c.Head.Anchors = set
	c.AnchorPreset = ""
	return nil
}

// Resolve applies the anchor preset, derives the backbone geometry from the
// head so the two cannot disagree, and validates labels and logging. Load
// calls it; callers that change fields afterwards call it again.
func (c *Config) Resolve() error {
	if c.AnchorPreset != "" {
		set, err := anchors.HeadAnchors(c.AnchorPreset, c.AnchorHead)
		if err != nil {
			return errors.Wrap(err, "anchor preset")
		}
		c.Head.Anchors = set
	}

	c.Backbone.InputWidth = c.Head.InputWidth
	c.Backbone.InputHeight = c.Head.InputHeight
	c.Backbone.GridWidth = c.Head.GridWidth
	c.Backbone.GridHeight = c.Head.GridHeight
	c.Backbone.OutputChannels = len(c.Head.Anchors) * c.Head.Attributes()

	if c.Labels != "" {
		set, err := labels.Resolve(c.Labels)
		if err != nil {
			return err
		}
		if got, want := len(set.Foreground()), c.Head.ClassChannels(); got != want {
			return errors.Errorf("labels %s name %d classes, head has %d", c.Labels, got, want)
		}
	}

	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return errors.Errorf("unknown log format %q", c.Log.Format)
	}
	return nil
}

// LabelSet resolves Labels to foreground class names, or nil when unset.
func (c Config) LabelSet() (labels.Set, error) {
	if c.Labels == "" {
		return nil, nil
	}
	set, err := labels.Resolve(c.Labels)
	if err != nil {
		return nil, err
	}
	return set.Foreground(), nil
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return level, errors.Wrapf(err, "log level %q", s)
	}
	return level, nil
}

// Logger builds the configured logger writing to w.
func (c Config) Logger(w io.Writer) *slog.Logger {
	level, err := ParseLevel(c.Log.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if strings.EqualFold(c.Log.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Write encodes cfg as YAML.
func (c Config) Write(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return errors.Wrap(err, "encoding config")
	}
	return errors.Wrap(enc.Close(), "encoding config")
}
