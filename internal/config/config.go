// Package config loads vidclock's process settings from the environment
// (optionally seeded from a .env file) and its stream list from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/zsiec/vidclock/internal/cpd"
	"github.com/zsiec/vidclock/internal/session"
	"github.com/zsiec/vidclock/internal/timestamp"
)

// Defaults for settings not given in the environment.
const (
	DefaultAPIAddr   = ":4444"
	DefaultOutputDir = "out"
	DefaultSink      = "annexb"
	DefaultDrift     = session.DefaultDriftThreshold
)

// ErrNoStreams is returned by Validate when neither SOURCES_FILE nor
// SOURCE_URL names a stream and the SRT listener is disabled.
var ErrNoStreams = errors.New("config: no streams configured")

var validName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Config is the process configuration.
type Config struct {
	APIAddr string
	// SRTAddr is the SRT listener address. Empty disables the listener.
	SRTAddr   string
	OutputDir string
	Debug     bool

	// Defaults applied to streams that leave a setting empty, and to
	// streams pushed to the SRT listener.
	Sink   string
	Policy string
	Drift  time.Duration

	Streams []Stream
}

// Stream configures one pipeline.
type Stream struct {
	Name       string        `yaml:"name" json:"name,omitempty"`
	URL        string        `yaml:"url" json:"url,omitempty"`
	Sink       string        `yaml:"sink" json:"sink,omitempty"`
	Policy     string        `yaml:"policy" json:"policy,omitempty"`
	Regression string        `yaml:"regression" json:"regression,omitempty"`
	Workaround bool          `yaml:"workaround" json:"workaround,omitempty"`
	Loop       bool          `yaml:"loop" json:"loop,omitempty"`
	Duration   time.Duration `yaml:"duration" json:"duration,omitempty"`
	Adaptive   *bool         `yaml:"adaptive" json:"adaptive,omitempty"`
	Drift      time.Duration `yaml:"drift" json:"drift,omitempty"`
	FPS        float64       `yaml:"fps" json:"fps,omitempty"`
	// RequireAnchor withholds frames of sources that carry a network clock
	// (RTSP) until the first sender report. Nil means true; false forwards
	// them paced by the wall clock.
	RequireAnchor *bool `yaml:"require_anchor" json:"require_anchor,omitempty"`
	// Unpaced replays files as fast as they can be read.
	Unpaced bool `yaml:"unpaced" json:"unpaced,omitempty"`
}

type sourcesFile struct {
	Streams []Stream `yaml:"streams"`
}

// Load reads a .env file if present, then the environment, then the YAML
// sources file named by SOURCES_FILE. Environment variables take
// precedence over .env values.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		APIAddr:   envOr("API_ADDR", DefaultAPIAddr),
		SRTAddr:   os.Getenv("SRT_ADDR"),
		OutputDir: envOr("OUTPUT_DIR", DefaultOutputDir),
		Debug:     os.Getenv("DEBUG") != "",
		Sink:      envOr("SINK", DefaultSink),
		Policy:    envOr("CPD_POLICY", cpd.ExtradataCanonical.String()),
		Drift:     DefaultDrift,
	}

	if v := os.Getenv("DRIFT_THRESHOLD"); v != "" {
		d, err := parseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("DRIFT_THRESHOLD: %w", err)
		}
		cfg.Drift = d
	}

	if path := os.Getenv("SOURCES_FILE"); path != "" {
		streams, err := ReadSources(path)
		if err != nil {
			return nil, err
		}
		cfg.Streams = append(cfg.Streams, streams...)
	}
	if u := os.Getenv("SOURCE_URL"); u != "" {
		cfg.Streams = append(cfg.Streams, Stream{Name: envOr("SOURCE_NAME", "default"), URL: u})
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ReadSources parses a YAML sources file.
func ReadSources(path string) ([]Stream, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sources file: %w", err)
	}
	var f sourcesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse sources file %s: %w", path, err)
	}
	return f.Streams, nil
}

func (c *Config) applyDefaults() {
	for i := range c.Streams {
		c.Streams[i] = c.StreamDefaults(c.Streams[i])
	}
}

// StreamDefaults fills the empty settings of s from the process defaults.
func (c *Config) StreamDefaults(s Stream) Stream {
	if s.Sink == "" {
		s.Sink = c.Sink
	}
	if s.Policy == "" {
		s.Policy = c.Policy
	}
	if s.Drift == 0 {
		s.Drift = c.Drift
	}
	if s.Adaptive == nil {
		on := true
		s.Adaptive = &on
	}
	return s
}

// Validate checks every stream. Stream names must be unique since they
// key the manager and name the output files.
func (c *Config) Validate() error {
	if len(c.Streams) == 0 && c.SRTAddr == "" {
		return ErrNoStreams
	}
	if _, err := cpd.ParsePolicy(c.Policy); err != nil {
		return fmt.Errorf("CPD_POLICY: %w", err)
	}
	seen := make(map[string]bool, len(c.Streams))
	var errs []error
	for _, s := range c.Streams {
		if err := s.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if seen[s.Name] {
			errs = append(errs, fmt.Errorf("stream %q: duplicate name", s.Name))
		}
		seen[s.Name] = true
	}
	return errors.Join(errs...)
}

// Validate checks one stream's settings.
func (s Stream) Validate() error {
	if !validName.MatchString(s.Name) {
		return fmt.Errorf("stream %q: invalid name", s.Name)
	}
	if s.URL == "" {
		return fmt.Errorf("stream %q: url is required", s.Name)
	}
	if _, err := s.CPDPolicy(); err != nil {
		return fmt.Errorf("stream %q: %w", s.Name, err)
	}
	if _, err := s.RegressionPolicy(); err != nil {
		return fmt.Errorf("stream %q: %w", s.Name, err)
	}
	if s.Duration < 0 || s.Drift < 0 || s.FPS < 0 {
		return fmt.Errorf("stream %q: negative duration, drift or fps", s.Name)
	}
	return nil
}

// CPDPolicy returns the parsed parameter set policy.
func (s Stream) CPDPolicy() (cpd.Policy, error) {
	if s.Policy == "" {
		return cpd.ExtradataCanonical, nil
	}
	return cpd.ParsePolicy(s.Policy)
}

// RegressionPolicy returns the parsed media clock regression policy.
func (s Stream) RegressionPolicy() (timestamp.RegressionPolicy, error) {
	return timestamp.ParseRegressionPolicy(s.Regression)
}

// WithholdUnsynced reports whether frames are withheld until the first
// sender report. It defaults to true.
func (s Stream) WithholdUnsynced() bool {
	return s.RequireAnchor == nil || *s.RequireAnchor
}

// IsAdaptive reports whether drift detection is on. It defaults to true.
func (s Stream) IsAdaptive() bool {
	return s.Adaptive == nil || *s.Adaptive
}

// parseDuration accepts a Go duration ("12s") or plain seconds ("12.5").
func parseDuration(v string) (time.Duration, error) {
	if d, err := time.ParseDuration(v); err == nil {
		if d <= 0 {
			return 0, fmt.Errorf("must be positive, got %s", v)
		}
		return d, nil
	}
	sec, err := strconv.ParseFloat(v, 64)
	if err != nil || sec <= 0 {
		return 0, fmt.Errorf("invalid duration %q", v)
	}
	return time.Duration(sec * float64(time.Second)), nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
