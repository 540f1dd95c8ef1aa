// Package config holds all shopnerd configuration. Configuration is
// loaded once at process start from an optional YAML file plus
// environment overrides, and is immutable afterwards.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all shopnerd configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Solver LLM endpoint
	Solver SolverConfig `yaml:"solver"`

	// Browser process + contexts
	Browser BrowserConfig `yaml:"browser"`

	// Resilient fetcher
	Fetch FetchConfig `yaml:"fetch"`

	// Recovery manager
	Recovery RecoveryConfig `yaml:"recovery"`

	// Human intervention
	Intervention InterventionConfig `yaml:"intervention"`

	// Extraction pipeline tunables
	Perception PerceptionConfig `yaml:"perception"`

	// Research loop tunables
	Research ResearchConfig `yaml:"research"`

	// Filesystem layout
	Paths PathsConfig `yaml:"paths"`

	// HTTP surface
	Server ServerConfig `yaml:"server"`
}

// SolverConfig configures the LLM text-completion endpoint.
type SolverConfig struct {
	URL     string `yaml:"url"`
	Model   string `yaml:"model"`
	APIKey  string `yaml:"api_key"`
	Timeout string `yaml:"timeout"`
}

// BrowserConfig configures the long-lived browser process.
type BrowserConfig struct {
	Bin                 string   `yaml:"bin"`
	Headless            bool     `yaml:"headless"`
	LaunchFlags         []string `yaml:"launch_flags"`
	NavigationTimeout   string   `yaml:"navigation_timeout"`
	IdleTimeoutMinutes  int      `yaml:"idle_timeout_minutes"`
	DebuggerURL         string   `yaml:"debugger_url"`
}

// FetchConfig configures the resilient fetcher.
type FetchConfig struct {
	RequestTimeout string `yaml:"request_timeout"`
	MinDomainGapMs int    `yaml:"min_domain_gap_ms"`
	UserAgent      string `yaml:"user_agent"`
	CurlBin        string `yaml:"curl_bin"`
}

// RecoveryConfig configures the browser recovery manager.
// The substring sets are a living configuration, not code.
type RecoveryConfig struct {
	MaxAttempts         int      `yaml:"max_attempts"`
	InitialBackoff      string   `yaml:"initial_backoff"`
	MaxBackoff          string   `yaml:"max_backoff"`
	Cooldown            string   `yaml:"cooldown"`
	FailureThreshold    int      `yaml:"failure_threshold"`
	DeadSubstrings      []string `yaml:"dead_substrings"`
	FatalSubstrings     []string `yaml:"fatal_substrings"`
	HistoryLimit        int      `yaml:"history_limit"`
	HealthProbeTimeout  string   `yaml:"health_probe_timeout"`
}

// InterventionConfig configures the human-intervention broker.
type InterventionConfig struct {
	PollInterval  string `yaml:"poll_interval"`
	SettleDelay   string `yaml:"settle_delay"`
	WaitTimeout   string `yaml:"wait_timeout"`
	NoVNCURL      string `yaml:"novnc_url"`
	LockRetries   int    `yaml:"lock_retries"`
	LockRetryGap  string `yaml:"lock_retry_gap"`
}

// PerceptionConfig holds tunables for the extraction pipeline.
// Populated from environment at startup; immutable after process start.
type PerceptionConfig struct {
	EnableHybrid       bool   `yaml:"enable_hybrid"`
	EnableClickResolve bool   `yaml:"enable_click_resolve"`
	MaxClickResolves   int    `yaml:"max_click_resolves"`

	MaxProductsPerRetailer int `yaml:"max_products_per_retailer"`

	OCRUseGPU        bool    `yaml:"ocr_use_gpu"`
	OCRConfidenceMin float64 `yaml:"ocr_confidence_min"`
	OCRTimeoutMs     int     `yaml:"ocr_timeout_ms"`
	OCRCommand       []string `yaml:"ocr_command"`

	SimilarityThreshold float64 `yaml:"similarity_threshold"`
	YGroupThreshold     int     `yaml:"y_group_threshold"`
	XGroupThreshold     int     `yaml:"x_group_threshold"`
	MaxOCRGroups        int     `yaml:"max_ocr_groups"`
	RequirePricePattern bool    `yaml:"require_price_pattern"`

	EnablePDPVerification   bool    `yaml:"enable_pdp_verification"`
	PDPVerificationTimeout  int     `yaml:"pdp_verification_timeout_ms"`
	PDPMaxVerifyPerRetailer int     `yaml:"pdp_max_verify_per_retailer"`
	PDPDiscrepancyThreshold float64 `yaml:"pdp_discrepancy_threshold"`

	EnableProactiveCalibration bool    `yaml:"enable_proactive_calibration"`
	CalibrationTimeoutMs       int     `yaml:"calibration_timeout_ms"`
	CalibrationMinConfidence   float64 `yaml:"calibration_min_confidence"`

	FallbackToHTMLOnly   bool   `yaml:"fallback_to_html_only"`
	SaveDebugScreenshots bool   `yaml:"save_debug_screenshots"`
	DebugOutputDir       string `yaml:"debug_output_dir"`
}

// ResearchConfig configures the outer research loop.
type ResearchConfig struct {
	TargetViable         int    `yaml:"target_viable"`
	HopBudget            int    `yaml:"hop_budget"`
	MaxPerVendor         int    `yaml:"max_per_vendor"`
	MaxConcurrentVendors int    `yaml:"max_concurrent_vendors"`
	PDPPacing            string `yaml:"pdp_pacing"`
	SearchEngineURL      string `yaml:"search_engine_url"`
}

// GetPDPPacing returns the delay between product detail page visits.
func (r ResearchConfig) GetPDPPacing() time.Duration {
	return parseDuration(r.PDPPacing, 3*time.Second)
}

// PathsConfig configures the owned filesystem layout.
type PathsConfig struct {
	StateDir       string `yaml:"state_dir"`       // shared_state root
	SchemasDir     string `yaml:"schemas_dir"`     // append-only JSONL schemas
	ScreenshotsDir string `yaml:"screenshots_dir"` // intervention screenshots
	RecipesDir     string `yaml:"recipes_dir"`     // LLM prompt recipes
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "shopnerd",
		Version: "0.3.0",

		Solver: SolverConfig{
			URL:     "http://localhost:8000/v1/chat/completions",
			Model:   "glm-4.6",
			Timeout: "120s",
		},

		Browser: BrowserConfig{
			Headless:           true,
			NavigationTimeout:  "30s",
			IdleTimeoutMinutes: 30,
		},

		Fetch: FetchConfig{
			RequestTimeout: "10s",
			MinDomainGapMs: 500,
			UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
			CurlBin:        "curl",
		},

		Recovery: RecoveryConfig{
			MaxAttempts:        3,
			InitialBackoff:     "500ms",
			MaxBackoff:         "10s",
			Cooldown:           "30s",
			FailureThreshold:   10,
			HistoryLimit:       100,
			HealthProbeTimeout: "5s",
			DeadSubstrings: []string{
				"target page or context has been closed",
				"writeunixstransport closed",
				"browser has been closed",
				"execution context was destroyed",
				"websocket closed",
				"session closed",
				"context canceled before target",
				"cdp connection lost",
			},
			FatalSubstrings: []string{
				"browser has been closed",
				"writeunixstransport closed",
				"cdp connection lost",
			},
		},

		Intervention: InterventionConfig{
			PollInterval: "2s",
			SettleDelay:  "5s",
			WaitTimeout:  "10m",
			LockRetries:  3,
			LockRetryGap: "150ms",
		},

		Perception: PerceptionConfig{
			EnableHybrid:               true,
			EnableClickResolve:         true,
			MaxClickResolves:           3,
			MaxProductsPerRetailer:     12,
			OCRConfidenceMin:           0.45,
			OCRTimeoutMs:               20000,
			SimilarityThreshold:        0.40,
			YGroupThreshold:            80,
			XGroupThreshold:            200,
			MaxOCRGroups:               25,
			EnablePDPVerification:      true,
			PDPVerificationTimeout:     15000,
			PDPMaxVerifyPerRetailer:    6,
			PDPDiscrepancyThreshold:    0.15,
			EnableProactiveCalibration: false,
			CalibrationTimeoutMs:       30000,
			CalibrationMinConfidence:   0.5,
			FallbackToHTMLOnly:         true,
			DebugOutputDir:             "debug_output",
		},

		Research: ResearchConfig{
			TargetViable:         4,
			HopBudget:            3,
			MaxPerVendor:         5,
			MaxConcurrentVendors: 3,
			PDPPacing:            "3s",
			SearchEngineURL:      "https://duckduckgo.com",
		},

		Paths: PathsConfig{
			StateDir:       "shared_state",
			SchemasDir:     "schemas",
			ScreenshotsDir: "research_screenshots",
			RecipesDir:     "recipes",
		},

		Server: ServerConfig{
			Addr: ":8090",
		},
	}
}

// Load loads configuration from a YAML file, falling back to defaults
// when the file does not exist, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("SOLVER_URL"); v != "" {
		c.Solver.URL = v
	}
	if v := os.Getenv("SOLVER_MODEL_ID"); v != "" {
		c.Solver.Model = v
	}
	if v := os.Getenv("SOLVER_API_KEY"); v != "" {
		c.Solver.APIKey = v
	}
	if v := os.Getenv("NOVNC_URL"); v != "" {
		c.Intervention.NoVNCURL = v
	}
	if v := os.Getenv("SHOPNERD_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("SHOPNERD_STATE_DIR"); v != "" {
		c.Paths.StateDir = v
	}

	c.Perception.applyEnvOverrides()
}

// applyEnvOverrides maps the PERCEPTION_* environment family onto the
// perception tunables.
func (p *PerceptionConfig) applyEnvOverrides() {
	envBool("PERCEPTION_ENABLE_HYBRID", &p.EnableHybrid)
	envBool("PERCEPTION_ENABLE_CLICK_RESOLVE", &p.EnableClickResolve)
	envInt("PERCEPTION_MAX_CLICK_RESOLVES", &p.MaxClickResolves)
	envInt("PERCEPTION_MAX_PRODUCTS_PER_RETAILER", &p.MaxProductsPerRetailer)
	envBool("PERCEPTION_OCR_USE_GPU", &p.OCRUseGPU)
	envFloat("PERCEPTION_OCR_CONFIDENCE_MIN", &p.OCRConfidenceMin)
	envInt("PERCEPTION_OCR_TIMEOUT_MS", &p.OCRTimeoutMs)
	envFloat("PERCEPTION_SIMILARITY_THRESHOLD", &p.SimilarityThreshold)
	envInt("PERCEPTION_Y_GROUP_THRESHOLD", &p.YGroupThreshold)
	envInt("PERCEPTION_X_GROUP_THRESHOLD", &p.XGroupThreshold)
	envInt("PERCEPTION_MAX_OCR_GROUPS", &p.MaxOCRGroups)
	envBool("PERCEPTION_REQUIRE_PRICE_PATTERN", &p.RequirePricePattern)
	envBool("PERCEPTION_ENABLE_PDP_VERIFICATION", &p.EnablePDPVerification)
	envInt("PERCEPTION_PDP_VERIFICATION_TIMEOUT_MS", &p.PDPVerificationTimeout)
	envInt("PERCEPTION_PDP_MAX_VERIFY_PER_RETAILER", &p.PDPMaxVerifyPerRetailer)
	envFloat("PERCEPTION_PDP_DISCREPANCY_THRESHOLD", &p.PDPDiscrepancyThreshold)
	envBool("PERCEPTION_ENABLE_PROACTIVE_CALIBRATION", &p.EnableProactiveCalibration)
	envInt("PERCEPTION_CALIBRATION_TIMEOUT_MS", &p.CalibrationTimeoutMs)
	envFloat("PERCEPTION_CALIBRATION_MIN_CONFIDENCE", &p.CalibrationMinConfidence)
	envBool("PERCEPTION_FALLBACK_TO_HTML_ONLY", &p.FallbackToHTMLOnly)
	envBool("PERCEPTION_SAVE_DEBUG_SCREENSHOTS", &p.SaveDebugScreenshots)
	if v := os.Getenv("PERCEPTION_DEBUG_OUTPUT_DIR"); v != "" {
		p.DebugOutputDir = v
	}
	if v := os.Getenv("PERCEPTION_OCR_COMMAND"); v != "" {
		p.OCRCommand = strings.Fields(v)
	}
}

func envBool(name string, dst *bool) {
	if v := os.Getenv(name); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envInt(name string, dst *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(name string, dst *float64) {
	if v := os.Getenv(name); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// GetSolverTimeout returns the solver timeout as a duration.
func (c *Config) GetSolverTimeout() time.Duration {
	return parseDuration(c.Solver.Timeout, 120*time.Second)
}

// GetNavigationTimeout returns the browser navigation timeout.
func (c *Config) GetNavigationTimeout() time.Duration {
	return parseDuration(c.Browser.NavigationTimeout, 30*time.Second)
}

// GetRequestTimeout returns the per-request fetch timeout.
func (c *Config) GetRequestTimeout() time.Duration {
	return parseDuration(c.Fetch.RequestTimeout, 10*time.Second)
}

// GetIdleTimeout returns the session idle timeout.
func (c *Config) GetIdleTimeout() time.Duration {
	if c.Browser.IdleTimeoutMinutes <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(c.Browser.IdleTimeoutMinutes) * time.Minute
}

// Recovery duration getters.

func (r RecoveryConfig) GetInitialBackoff() time.Duration {
	return parseDuration(r.InitialBackoff, 500*time.Millisecond)
}

func (r RecoveryConfig) GetMaxBackoff() time.Duration {
	return parseDuration(r.MaxBackoff, 10*time.Second)
}

func (r RecoveryConfig) GetCooldown() time.Duration {
	return parseDuration(r.Cooldown, 30*time.Second)
}

func (r RecoveryConfig) GetHealthProbeTimeout() time.Duration {
	return parseDuration(r.HealthProbeTimeout, 5*time.Second)
}

// Intervention duration getters.

func (i InterventionConfig) GetPollInterval() time.Duration {
	return parseDuration(i.PollInterval, 2*time.Second)
}

func (i InterventionConfig) GetSettleDelay() time.Duration {
	return parseDuration(i.SettleDelay, 5*time.Second)
}

func (i InterventionConfig) GetWaitTimeout() time.Duration {
	return parseDuration(i.WaitTimeout, 10*time.Minute)
}

func (i InterventionConfig) GetLockRetryGap() time.Duration {
	return parseDuration(i.LockRetryGap, 150*time.Millisecond)
}

// QueueFile returns the intervention queue path under the state dir.
func (c *Config) QueueFile() string {
	return filepath.Join(c.Paths.StateDir, "captcha_queue.json")
}

// RejectionFile returns the rejection tracker path under the state dir.
func (c *Config) RejectionFile() string {
	return filepath.Join(c.Paths.StateDir, "rejection_patterns.json")
}

// SessionsDir returns the crawler session persistence root.
func (c *Config) SessionsDir() string {
	return filepath.Join(c.Paths.StateDir, "crawler_sessions")
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Solver.URL == "" {
		return fmt.Errorf("solver URL not configured (set SOLVER_URL)")
	}
	if c.Solver.Model == "" {
		return fmt.Errorf("solver model not configured (set SOLVER_MODEL_ID)")
	}
	if c.Fetch.MinDomainGapMs < 0 {
		return fmt.Errorf("min_domain_gap_ms must be >= 0")
	}
	return nil
}
