// Package logging provides categorized file-based logging for shopnerd.
// Logs are written to shared_state/logs/ with separate files per category.
// Logging is controlled by SHOPNERD_DEBUG - when unset, no logs are written.
package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Category represents a log category/system
type Category string

const (
	// Core system categories
	CategoryBoot    Category = "boot"    // Boot/initialization
	CategoryAPI     Category = "api"     // HTTP surface
	CategorySolver  Category = "solver"  // LLM solver calls

	// Crawl stack categories
	CategoryFetcher      Category = "fetcher"      // Resilient HTTP fetching
	CategoryBrowser      Category = "browser"      // Browser process + contexts
	CategorySession      Category = "session"      // Session registry
	CategoryRecovery     Category = "recovery"     // Browser recovery manager
	CategoryIntervention Category = "intervention" // CAPTCHA / blocker interventions

	// Extraction categories
	CategoryPageIntel  Category = "pageintel"  // Per-domain page calibration
	CategoryExtraction Category = "extraction" // HTML + universal extractors
	CategoryVision     Category = "vision"     // OCR + vision extraction
	CategoryFusion     Category = "fusion"     // Vision/HTML product fusion
	CategoryPDP        Category = "pdp"        // Product detail page extraction

	// Verification categories
	CategoryVerify    Category = "verify"    // PDP verification loop
	CategoryViability Category = "viability" // Viability filtering
	CategoryRejection Category = "rejection" // Rejection pattern tracking

	// Orchestration
	CategoryResearch Category = "research" // Research orchestrator + events
)

// Logger wraps a standard logger with category and file output
type Logger struct {
	category Category
	logger   *log.Logger
	file     *os.File
}

var (
	loggers   = make(map[Category]*Logger)
	loggersMu sync.RWMutex
	logsDir   string
	enabled   bool
	logLevel  int
)

// Log levels
const (
	LevelDebug = 0
	LevelInfo  = 1
	LevelWarn  = 2
	LevelError = 3
)

// Initialize sets up the logging directory. Should be called once at
// startup with the shared state root (typically "shared_state").
func Initialize(stateDir string) error {
	if stateDir == "" {
		return fmt.Errorf("state directory required")
	}

	mode := strings.ToLower(os.Getenv("SHOPNERD_DEBUG"))
	enabled = mode != "" && mode != "0" && mode != "false"
	if !enabled {
		return nil // Silent no-op in production mode
	}

	switch strings.ToLower(os.Getenv("SHOPNERD_LOG_LEVEL")) {
	case "debug":
		logLevel = LevelDebug
	case "warn":
		logLevel = LevelWarn
	case "error":
		logLevel = LevelError
	default:
		logLevel = LevelInfo
	}

	logsDir = filepath.Join(stateDir, "logs")
	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	boot := Get(CategoryBoot)
	boot.Info("=== shopnerd logging initialized ===")
	boot.Info("Logs directory: %s", logsDir)
	return nil
}

// Enabled reports whether debug logging is active.
func Enabled() bool {
	return enabled
}

// Get returns the logger for a category, creating it on first use.
func Get(category Category) *Logger {
	loggersMu.RLock()
	if l, ok := loggers[category]; ok {
		loggersMu.RUnlock()
		return l
	}
	loggersMu.RUnlock()

	loggersMu.Lock()
	defer loggersMu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}

	l := &Logger{category: category}
	if enabled && logsDir != "" {
		path := filepath.Join(logsDir, string(category)+".log")
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err == nil {
			l.file = f
			l.logger = log.New(f, "", log.LstdFlags|log.Lmicroseconds)
		}
	}
	loggers[category] = l
	return l
}

// Close flushes and closes all open log files.
func Close() {
	loggersMu.Lock()
	defer loggersMu.Unlock()
	for _, l := range loggers {
		if l.file != nil {
			_ = l.file.Close()
			l.file = nil
			l.logger = nil
		}
	}
}

func (l *Logger) write(level int, prefix, format string, args ...interface{}) {
	if l == nil || l.logger == nil || level < logLevel {
		return
	}
	l.logger.Printf(prefix+" "+format, args...)
}

// Debug logs a debug message.
func (l *Logger) Debug(format string, args ...interface{}) {
	l.write(LevelDebug, "[DEBUG]", format, args...)
}

// Info logs an info message.
func (l *Logger) Info(format string, args ...interface{}) {
	l.write(LevelInfo, "[INFO]", format, args...)
}

// Warn logs a warning message.
func (l *Logger) Warn(format string, args ...interface{}) {
	l.write(LevelWarn, "[WARN]", format, args...)
}

// Error logs an error message.
func (l *Logger) Error(format string, args ...interface{}) {
	l.write(LevelError, "[ERROR]", format, args...)
}

// Convenience helpers used across the crawl stack. These keep call sites
// terse and avoid repeated Get() lookups at hot paths.

func Fetcher(format string, args ...interface{})      { Get(CategoryFetcher).Info(format, args...) }
func FetcherDebug(format string, args ...interface{}) { Get(CategoryFetcher).Debug(format, args...) }
func FetcherWarn(format string, args ...interface{})  { Get(CategoryFetcher).Warn(format, args...) }

func Browser(format string, args ...interface{})      { Get(CategoryBrowser).Info(format, args...) }
func BrowserDebug(format string, args ...interface{}) { Get(CategoryBrowser).Debug(format, args...) }
func BrowserError(format string, args ...interface{}) { Get(CategoryBrowser).Error(format, args...) }

func Session(format string, args ...interface{})     { Get(CategorySession).Info(format, args...) }
func SessionWarn(format string, args ...interface{}) { Get(CategorySession).Warn(format, args...) }

func Recovery(format string, args ...interface{})      { Get(CategoryRecovery).Info(format, args...) }
func RecoveryWarn(format string, args ...interface{})  { Get(CategoryRecovery).Warn(format, args...) }
func RecoveryError(format string, args ...interface{}) { Get(CategoryRecovery).Error(format, args...) }

func Intervention(format string, args ...interface{}) {
	Get(CategoryIntervention).Info(format, args...)
}
func InterventionWarn(format string, args ...interface{}) {
	Get(CategoryIntervention).Warn(format, args...)
}

func PageIntel(format string, args ...interface{})      { Get(CategoryPageIntel).Info(format, args...) }
func PageIntelDebug(format string, args ...interface{}) { Get(CategoryPageIntel).Debug(format, args...) }

func Extraction(format string, args ...interface{}) { Get(CategoryExtraction).Info(format, args...) }
func ExtractionDebug(format string, args ...interface{}) {
	Get(CategoryExtraction).Debug(format, args...)
}

func Vision(format string, args ...interface{})     { Get(CategoryVision).Info(format, args...) }
func VisionWarn(format string, args ...interface{}) { Get(CategoryVision).Warn(format, args...) }

func Fusion(format string, args ...interface{}) { Get(CategoryFusion).Info(format, args...) }

func PDP(format string, args ...interface{})     { Get(CategoryPDP).Info(format, args...) }
func PDPWarn(format string, args ...interface{}) { Get(CategoryPDP).Warn(format, args...) }

func Verify(format string, args ...interface{})     { Get(CategoryVerify).Info(format, args...) }
func VerifyWarn(format string, args ...interface{}) { Get(CategoryVerify).Warn(format, args...) }

func Viability(format string, args ...interface{}) { Get(CategoryViability).Info(format, args...) }

func Rejection(format string, args ...interface{}) { Get(CategoryRejection).Info(format, args...) }

func Research(format string, args ...interface{})     { Get(CategoryResearch).Info(format, args...) }
func ResearchWarn(format string, args ...interface{}) { Get(CategoryResearch).Warn(format, args...) }

func Solver(format string, args ...interface{})      { Get(CategorySolver).Info(format, args...) }
func SolverDebug(format string, args ...interface{})  { Get(CategorySolver).Debug(format, args...) }
func SolverError(format string, args ...interface{}) { Get(CategorySolver).Error(format, args...) }

func API(format string, args ...interface{}) { Get(CategoryAPI).Info(format, args...) }
