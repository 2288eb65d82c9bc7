// Package config loads the dictation core's tunables from environment
// variables, with an optional .env preload done by the hosting command.
package config

import (
	"fmt"
	"os"
	"strconv"
)

// Backend selects which ASR worker proxy implementation to construct.
type Backend string

const (
	BackendNativeA Backend = "native-a"
	BackendNativeB Backend = "native-b"
	BackendScriptA Backend = "script-a"
	BackendScriptB Backend = "script-b"
)

// Config holds every tunable the orchestrator and its collaborators read.
type Config struct {
	ASRBackend Backend

	SpokenFormattingCommands bool

	LiveStreamChunkMs int

	MinASRWindowMs     int
	NormalASRWindowMs  int
	BacklogASRWindowMs int
	MaxASRWindowMs     int
	AdaptiveASRWindow  bool

	ParakeetFinalPass bool

	SilenceGateDBFS  float64
	SpeechHangoverMs int

	ParakeetStreamContextLeftMs  int
	ParakeetStreamContextRightMs int
	ParakeetStreamContextDepth   int

	ASRChildCommand []string
	ExportDir       string
	LogLevel        string
}

// Load builds a Config from environment variables, with every tunable
// carrying a standalone default so no config file is required.
func Load() Config {
	return Config{
		ASRBackend: Backend(getEnvString("ASR_BACKEND", string(BackendNativeA))),

		SpokenFormattingCommands: getEnvBool("SPOKEN_FORMATTING_COMMANDS", true),

		LiveStreamChunkMs: getEnvInt("LIVE_STREAM_CHUNK_MS", 100),

		MinASRWindowMs:     getEnvInt("MIN_ASR_WINDOW_MS", 500),
		NormalASRWindowMs:  getEnvInt("NORMAL_ASR_WINDOW_MS", 1500),
		BacklogASRWindowMs: getEnvInt("BACKLOG_ASR_WINDOW_MS", 3000),
		MaxASRWindowMs:     getEnvInt("MAX_ASR_WINDOW_MS", 6000),
		AdaptiveASRWindow:  getEnvBool("ADAPTIVE_ASR_WINDOW", true),

		ParakeetFinalPass: getEnvBool("PARAKEET_FINAL_PASS", false),

		SilenceGateDBFS:  getEnvFloat("SILENCE_GATE_DBFS", -52.0),
		SpeechHangoverMs: getEnvInt("SPEECH_HANGOVER_MS", 420),

		ParakeetStreamContextLeftMs:  getEnvInt("PARAKEET_STREAM_CONTEXT_LEFT_MS", 2000),
		ParakeetStreamContextRightMs: getEnvInt("PARAKEET_STREAM_CONTEXT_RIGHT_MS", 0),
		ParakeetStreamContextDepth:   getEnvInt("PARAKEET_STREAM_CONTEXT_DEPTH", 2),

		ASRChildCommand: []string{getEnvString("ASR_CHILD_COMMAND", "parakeet-worker")},
		ExportDir:       getEnvString("DICTATION_EXPORT_DIR", "exports"),
		LogLevel:        getEnvString("LOG_LEVEL", "info"),
	}
}

// Validate checks the cross-field constraints the orchestrator relies on:
// the scheduler window bounds must be monotonically non-decreasing and the
// capture chunk size must fall in the capture contract's accepted range.
func (c Config) Validate() error {
	if c.MinASRWindowMs <= 0 {
		return fmt.Errorf("min ASR window must be positive, got %dms", c.MinASRWindowMs)
	}
	if c.MinASRWindowMs > c.NormalASRWindowMs ||
		c.NormalASRWindowMs > c.BacklogASRWindowMs ||
		c.BacklogASRWindowMs > c.MaxASRWindowMs {
		return fmt.Errorf("ASR window bounds must be non-decreasing: min=%d normal=%d backlog=%d max=%d",
			c.MinASRWindowMs, c.NormalASRWindowMs, c.BacklogASRWindowMs, c.MaxASRWindowMs)
	}
	if c.LiveStreamChunkMs < 20 || c.LiveStreamChunkMs > 2000 {
		return fmt.Errorf("live stream chunk must be in [20, 2000]ms, got %dms", c.LiveStreamChunkMs)
	}
	if c.SpeechHangoverMs < 0 {
		return fmt.Errorf("speech hangover must not be negative, got %dms", c.SpeechHangoverMs)
	}
	return nil
}

func getEnvString(envVar, def string) string {
	if v := os.Getenv(envVar); v != "" {
		return v
	}
	return def
}

func getEnvInt(envVar string, def int) int {
	if v := os.Getenv(envVar); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvFloat(envVar string, def float64) float64 {
	if v := os.Getenv(envVar); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvBool(envVar string, def bool) bool {
	if v := os.Getenv(envVar); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
