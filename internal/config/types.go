package config

import "time"

const DefaultAPIBase = "https://discord.com/api/v9"

// Settings is the optional settings file. Every field has a default, so an
// absent file behaves like an empty one.
//
// Durations take a Go duration string ("500ms", "5m") or a number of seconds.
type Settings struct {
	// APIBase is the REST root used to derive channel endpoints.
	APIBase string `json:"api_base,omitempty"`

	Logging  LoggingConfig  `json:"logging"`
	Dispatch DispatchConfig `json:"dispatch"`
	Loop     LoopConfig     `json:"loop"`
	Storage  *StorageConfig `json:"storage,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  *bool           `json:"console,omitempty"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled *bool  `json:"enabled,omitempty"`
	Path    string `json:"path"`
}

// LoggingTelegram forwards warnings and errors to a Telegram chat.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	Token      string `json:"token,omitempty"` // never logged
	ChatID     int64  `json:"chat_id"`
	ThreadID   int    `json:"thread_id,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// DispatchConfig tunes the message dispatcher.
//
// Defaults (when fields are omitted/zero):
//   - timeout: "30s"
//   - retry_max: 3
//   - wait_cap: "300s"
//   - wait_margin: "20s"
//   - write_limit_floor: "60s"
//   - rate_per_sec: 1
type DispatchConfig struct {
	Timeout         Duration `json:"timeout"`
	RetryMax        int      `json:"retry_max,omitempty" validate:"gte=0,lte=20"`
	WaitCap         Duration `json:"wait_cap"`
	WaitMargin      Duration `json:"wait_margin"`
	WriteLimitFloor Duration `json:"write_limit_floor"`
	RatePerSec      float64  `json:"rate_per_sec,omitempty" validate:"gte=0"`
}

// LoopConfig bounds the short sleep between two channels.
type LoopConfig struct {
	IntervalMin Duration `json:"interval_min"`
	IntervalMax Duration `json:"interval_max"`
}

// StorageConfig controls the optional dispatch audit.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./chanpost_audit.db" }
type StorageConfig struct {
	Driver      string   `json:"driver"`
	Path        string   `json:"path"`
	BusyTimeout Duration `json:"busy_timeout"` // sqlite only
}

// Dispatch is the resolved form of DispatchConfig.
type Dispatch struct {
	Timeout         time.Duration
	RetryMax        int
	WaitCap         time.Duration
	WaitMargin      time.Duration
	WriteLimitFloor time.Duration
	RatePerSec      float64
}

// Loop is the resolved form of LoopConfig.
type Loop struct {
	IntervalMin time.Duration
	IntervalMax time.Duration
}

// Storage is the resolved form of StorageConfig. Driver is lower-cased;
// "" means disabled.
type Storage struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration
}
