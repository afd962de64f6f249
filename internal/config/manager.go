package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads the settings file at path. An empty path yields defaults.
func Load(path string) (*Settings, error) {
	if strings.TrimSpace(path) == "" {
		return &Settings{}, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}
	return Parse(path, b)
}

// Parse decodes settings strictly: unknown keys and trailing data are errors.
// The extension of path selects JSON or YAML.
func Parse(path string, data []byte) (*Settings, error) {
	jb, format := data, "json"
	if ext := strings.ToLower(filepath.Ext(path)); ext == ".yaml" || ext == ".yml" {
		var err error
		if jb, err = yamlToJSON(data); err != nil {
			return nil, err
		}
		format = "yaml"
	}

	var s Settings
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("parse settings (%s): %w", format, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, errors.New("invalid settings: trailing data")
		}
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks the static constraints and the resolved sections.
func (s *Settings) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}
	if _, err := s.LoopSettings(); err != nil {
		return err
	}
	if _, err := s.StorageSettings(); err != nil {
		return err
	}
	if s.Logging.Telegram.Enabled {
		if strings.TrimSpace(s.Logging.Telegram.Token) == "" || s.Logging.Telegram.ChatID == 0 {
			return errors.New("logging.telegram: token and chat_id are required when enabled")
		}
	}
	return nil
}

// API returns the REST root without a trailing slash.
func (s *Settings) API() string {
	base := strings.TrimRight(strings.TrimSpace(s.APIBase), "/")
	if base == "" {
		return DefaultAPIBase
	}
	return base
}

func (s *Settings) DispatchSettings() Dispatch {
	c := s.Dispatch
	out := Dispatch{
		Timeout:         c.Timeout.Or(30 * time.Second),
		RetryMax:        c.RetryMax,
		WaitCap:         c.WaitCap.Or(300 * time.Second),
		WaitMargin:      c.WaitMargin.Or(20 * time.Second),
		WriteLimitFloor: c.WriteLimitFloor.Or(60 * time.Second),
		RatePerSec:      c.RatePerSec,
	}
	if out.RetryMax <= 0 {
		out.RetryMax = 3
	}
	if out.RatePerSec <= 0 {
		out.RatePerSec = 1
	}
	return out
}

func (s *Settings) LoopSettings() (Loop, error) {
	lo := s.Loop.IntervalMin.Or(10 * time.Second)
	hi := s.Loop.IntervalMax.Or(20 * time.Second)
	if hi < lo {
		return Loop{}, fmt.Errorf("loop: interval_max (%s) must be >= interval_min (%s)", hi, lo)
	}
	return Loop{IntervalMin: lo, IntervalMax: hi}, nil
}

// ConsoleEnabled defaults to true.
func (l LoggingConfig) ConsoleEnabled() bool { return l.Console == nil || *l.Console }

// FileEnabled defaults to true.
func (l LoggingConfig) FileEnabled() bool { return l.File.Enabled == nil || *l.File.Enabled }

// StorageSettings resolves the audit storage section. A nil section or
// driver "none" yields an empty Driver.
func (s *Settings) StorageSettings() (Storage, error) {
	if s.Storage == nil {
		return Storage{}, nil
	}
	sc := s.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "none":
		return Storage{}, nil
	case "file":
		if path == "" {
			path = "chanpost_audit"
		}
		return Storage{Driver: driver, Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return Storage{}, errors.New("storage.path is required when storage.driver=sqlite")
		}
		return Storage{Driver: "sqlite", Path: path, BusyTimeout: sc.BusyTimeout.Or(time.Second)}, nil
	default:
		return Storage{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}
