// Package config describes the nreplctl config.toml file: its keys, the
// template written by `nreplctl config`, and strict validation.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/danmuck/nreplctl/internal/protocol/session"
	"github.com/danmuck/nreplctl/internal/server"
)

// File is the on-disk shape of config.toml. Durations are Go duration strings.
type File struct {
	Addr               string   `toml:"addr"`
	AdminAddr          string   `toml:"admin_addr"`
	Node               string   `toml:"node"`
	CORSOrigins        []string `toml:"cors_origins"`
	ConnectTimeout     string   `toml:"connect_timeout"`
	ReadTimeout        string   `toml:"read_timeout"`
	WriteTimeout       string   `toml:"write_timeout"`
	RequestTimeout     string   `toml:"request_timeout"`
	MaxFrameBytes      int      `toml:"max_frame_bytes"`
	MaxConnectAttempts int      `toml:"max_connect_attempts"`
}

// Default mirrors the runtime defaults of the server and client.
func Default() File {
	svc := server.DefaultServiceConfig()
	sess := session.DefaultConfig()
	return File{
		Addr:               svc.ListenAddr,
		AdminAddr:          "",
		Node:               "nreplctl",
		CORSOrigins:        []string{"http://localhost:3000"},
		ConnectTimeout:     sess.ConnectTimeout.String(),
		ReadTimeout:        sess.ReadTimeout.String(),
		WriteTimeout:       sess.WriteTimeout.String(),
		RequestTimeout:     sess.RequestTimeout.String(),
		MaxFrameBytes:      sess.MaxFrameBytes,
		MaxConnectAttempts: sess.MaxConnectAttempts,
	}
}

func Template() (string, error) {
	data, err := toml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("config template: %w", err)
	}
	return string(data), nil
}

// WriteTemplate writes the default config to path, refusing to replace an
// existing file unless overwrite is set.
func WriteTemplate(path string, overwrite bool) error {
	template, err := Template()
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

// Load strictly decodes path and validates it. Unknown keys are rejected.
func Load(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	var f File
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&f); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return File{}, fmt.Errorf("config parse failed (%s): %s", path, strings.TrimSpace(strict.String()))
		}
		return File{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	if err := Validate(f); err != nil {
		return File{}, fmt.Errorf("config invalid (%s): %w", path, err)
	}
	return f, nil
}

// Validate checks values that decode cleanly but cannot be used. Empty
// fields are allowed and mean "keep the default".
func Validate(f File) error {
	durations := []struct {
		key string
		raw string
	}{
		{"connect_timeout", f.ConnectTimeout},
		{"read_timeout", f.ReadTimeout},
		{"write_timeout", f.WriteTimeout},
		{"request_timeout", f.RequestTimeout},
	}
	for _, d := range durations {
		if _, err := ParseDuration(d.raw); err != nil {
			return fmt.Errorf("%s: %w", d.key, err)
		}
	}
	if f.MaxFrameBytes < 0 {
		return fmt.Errorf("max_frame_bytes must not be negative")
	}
	if f.MaxConnectAttempts < 0 {
		return fmt.Errorf("max_connect_attempts must not be negative")
	}
	for i, origin := range f.CORSOrigins {
		if strings.TrimSpace(origin) == "" {
			return fmt.Errorf("cors_origins[%d] is empty", i)
		}
	}
	return nil
}

// ParseDuration accepts Go duration strings; empty means zero. Negative
// durations are rejected.
func ParseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", raw)
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", raw)
	}
	return d, nil
}
