package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/danmuck/nreplctl/internal/admin"
	"github.com/danmuck/nreplctl/internal/config"
	"github.com/danmuck/nreplctl/internal/protocol/session"
	"github.com/danmuck/nreplctl/internal/server"
)

type appConfig struct {
	Service server.ServiceConfig
	Admin   admin.Config
	Session session.Config
}

func defaultAppConfig() appConfig {
	svc := server.DefaultServiceConfig()
	return appConfig{
		Service: svc,
		Admin:   admin.Config{Node: "nreplctl"},
		Session: svc.Conn.Session,
	}
}

// loadAppConfig overlays the keys defined in the TOML file at path onto the
// defaults. An empty path yields the defaults.
func loadAppConfig(path string) (appConfig, error) {
	cfg := defaultAppConfig()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	var raw config.File
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return appConfig{}, fmt.Errorf("load nreplctl config: %w", err)
	}

	if meta.IsDefined("addr") {
		cfg.Service.ListenAddr = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("admin_addr") {
		cfg.Admin.Addr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("node") {
		cfg.Admin.Node = strings.TrimSpace(raw.Node)
	}
	if meta.IsDefined("cors_origins") {
		cfg.Admin.CORSOrigins = append([]string(nil), raw.CORSOrigins...)
	}
	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"connect_timeout", raw.ConnectTimeout, &cfg.Session.ConnectTimeout},
		{"read_timeout", raw.ReadTimeout, &cfg.Session.ReadTimeout},
		{"write_timeout", raw.WriteTimeout, &cfg.Session.WriteTimeout},
		{"request_timeout", raw.RequestTimeout, &cfg.Session.RequestTimeout},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := config.ParseDuration(d.raw)
		if err != nil {
			return appConfig{}, fmt.Errorf("load nreplctl config: %s: %w", d.key, err)
		}
		*d.dst = v
	}
	if meta.IsDefined("max_frame_bytes") {
		if raw.MaxFrameBytes <= 0 {
			return appConfig{}, fmt.Errorf("load nreplctl config: max_frame_bytes must be positive")
		}
		cfg.Session.MaxFrameBytes = raw.MaxFrameBytes
	}
	if meta.IsDefined("max_connect_attempts") {
		cfg.Session.MaxConnectAttempts = raw.MaxConnectAttempts
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return appConfig{}, fmt.Errorf("load nreplctl config: unknown key %q", undecoded[0].String())
	}

	cfg.Session = cfg.Session.WithDefaults()
	cfg.Service.Conn.Session = cfg.Session
	return cfg, nil
}
