package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/nreplctl/internal/testutil/testlog"
)

func TestLoadAppConfigDefaultsWithoutPath(t *testing.T) {
	testlog.Start(t)
	cfg, err := loadAppConfig("")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	if cfg.Service.ListenAddr != "127.0.0.1:7888" {
		t.Fatalf("listen addr got=%q", cfg.Service.ListenAddr)
	}
	if cfg.Admin.Addr != "" {
		t.Fatalf("admin should be disabled by default, got=%q", cfg.Admin.Addr)
	}
}

func TestLoadAppConfigOverlay(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	raw := strings.Join([]string{
		`addr = "127.0.0.1:9999"`,
		`admin_addr = ":9100"`,
		`cors_origins = ["http://example.test"]`,
		`read_timeout = "30s"`,
		`request_timeout = "2m"`,
		`max_frame_bytes = 4096`,
		`max_connect_attempts = 3`,
	}, "\n")
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := loadAppConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Service.ListenAddr != "127.0.0.1:9999" {
		t.Fatalf("listen addr got=%q", cfg.Service.ListenAddr)
	}
	if cfg.Admin.Addr != ":9100" || len(cfg.Admin.CORSOrigins) != 1 {
		t.Fatalf("admin config got=%+v", cfg.Admin)
	}
	if cfg.Session.ReadTimeout != 30*time.Second || cfg.Session.RequestTimeout != 2*time.Minute {
		t.Fatalf("timeouts got read=%v request=%v", cfg.Session.ReadTimeout, cfg.Session.RequestTimeout)
	}
	if cfg.Session.WriteTimeout != 15*time.Second {
		t.Fatalf("undefined write_timeout should keep default, got=%v", cfg.Session.WriteTimeout)
	}
	if cfg.Service.Conn.Session.MaxFrameBytes != 4096 {
		t.Fatalf("server conn should share session config, got=%d", cfg.Service.Conn.Session.MaxFrameBytes)
	}
	if cfg.Session.MaxConnectAttempts != 3 {
		t.Fatalf("max connect attempts got=%d", cfg.Session.MaxConnectAttempts)
	}
}

func TestLoadAppConfigRejectsBadValues(t *testing.T) {
	testlog.Start(t)
	cases := map[string]string{
		"duration": `read_timeout = "soon"`,
		"negative": `write_timeout = "-1s"`,
		"frame":    `max_frame_bytes = 0`,
		"unknown":  `listen = "x"`,
	}
	for name, raw := range cases {
		path := filepath.Join(t.TempDir(), name+".toml")
		if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
			t.Fatalf("write config: %v", err)
		}
		if _, err := loadAppConfig(path); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestLoadAppConfigMissingFile(t *testing.T) {
	testlog.Start(t)
	_, err := loadAppConfig(filepath.Join(t.TempDir(), "absent.toml"))
	if err == nil || !strings.Contains(err.Error(), "load nreplctl config") {
		t.Fatalf("expected wrapped load error, got %v", err)
	}
}
