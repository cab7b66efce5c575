package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := defaults()
	if *cfg != want {
		t.Fatalf("cfg = %+v, want defaults %+v", *cfg, want)
	}
}

func TestLoadFromTOMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "arbor.toml")
	body := "listen_addr = \":9999\"\nlog_level = \"debug\"\nlog_json = true\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":9999" {
		t.Fatalf("ListenAddr = %q, want :9999", cfg.ListenAddr)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	if !cfg.LogJSON {
		t.Fatal("LogJSON = false, want true")
	}
	if cfg.AdminAddr != defaults().AdminAddr {
		t.Fatalf("AdminAddr = %q, want the default %q (file left it unset)", cfg.AdminAddr, defaults().AdminAddr)
	}
}

func TestLoadMissingFileErrors(t *testing.T) {
	if _, err := Load("/nonexistent/path/arbor.toml"); err == nil {
		t.Fatal("expected an error loading a missing config file")
	}
}

func TestEnvVarsOverrideDefaults(t *testing.T) {
	t.Setenv("ARBOR_LISTEN_ADDR", ":1111")
	t.Setenv("ARBOR_LOG_LEVEL", "warn")
	t.Setenv("ARBOR_LOG_JSON", "true")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":1111" {
		t.Fatalf("ListenAddr = %q, want :1111", cfg.ListenAddr)
	}
	if cfg.LogLevel != "warn" {
		t.Fatalf("LogLevel = %q, want warn", cfg.LogLevel)
	}
	if !cfg.LogJSON {
		t.Fatal("LogJSON = false, want true")
	}
}

func TestFunctionalOptionsOverrideEverything(t *testing.T) {
	t.Setenv("ARBOR_LISTEN_ADDR", ":1111")

	cfg, err := Load("", WithListenAddr(":2222"), WithAdminAddr(":3333"), WithLogLevel("error"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":2222" {
		t.Fatalf("ListenAddr = %q, want :2222 (option beats env var)", cfg.ListenAddr)
	}
	if cfg.AdminAddr != ":3333" {
		t.Fatalf("AdminAddr = %q, want :3333", cfg.AdminAddr)
	}
	if cfg.LogLevel != "error" {
		t.Fatalf("LogLevel = %q, want error", cfg.LogLevel)
	}
}

func TestInvalidLogJSONEnvVar(t *testing.T) {
	t.Setenv("ARBOR_LOG_JSON", "not-a-bool")
	if _, err := Load(""); err == nil {
		t.Fatal("expected an error parsing an invalid ARBOR_LOG_JSON value")
	}
}
