package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	apiclient "github.com/splax/previewd/pkg/api/client"
)

func TestConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")
	t.Setenv("PREVIEW_CONFIG", path)

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("load missing: %v", err)
	}
	if cfg.APIBaseURL != defaultAPIBaseURL {
		t.Fatalf("unexpected default base %q", cfg.APIBaseURL)
	}
	cfg.TeamID = "t1"
	if err := saveConfig(cfg); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := loadConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.TeamID != "t1" || loaded.APIBaseURL != defaultAPIBaseURL {
		t.Fatalf("unexpected config %+v", loaded)
	}
}

func TestAuthedClientRequiresCredentials(t *testing.T) {
	t.Setenv("PREVIEW_CONFIG", filepath.Join(t.TempDir(), "config.json"))
	t.Setenv("PREVIEW_TEAM", "")
	t.Setenv("PREVIEW_TOKEN", "")
	if _, err := authedClient(); err == nil {
		t.Fatal("expected login error")
	}
	t.Setenv("PREVIEW_TEAM", "t1")
	if _, err := authedClient(); err != nil {
		t.Fatalf("team from env should suffice: %v", err)
	}
}

func TestPrintDeployments(t *testing.T) {
	var buf bytes.Buffer
	err := printDeployments(&buf, []apiclient.Deployment{
		{Branch: "main", Status: "Running", Port: 7001, URL: "http://localhost:4100/preview/t1/main/"},
		{Branch: "broken", Status: "Error", LastError: "health timeout"},
	})
	if err != nil {
		t.Fatalf("print: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header and two rows, got %q", buf.String())
	}
	if !strings.Contains(lines[1], "7001") || !strings.Contains(lines[2], "health timeout") {
		t.Fatalf("unexpected rows %q", lines)
	}
	if !strings.Contains(lines[2], " - ") {
		t.Fatalf("stopped rows should show no port: %q", lines[2])
	}
}
