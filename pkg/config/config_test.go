package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadPreviewConfigDefaults(t *testing.T) {
	cfg := LoadPreviewConfig()
	if cfg.PortRangeStart != 7000 || cfg.PortRangeEnd != 8000 {
		t.Fatalf("unexpected default port range [%d, %d)", cfg.PortRangeStart, cfg.PortRangeEnd)
	}
	if cfg.Backend != BackendLocal {
		t.Fatalf("expected local backend by default, got %q", cfg.Backend)
	}
	if cfg.StartTimeout != 45*time.Second {
		t.Fatalf("unexpected start timeout %s", cfg.StartTimeout)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestLoadPreviewConfigFromEnv(t *testing.T) {
	t.Setenv("PREVIEW_PORT_MIN", "9000")
	t.Setenv("PREVIEW_PORT_MAX", "9010")
	t.Setenv("PREVIEW_BACKEND", "container")
	t.Setenv("PREVIEW_CPU_LIMIT", "0.5")
	t.Setenv("PREVIEW_START_TIMEOUT_SECONDS", "not-a-number")

	cfg := LoadPreviewConfig()
	if cfg.PortRangeStart != 9000 || cfg.PortRangeEnd != 9010 {
		t.Fatalf("unexpected port range [%d, %d)", cfg.PortRangeStart, cfg.PortRangeEnd)
	}
	if cfg.Backend != BackendContainer {
		t.Fatalf("expected container backend, got %q", cfg.Backend)
	}
	if cfg.CPULimit != 0.5 {
		t.Fatalf("expected cpu limit 0.5, got %v", cfg.CPULimit)
	}
	if cfg.StartTimeout != 45*time.Second {
		t.Fatalf("invalid integer should fall back to default, got %s", cfg.StartTimeout)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	base := LoadPreviewConfig()

	cases := map[string]func(*PreviewConfig){
		"inverted range": func(c *PreviewConfig) { c.PortRangeStart, c.PortRangeEnd = 8000, 7000 },
		"unknown backend": func(c *PreviewConfig) { c.Backend = "vm" },
		"unknown health":  func(c *PreviewConfig) { c.HealthPolicy = "ping" },
		"relative prefix": func(c *PreviewConfig) { c.PublicPathPrefix = "preview" },
		"zero timeout":    func(c *PreviewConfig) { c.StartTimeout = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := base
			mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestLoadDotEnvKeepsExistingValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("PREVIEW_TEST_FROM_FILE=file\nPREVIEW_TEST_EXISTING=file\n"), 0o644); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("PREVIEW_TEST_EXISTING", "env")
	t.Cleanup(func() { os.Unsetenv("PREVIEW_TEST_FROM_FILE") })

	if err := LoadDotEnv(filepath.Join(dir, "missing.env"), path); err != nil {
		t.Fatalf("load dotenv: %v", err)
	}
	if got := GetString("PREVIEW_TEST_FROM_FILE", ""); got != "file" {
		t.Fatalf("expected value from file, got %q", got)
	}
	if got := GetString("PREVIEW_TEST_EXISTING", ""); got != "env" {
		t.Fatalf("expected environment to win, got %q", got)
	}
}
