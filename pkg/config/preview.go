package config

import (
	"fmt"
	"strings"
	"time"
)

// Backend names accepted by PREVIEW_BACKEND.
const (
	BackendLocal     = "local"
	BackendContainer = "container"
)

// Health policies accepted by PREVIEW_HEALTH_POLICY.
const (
	HealthHTTP  = "http"
	HealthTCP   = "tcp"
	HealthDelay = "delay"
)

// PreviewConfig holds runtime configuration for the preview orchestrator.
type PreviewConfig struct {
	Environment        string
	Addr               string
	LogLevel           string
	HostAddress        string
	PublicBaseURL      string
	PublicPathPrefix   string
	PortRangeStart     int
	PortRangeEnd       int
	Backend            string
	DockerHost         string
	ImageNode          string
	ImagePython        string
	ImageRuby          string
	ImageStatic        string
	RunInstall         bool
	MemoryLimitMB      int
	CPULimit           float64
	HealthPolicy       string
	HealthPath         string
	HealthDelay        time.Duration
	StartTimeout       time.Duration
	StopGrace          time.Duration
	ShutdownTimeout    time.Duration
	Workdir            string
	GitTimeout         time.Duration
	LogTailDefault     int
	LogBufferLines     int
	DatabaseURL        string
	MigrationsDir      string
	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
	EventWebhookURL    string
	EventWebhookToken  string
	EventBuffer        int
	JWTSecret          string
	SpecSecret         string
}

// LoadPreviewConfig constructs a PreviewConfig from environment variables.
func LoadPreviewConfig() PreviewConfig {
	return PreviewConfig{
		Environment:        GetString("APP_ENV", "development"),
		Addr:               GetString("PREVIEW_ADDR", ":4100"),
		LogLevel:           GetString("LOG_LEVEL", "info"),
		HostAddress:        GetString("PREVIEW_HOST_ADDRESS", "127.0.0.1"),
		PublicBaseURL:      GetString("PREVIEW_PUBLIC_BASE_URL", "http://localhost:4100"),
		PublicPathPrefix:   GetString("PREVIEW_PUBLIC_PREFIX", "/preview"),
		PortRangeStart:     GetInt("PREVIEW_PORT_MIN", 7000),
		PortRangeEnd:       GetInt("PREVIEW_PORT_MAX", 8000),
		Backend:            GetString("PREVIEW_BACKEND", BackendLocal),
		DockerHost:         GetString("DOCKER_HOST", ""),
		ImageNode:          GetString("PREVIEW_IMAGE_NODE", ""),
		ImagePython:        GetString("PREVIEW_IMAGE_PYTHON", ""),
		ImageRuby:          GetString("PREVIEW_IMAGE_RUBY", ""),
		ImageStatic:        GetString("PREVIEW_IMAGE_STATIC", ""),
		RunInstall:         GetBool("PREVIEW_RUN_INSTALL", true),
		MemoryLimitMB:      GetInt("PREVIEW_MEMORY_LIMIT_MB", 512),
		CPULimit:           GetFloat("PREVIEW_CPU_LIMIT", 1),
		HealthPolicy:       GetString("PREVIEW_HEALTH_POLICY", HealthHTTP),
		HealthPath:         GetString("PREVIEW_HEALTH_PATH", "/"),
		HealthDelay:        time.Duration(GetInt("PREVIEW_HEALTH_DELAY_MS", 2000)) * time.Millisecond,
		StartTimeout:       time.Duration(GetInt("PREVIEW_START_TIMEOUT_SECONDS", 45)) * time.Second,
		StopGrace:          time.Duration(GetInt("PREVIEW_STOP_GRACE_SECONDS", 10)) * time.Second,
		ShutdownTimeout:    time.Duration(GetInt("PREVIEW_SHUTDOWN_TIMEOUT_SECONDS", 30)) * time.Second,
		Workdir:            GetString("PREVIEW_WORKDIR", "/tmp/previewd"),
		GitTimeout:         time.Duration(GetInt("GIT_TIMEOUT_SECONDS", 60)) * time.Second,
		LogTailDefault:     GetInt("PREVIEW_LOG_TAIL", 200),
		LogBufferLines:     GetInt("PREVIEW_LOG_BUFFER_LINES", 2000),
		DatabaseURL:        GetString("DATABASE_URL", ""),
		MigrationsDir:      GetString("DB_MIGRATIONS_DIR", "db/migrations"),
		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
		EventWebhookURL:    GetString("PREVIEW_EVENT_WEBHOOK_URL", ""),
		EventWebhookToken:  GetString("PREVIEW_EVENT_WEBHOOK_TOKEN", ""),
		EventBuffer:        GetInt("PREVIEW_EVENT_BUFFER", 256),
		JWTSecret:          GetString("PREVIEW_JWT_SECRET", ""),
		SpecSecret:         GetString("PREVIEW_SPEC_SECRET", ""),
	}
}

// Validate reports configuration that would leave the orchestrator unusable.
func (c PreviewConfig) Validate() error {
	if c.PortRangeStart <= 0 || c.PortRangeEnd > 65536 || c.PortRangeStart >= c.PortRangeEnd {
		return fmt.Errorf("invalid port range [%d, %d)", c.PortRangeStart, c.PortRangeEnd)
	}
	switch strings.ToLower(strings.TrimSpace(c.Backend)) {
	case BackendLocal, BackendContainer:
	default:
		return fmt.Errorf("unsupported backend %q", c.Backend)
	}
	switch strings.ToLower(strings.TrimSpace(c.HealthPolicy)) {
	case HealthHTTP, HealthTCP, HealthDelay:
	default:
		return fmt.Errorf("unsupported health policy %q", c.HealthPolicy)
	}
	if c.StartTimeout <= 0 {
		return fmt.Errorf("start timeout must be positive")
	}
	if c.StopGrace < 0 {
		return fmt.Errorf("stop grace must not be negative")
	}
	if !strings.HasPrefix(c.PublicPathPrefix, "/") {
		return fmt.Errorf("public path prefix must start with /")
	}
	if strings.TrimSpace(c.Workdir) == "" {
		return fmt.Errorf("workdir cannot be empty")
	}
	return nil
}
