package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Backend     BackendConfig     `yaml:"backend"`
	Image       ImageConfig       `yaml:"image"`
	Capture     CaptureConfig     `yaml:"capture"`
	Diagnostics DiagnosticsConfig `yaml:"diagnostics"`
	Redis       RedisConfig       `yaml:"redis"`
	Database    DatabaseConfig    `yaml:"database"`
	Auth        AuthConfig        `yaml:"auth"`
	Log         LogConfig         `yaml:"log"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	HealthAddr      string        `yaml:"health_addr"` // gRPC health probe, empty disables it
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxUploadSize   int64         `yaml:"max_upload_size"`
	// SessionIdleTTL closes capture sessions left untouched this long, 0 keeps them.
	SessionIdleTTL time.Duration `yaml:"session_idle_ttl"`
}

type BackendConfig struct {
	URL                string        `yaml:"url"`
	RecognizePath      string        `yaml:"recognize_path"`
	RegisterPath       string        `yaml:"register_path"`
	ListPath           string        `yaml:"list_path"`
	RecognizeTimeout   time.Duration `yaml:"recognize_timeout"`
	RegisterTimeout    time.Duration `yaml:"register_timeout"`
	ListTimeout        time.Duration `yaml:"list_timeout"`
	MaxRetries         int           `yaml:"max_retries"`
	BackoffBase        time.Duration `yaml:"backoff_base"`
	MultipartThreshold int           `yaml:"multipart_threshold"`
	ConcurrencyLimit   int           `yaml:"concurrency_limit"` // 0 means unlimited
	UseMultiAngle      bool          `yaml:"use_multi_angle"`
	// DegradedListing serves the last successful identity listing, tagged
	// degraded, when the backend cannot be reached.
	DegradedListing bool `yaml:"degraded_listing"`
}

type ImageConfig struct {
	RecognitionDimension  int `yaml:"recognition_dimension"`
	RegistrationDimension int `yaml:"registration_dimension"`
	SmallImageThreshold   int `yaml:"small_image_threshold"`
	MaxImageSize          int `yaml:"max_image_size"`
	QualityDefault        int `yaml:"quality_default"`
	QualityLow            int `yaml:"quality_low"`
}

type CaptureConfig struct {
	ShotCount    int           `yaml:"shot_count"`
	Interval     time.Duration `yaml:"interval"`
	FrameTimeout time.Duration `yaml:"frame_timeout"`
	QueueCap     int           `yaml:"queue_capacity"`
	// FramesUsedForSubmission is how many burst frames, in capture order, are
	// preprocessed and submitted. The backend accepts one image per request, so
	// values above 1 submit the frames one after another until one is recognized.
	FramesUsedForSubmission int `yaml:"frames_used_for_submission"`
}

type DiagnosticsConfig struct {
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	ShowDetailedErrors  bool    `yaml:"show_detailed_errors"`
}

// RedisConfig with an empty Addr keeps results and recovery fields in process memory.
type RedisConfig struct {
	Addr           string        `yaml:"addr"`
	ResultTTL      time.Duration `yaml:"result_ttl"`
	FieldKeyPrefix string        `yaml:"field_key_prefix"`
}

type DatabaseConfig struct {
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

type AuthConfig struct {
	JWTSecret   string `yaml:"jwt_secret"`
	JWTAudience string `yaml:"jwt_audience"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Load reads the embedded defaults, overlays the file named by CONFIG_FILE if
// set, then applies environment overrides.
func Load() (*Config, error) {
	cfg, err := Parse(defaultsYAML)
	if err != nil {
		return nil, fmt.Errorf("parse embedded defaults: %w", err)
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes a YAML document into a Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	c.Server.Addr = envString("HTTP_ADDR", c.Server.Addr)
	c.Server.HealthAddr = envString("HEALTH_ADDR", c.Server.HealthAddr)
	c.Server.SessionIdleTTL = envDuration("SESSION_IDLE_TTL", c.Server.SessionIdleTTL)

	c.Backend.URL = envString("BACKEND_URL", c.Backend.URL)
	c.Backend.RecognizeTimeout = envDuration("BACKEND_RECOGNIZE_TIMEOUT", c.Backend.RecognizeTimeout)
	c.Backend.RegisterTimeout = envDuration("BACKEND_REGISTER_TIMEOUT", c.Backend.RegisterTimeout)
	c.Backend.MaxRetries = envInt("BACKEND_MAX_RETRIES", c.Backend.MaxRetries)
	c.Backend.BackoffBase = envDuration("BACKEND_BACKOFF_BASE", c.Backend.BackoffBase)
	c.Backend.ConcurrencyLimit = envInt("BACKEND_CONCURRENCY_LIMIT", c.Backend.ConcurrencyLimit)
	c.Backend.UseMultiAngle = envBool("USE_MULTI_ANGLE", c.Backend.UseMultiAngle)
	c.Backend.DegradedListing = envBool("BACKEND_DEGRADED_LISTING", c.Backend.DegradedListing)

	c.Capture.ShotCount = envInt("BURST_SHOT_COUNT", c.Capture.ShotCount)
	c.Capture.Interval = envDuration("BURST_INTERVAL", c.Capture.Interval)
	c.Capture.FramesUsedForSubmission = envInt("FRAMES_USED_FOR_SUBMISSION", c.Capture.FramesUsedForSubmission)

	c.Diagnostics.ConfidenceThreshold = envFloat("CONFIDENCE_THRESHOLD", c.Diagnostics.ConfidenceThreshold)
	c.Diagnostics.ShowDetailedErrors = envBool("SHOW_DETAILED_ERRORS", c.Diagnostics.ShowDetailedErrors)

	c.Redis.Addr = envString("REDIS_ADDR", c.Redis.Addr)
	c.Database.DSN = envString("DATABASE_DSN", c.Database.DSN)
	c.Database.MaxOpenConns = envInt("DATABASE_MAX_OPEN_CONNS", c.Database.MaxOpenConns)
	c.Database.MaxIdleConns = envInt("DATABASE_MAX_IDLE_CONNS", c.Database.MaxIdleConns)

	c.Auth.JWTSecret = envString("JWT_SECRET", c.Auth.JWTSecret)
	c.Auth.JWTAudience = envString("JWT_AUDIENCE", c.Auth.JWTAudience)
	c.Log.Level = envString("LOG_LEVEL", c.Log.Level)
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Backend.URL == "" {
		errs = append(errs, errors.New("backend.url is required"))
	}
	if c.Backend.MaxRetries < 0 {
		errs = append(errs, errors.New("backend.max_retries must not be negative"))
	}
	if c.Backend.RecognizeTimeout <= 0 || c.Backend.RegisterTimeout <= 0 {
		errs = append(errs, errors.New("backend timeouts must be positive"))
	}
	if c.Image.SmallImageThreshold >= c.Image.MaxImageSize {
		errs = append(errs, errors.New("image.small_image_threshold must be below image.max_image_size"))
	}
	if c.Server.SessionIdleTTL < 0 {
		errs = append(errs, errors.New("server.session_idle_ttl must not be negative"))
	}
	if c.Capture.ShotCount < 1 {
		errs = append(errs, errors.New("capture.shot_count must be at least 1"))
	}
	if c.Capture.FramesUsedForSubmission < 1 || c.Capture.FramesUsedForSubmission > c.Capture.ShotCount {
		errs = append(errs, fmt.Errorf("capture.frames_used_for_submission must be within 1..%d", c.Capture.ShotCount))
	}
	if c.Diagnostics.ConfidenceThreshold <= 0 || c.Diagnostics.ConfidenceThreshold > 1 {
		errs = append(errs, errors.New("diagnostics.confidence_threshold must be within (0, 1]"))
	}
	return errors.Join(errs...)
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// envInt reads an environment variable as a non-negative integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n >= 0 {
		return n
	}
	return defaultVal
}

func envFloat(key string, defaultVal float64) float64 {
	if f, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return f
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if b, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return b
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil && d > 0 {
		return d
	}
	return defaultVal
}
