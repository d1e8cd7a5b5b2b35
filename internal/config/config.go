package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var ErrInvalidConfig = errors.New("invalid config")

type HTTPConfig struct {
	Enabled bool
	Host    string
	Port    int
}

type DBConfig struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type AuthConfig struct {
	AccessSecret string
}

type EvidenceConfig struct {
	Dir             string
	BestFramesCount int
	ClipBefore      time.Duration
	ClipAfter       time.Duration
	ClipFPS         int
	FFmpegPath      string
	EncodeTimeout   time.Duration
}

type PipelineConfig struct {
	BufferSeconds         int
	ProcessFPS            int
	TrackIoUThreshold     float64
	TrackMaxMissingFrames int
	SpeedGateKmh          float64
	MaxReportsPerHour     int
	Cooldown              time.Duration
	RulesFile             string
	AcceptThreshold       float64
	CloudThreshold        float64
}

type CloudConfig struct {
	Provider            string
	APIKey              string
	Model               string
	Endpoint            string
	ConfidenceThreshold float64
	Timeout             time.Duration
	ConnectivityURL     string
	BatchSize           int
	Interval            time.Duration
}

type SMTPConfig struct {
	Host       string
	Port       int
	UseTLS     bool
	Sender     string
	Password   string
	Recipients []string
	BatchSize  int
	Interval   time.Duration
}

type QueueConfig struct {
	MaxAttempts       int
	BackoffCap        time.Duration
	ProcessingTimeout time.Duration
}

type NATSConfig struct {
	URL              string
	FramesSubject    string
	ViolationSubject string
}

type GeocoderConfig struct {
	URL       string
	UserAgent string
}

type StorageConfig struct {
	RetentionDays       int
	MaxDiskUsagePercent float64
	ReconcileInterval   time.Duration
}

type R2Config struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	PublicBaseURL   string
}

type Config struct {
	Environment string
	LogLevel    string
	HTTP        HTTPConfig
	DB          DBConfig
	Auth        AuthConfig
	Evidence    EvidenceConfig
	Pipeline    PipelineConfig
	Cloud       CloudConfig
	SMTP        SMTPConfig
	Queue       QueueConfig
	NATS        NATSConfig
	Geocoder    GeocoderConfig
	Storage     StorageConfig
	R2          R2Config
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("app")
	v.SetConfigType("env")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("./deploy")
	v.AddConfigPath("./internal/config")

	v.AutomaticEnv()
	setDefaults(v)

	_ = v.ReadInConfig()

	return fromViper(v)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("HTTP_ENABLED", true)
	v.SetDefault("DB_DRIVER", "sqlite")
	v.SetDefault("DB_DSN", "data/traffic_eye.db")

	v.SetDefault("EVIDENCE_DIR", "data/evidence")
	v.SetDefault("BEST_FRAMES_COUNT", 3)
	v.SetDefault("CLIP_BEFORE_SECONDS", 2)
	v.SetDefault("CLIP_AFTER_SECONDS", 3)
	v.SetDefault("CLIP_FPS", 8)
	v.SetDefault("FFMPEG_PATH", "ffmpeg")
	v.SetDefault("ENCODE_TIMEOUT", "60s")

	v.SetDefault("BUFFER_SECONDS", 10)
	v.SetDefault("PROCESS_FPS", 6)
	v.SetDefault("TRACK_IOU_THRESHOLD", 0.3)
	v.SetDefault("TRACK_MAX_MISSING_FRAMES", 5)
	v.SetDefault("SPEED_GATE_KMH", 5.0)
	v.SetDefault("MAX_REPORTS_PER_HOUR", 20)
	v.SetDefault("COOLDOWN_SECONDS", 30)
	v.SetDefault("RULES_FILE", "config/violation_rules.yaml")
	v.SetDefault("ACCEPT_THRESHOLD", 0.96)
	v.SetDefault("CLOUD_THRESHOLD", 0.70)

	v.SetDefault("CLOUD_PROVIDER", "gemini")
	v.SetDefault("CLOUD_CONFIDENCE_THRESHOLD", 0.96)
	v.SetDefault("CLOUD_TIMEOUT", "30s")
	v.SetDefault("CONNECTIVITY_URL", "https://www.google.com/generate_204")
	v.SetDefault("CLOUD_BATCH_SIZE", 5)
	v.SetDefault("CLOUD_INTERVAL", "30s")

	v.SetDefault("SMTP_PORT", 587)
	v.SetDefault("SMTP_USE_TLS", true)
	v.SetDefault("EMAIL_BATCH_SIZE", 20)
	v.SetDefault("EMAIL_INTERVAL", "60s")

	v.SetDefault("QUEUE_MAX_ATTEMPTS", 5)
	v.SetDefault("QUEUE_BACKOFF_CAP", "300s")
	v.SetDefault("QUEUE_PROCESSING_TIMEOUT", "10m")

	v.SetDefault("NATS_FRAMES_SUBJECT", "traffic.frames")
	v.SetDefault("NATS_VIOLATIONS_SUBJECT", "traffic.violations")

	v.SetDefault("GEOCODER_URL", "https://nominatim.openstreetmap.org/reverse")
	v.SetDefault("GEOCODER_USER_AGENT", "traffic-eye/1.0")

	v.SetDefault("RETENTION_DAYS", 30)
	v.SetDefault("MAX_DISK_USAGE_PERCENT", 80.0)
	v.SetDefault("RECONCILE_INTERVAL", "10m")
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Environment: v.GetString("APP_ENV"),
		LogLevel:    v.GetString("LOG_LEVEL"),
		HTTP: HTTPConfig{
			Enabled: v.GetBool("HTTP_ENABLED"),
			Host:    v.GetString("HTTP_HOST"),
			Port:    v.GetInt("HTTP_PORT"),
		},
		DB: DBConfig{
			Driver:          strings.ToLower(v.GetString("DB_DRIVER")),
			DSN:             v.GetString("DB_DSN"),
			MaxOpenConns:    v.GetInt("DB_MAX_OPEN_CONNS"),
			MaxIdleConns:    v.GetInt("DB_MAX_IDLE_CONNS"),
			ConnMaxLifetime: v.GetDuration("DB_CONN_MAX_LIFETIME"),
		},
		Auth: AuthConfig{
			AccessSecret: v.GetString("JWT_ACCESS_SECRET"),
		},
		Evidence: EvidenceConfig{
			Dir:             v.GetString("EVIDENCE_DIR"),
			BestFramesCount: v.GetInt("BEST_FRAMES_COUNT"),
			ClipBefore:      time.Duration(v.GetFloat64("CLIP_BEFORE_SECONDS") * float64(time.Second)),
			ClipAfter:       time.Duration(v.GetFloat64("CLIP_AFTER_SECONDS") * float64(time.Second)),
			ClipFPS:         v.GetInt("CLIP_FPS"),
			FFmpegPath:      v.GetString("FFMPEG_PATH"),
			EncodeTimeout:   v.GetDuration("ENCODE_TIMEOUT"),
		},
		Pipeline: PipelineConfig{
			BufferSeconds:         v.GetInt("BUFFER_SECONDS"),
			ProcessFPS:            v.GetInt("PROCESS_FPS"),
			TrackIoUThreshold:     v.GetFloat64("TRACK_IOU_THRESHOLD"),
			TrackMaxMissingFrames: v.GetInt("TRACK_MAX_MISSING_FRAMES"),
			SpeedGateKmh:          v.GetFloat64("SPEED_GATE_KMH"),
			MaxReportsPerHour:     v.GetInt("MAX_REPORTS_PER_HOUR"),
			Cooldown:              time.Duration(v.GetInt("COOLDOWN_SECONDS")) * time.Second,
			RulesFile:             v.GetString("RULES_FILE"),
			AcceptThreshold:       v.GetFloat64("ACCEPT_THRESHOLD"),
			CloudThreshold:        v.GetFloat64("CLOUD_THRESHOLD"),
		},
		Cloud: CloudConfig{
			Provider:            strings.ToLower(v.GetString("CLOUD_PROVIDER")),
			APIKey:              v.GetString("CLOUD_API_KEY"),
			Model:               v.GetString("CLOUD_MODEL"),
			Endpoint:            v.GetString("CLOUD_ENDPOINT"),
			ConfidenceThreshold: v.GetFloat64("CLOUD_CONFIDENCE_THRESHOLD"),
			Timeout:             v.GetDuration("CLOUD_TIMEOUT"),
			ConnectivityURL:     v.GetString("CONNECTIVITY_URL"),
			BatchSize:           v.GetInt("CLOUD_BATCH_SIZE"),
			Interval:            v.GetDuration("CLOUD_INTERVAL"),
		},
		SMTP: SMTPConfig{
			Host:       v.GetString("SMTP_HOST"),
			Port:       v.GetInt("SMTP_PORT"),
			UseTLS:     v.GetBool("SMTP_USE_TLS"),
			Sender:     v.GetString("SMTP_SENDER"),
			Password:   v.GetString("SMTP_PASSWORD"),
			Recipients: splitList(v.GetString("SMTP_RECIPIENTS")),
			BatchSize:  v.GetInt("EMAIL_BATCH_SIZE"),
			Interval:   v.GetDuration("EMAIL_INTERVAL"),
		},
		Queue: QueueConfig{
			MaxAttempts:       v.GetInt("QUEUE_MAX_ATTEMPTS"),
			BackoffCap:        v.GetDuration("QUEUE_BACKOFF_CAP"),
			ProcessingTimeout: v.GetDuration("QUEUE_PROCESSING_TIMEOUT"),
		},
		NATS: NATSConfig{
			URL:              v.GetString("NATS_URL"),
			FramesSubject:    v.GetString("NATS_FRAMES_SUBJECT"),
			ViolationSubject: v.GetString("NATS_VIOLATIONS_SUBJECT"),
		},
		Geocoder: GeocoderConfig{
			URL:       v.GetString("GEOCODER_URL"),
			UserAgent: v.GetString("GEOCODER_USER_AGENT"),
		},
		Storage: StorageConfig{
			RetentionDays:       v.GetInt("RETENTION_DAYS"),
			MaxDiskUsagePercent: v.GetFloat64("MAX_DISK_USAGE_PERCENT"),
			ReconcileInterval:   v.GetDuration("RECONCILE_INTERVAL"),
		},
		R2: R2Config{
			Endpoint:        v.GetString("R2_ENDPOINT"),
			AccessKeyID:     v.GetString("R2_ACCESS_KEY_ID"),
			SecretAccessKey: v.GetString("R2_SECRET_ACCESS_KEY"),
			Bucket:          v.GetString("R2_BUCKET"),
			PublicBaseURL:   v.GetString("R2_PUBLIC_BASE_URL"),
		},
	}

	if cfg.HTTP.Host == "" {
		cfg.HTTP.Host = "0.0.0.0"
	}
	if cfg.HTTP.Port == 0 {
		cfg.HTTP.Port = 8080
	}
	if cfg.Cloud.Model == "" {
		cfg.Cloud.Model = defaultModel(cfg.Cloud.Provider)
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func defaultModel(provider string) string {
	switch provider {
	case "openai":
		return "gpt-4o-mini"
	default:
		return "gemini-1.5-flash"
	}
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func validate(cfg *Config) error {
	if cfg.DB.DSN == "" {
		return fmt.Errorf("%w: DB_DSN is required", ErrInvalidConfig)
	}
	if cfg.DB.Driver != "sqlite" && cfg.DB.Driver != "postgres" {
		return fmt.Errorf("%w: DB_DRIVER must be sqlite or postgres, got %q", ErrInvalidConfig, cfg.DB.Driver)
	}
	if cfg.HTTP.Enabled && cfg.Auth.AccessSecret == "" {
		return fmt.Errorf("%w: JWT_ACCESS_SECRET is required when HTTP_ENABLED", ErrInvalidConfig)
	}
	if cfg.Cloud.Provider != "gemini" && cfg.Cloud.Provider != "openai" {
		return fmt.Errorf("%w: CLOUD_PROVIDER must be gemini or openai, got %q", ErrInvalidConfig, cfg.Cloud.Provider)
	}
	p := cfg.Pipeline
	if p.CloudThreshold < 0 || p.AcceptThreshold > 1 || p.CloudThreshold > p.AcceptThreshold {
		return fmt.Errorf("%w: need 0 <= CLOUD_THRESHOLD <= ACCEPT_THRESHOLD <= 1", ErrInvalidConfig)
	}
	if p.TrackIoUThreshold <= 0 || p.TrackIoUThreshold > 1 {
		return fmt.Errorf("%w: TRACK_IOU_THRESHOLD must be in (0,1]", ErrInvalidConfig)
	}
	if p.BufferSeconds <= 0 || p.ProcessFPS <= 0 {
		return fmt.Errorf("%w: BUFFER_SECONDS and PROCESS_FPS must be positive", ErrInvalidConfig)
	}
	if cfg.Evidence.BestFramesCount <= 0 || cfg.Evidence.ClipFPS <= 0 {
		return fmt.Errorf("%w: BEST_FRAMES_COUNT and CLIP_FPS must be positive", ErrInvalidConfig)
	}
	if cfg.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("%w: QUEUE_MAX_ATTEMPTS must be positive", ErrInvalidConfig)
	}
	return nil
}
