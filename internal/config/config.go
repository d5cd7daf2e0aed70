package config

import (
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	filePath := os.Getenv(envKey + "_FILE")
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	os.Setenv(envKey, strings.TrimSpace(string(data)))
}

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	Database  DatabaseConfig
	JWT       JWTConfig
	Zitadel   ZitadelConfig
	Gateway   GatewayConfig
	RateLimit RateLimitConfig
	Provider  ProviderConfig
	Webhook   WebhookConfig
	R2        R2Config
	RabbitMQ  RabbitMQConfig
	Ledger    LedgerConfig
}

type ServerConfig struct {
	Port     string
	Env      string
	LogLevel string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type DatabaseConfig struct {
	// URL empty selects the in-memory store.
	URL         string
	MaxConns    int
	AutoMigrate bool
}

type JWTConfig struct {
	Secret string
}

type ZitadelConfig struct {
	Domain   string
	ClientID string
	Issuer   string
}

type GatewayConfig struct {
	Enabled bool
}

type RateLimitConfig struct {
	SubmitPerMin int
	RetryPerMin  int
}

// ProviderConfig configures the inference provider queue API.
type ProviderConfig struct {
	APIKey         string
	BaseURL        string
	TimeoutSeconds int
	Models         map[string]string // job kind -> default model
}

type WebhookConfig struct {
	// PublicURL is the externally reachable base URL of this service.
	PublicURL string
	Token     string
}

type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	PublicURL       string
}

type RabbitMQConfig struct {
	URL      string
	Exchange string
}

// LedgerConfig holds pricing and account seeding.
type LedgerConfig struct {
	SeedRenewable int64
	SeedPermanent int64
	DefaultPlan   string
	// Multipliers are per-mille: 1200 means 1.2x.
	Multipliers map[string]int64
	BaseCosts   BaseCosts
	ChunkSize   int
}

type BaseCosts struct {
	ImagePerImage    int64
	VideoPerSecond   int64
	AudioPerSecond   int64
	DocumentPerChunk int64
}

func Load() (*Config, error) {
	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	readSecret("REDIS_PASSWORD")
	readSecret("DATABASE_URL")
	readSecret("JWT_SECRET")
	readSecret("FAL_KEY")
	readSecret("WEBHOOK_TOKEN")
	readSecret("R2_ACCOUNT_ID")
	readSecret("R2_ACCESS_KEY_ID")
	readSecret("R2_SECRET_ACCESS_KEY")
	readSecret("RABBITMQ_URL")
	readSecret("ZITADEL_CLIENT_ID")

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.AutomaticEnv()

	_ = v.BindEnv("server.port", "SERVER_PORT")
	_ = v.BindEnv("server.env", "SERVER_ENV")
	_ = v.BindEnv("server.log_level", "LOG_LEVEL")
	_ = v.BindEnv("redis.addr", "REDIS_ADDR")
	_ = v.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = v.BindEnv("redis.db", "REDIS_DB")
	_ = v.BindEnv("database.url", "DATABASE_URL")
	_ = v.BindEnv("database.max_conns", "DB_MAX_CONNS")
	_ = v.BindEnv("database.auto_migrate", "DB_AUTO_MIGRATE")
	_ = v.BindEnv("jwt.secret", "JWT_SECRET")
	_ = v.BindEnv("zitadel.domain", "ZITADEL_DOMAIN")
	_ = v.BindEnv("zitadel.client_id", "ZITADEL_CLIENT_ID")
	_ = v.BindEnv("zitadel.issuer", "ZITADEL_ISSUER")
	_ = v.BindEnv("gateway.enabled", "GATEWAY_ENABLED")
	_ = v.BindEnv("ratelimit.submit_per_min", "RATELIMIT_SUBMIT_PER_MIN")
	_ = v.BindEnv("ratelimit.retry_per_min", "RATELIMIT_RETRY_PER_MIN")
	_ = v.BindEnv("provider.api_key", "FAL_KEY")
	_ = v.BindEnv("provider.base_url", "FAL_QUEUE_URL")
	_ = v.BindEnv("provider.timeout_seconds", "FAL_TIMEOUT_SECONDS")
	_ = v.BindEnv("webhook.public_url", "WEBHOOK_PUBLIC_URL")
	_ = v.BindEnv("webhook.token", "WEBHOOK_TOKEN")
	_ = v.BindEnv("r2.account_id", "R2_ACCOUNT_ID")
	_ = v.BindEnv("r2.access_key_id", "R2_ACCESS_KEY_ID")
	_ = v.BindEnv("r2.secret_access_key", "R2_SECRET_ACCESS_KEY")
	_ = v.BindEnv("r2.bucket_name", "R2_BUCKET_NAME")
	_ = v.BindEnv("r2.public_url", "R2_PUBLIC_URL")
	_ = v.BindEnv("rabbitmq.url", "RABBITMQ_URL")
	_ = v.BindEnv("rabbitmq.exchange", "RABBITMQ_EXCHANGE")
	_ = v.BindEnv("ledger.seed_renewable", "LEDGER_SEED_RENEWABLE")
	_ = v.BindEnv("ledger.seed_permanent", "LEDGER_SEED_PERMANENT")
	_ = v.BindEnv("ledger.default_plan", "LEDGER_DEFAULT_PLAN")
	_ = v.BindEnv("ledger.chunk_size", "LEDGER_CHUNK_SIZE")

	v.SetDefault("server.port", "8000")
	v.SetDefault("server.env", "development")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("jwt.secret", "change-me-in-production")
	v.SetDefault("gateway.enabled", false)
	v.SetDefault("ratelimit.submit_per_min", 30)
	v.SetDefault("ratelimit.retry_per_min", 10)

	// Provider defaults
	v.SetDefault("provider.base_url", "https://queue.fal.run")
	v.SetDefault("provider.timeout_seconds", 60)
	v.SetDefault("provider.models.image", "fal-ai/flux/dev")
	v.SetDefault("provider.models.video", "fal-ai/kling-video/v1/standard/text-to-video")
	v.SetDefault("provider.models.audio", "fal-ai/stable-audio")
	v.SetDefault("provider.models.document", "fal-ai/kokoro/american-english")

	v.SetDefault("rabbitmq.exchange", "jobs.events")

	// Ledger defaults
	v.SetDefault("ledger.seed_renewable", 100)
	v.SetDefault("ledger.seed_permanent", 0)
	v.SetDefault("ledger.default_plan", "free")
	v.SetDefault("ledger.multipliers.free", 1.2)
	v.SetDefault("ledger.multipliers.pro", 1.0)
	v.SetDefault("ledger.multipliers.unlimited", 0.0)
	v.SetDefault("ledger.base_costs.image_per_image", 10)
	v.SetDefault("ledger.base_costs.video_per_second", 20)
	v.SetDefault("ledger.base_costs.audio_per_second", 2)
	v.SetDefault("ledger.base_costs.document_per_chunk", 5)
	v.SetDefault("ledger.chunk_size", 4000)

	// Try to read config file (optional)
	_ = v.ReadInConfig()

	multipliers := make(map[string]int64)
	for _, plan := range []string{"free", "pro", "unlimited"} {
		multipliers[plan] = PerMille(v.GetFloat64("ledger.multipliers." + plan))
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:     v.GetString("server.port"),
			Env:      v.GetString("server.env"),
			LogLevel: v.GetString("server.log_level"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Database: DatabaseConfig{
			URL:         v.GetString("database.url"),
			MaxConns:    v.GetInt("database.max_conns"),
			AutoMigrate: v.GetBool("database.auto_migrate"),
		},
		JWT: JWTConfig{
			Secret: v.GetString("jwt.secret"),
		},
		Zitadel: ZitadelConfig{
			Domain:   v.GetString("zitadel.domain"),
			ClientID: v.GetString("zitadel.client_id"),
			Issuer:   v.GetString("zitadel.issuer"),
		},
		Gateway: GatewayConfig{
			Enabled: v.GetBool("gateway.enabled"),
		},
		RateLimit: RateLimitConfig{
			SubmitPerMin: v.GetInt("ratelimit.submit_per_min"),
			RetryPerMin:  v.GetInt("ratelimit.retry_per_min"),
		},
		Provider: ProviderConfig{
			APIKey:         v.GetString("provider.api_key"),
			BaseURL:        strings.TrimRight(v.GetString("provider.base_url"), "/"),
			TimeoutSeconds: v.GetInt("provider.timeout_seconds"),
			Models:         v.GetStringMapString("provider.models"),
		},
		Webhook: WebhookConfig{
			PublicURL: strings.TrimRight(v.GetString("webhook.public_url"), "/"),
			Token:     v.GetString("webhook.token"),
		},
		R2: R2Config{
			AccountID:       v.GetString("r2.account_id"),
			AccessKeyID:     v.GetString("r2.access_key_id"),
			SecretAccessKey: v.GetString("r2.secret_access_key"),
			BucketName:      v.GetString("r2.bucket_name"),
			PublicURL:       v.GetString("r2.public_url"),
		},
		RabbitMQ: RabbitMQConfig{
			URL:      v.GetString("rabbitmq.url"),
			Exchange: v.GetString("rabbitmq.exchange"),
		},
		Ledger: LedgerConfig{
			SeedRenewable: v.GetInt64("ledger.seed_renewable"),
			SeedPermanent: v.GetInt64("ledger.seed_permanent"),
			DefaultPlan:   v.GetString("ledger.default_plan"),
			Multipliers:   multipliers,
			BaseCosts: BaseCosts{
				ImagePerImage:    v.GetInt64("ledger.base_costs.image_per_image"),
				VideoPerSecond:   v.GetInt64("ledger.base_costs.video_per_second"),
				AudioPerSecond:   v.GetInt64("ledger.base_costs.audio_per_second"),
				DocumentPerChunk: v.GetInt64("ledger.base_costs.document_per_chunk"),
			},
			ChunkSize: v.GetInt("ledger.chunk_size"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Ledger.ChunkSize <= 0 {
		return fmt.Errorf("ledger.chunk_size must be positive, got %d", c.Ledger.ChunkSize)
	}
	for plan, m := range c.Ledger.Multipliers {
		if m < 0 {
			return fmt.Errorf("ledger.multipliers.%s must not be negative", plan)
		}
	}
	switch c.Ledger.DefaultPlan {
	case "free", "pro", "unlimited":
	default:
		return fmt.Errorf("ledger.default_plan %q is not a known plan", c.Ledger.DefaultPlan)
	}
	return nil
}

// PerMille converts a float multiplier to an integer per-mille value,
// rounding to the nearest unit so 1.2 becomes exactly 1200.
func PerMille(f float64) int64 {
	return int64(math.Round(f * 1000))
}
