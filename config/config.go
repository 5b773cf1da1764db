package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"reconciler-service/awsx"
)

type Config struct {
	Port string

	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresHost     string
	PostgresPort     string
	PostgresSSLMode  string

	ProviderAPIKey    string
	ProviderAPIBase   string
	ProviderCompanyID string

	WebhookSecret           string
	WebhookVerify           bool
	WebhookToleranceSeconds int

	LedgerRingSize      int
	LedgerRetentionDays int

	ReconcileInterval time.Duration
	EnforceRemovals   bool
	GraceDays         int
	AutoHeal          bool
	HealSpendFloorUSD float64

	DispatchCooldown time.Duration
	AlertCooldown    time.Duration

	MemberRoleID    string
	AlertChannelID  string
	StatusChannelID string
	CaseCategoryID  string
	ChatAPIBase     string
	ChatAPIToken    string

	WebhookRelayQueueURL string // SQS queue carrying relayed webhook deliveries
	SummaryTopicARN      string // SNS topic for reconciliation summaries
	LifecycleTopicARN    string // SNS topic for classified lifecycle events

	AdminAPIToken string
}

func LoadConfig() (*Config, error) {
	cfg := &Config{
		Port:             getEnv("PORT", "8090"),
		PostgresUser:     os.Getenv("POSTGRES_USER"),
		PostgresPassword: os.Getenv("POSTGRES_PASSWORD"),
		PostgresDB:       os.Getenv("POSTGRES_DB"),
		PostgresHost:     os.Getenv("POSTGRES_HOST"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),

		ProviderAPIKey:    os.Getenv("PROVIDER_API_KEY"),
		ProviderAPIBase:   getEnv("PROVIDER_API_BASE", "https://api.provider.com/api/v1"),
		ProviderCompanyID: os.Getenv("PROVIDER_COMPANY_ID"),

		WebhookSecret:           os.Getenv("PROVIDER_WEBHOOK_SECRET"),
		WebhookVerify:           getEnvBool("WEBHOOK_VERIFY", true),
		WebhookToleranceSeconds: getEnvInt("WEBHOOK_TOLERANCE_SECONDS", 300),

		LedgerRingSize:      getEnvInt("LEDGER_RING_SIZE", 2000),
		LedgerRetentionDays: getEnvInt("LEDGER_RETENTION_DAYS", 30),

		ReconcileInterval: time.Duration(getEnvInt("RECONCILE_INTERVAL_HOURS", 6)) * time.Hour,
		EnforceRemovals:   getEnvBool("RECONCILER_ENFORCE_REMOVALS", false),
		GraceDays:         getEnvInt("RECONCILER_GRACE_DAYS", 3),
		AutoHeal:          getEnvBool("RECONCILER_AUTO_HEAL", false),
		HealSpendFloorUSD: getEnvFloat("RECONCILER_HEAL_SPEND_FLOOR_USD", 50),

		DispatchCooldown: time.Duration(getEnvInt("DISPATCH_COOLDOWN_SECONDS", 45)) * time.Second,
		AlertCooldown:    time.Duration(getEnvInt("ALERT_COOLDOWN_HOURS", 6)) * time.Hour,

		MemberRoleID:    os.Getenv("MEMBER_ROLE_ID"),
		AlertChannelID:  os.Getenv("ALERT_CHANNEL_ID"),
		StatusChannelID: os.Getenv("STATUS_CHANNEL_ID"),
		CaseCategoryID:  os.Getenv("CASE_CATEGORY_ID"),
		ChatAPIBase:     os.Getenv("CHAT_API_BASE"),
		ChatAPIToken:    os.Getenv("CHAT_API_TOKEN"),

		WebhookRelayQueueURL: os.Getenv("WEBHOOK_RELAY_QUEUE_URL"),
		SummaryTopicARN:      os.Getenv("RECONCILER_SNS_TOPIC_ARN"),
		LifecycleTopicARN:    os.Getenv("LIFECYCLE_SNS_TOPIC_ARN"),

		AdminAPIToken: os.Getenv("ADMIN_API_TOKEN"),
	}

	if cfg.PostgresUser == "" || cfg.PostgresPassword == "" || cfg.PostgresDB == "" || cfg.PostgresHost == "" {
		return nil, fmt.Errorf("missing required postgres environment variables")
	}
	if cfg.ProviderAPIKey == "" && os.Getenv("PROVIDER_API_KEY_SECRET_NAME") == "" {
		return nil, fmt.Errorf("PROVIDER_API_KEY (or PROVIDER_API_KEY_SECRET_NAME) is required")
	}
	if cfg.MemberRoleID == "" {
		return nil, fmt.Errorf("MEMBER_ROLE_ID is required")
	}

	return cfg, nil
}

// ResolveSecrets pulls secret material from AWS Secrets Manager when the
// corresponding *_SECRET_NAME variables are set, overriding env values.
func (c *Config) ResolveSecrets(ctx context.Context, secrets *awsx.SecretsClient) error {
	if name := os.Getenv("PROVIDER_API_KEY_SECRET_NAME"); name != "" {
		v, err := secrets.GetSecret(ctx, name)
		if err != nil {
			return fmt.Errorf("resolve provider api key: %w", err)
		}
		c.ProviderAPIKey = v
	}
	if name := os.Getenv("PROVIDER_WEBHOOK_SECRET_NAME"); name != "" {
		v, err := secrets.GetSecret(ctx, name)
		if err != nil {
			return fmt.Errorf("resolve webhook secret: %w", err)
		}
		c.WebhookSecret = v
	}
	return nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return fallback
}
