package config

import (
	"fmt"
	"github.com/joho/godotenv"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the application.
type Config struct {
	// Environment
	RunMode string // Set via flag, not env

	// MongoDB
	MongoURI    string
	MongoDbName string

	// Redis
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// JWT
	JwtSecret string
	JwtTTL    time.Duration

	// Server
	ApiPort        string
	ServiceApiPort string
	SiteURL        string

	// Chat
	ChatSecretKey     string
	ChatMaxTextLength int
	ChatImageMaxBytes int64
	ChatPollBatch     int
	UnreadCacheTTL    time.Duration

	// Listings
	ListingImageMaxBytes int64
	ListingMaxImages     int
	ImageMaxDimension    int
	ViewDedupTTL         time.Duration

	// Bumping
	BumpInterval  time.Duration
	BumpBatchSize int
	BumpSweepTTL  time.Duration

	// Click payments
	ClickServiceID       string
	ClickMerchantID      string
	ClickMerchantUser    string
	ClickSecretKey       string
	PendingPaymentTTL    time.Duration
	BadgeValidityDays    int
	BadgeRemindDays      int
	VerificationPriceUSD float64

	// Telegram
	TelegramEnabled   bool
	TelegramBotToken  string
	TelegramChannelID string

	// Currency
	RatesURL      string
	RatesCacheTTL time.Duration

	// Email
	SmtpHost        string
	SmtpPort        int
	SmtpUsername    string
	SmtpPassword    string
	SmtpFromAddress string

	// AWS S3
	AwsAccessKeyID     string
	AwsSecretAccessKey string
	AwsRegion          string
	AwsS3Bucket        string
	ImageBaseS3URL     string

	// Rate Limiting Defaults
	RateLimitBucketSize int
	RateLimitRefillRate int // tokens per second
}

// Load configuration from environment variables.
// RunMode needs to be passed in as it comes from command-line flags.
func Load(runMode string) (*Config, error) {
	// Load .env file, ignoring errors if it doesn't exist
	godotenv.Load()

	cfg := &Config{
		RunMode: runMode, // Set from flag
	}

	var err error

	// Helper function to get env var or default
	getEnv := func(key, defaultValue string) string {
		if value, exists := os.LookupEnv(key); exists {
			return value
		}
		return defaultValue
	}

	// Helper function to get required env var
	getRequiredEnv := func(key string) (string, error) {
		value, exists := os.LookupEnv(key)
		if !exists {
			return "", fmt.Errorf("missing required environment variable: %s", key)
		}
		return value, nil
	}

	// Load basic string values
	cfg.MongoURI, err = getRequiredEnv("MONGO_URI")
	if err != nil {
		return nil, err
	}
	cfg.MongoDbName = getEnv("MONGO_DB_NAME", "uzmat")
	cfg.RedisAddr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.RedisPassword = getEnv("REDIS_PASSWORD", "")
	cfg.JwtSecret, err = getRequiredEnv("JWT_SECRET")
	if err != nil {
		return nil, err
	}
	cfg.ChatSecretKey = getEnv("CHAT_SECRET_KEY", cfg.JwtSecret)
	cfg.ApiPort = getEnv("API_PORT", "8080")
	cfg.ServiceApiPort = getEnv("SERVICE_API_PORT", "12345")
	cfg.SiteURL = getEnv("SITE_URL", "https://uzmat.uz")

	cfg.ClickServiceID = getEnv("CLICK_SERVICE_ID", "")
	cfg.ClickMerchantID = getEnv("CLICK_MERCHANT_ID", "")
	cfg.ClickMerchantUser = getEnv("CLICK_MERCHANT_USER_ID", "")
	cfg.ClickSecretKey = getEnv("CLICK_SECRET_KEY", "")

	cfg.TelegramEnabled = getEnv("TELEGRAM_ENABLED", "false") == "true"
	cfg.TelegramBotToken = getEnv("TELEGRAM_BOT_TOKEN", "")
	cfg.TelegramChannelID = getEnv("TELEGRAM_CHANNEL_ID", "")

	cfg.RatesURL = getEnv("RATES_URL", "https://open.er-api.com/v6/latest")

	cfg.SmtpHost = getEnv("SMTP_HOST", "")
	cfg.SmtpUsername = getEnv("SMTP_USERNAME", "")
	cfg.SmtpPassword = getEnv("SMTP_PASSWORD", "")
	cfg.SmtpFromAddress = getEnv("SMTP_FROM_ADDRESS", "noreply@uzmat.uz")

	cfg.AwsAccessKeyID = getEnv("AWS_ACCESS_KEY_ID", "")
	cfg.AwsSecretAccessKey = getEnv("AWS_SECRET_ACCESS_KEY", "")
	cfg.AwsRegion = getEnv("AWS_REGION", "")
	cfg.AwsS3Bucket = getEnv("AWS_S3_BUCKET", "")
	cfg.ImageBaseS3URL = getEnv("IMAGE_BASE_S3_URL", "")

	// Load numeric and time duration values with defaults and parsing
	cfg.RedisDB, err = strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}

	jwtTTLSeconds, err := strconv.ParseInt(getEnv("JWT_TTL_SECONDS", "86400"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid JWT_TTL_SECONDS: %w", err)
	}
	cfg.JwtTTL = time.Duration(jwtTTLSeconds) * time.Second

	cfg.SmtpPort, err = strconv.Atoi(getEnv("SMTP_PORT", "587"))
	if err != nil {
		return nil, fmt.Errorf("invalid SMTP_PORT: %w", err)
	}

	cfg.ChatMaxTextLength, err = strconv.Atoi(getEnv("CHAT_MAX_TEXT_LENGTH", "5000"))
	if err != nil {
		return nil, fmt.Errorf("invalid CHAT_MAX_TEXT_LENGTH: %w", err)
	}

	chatImageMaxMB, err := strconv.Atoi(getEnv("CHAT_IMAGE_MAX_MB", "2"))
	if err != nil {
		return nil, fmt.Errorf("invalid CHAT_IMAGE_MAX_MB: %w", err)
	}
	cfg.ChatImageMaxBytes = int64(chatImageMaxMB) * 1024 * 1024

	cfg.ChatPollBatch, err = strconv.Atoi(getEnv("CHAT_POLL_BATCH", "100"))
	if err != nil {
		return nil, fmt.Errorf("invalid CHAT_POLL_BATCH: %w", err)
	}

	unreadCacheSeconds, err := strconv.ParseInt(getEnv("UNREAD_CACHE_TTL_SECONDS", "30"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid UNREAD_CACHE_TTL_SECONDS: %w", err)
	}
	cfg.UnreadCacheTTL = time.Duration(unreadCacheSeconds) * time.Second

	listingImageMaxMB, err := strconv.Atoi(getEnv("LISTING_IMAGE_MAX_MB", "10"))
	if err != nil {
		return nil, fmt.Errorf("invalid LISTING_IMAGE_MAX_MB: %w", err)
	}
	cfg.ListingImageMaxBytes = int64(listingImageMaxMB) * 1024 * 1024

	cfg.ListingMaxImages, err = strconv.Atoi(getEnv("LISTING_MAX_IMAGES", "10"))
	if err != nil {
		return nil, fmt.Errorf("invalid LISTING_MAX_IMAGES: %w", err)
	}

	cfg.ImageMaxDimension, err = strconv.Atoi(getEnv("IMAGE_MAX_DIMENSION", "2048"))
	if err != nil {
		return nil, fmt.Errorf("invalid IMAGE_MAX_DIMENSION: %w", err)
	}

	viewDedupSeconds, err := strconv.ParseInt(getEnv("VIEW_DEDUP_TTL_SECONDS", "300"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid VIEW_DEDUP_TTL_SECONDS: %w", err)
	}
	cfg.ViewDedupTTL = time.Duration(viewDedupSeconds) * time.Second

	bumpIntervalHours, err := strconv.Atoi(getEnv("BUMP_INTERVAL_HOURS", "3"))
	if err != nil {
		return nil, fmt.Errorf("invalid BUMP_INTERVAL_HOURS: %w", err)
	}
	cfg.BumpInterval = time.Duration(bumpIntervalHours) * time.Hour

	cfg.BumpBatchSize, err = strconv.Atoi(getEnv("BUMP_BATCH_SIZE", "500"))
	if err != nil {
		return nil, fmt.Errorf("invalid BUMP_BATCH_SIZE: %w", err)
	}

	bumpSweepSeconds, err := strconv.ParseInt(getEnv("BUMP_SWEEP_TTL_SECONDS", "300"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid BUMP_SWEEP_TTL_SECONDS: %w", err)
	}
	cfg.BumpSweepTTL = time.Duration(bumpSweepSeconds) * time.Second

	pendingPaymentHours, err := strconv.Atoi(getEnv("PENDING_PAYMENT_TTL_HOURS", "24"))
	if err != nil {
		return nil, fmt.Errorf("invalid PENDING_PAYMENT_TTL_HOURS: %w", err)
	}
	cfg.PendingPaymentTTL = time.Duration(pendingPaymentHours) * time.Hour

	cfg.BadgeValidityDays, err = strconv.Atoi(getEnv("BADGE_VALIDITY_DAYS", "180"))
	if err != nil {
		return nil, fmt.Errorf("invalid BADGE_VALIDITY_DAYS: %w", err)
	}

	cfg.BadgeRemindDays, err = strconv.Atoi(getEnv("BADGE_REMIND_DAYS", "7"))
	if err != nil {
		return nil, fmt.Errorf("invalid BADGE_REMIND_DAYS: %w", err)
	}

	cfg.VerificationPriceUSD, err = strconv.ParseFloat(getEnv("VERIFICATION_PRICE_USD", "15.00"), 64)
	if err != nil {
		return nil, fmt.Errorf("invalid VERIFICATION_PRICE_USD: %w", err)
	}

	ratesCacheSeconds, err := strconv.ParseInt(getEnv("RATES_CACHE_TTL_SECONDS", "3600"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid RATES_CACHE_TTL_SECONDS: %w", err)
	}
	cfg.RatesCacheTTL = time.Duration(ratesCacheSeconds) * time.Second

	// Rate Limiting
	cfg.RateLimitBucketSize, err = strconv.Atoi(getEnv("RATE_LIMIT_BUCKET_SIZE", "8"))
	if err != nil {
		return nil, fmt.Errorf("invalid RATE_LIMIT_BUCKET_SIZE: %w", err)
	}
	cfg.RateLimitRefillRate, err = strconv.Atoi(getEnv("RATE_LIMIT_REFILL_RATE", "4"))
	if err != nil {
		return nil, fmt.Errorf("invalid RATE_LIMIT_REFILL_RATE: %w", err)
	}

	return cfg, nil
}
