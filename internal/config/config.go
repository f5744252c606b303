package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Discount policies applied when a discount runs out between revalidation and
// the usage increment.
const (
	DiscountPolicyFail      = "fail"
	DiscountPolicyFullPrice = "full_price"
)

// Config holds every setting of the api and worker binaries.
type Config struct {
	AppEnv   string
	RunLocal bool
	HTTPAddr string

	AWSRegion           string
	AWSEndpointOverride string

	ProductsTable  string
	DiscountsTable string
	UsersTable     string
	UserEmailTable string
	CartsTable     string
	OrdersTable    string
	JobsTable      string

	OrdersQueueURL string
	EmailQueueURL  string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	JWTSecret string

	TaxRate               decimal.Decimal
	ShippingFlat          decimal.Decimal
	FreeShippingThreshold decimal.Decimal
	PaymentMethods        []string

	DiscountExhaustedPolicy string

	MaxJobAttempts    int
	JobTimeout        time.Duration
	RetryBackoffBase  time.Duration
	WorkerConcurrency int
	InProcessWorkers  bool
	WorkerNodeID      int64
	JobRecordTTL      time.Duration

	IntakeKeyTTL     time.Duration
	IntakeRateLimit  int // submissions per submitter per minute, 0 disables
	PasswordResetTTL time.Duration

	MetricsNamespace string
}

// Load reads .env (when present) and then the process environment.
func Load() (Config, error) {
	// .env is optional; real deployments configure the environment directly
	_ = godotenv.Load()

	cfg := Config{
		AppEnv:   getEnvOrDefault("APP_ENV", "development"),
		RunLocal: getBoolEnv("RUN_LOCAL", false),
		HTTPAddr: getEnvOrDefault("HTTP_ADDR", ":8080"),

		AWSRegion:           getEnvOrDefault("AWS_REGION", "us-east-1"),
		AWSEndpointOverride: getEnvOrDefault("AWS_ENDPOINT_OVERRIDE", ""),

		ProductsTable:  getEnvOrDefault("PRODUCTS_TABLE", "products"),
		DiscountsTable: getEnvOrDefault("DISCOUNTS_TABLE", "discounts"),
		UsersTable:     getEnvOrDefault("USERS_TABLE", "users"),
		UserEmailTable: getEnvOrDefault("USER_EMAILS_TABLE", "user_emails"),
		CartsTable:     getEnvOrDefault("CARTS_TABLE", "carts"),
		OrdersTable:    getEnvOrDefault("ORDERS_TABLE", "orders"),
		JobsTable:      getEnvOrDefault("JOBS_TABLE", "order_jobs"),

		OrdersQueueURL: getEnvOrDefault("ORDERS_QUEUE_URL", ""),
		EmailQueueURL:  getEnvOrDefault("EMAIL_QUEUE_URL", ""),

		RedisAddr:     getEnvOrDefault("REDIS_ADDR", ""),
		RedisPassword: getEnvOrDefault("REDIS_PASSWORD", ""),
		RedisDB:       getIntEnv("REDIS_DB", 0),

		JWTSecret: getEnvOrDefault("JWT_SECRET", ""),

		PaymentMethods:          getListEnv("PAYMENT_METHODS", []string{"card", "cash", "bank_transfer"}),
		DiscountExhaustedPolicy: strings.ToLower(getEnvOrDefault("DISCOUNT_EXHAUSTED_POLICY", DiscountPolicyFail)),

		MaxJobAttempts:    getIntEnv("MAX_JOB_ATTEMPTS", 5),
		JobTimeout:        getDurationEnv("JOB_TIMEOUT", 30*time.Second),
		RetryBackoffBase:  getDurationEnv("RETRY_BACKOFF_BASE", 5*time.Second),
		WorkerConcurrency: getIntEnv("WORKER_CONCURRENCY", 4),
		InProcessWorkers:  getBoolEnv("IN_PROCESS_WORKERS", false),
		WorkerNodeID:      int64(getIntEnv("WORKER_NODE_ID", 1)),
		JobRecordTTL:      getDurationEnv("JOB_RECORD_TTL", 7*24*time.Hour),

		IntakeKeyTTL:     getDurationEnv("IDEMPOTENCY_KEY_TTL", 24*time.Hour),
		IntakeRateLimit:  getIntEnv("INTAKE_RATE_LIMIT", 20),
		PasswordResetTTL: getDurationEnv("PASSWORD_RESET_TTL", 72*time.Hour),

		MetricsNamespace: getEnvOrDefault("METRICS_NAMESPACE", "Storefront/Orders"),
	}

	var err error
	if cfg.TaxRate, err = getDecimalEnv("TAX_RATE", "0.18"); err != nil {
		return Config{}, err
	}
	if cfg.ShippingFlat, err = getDecimalEnv("SHIPPING_FLAT", "4.99"); err != nil {
		return Config{}, err
	}
	if cfg.FreeShippingThreshold, err = getDecimalEnv("FREE_SHIPPING_THRESHOLD", "100"); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports settings that cannot work together.
func (c Config) Validate() error {
	if c.DiscountExhaustedPolicy != DiscountPolicyFail && c.DiscountExhaustedPolicy != DiscountPolicyFullPrice {
		return fmt.Errorf("DISCOUNT_EXHAUSTED_POLICY must be %q or %q, got %q", DiscountPolicyFail, DiscountPolicyFullPrice, c.DiscountExhaustedPolicy)
	}
	if c.TaxRate.IsNegative() || c.ShippingFlat.IsNegative() || c.FreeShippingThreshold.IsNegative() {
		return fmt.Errorf("TAX_RATE, SHIPPING_FLAT and FREE_SHIPPING_THRESHOLD must not be negative")
	}
	if c.MaxJobAttempts < 1 {
		return fmt.Errorf("MAX_JOB_ATTEMPTS must be at least 1")
	}
	if c.WorkerConcurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be at least 1")
	}
	if len(c.PaymentMethods) == 0 {
		return fmt.Errorf("PAYMENT_METHODS must list at least one method")
	}
	if c.WorkerNodeID < 0 || c.WorkerNodeID > 1023 {
		return fmt.Errorf("WORKER_NODE_ID must be between 0 and 1023")
	}
	return nil
}

// IsProduction reports whether APP_ENV is production.
func (c Config) IsProduction() bool {
	return strings.EqualFold(c.AppEnv, "production")
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getDurationEnv accepts Go durations ("90s", "15m") or a bare number of seconds.
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

func getListEnv(key string, defaultValue []string) []string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.ToLower(strings.TrimSpace(part)); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getDecimalEnv(key, defaultValue string) (decimal.Decimal, error) {
	raw := getEnvOrDefault(key, defaultValue)
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: invalid decimal %q: %w", key, raw, err)
	}
	return d, nil
}
