package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	StorageMySQL  = "mysql"
	StorageMemory = "memory"

	RefundToSubscription = "subscription"
	RefundSplit          = "split"
)

// Config aggregates runtime configuration for the API server and background workers.
type Config struct {
	ListenAddr    string
	LogLevel      string
	StorageDriver string
	MySQLDSN      string
	JWTSecret     string

	KIEAPIKey   string
	KIEBaseURL  string
	SyncAPIKey  string
	SyncBaseURL string
	FalAPIKey   string
	FalBaseURL  string

	RequestTimeout time.Duration
	SubmitTimeout  time.Duration

	// Prices holds the credit cost of one generation per tool identifier.
	Prices map[string]int

	ReconcileInterval  time.Duration
	ReconcileBatchSize int
	ReconcileWorkers   int
	PollErrorLimit     int
	OrphanGrace        time.Duration
	RefundPolicy       string

	RateCreditsPerMin  int
	RateGeneratePerMin int
	RateStatusPerMin   int
	RateUploadsPerMin  int

	S3Endpoint      string
	S3Region        string
	S3AccessKey     string
	S3SecretKey     string
	S3Bucket        string
	S3PublicBaseURL string
	S3UsePathStyle  bool
	S3Prefix        string

	StripeWebhookSecret string
	// StripePlans maps a Stripe price id to the monthly subscription allowance.
	StripePlans map[string]int

	AdminUsername string
	AdminPassword string

	TelegramAlertToken  string
	TelegramAlertChatID int64
}

// Load reads configuration from environment variables, applying sane defaults.
func Load() (Config, error) {
	if err := loadEnvFile(); err != nil {
		return Config{}, err
	}

	const defaultKIEBaseURL = "https://api.kie.ai"

	cfg := Config{
		ListenAddr:          getEnv("LISTEN_ADDR", ":8080"),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		StorageDriver:       strings.ToLower(getEnv("STORAGE_DRIVER", StorageMySQL)),
		KIEBaseURL:          normalizeKIEBaseURL(getEnv("KIE_BASE_URL", defaultKIEBaseURL), defaultKIEBaseURL),
		SyncBaseURL:         strings.TrimRight(getEnv("SYNC_BASE_URL", "https://api.sync.so"), "/"),
		FalBaseURL:          strings.TrimRight(getEnv("FAL_BASE_URL", "https://fal.run"), "/"),
		RequestTimeout:      time.Second * time.Duration(getInt("HTTP_TIMEOUT_SECONDS", 30)),
		SubmitTimeout:       time.Second * time.Duration(getInt("SUBMIT_TIMEOUT_SECONDS", 90)),
		Prices:              defaultPrices(),
		ReconcileInterval:   getDuration("RECONCILE_INTERVAL", 30*time.Second),
		ReconcileBatchSize:  getInt("RECONCILE_BATCH_SIZE", 20),
		ReconcileWorkers:    getInt("RECONCILE_WORKERS", 4),
		PollErrorLimit:      getInt("POLL_ERROR_LIMIT", 10),
		OrphanGrace:         getDuration("ORPHAN_GRACE", 5*time.Minute),
		RefundPolicy:        strings.ToLower(getEnv("REFUND_POLICY", RefundToSubscription)),
		RateCreditsPerMin:   getInt("RATE_CREDITS_PER_MIN", 30),
		RateGeneratePerMin:  getInt("RATE_GENERATE_PER_MIN", 10),
		RateStatusPerMin:    getInt("RATE_STATUS_PER_MIN", 120),
		RateUploadsPerMin:   getInt("RATE_UPLOADS_PER_MIN", 20),
		S3Endpoint:          getEnv("S3_ENDPOINT", ""),
		S3Region:            os.Getenv("S3_REGION"),
		S3AccessKey:         os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:         os.Getenv("S3_SECRET_KEY"),
		S3Bucket:            os.Getenv("S3_BUCKET"),
		S3PublicBaseURL:     os.Getenv("S3_PUBLIC_BASE_URL"),
		S3UsePathStyle:      getBool("S3_USE_PATH_STYLE", false),
		S3Prefix:            getEnv("S3_PREFIX", "generations"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		AdminUsername:       getEnv("ADMIN_USERNAME", "admin"),
		AdminPassword:       os.Getenv("ADMIN_PASSWORD"),
		TelegramAlertToken:  os.Getenv("TELEGRAM_ALERT_TOKEN"),
		TelegramAlertChatID: getInt64("TELEGRAM_ALERT_CHAT_ID", 0),
	}

	cfg.MySQLDSN = os.Getenv("MYSQL_DSN")
	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	cfg.KIEAPIKey = os.Getenv("KIE_API_KEY")
	cfg.SyncAPIKey = os.Getenv("SYNC_API_KEY")
	cfg.FalAPIKey = os.Getenv("FAL_API_KEY")

	for tool := range cfg.Prices {
		key := "PRICE_" + strings.ToUpper(tool)
		cfg.Prices[tool] = getInt(key, cfg.Prices[tool])
	}

	plans, err := parsePlanCredits(os.Getenv("STRIPE_PRICE_CREDITS"))
	if err != nil {
		return Config{}, err
	}
	cfg.StripePlans = plans

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every missing or malformed setting at once.
func (c Config) Validate() error {
	var missing []string
	if c.JWTSecret == "" {
		missing = append(missing, "JWT_SECRET")
	}
	switch c.StorageDriver {
	case StorageMySQL:
		if c.MySQLDSN == "" {
			missing = append(missing, "MYSQL_DSN")
		}
	case StorageMemory:
	default:
		return fmt.Errorf("unsupported STORAGE_DRIVER %q", c.StorageDriver)
	}
	switch c.RefundPolicy {
	case RefundToSubscription, RefundSplit:
	default:
		return fmt.Errorf("unsupported REFUND_POLICY %q", c.RefundPolicy)
	}
	if c.KIEAPIKey == "" {
		missing = append(missing, "KIE_API_KEY")
	}
	if c.S3Region == "" {
		missing = append(missing, "S3_REGION")
	}
	if c.S3AccessKey == "" {
		missing = append(missing, "S3_ACCESS_KEY")
	}
	if c.S3SecretKey == "" {
		missing = append(missing, "S3_SECRET_KEY")
	}
	if c.S3Bucket == "" {
		missing = append(missing, "S3_BUCKET")
	}
	if c.S3PublicBaseURL == "" {
		missing = append(missing, "S3_PUBLIC_BASE_URL")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %v", missing)
	}
	return nil
}

func defaultPrices() map[string]int {
	return map[string]int{
		"sora2":        20,
		"veo3":         60,
		"lipsync":      15,
		"infinitetalk": 25,
		"avatar":       4,
	}
}

// parsePlanCredits parses "price_abc:1000,price_def:3000".
func parsePlanCredits(raw string) (map[string]int, error) {
	plans := make(map[string]int)
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return plans, nil
	}
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		priceID, credits, ok := strings.Cut(item, ":")
		if !ok {
			return nil, fmt.Errorf("STRIPE_PRICE_CREDITS: malformed entry %q", item)
		}
		n, err := strconv.Atoi(strings.TrimSpace(credits))
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("STRIPE_PRICE_CREDITS: invalid credits in %q", item)
		}
		plans[strings.TrimSpace(priceID)] = n
	}
	return plans, nil
}

// normalizeKIEBaseURL ensures we always hit the documented API host. Some docs and UI pages
// use the root kie.ai domain, which returns HTML instead of JSON and causes 404s.
func normalizeKIEBaseURL(raw string, fallback string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return fallback
	}

	if parsed.Scheme == "" {
		parsed.Scheme = "https"
	}
	if parsed.Host == "" {
		parsed.Host = parsed.Path
		parsed.Path = ""
	}

	if parsed.Host == "kie.ai" {
		parsed.Host = "api.kie.ai"
	}

	return strings.TrimRight(parsed.String(), "/")
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func getInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// loadEnvFile loads the first env file found. Running without one is fine in
// containers where the environment is injected directly.
func loadEnvFile() error {
	candidates := []string{}
	if custom, ok := os.LookupEnv("CONFIG_ENV_PATH"); ok && custom != "" {
		candidates = append(candidates, custom)
	}
	candidates = append(candidates,
		filepath.Join("configs", ".env"),
		".env",
	)

	for _, path := range candidates {
		info, err := os.Stat(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("access env file %s: %w", path, err)
		}
		if info.IsDir() {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("load env file %s: %w", path, err)
		}
		return nil
	}
	return nil
}
