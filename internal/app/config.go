package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
)

// Config holds the complete application configuration, loadable from
// environment variables (POS_ prefix), flags, or YAML config files.
type Config struct {
	Addr        string `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL string `usage:"PostgreSQL connection URL (POS_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	Gateway     GatewayConfig
	Checkout    CheckoutConfig
	Redis       RedisConfig
	Kafka       KafkaConfig
	RateLimit   RateLimitConfig
	CORS        CORSConfig
	Graceful    GracefulConfig
}

// GatewayConfig points at the payment provider. An empty URL selects the
// built-in simulator.
type GatewayConfig struct {
	URL                   string        `usage:"Payment gateway base URL; empty uses the simulator" flag:"gateway-url"`
	APIKey                string        `usage:"Payment gateway API key" flag:"gateway-api-key"`
	Timeout               time.Duration `default:"10s" usage:"Per-request gateway timeout"`
	BreakerFailures       uint32        `default:"5" usage:"Consecutive failures that open the circuit breaker"`
	BreakerOpenTimeout    time.Duration `default:"30s" usage:"How long the breaker stays open"`
	SimulatorApproveAfter int           `default:"3" usage:"Simulator: poll on which async payments complete"`
}

// CheckoutConfig tunes checkout attempts.
type CheckoutConfig struct {
	PollInterval            time.Duration `default:"2s" usage:"Gateway status poll interval"`
	MaxPolls                int           `default:"60" usage:"Polls before a payment times out"`
	Compensate              bool          `default:"true" usage:"Undo completed stages after a fatal failure"`
	RestockOnPaymentFailure bool          `default:"false" usage:"Restore inventory when a payment fails or is cancelled"`
	LeaseTTL                time.Duration `default:"10m" usage:"Draft lease lifetime"`
	MaxOpenWindows          int           `default:"64" usage:"Maximum concurrently open payment windows"`
	Retention               time.Duration `default:"15m" usage:"How long finished attempts stay queryable"`
}

// RedisConfig enables the distributed draft lease. An empty Addr keeps
// leases in process memory.
type RedisConfig struct {
	Addr     string `usage:"Redis address (POS_REDIS_ADDR or REDIS_URL)"`
	Password string `usage:"Redis password"`
	DB       int    `default:"0" usage:"Redis database"`
}

// KafkaConfig enables checkout outcome events. Without brokers events are
// dropped.
type KafkaConfig struct {
	Brokers []string `usage:"Kafka bootstrap brokers"`
	Topic   string   `default:"pos.checkout" usage:"Checkout events topic"`
}

// RateLimitConfig controls the per-till sliding window rate limiter.
type RateLimitConfig struct {
	Max       int           `default:"100" usage:"Max requests per window per till or client IP"`
	Window    time.Duration `default:"1m"  usage:"Rate limit window duration"`
	SubmitMax int           `default:"20"  usage:"Max checkout submissions per window per till; 0 disables" flag:"rate-limit-submit-max"`
}

// CORSConfig controls Cross-Origin Resource Sharing headers.
type CORSConfig struct {
	Origins          []string      `default:"*" usage:"Allowed CORS origins"`
	AllowCredentials bool          `default:"false" usage:"Allow credentials (cookies, auth headers)" flag:"cors-credentials"`
	MaxAge           time.Duration `default:"24h" usage:"How long browsers may cache a preflight" flag:"cors-max-age"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables, YAML config files,
// and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "POS",
		Files:     []string{"config.yaml", "/etc/pos/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch {
	case c.DatabaseURL == "":
		return errors.New("database URL is required: set POS_DATABASE_URL or DATABASE_URL")
	case c.Checkout.PollInterval <= 0:
		return errors.New("checkout poll interval must be positive")
	case c.Checkout.MaxPolls <= 0:
		return errors.New("checkout max polls must be positive")
	case c.Checkout.MaxOpenWindows <= 0:
		return errors.New("checkout max open windows must be positive")
	}
	// A draft lease has to outlive its longest settlement.
	if minTTL := c.Checkout.settleBudget() + leaseSlack; c.Checkout.LeaseTTL < minTTL {
		return errors.Errorf("checkout lease TTL %s is shorter than poll interval x max polls plus %s (%s)",
			c.Checkout.LeaseTTL, leaseSlack, minTTL)
	}
	return nil
}

// leaseSlack covers the stages around payment settlement.
const leaseSlack = time.Minute

// settleBudget is the longest a payment window may stay open.
func (c CheckoutConfig) settleBudget() time.Duration {
	return c.PollInterval * time.Duration(c.MaxPolls)
}

// applyPlatformDefaults maps platform-provided environment variables
// (DATABASE_URL, PORT, REDIS_URL) to the POS_-prefixed configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		if v := os.Getenv("DATABASE_URL"); v != "" {
			c.DatabaseURL = v
		}
	}
	if c.Redis.Addr == "" {
		if v := os.Getenv("REDIS_URL"); v != "" {
			c.Redis.Addr = v
		}
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
}
