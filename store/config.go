package store

import (
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/jacentio/trove/internal/breaker"
	"github.com/jacentio/trove/internal/conn"
	"github.com/jacentio/trove/internal/retry"
)

// Config holds configuration for the Store.
type Config struct {
	// Endpoint overrides the store endpoint URL.
	// Default: "" (AWS endpoint for Region)
	Endpoint string

	// Region is the AWS region of the store.
	// Default: "us-east-1"
	Region string

	// Database and Collection name the document table ("Database.Collection").
	// Default: "HolidayTracker" / "UserData"
	Database   string
	Collection string

	// Key is the inline base64 credential ("<access key id>:<secret>").
	// When empty the credential is fetched from AuthURL.
	Key string

	// AuthURL is the /.auth/me style endpoint serving the credential.
	AuthURL string

	// AuthTimeout bounds the auth endpoint request.
	// Default: 10s
	AuthTimeout time.Duration

	// FailureThreshold is the number of consecutive failed attempts that
	// opens the circuit breaker.
	// Default: 5
	FailureThreshold uint32

	// ResetTimeout is how long the breaker stays open.
	// Default: 30s
	ResetTimeout time.Duration

	// MaxAttempts is the number of attempts per operation.
	// Default: 3
	MaxAttempts int

	// BaseDelay and MaxDelay bound the exponential backoff between attempts.
	// Default: 100ms / 2s
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// BatchConcurrency limits in-flight writes during BatchSave. Zero issues
	// every write at once.
	// Default: 0
	BatchConcurrency int

	// Dialer opens the store client. Default: conn.DialDynamoDB.
	Dialer conn.Dialer

	// Logger receives operational logs. Default: no-op.
	Logger *zap.Logger
}

// DefaultConfig returns the stock settings.
func DefaultConfig() Config {
	return Config{
		Region:           "us-east-1",
		Database:         "HolidayTracker",
		Collection:       "UserData",
		AuthTimeout:      10 * time.Second,
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
		MaxAttempts:      3,
		BaseDelay:        100 * time.Millisecond,
		MaxDelay:         2 * time.Second,
		BatchConcurrency: 0,
	}
}

// validate fills zero values with defaults.
func (c *Config) validate() {
	d := DefaultConfig()
	if c.Region == "" {
		c.Region = d.Region
	}
	if c.Database == "" {
		c.Database = d.Database
	}
	if c.Collection == "" {
		c.Collection = d.Collection
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = d.AuthTimeout
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = d.ResetTimeout
	}
	if c.MaxAttempts < 1 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.BatchConcurrency < 0 {
		c.BatchConcurrency = d.BatchConcurrency
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// TableName returns the document table name.
func (c Config) TableName() string {
	return c.Database + "." + c.Collection
}

func (c Config) connConfig() conn.Config {
	return conn.Config{
		Endpoint:    c.Endpoint,
		Region:      c.Region,
		Database:    c.Database,
		Collection:  c.Collection,
		Key:         c.Key,
		AuthURL:     c.AuthURL,
		AuthTimeout: c.AuthTimeout,
		Dialer:      c.Dialer,
		Logger:      c.Logger,
	}
}

func (c Config) breakerConfig() breaker.Config {
	return breaker.Config{
		FailureThreshold: c.FailureThreshold,
		ResetTimeout:     c.ResetTimeout,
	}
}

func (c Config) retryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: c.MaxAttempts,
		BaseDelay:   c.BaseDelay,
		MaxDelay:    c.MaxDelay,
	}
}

// Configuration keys understood by LoadConfig. Each maps to the environment
// variable TROVE_<KEY> with dashes turned into underscores.
const (
	KeyEndpoint         = "endpoint"
	KeyRegion           = "region"
	KeyDatabase         = "database"
	KeyCollection       = "collection"
	KeyKey              = "key"
	KeyAuthURL          = "auth-url"
	KeyAuthTimeout      = "auth-timeout"
	KeyFailureThreshold = "failure-threshold"
	KeyResetTimeout     = "reset-timeout"
	KeyMaxAttempts      = "max-attempts"
	KeyBaseDelay        = "base-delay"
	KeyMaxDelay         = "max-delay"
	KeyBatchConcurrency = "batch-concurrency"
)

// LoadEnvFiles loads .env and .env.local into the process environment when
// present. Variables already set are not overridden.
func LoadEnvFiles() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")
}

// NewViper returns a viper instance reading TROVE_* environment variables
// with every key defaulted.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("trove")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	d := DefaultConfig()
	v.SetDefault(KeyEndpoint, "")
	v.SetDefault(KeyRegion, d.Region)
	v.SetDefault(KeyDatabase, d.Database)
	v.SetDefault(KeyCollection, d.Collection)
	v.SetDefault(KeyKey, "")
	v.SetDefault(KeyAuthURL, "")
	v.SetDefault(KeyAuthTimeout, d.AuthTimeout)
	v.SetDefault(KeyFailureThreshold, d.FailureThreshold)
	v.SetDefault(KeyResetTimeout, d.ResetTimeout)
	v.SetDefault(KeyMaxAttempts, d.MaxAttempts)
	v.SetDefault(KeyBaseDelay, d.BaseDelay)
	v.SetDefault(KeyMaxDelay, d.MaxDelay)
	v.SetDefault(KeyBatchConcurrency, d.BatchConcurrency)
	return v
}

// LoadConfig builds a Config from v. A nil v reads the environment through
// NewViper. Durations use Go syntax ("30s", "100ms").
func LoadConfig(v *viper.Viper) Config {
	if v == nil {
		v = NewViper()
	}
	return Config{
		Endpoint:         v.GetString(KeyEndpoint),
		Region:           v.GetString(KeyRegion),
		Database:         v.GetString(KeyDatabase),
		Collection:       v.GetString(KeyCollection),
		Key:              v.GetString(KeyKey),
		AuthURL:          v.GetString(KeyAuthURL),
		AuthTimeout:      v.GetDuration(KeyAuthTimeout),
		FailureThreshold: v.GetUint32(KeyFailureThreshold),
		ResetTimeout:     v.GetDuration(KeyResetTimeout),
		MaxAttempts:      v.GetInt(KeyMaxAttempts),
		BaseDelay:        v.GetDuration(KeyBaseDelay),
		MaxDelay:         v.GetDuration(KeyMaxDelay),
		BatchConcurrency: v.GetInt(KeyBatchConcurrency),
	}
}
