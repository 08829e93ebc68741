package common

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

// DefaultTimeout bounds a single protocol invocation end to end.
const DefaultTimeout = 30 * time.Second

// BrowserOptions stores browser launch and pool configuration.
type BrowserOptions struct {
	ExecutablePath    string        `envconfig:"EXECUTABLE_PATH"`
	Headless          bool          `envconfig:"HEADLESS" default:"true"`
	Args              []string      `envconfig:"ARGS"`
	Debug             bool          `envconfig:"DEBUG"`
	LogCategoryFilter string        `envconfig:"LOG_CATEGORY_FILTER" default:".*"`
	Timeout           time.Duration `envconfig:"TIMEOUT" default:"30s"`
	PoolSize          int           `envconfig:"POOL_SIZE" default:"1"`
	CheckoutTimeout   time.Duration `envconfig:"CHECKOUT_TIMEOUT" default:"5s"`
	GracePeriod       time.Duration `envconfig:"CRASH_GRACE_PERIOD" default:"500ms"`
}

// NewBrowserOptions returns options with defaults applied.
func NewBrowserOptions() *BrowserOptions {
	return &BrowserOptions{
		Headless:          true,
		LogCategoryFilter: ".*",
		Timeout:           DefaultTimeout,
		PoolSize:          DefaultPoolSize,
		CheckoutTimeout:   DefaultCheckoutTimeout,
		GracePeriod:       DefaultGracePeriod,
	}
}

// FromEnv overrides options from CHROMIC_* environment variables
// (CHROMIC_POOL_SIZE, CHROMIC_TIMEOUT, ...).
func (o *BrowserOptions) FromEnv() error {
	return envconfig.Process("chromic", o)
}

func (o *BrowserOptions) poolOptions() PoolOptions {
	return PoolOptions{
		Size:            o.PoolSize,
		CheckoutTimeout: o.CheckoutTimeout,
		GracePeriod:     o.GracePeriod,
	}
}
