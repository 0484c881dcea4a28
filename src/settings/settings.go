package settings

import (
	"fmt"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
)

// Paging orders accepted in Arguments.PagingOrder.
const (
	// PagingSkipLimit skips over the filtered set, then limits. Default.
	PagingSkipLimit = "skip-limit"

	// PagingLimitSkip limits first and skips within the limited set.
	PagingLimitSkip = "limit-skip"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "MONGODM_"

type Arguments struct {
	// MongoDB connection string
	MongoURI string `env:"URI"`
	// Database holding the model collections
	Database string `env:"DATABASE"`
	AppName  string `env:"APP_NAME"`

	// skip-limit or limit-skip
	PagingOrder string `env:"PAGING_ORDER"`

	ConnectTimeout   time.Duration `env:"CONNECT_TIMEOUT"`
	OperationTimeout time.Duration `env:"OPERATION_TIMEOUT"`

	// Strongly verbose logging
	Verbose bool `env:"VERBOSE"`
	Debug   bool `env:"DEBUG"`
}

var (
	instance *Arguments
	once     sync.Once
)

// GetSettings returns the process-wide settings, initialized with defaults on
// first use.
func GetSettings() *Arguments {
	once.Do(func() {
		instance = Default()
	})
	return instance
}

// Default returns the built-in configuration.
func Default() *Arguments {
	return &Arguments{
		MongoURI:         "mongodb://localhost:27017/?replicaSet=rs0",
		Database:         "mongodm",
		AppName:          "mongodm",
		PagingOrder:      PagingSkipLimit,
		ConnectTimeout:   10 * time.Second,
		OperationTimeout: 30 * time.Second,
	}
}

// LoadFromEnv overrides args with the MONGODM_* variables that are set.
func LoadFromEnv(args *Arguments) error {
	if err := env.ParseWithOptions(args, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Validate checks the arguments and returns an error if invalid.
func (a *Arguments) Validate() error {
	if a.MongoURI == "" {
		return fmt.Errorf("mongo uri is required")
	}
	if a.Database == "" {
		return fmt.Errorf("database name is required")
	}

	validOrders := map[string]bool{PagingSkipLimit: true, PagingLimitSkip: true}
	if !validOrders[a.PagingOrder] {
		return fmt.Errorf("invalid paging order: %s (must be '%s' or '%s')", a.PagingOrder, PagingSkipLimit, PagingLimitSkip)
	}

	if a.ConnectTimeout <= 0 {
		return fmt.Errorf("connect timeout must be positive, got %s", a.ConnectTimeout)
	}
	if a.OperationTimeout <= 0 {
		return fmt.Errorf("operation timeout must be positive, got %s", a.OperationTimeout)
	}
	return nil
}
