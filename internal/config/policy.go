package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// LedgerPolicy holds operational knobs for the credit ledger. It is loaded
// from ledger.yml and hot-reloaded so retry bounds and rate limits can be
// tuned without a restart.
type LedgerPolicy struct {
	// MaxConflictRetries bounds how many times a ledger operation is retried
	// after an optimistic-lock conflict before surfacing the error.
	MaxConflictRetries int `mapstructure:"maxConflictRetries"`

	// DefaultGrantValidityDays applies when a grant request carries no
	// explicit validUntil. Zero means the grant never expires.
	DefaultGrantValidityDays int `mapstructure:"defaultGrantValidityDays"`

	// ReserveRatePerUser and ReserveBurstPerUser throttle draw operations
	// per billing user when Redis is configured.
	ReserveRatePerUser  float64 `mapstructure:"reserveRatePerUser"`
	ReserveBurstPerUser int     `mapstructure:"reserveBurstPerUser"`

	// ExpirySweepInterval controls how often the scheduler reports grants
	// that expired with unspent credits.
	ExpirySweepInterval time.Duration `mapstructure:"expirySweepInterval"`
}

func DefaultLedgerPolicy() LedgerPolicy {
	return LedgerPolicy{
		MaxConflictRetries:       3,
		DefaultGrantValidityDays: 0,
		ReserveRatePerUser:       10,
		ReserveBurstPerUser:      20,
		ExpirySweepInterval:      time.Hour,
	}
}

// PolicyHolder exposes the current LedgerPolicy with hot reload.
type PolicyHolder struct {
	current atomic.Value // holds LedgerPolicy
}

func NewPolicyHolder() (*PolicyHolder, error) {
	v := viper.New()

	v.SetConfigName("ledger")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/creditledger/config")
	v.AddConfigPath("/etc/creditledger")
	v.AddConfigPath(".")

	v.SetEnvPrefix("CREDITLEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultLedgerPolicy()
	v.SetDefault("ledger.maxConflictRetries", defaults.MaxConflictRetries)
	v.SetDefault("ledger.defaultGrantValidityDays", defaults.DefaultGrantValidityDays)
	v.SetDefault("ledger.reserveRatePerUser", defaults.ReserveRatePerUser)
	v.SetDefault("ledger.reserveBurstPerUser", defaults.ReserveBurstPerUser)
	v.SetDefault("ledger.expirySweepInterval", defaults.ExpirySweepInterval)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var policy LedgerPolicy
	if err := v.UnmarshalKey("ledger", &policy); err != nil {
		return nil, err
	}
	if err := validateLedgerPolicy(policy); err != nil {
		return nil, err
	}

	holder := &PolicyHolder{}
	holder.current.Store(policy)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated LedgerPolicy
		if err := v.UnmarshalKey("ledger", &updated); err != nil {
			log.Printf("[ledger-policy] reload failed: %v", err)
			return
		}
		if err := validateLedgerPolicy(updated); err != nil {
			log.Printf("[ledger-policy] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[ledger-policy] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *PolicyHolder) Get() LedgerPolicy {
	return h.current.Load().(LedgerPolicy)
}

// NewStaticPolicyHolder returns a holder with a fixed policy, for tests.
func NewStaticPolicyHolder(policy LedgerPolicy) *PolicyHolder {
	holder := &PolicyHolder{}
	holder.current.Store(policy)
	return holder
}

func validateLedgerPolicy(policy LedgerPolicy) error {
	if policy.MaxConflictRetries < 1 {
		return errors.New("ledger.maxConflictRetries must be at least 1")
	}
	if policy.DefaultGrantValidityDays < 0 {
		return errors.New("ledger.defaultGrantValidityDays cannot be negative")
	}
	if policy.ExpirySweepInterval <= 0 {
		return errors.New("ledger.expirySweepInterval must be positive")
	}
	return nil
}
