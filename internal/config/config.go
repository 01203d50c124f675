// Package config holds all engine configuration.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	// CurrentMeta is the descriptor baked into the running image.
	CurrentMeta string `mapstructure:"current-meta"`

	// Boot loader paths and behavior.
	BootDir        string `mapstructure:"boot-dir"`
	BootTries      int    `mapstructure:"boot-tries"`
	BootTimeoutSec int    `mapstructure:"boot-timeout-sec"`

	// LockFile serializes concurrent engine invocations.
	LockFile string `mapstructure:"lock-file"`

	// JournalPath is the attempt journal on the data partition. Empty
	// disables the journal.
	JournalPath string `mapstructure:"journal-path"`

	// Network wait and transfer retry budgets.
	NetworkWait   time.Duration `mapstructure:"network-wait"`
	RetryPeriod   time.Duration `mapstructure:"retry-period"`
	StreamResumes int           `mapstructure:"stream-resumes"`

	// Lifecycle actions after a successful install/update. Disabled in
	// tests and when the surrounding system drives power state itself.
	Reboot   bool `mapstructure:"reboot"`
	Poweroff bool `mapstructure:"poweroff"`
}

// Load reads configuration from defaults, an optional config file, and
// ABCTL_* environment variables.
func Load() (*Config, error) {
	viper.SetDefault("current-meta", "/tidewater.json")
	viper.SetDefault("boot-dir", "/boot")
	viper.SetDefault("boot-tries", 3)
	viper.SetDefault("boot-timeout-sec", 3)
	viper.SetDefault("lock-file", "/run/abctl.lock")
	viper.SetDefault("journal-path", "/var/lib/abctl/journal.db")
	viper.SetDefault("network-wait", 10*time.Minute)
	viper.SetDefault("retry-period", 10*time.Second)
	viper.SetDefault("stream-resumes", 5)
	viper.SetDefault("reboot", true)
	viper.SetDefault("poweroff", true)

	viper.SetEnvPrefix("ABCTL")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	viper.SetConfigName("abctl")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("/etc")
	viper.AddConfigPath(".")

	// Config file is optional.
	_ = viper.ReadInConfig()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.CurrentMeta == "" {
		return fmt.Errorf("current-meta cannot be empty")
	}
	if c.BootDir == "" {
		return fmt.Errorf("boot-dir cannot be empty")
	}
	if c.BootTries < 1 {
		return fmt.Errorf("boot-tries must be at least 1")
	}
	if c.BootTimeoutSec < 0 {
		return fmt.Errorf("boot-timeout-sec cannot be negative")
	}
	if c.LockFile == "" {
		return fmt.Errorf("lock-file cannot be empty")
	}
	if c.NetworkWait <= 0 {
		return fmt.Errorf("network-wait must be positive")
	}
	if c.RetryPeriod <= 0 {
		return fmt.Errorf("retry-period must be positive")
	}
	if c.StreamResumes < 0 {
		return fmt.Errorf("stream-resumes must be non-negative")
	}
	return nil
}
