// Package config loads tool configuration from flags, environment, and an
// optional config file into one immutable structure handed to every
// component.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	// AWS and local state
	Region      string `mapstructure:"region"`
	JournalPath string `mapstructure:"journal-path"`
	FSMDBPath   string `mapstructure:"fsm-db-path"`

	// Polling behavior
	PollInterval    time.Duration `mapstructure:"poll-interval"`
	MaxPollAttempts int           `mapstructure:"max-poll-attempts"`
	FSMMaxRetries   int           `mapstructure:"fsm-max-retries"`

	// Recovery parameters
	RecoveryAMI      string `mapstructure:"recovery-ami"`
	EBSType          string `mapstructure:"ebs-type"`
	IopsRatio        int32  `mapstructure:"iops-ratio"`
	ProvisioningKey  string `mapstructure:"provisioning-key"`
	RecoveryName     string `mapstructure:"recovery-name"`
	PowerOn          bool   `mapstructure:"power-on"`
	RootSnapshotID   string `mapstructure:"root-snapid"` // accepted but not wired to any behavior
	SearchString     string `mapstructure:"search-string"`
	DeploymentSubnet string `mapstructure:"deployment-subnet"`
	InstanceType     string `mapstructure:"instance-type"`
	UserDataFile     string `mapstructure:"user-data-file"`
	UserDataClone    bool   `mapstructure:"user-data-clone"`
	AccessGroups     string `mapstructure:"access-groups"`

	// Tag-name overrides
	SearchTag   string `mapstructure:"alt-search-tag"`
	InstanceTag string `mapstructure:"alt-ec2-tag"`
	DeviceTag   string `mapstructure:"alt-device-tag"`
}

// Load reads configuration from environment, config file, and defaults.
func Load() (*Config, error) {
	viper.SetDefault("region", "")
	viper.SetDefault("journal-path", ".artifacts/recovery.db")
	viper.SetDefault("fsm-db-path", ".artifacts/fsm.db")
	viper.SetDefault("poll-interval", 10*time.Second)
	viper.SetDefault("max-poll-attempts", 0)
	viper.SetDefault("fsm-max-retries", 5)
	viper.SetDefault("ebs-type", "gp2")
	viper.SetDefault("iops-ratio", 0)
	viper.SetDefault("instance-type", "t3.large")
	viper.SetDefault("alt-search-tag", "Snapshot Group")
	viper.SetDefault("alt-ec2-tag", "Original Instance")
	viper.SetDefault("alt-device-tag", "Original Attachment")

	// Environment variables (RECON_SEARCH_STRING, etc.)
	viper.SetEnvPrefix("RECON")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// Config file (optional)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.reconstitute")

	_ = viper.ReadInConfig()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate checks configuration for errors that must be caught before any
// provider call is made.
func (c *Config) Validate() error {
	if c.JournalPath == "" {
		return fmt.Errorf("journal-path cannot be empty")
	}
	if c.FSMDBPath == "" {
		return fmt.Errorf("fsm-db-path cannot be empty")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll-interval must be positive")
	}
	if c.MaxPollAttempts < 0 {
		return fmt.Errorf("max-poll-attempts must be non-negative")
	}
	if c.FSMMaxRetries < 0 {
		return fmt.Errorf("fsm-max-retries must be non-negative")
	}
	if c.IopsRatio < 0 {
		return fmt.Errorf("iops-ratio must be non-negative")
	}
	if c.UserDataFile != "" && c.UserDataClone {
		return fmt.Errorf("user-data-file and user-data-clone are mutually exclusive options")
	}
	return nil
}
