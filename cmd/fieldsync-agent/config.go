package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/alwitt/fieldsync"
	"github.com/alwitt/fieldsync/db"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gorm.io/gorm/logger"
)

// DBConfig local store settings
type DBConfig struct {
	Dialect  string `mapstructure:"dialect" validate:"required,oneof=sqlite postgres"`
	DSN      string `mapstructure:"dsn" validate:"required"`
	LogLevel string `mapstructure:"log_level" validate:"oneof=silent error warn info"`
}

// RemoteConfig remote survey API settings
type RemoteConfig struct {
	BaseURL    string        `mapstructure:"base_url" validate:"required,url"`
	AuthToken  string        `mapstructure:"auth_token"`
	Timeout    time.Duration `mapstructure:"timeout" validate:"gte=0"`
	RetryCount int           `mapstructure:"retry_count" validate:"gte=0"`
}

// SyncConfig sync scheduling settings
type SyncConfig struct {
	BatchSize               int           `mapstructure:"batch_size" validate:"gte=1"`
	MaxRecordsPerDrain      int           `mapstructure:"max_records_per_drain" validate:"gte=1"`
	Debounce                time.Duration `mapstructure:"debounce" validate:"gte=0"`
	PeriodicInterval        time.Duration `mapstructure:"periodic_interval" validate:"gt=0"`
	CleanupInterval         time.Duration `mapstructure:"cleanup_interval" validate:"gte=0"`
	SyncedRetention         time.Duration `mapstructure:"synced_retention" validate:"gte=0"`
	AttemptWarnThreshold    int           `mapstructure:"attempt_warn_threshold" validate:"gte=0"`
	RefreshMirrorAfterDrain bool          `mapstructure:"refresh_mirror_after_drain"`
	MirrorFetchParallelism  int           `mapstructure:"mirror_fetch_parallelism" validate:"gte=1"`
}

// AgentConfig agent settings
type AgentConfig struct {
	DB     DBConfig     `mapstructure:"db"`
	Remote RemoteConfig `mapstructure:"remote"`
	Sync   SyncConfig   `mapstructure:"sync"`
	Status struct {
		PollInterval time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	} `mapstructure:"status"`
	Connectivity struct {
		ProbeInterval   time.Duration `mapstructure:"probe_interval" validate:"gte=0"`
		InitiallyOnline bool          `mapstructure:"initially_online"`
	} `mapstructure:"connectivity"`
	Encryption struct {
		RSACert string `mapstructure:"rsa_cert" validate:"omitempty,file"`
		RSAKey  string `mapstructure:"rsa_key" validate:"omitempty,file"`
	} `mapstructure:"encryption"`
	API struct {
		Listen string `mapstructure:"listen" validate:"required"`
	} `mapstructure:"api"`
	Log struct {
		Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
		JSON  bool   `mapstructure:"json"`
	} `mapstructure:"log"`
}

// setDefaults register every key so environment overrides apply to all of them
func setDefaults(v *viper.Viper) {
	defaults := fieldsync.DefaultServiceParams()

	v.SetDefault("db.dialect", "sqlite")
	v.SetDefault("db.dsn", "fieldsync.db")
	v.SetDefault("db.log_level", "error")

	v.SetDefault("remote.base_url", "")
	v.SetDefault("remote.auth_token", "")
	v.SetDefault("remote.timeout", defaults.Remote.Timeout)
	v.SetDefault("remote.retry_count", defaults.Remote.RetryCount)

	v.SetDefault("sync.batch_size", defaults.Sync.BatchSize)
	v.SetDefault("sync.max_records_per_drain", defaults.Sync.MaxRecordsPerDrain)
	v.SetDefault("sync.debounce", defaults.Sync.Debounce)
	v.SetDefault("sync.periodic_interval", defaults.Sync.PeriodicInterval)
	v.SetDefault("sync.cleanup_interval", defaults.Sync.CleanupInterval)
	v.SetDefault("sync.synced_retention", defaults.Sync.SyncedRetention)
	v.SetDefault("sync.attempt_warn_threshold", defaults.Sync.AttemptWarnThreshold)
	v.SetDefault("sync.refresh_mirror_after_drain", defaults.Sync.RefreshMirrorAfterDrain)
	v.SetDefault("sync.mirror_fetch_parallelism", defaults.Sync.MirrorFetchParallelism)

	v.SetDefault("status.poll_interval", defaults.StatusPollInterval)

	v.SetDefault("connectivity.probe_interval", defaults.ProbeInterval)
	v.SetDefault("connectivity.initially_online", false)

	v.SetDefault("encryption.rsa_cert", "")
	v.SetDefault("encryption.rsa_key", "")

	v.SetDefault("api.listen", "127.0.0.1:8765")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)
}

/*
loadConfig read the agent config

Values come from, in increasing precedence: defaults, the config file, then FIELDSYNC_
prefixed environment variables. An optional dotenv file is loaded into the environment first.

	@param configFile string - optional YAML config file
	@param envFile string - optional dotenv file
	@returns the agent config
*/
func loadConfig(configFile, envFile string) (AgentConfig, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return AgentConfig{}, fmt.Errorf("failed to load env file %s [%w]", envFile, err)
		}
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("FIELDSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return AgentConfig{}, fmt.Errorf("failed to read config file %s [%w]", configFile, err)
		}
	}

	var config AgentConfig
	if err := v.Unmarshal(&config); err != nil {
		return AgentConfig{}, fmt.Errorf("failed to decode config [%w]", err)
	}
	if err := validator.New().Struct(&config); err != nil {
		return AgentConfig{}, fmt.Errorf("invalid config [%w]", err)
	}
	if (config.Encryption.RSACert == "") != (config.Encryption.RSAKey == "") {
		return AgentConfig{}, fmt.Errorf("encryption.rsa_cert and encryption.rsa_key must be set together")
	}
	return config, nil
}

// sqlLogLevel convert the configured SQL log level
func sqlLogLevel(level string) logger.LogLevel {
	switch level {
	case "silent":
		return logger.Silent
	case "warn":
		return logger.Warn
	case "info":
		return logger.Info
	default:
		return logger.Error
	}
}

// serviceParams convert the agent config into service parameters
func (c AgentConfig) serviceParams() fieldsync.ServiceParams {
	params := fieldsync.DefaultServiceParams()

	if c.DB.Dialect == "postgres" {
		params.Dialector = db.GetPostgresDialector(c.DB.DSN)
	} else {
		params.Dialector = db.GetSqliteDialector(c.DB.DSN)
	}
	params.SQLLogLevel = sqlLogLevel(c.DB.LogLevel)

	params.DeviceRSACertFile = c.Encryption.RSACert
	params.DeviceRSAKeyFile = c.Encryption.RSAKey

	params.Remote.BaseURL = c.Remote.BaseURL
	params.Remote.AuthToken = c.Remote.AuthToken
	params.Remote.Timeout = c.Remote.Timeout
	params.Remote.RetryCount = c.Remote.RetryCount

	params.Sync = fieldsync.SyncConfig{
		BatchSize:               c.Sync.BatchSize,
		MaxRecordsPerDrain:      c.Sync.MaxRecordsPerDrain,
		Debounce:                c.Sync.Debounce,
		PeriodicInterval:        c.Sync.PeriodicInterval,
		CleanupInterval:         c.Sync.CleanupInterval,
		SyncedRetention:         c.Sync.SyncedRetention,
		AttemptWarnThreshold:    c.Sync.AttemptWarnThreshold,
		RefreshMirrorAfterDrain: c.Sync.RefreshMirrorAfterDrain,
		MirrorFetchParallelism:  c.Sync.MirrorFetchParallelism,
	}

	params.StatusPollInterval = c.Status.PollInterval
	params.ProbeInterval = c.Connectivity.ProbeInterval
	params.InitiallyOnline = c.Connectivity.InitiallyOnline
	return params
}
