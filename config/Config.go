package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/TriviaNFT/triviaNFT-sub002/analytics"
	"github.com/TriviaNFT/triviaNFT-sub002/logger"
)

type StorageType string

const STORAGE_TYPE_REDIS StorageType = "redis"
const STORAGE_TYPE_POSTGRES StorageType = "postgres"
const STORAGE_TYPE_INMEM StorageType = "memory"

type SchedulerMode string

// SCHEDULER_MODE_LOCAL resumes runs on the in-process dispatcher.
const SCHEDULER_MODE_LOCAL SchedulerMode = "local"

// SCHEDULER_MODE_REMOTE posts resume callbacks to the ingress at ResumeURL.
const SCHEDULER_MODE_REMOTE SchedulerMode = "remote"

type Config struct {
	HttpPort        int
	GrpcPort        int
	StorageType     StorageType
	RedisConfig     RedisStorageConfig
	PostgresConfig  PostgresStorageConfig
	EngineConfig    EngineConfig
	AuthConfig      AuthConfig
	SchedulerConfig SchedulerConfig
	HostConfig      HostConfig
	AnalyticsConfig analytics.DataCollectorConfig
	LogConfig       logger.Config
}

type RedisStorageConfig struct {
	Addrs     []string
	Namespace string
	Password  string
	PoolSize  int
}

type PostgresStorageConfig struct {
	DSN      string
	MaxConns int32
	// AutoMigrate applies pending migrations when the agent starts.
	AutoMigrate bool
}

type EngineConfig struct {
	Workers            int
	QueueCapacity      int
	PartitionCount     int
	StepTimeout        time.Duration
	StaleRunGrace      time.Duration
	TimerPollInterval  time.Duration
	TimerBatchSize     int
	RecoveryInterval   time.Duration
	ArchiveAfter       time.Duration
	ArchiveInterval    time.Duration
	HealthInterval     time.Duration
	DefaultMaxAttempts int
	BackoffBase        time.Duration
	BackoffMax         time.Duration
	CacheTTL           time.Duration
}

type AuthConfig struct {
	SigningKey          string
	SigningKeyFallback  string
	InternalTokenSecret string
	SignatureTolerance  time.Duration
	ResumeTokenTTL      time.Duration
}

type SchedulerConfig struct {
	Mode      SchedulerMode
	ResumeURL string
	Timeout   time.Duration
}

type HostConfig struct {
	BaseURL          string
	Timeout          time.Duration
	ConfirmationWait time.Duration
}

func Default() Config {
	return Config{
		HttpPort:    8080,
		GrpcPort:    8099,
		StorageType: STORAGE_TYPE_REDIS,
		RedisConfig: RedisStorageConfig{
			Addrs:     []string{"localhost:6379"},
			Namespace: "orchy",
		},
		EngineConfig: EngineConfig{
			Workers:            8,
			QueueCapacity:      1024,
			PartitionCount:     271,
			StepTimeout:        5 * time.Minute,
			StaleRunGrace:      10 * time.Minute,
			TimerPollInterval:  time.Second,
			TimerBatchSize:     100,
			RecoveryInterval:   time.Minute,
			ArchiveAfter:       30 * 24 * time.Hour,
			ArchiveInterval:    time.Hour,
			HealthInterval:     10 * time.Second,
			DefaultMaxAttempts: 3,
			BackoffBase:        2 * time.Second,
			BackoffMax:         5 * time.Minute,
			CacheTTL:           10 * time.Minute,
		},
		AuthConfig: AuthConfig{
			SignatureTolerance: 5 * time.Minute,
			ResumeTokenTTL:     time.Minute,
		},
		SchedulerConfig: SchedulerConfig{
			Mode:    SCHEDULER_MODE_LOCAL,
			Timeout: 10 * time.Second,
		},
		HostConfig: HostConfig{
			Timeout:          30 * time.Second,
			ConfirmationWait: 120 * time.Second,
		},
		AnalyticsConfig: analytics.DataCollectorConfig{
			CollectorType: analytics.NOOP_DATA_COLLECTOR,
		},
		LogConfig: logger.Config{Level: "info", Format: "json"},
	}
}

func (c Config) Validate() error {
	var errs []error
	switch c.StorageType {
	case STORAGE_TYPE_INMEM:
	case STORAGE_TYPE_REDIS:
		if len(c.RedisConfig.Addrs) == 0 {
			errs = append(errs, errors.New("redis storage needs at least one address"))
		}
	case STORAGE_TYPE_POSTGRES:
		if c.PostgresConfig.DSN == "" {
			errs = append(errs, errors.New("postgres storage needs a dsn"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage type %q", c.StorageType))
	}
	switch c.SchedulerConfig.Mode {
	case SCHEDULER_MODE_LOCAL:
	case SCHEDULER_MODE_REMOTE:
		if c.SchedulerConfig.ResumeURL == "" {
			errs = append(errs, errors.New("remote scheduler needs a resume url"))
		}
		if c.AuthConfig.InternalTokenSecret == "" {
			errs = append(errs, errors.New("remote scheduler needs an internal token secret"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown scheduler mode %q", c.SchedulerConfig.Mode))
	}
	if c.AuthConfig.SigningKey == "" {
		errs = append(errs, errors.New("trigger signing key is required"))
	}
	if c.HostConfig.BaseURL == "" {
		errs = append(errs, errors.New("host base url is required"))
	}
	if c.EngineConfig.StaleRunGrace <= c.EngineConfig.StepTimeout {
		errs = append(errs, fmt.Errorf("stale run grace %s must exceed step timeout %s", c.EngineConfig.StaleRunGrace, c.EngineConfig.StepTimeout))
	}
	return errors.Join(errs...)
}
