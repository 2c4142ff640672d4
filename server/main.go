package main

import (
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/TriviaNFT/triviaNFT-sub002/agent"
	"github.com/TriviaNFT/triviaNFT-sub002/analytics"
	"github.com/TriviaNFT/triviaNFT-sub002/config"
	"github.com/TriviaNFT/triviaNFT-sub002/persistence/postgres"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type cfg struct {
	config.Config
}
type cli struct {
	cfg cfg
}

func setupFlags(cmd *cobra.Command) error {
	def := config.Default()
	flags := cmd.PersistentFlags()
	flags.String("config-file", "", "Path to config file.")
	flags.String("storage-impl", string(def.StorageType), "implementation of underline storage: redis, postgres or memory")
	flags.String("redis-addr", strings.Join(def.RedisConfig.Addrs, ","), "comma separated list of redis host:port")
	flags.String("redis-password", "", "redis password")
	flags.Int("redis-pool-size", 0, "redis connection pool size, 0 uses the client default")
	flags.String("namespace", def.RedisConfig.Namespace, "namespace used in storage")
	flags.String("postgres-dsn", "", "postgres connection url")
	flags.Int32("postgres-max-conns", 0, "postgres pool size, 0 uses the driver default")
	flags.Bool("auto-migrate", false, "apply postgres migrations on startup")

	cmd.Flags().Int("http-port", def.HttpPort, "http port for rest endpoints")
	cmd.Flags().Int("grpc-port", def.GrpcPort, "grpc port for the admin service")
	cmd.Flags().Int("workers", def.EngineConfig.Workers, "number of dispatcher workers")
	cmd.Flags().Int("queue-capacity", def.EngineConfig.QueueCapacity, "work queue capacity per worker")
	cmd.Flags().Int("partition-count", def.EngineConfig.PartitionCount, "partitions of the dispatch ring")
	cmd.Flags().Duration("step-timeout", def.EngineConfig.StepTimeout, "timeout of one step attempt")
	cmd.Flags().Duration("stale-run-grace", def.EngineConfig.StaleRunGrace, "age after which a running run is recovered")
	cmd.Flags().Duration("timer-poll-interval", def.EngineConfig.TimerPollInterval, "interval between due timer polls")
	cmd.Flags().Int("timer-batch-size", def.EngineConfig.TimerBatchSize, "max timers fired per poll")
	cmd.Flags().Duration("recovery-interval", def.EngineConfig.RecoveryInterval, "interval between recovery sweeps")
	cmd.Flags().Duration("archive-after", def.EngineConfig.ArchiveAfter, "age after which finished runs are archived")
	cmd.Flags().Duration("archive-interval", def.EngineConfig.ArchiveInterval, "interval between archive sweeps")
	cmd.Flags().Duration("health-interval", def.EngineConfig.HealthInterval, "interval between storage health checks")
	cmd.Flags().Int("max-attempts", def.EngineConfig.DefaultMaxAttempts, "default attempts per step")
	cmd.Flags().Duration("backoff-base", def.EngineConfig.BackoffBase, "first retry delay")
	cmd.Flags().Duration("backoff-max", def.EngineConfig.BackoffMax, "retry delay cap")
	cmd.Flags().Duration("cache-ttl", def.EngineConfig.CacheTTL, "ttl of cached terminal runs")
	cmd.Flags().String("signing-key", "", "key used to verify trigger signatures and sign host calls")
	cmd.Flags().String("signing-key-fallback", "", "previous signing key accepted during rotation")
	cmd.Flags().String("internal-token-secret", "", "secret of resume callback tokens")
	cmd.Flags().Duration("signature-tolerance", def.AuthConfig.SignatureTolerance, "accepted clock skew of signed triggers")
	cmd.Flags().Duration("resume-token-ttl", def.AuthConfig.ResumeTokenTTL, "lifetime of resume callback tokens")
	cmd.Flags().String("scheduler-mode", string(def.SchedulerConfig.Mode), "how fired timers resume runs: local or remote")
	cmd.Flags().String("resume-url", "", "resume endpoint used by the remote scheduler")
	cmd.Flags().Duration("scheduler-timeout", def.SchedulerConfig.Timeout, "timeout of a remote resume callback")
	cmd.Flags().String("host-url", "", "base url of the host application")
	cmd.Flags().Duration("host-timeout", def.HostConfig.Timeout, "timeout of a host call")
	cmd.Flags().Duration("confirmation-wait", def.HostConfig.ConfirmationWait, "sleep before checking a transaction")
	cmd.Flags().String("analytics-collector", string(def.AnalyticsConfig.CollectorType), "step metrics collector")
	cmd.Flags().String("analytics-file", "", "file of the log file collector")
	cmd.Flags().String("statsd-addr", "", "address of the statsd collector")
	cmd.Flags().String("log-level", def.LogConfig.Level, "log level")
	cmd.Flags().String("log-format", def.LogConfig.Format, "log format: json or console")

	viper.SetEnvPrefix("ORCHY")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	if err := viper.BindPFlags(flags); err != nil {
		return err
	}
	return viper.BindPFlags(cmd.Flags())
}

func readConfigFile(cmd *cobra.Command) error {
	configFile, err := cmd.Flags().GetString("config-file")
	if err != nil {
		return err
	}
	if configFile == "" {
		return nil
	}
	viper.SetConfigFile(configFile)
	if err = viper.ReadInConfig(); err != nil {
		// it's ok if config file doesn't exist
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return err
		}
	}
	return nil
}

func (c *cli) setupConfig(cmd *cobra.Command, args []string) error {
	if err := readConfigFile(cmd); err != nil {
		return err
	}
	c.cfg.Config = config.Default()
	c.cfg.StorageType = config.StorageType(viper.GetString("storage-impl"))
	c.cfg.RedisConfig.Addrs = strings.Split(viper.GetString("redis-addr"), ",")
	c.cfg.RedisConfig.Password = viper.GetString("redis-password")
	c.cfg.RedisConfig.PoolSize = viper.GetInt("redis-pool-size")
	c.cfg.RedisConfig.Namespace = viper.GetString("namespace")
	c.cfg.PostgresConfig.DSN = viper.GetString("postgres-dsn")
	c.cfg.PostgresConfig.MaxConns = viper.GetInt32("postgres-max-conns")
	c.cfg.PostgresConfig.AutoMigrate = viper.GetBool("auto-migrate")

	c.cfg.HttpPort = viper.GetInt("http-port")
	c.cfg.GrpcPort = viper.GetInt("grpc-port")

	ec := &c.cfg.EngineConfig
	ec.Workers = viper.GetInt("workers")
	ec.QueueCapacity = viper.GetInt("queue-capacity")
	ec.PartitionCount = viper.GetInt("partition-count")
	ec.StepTimeout = viper.GetDuration("step-timeout")
	ec.StaleRunGrace = viper.GetDuration("stale-run-grace")
	ec.TimerPollInterval = viper.GetDuration("timer-poll-interval")
	ec.TimerBatchSize = viper.GetInt("timer-batch-size")
	ec.RecoveryInterval = viper.GetDuration("recovery-interval")
	ec.ArchiveAfter = viper.GetDuration("archive-after")
	ec.ArchiveInterval = viper.GetDuration("archive-interval")
	ec.HealthInterval = viper.GetDuration("health-interval")
	ec.DefaultMaxAttempts = viper.GetInt("max-attempts")
	ec.BackoffBase = viper.GetDuration("backoff-base")
	ec.BackoffMax = viper.GetDuration("backoff-max")
	ec.CacheTTL = viper.GetDuration("cache-ttl")

	c.cfg.AuthConfig = config.AuthConfig{
		SigningKey:          viper.GetString("signing-key"),
		SigningKeyFallback:  viper.GetString("signing-key-fallback"),
		InternalTokenSecret: viper.GetString("internal-token-secret"),
		SignatureTolerance:  viper.GetDuration("signature-tolerance"),
		ResumeTokenTTL:      viper.GetDuration("resume-token-ttl"),
	}
	c.cfg.SchedulerConfig = config.SchedulerConfig{
		Mode:      config.SchedulerMode(viper.GetString("scheduler-mode")),
		ResumeURL: viper.GetString("resume-url"),
		Timeout:   viper.GetDuration("scheduler-timeout"),
	}
	c.cfg.HostConfig = config.HostConfig{
		BaseURL:          viper.GetString("host-url"),
		Timeout:          viper.GetDuration("host-timeout"),
		ConfirmationWait: viper.GetDuration("confirmation-wait"),
	}
	c.cfg.AnalyticsConfig = analytics.DataCollectorConfig{
		CollectorType: analytics.DataCollectorType(viper.GetString("analytics-collector")),
		FileName:      viper.GetString("analytics-file"),
		StatsdAddr:    viper.GetString("statsd-addr"),
	}
	c.cfg.LogConfig.Level = viper.GetString("log-level")
	c.cfg.LogConfig.Format = viper.GetString("log-format")
	return nil
}

func (c *cli) run(cmd *cobra.Command, args []string) error {
	agent, err := agent.New(c.cfg.Config)
	if err != nil {
		return err
	}
	if err = agent.Start(); err != nil {
		_ = agent.Shutdown()
		return err
	}
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc
	return agent.Shutdown()
}

func (c *cli) migrate(cmd *cobra.Command, args []string) error {
	if err := readConfigFile(cmd); err != nil {
		return err
	}
	dsn := viper.GetString("postgres-dsn")
	if dsn == "" {
		return cmd.Usage()
	}
	down, err := cmd.Flags().GetInt("down")
	if err != nil {
		return err
	}
	if down > 0 {
		return postgres.MigrateDown(dsn, down)
	}
	return postgres.Migrate(dsn)
}

func main() {
	cli := &cli{}

	cmd := &cobra.Command{
		Use:          "orchy-nft",
		Short:        "durable mint and forge workflows",
		PreRunE:      cli.setupConfig,
		RunE:         cli.run,
		SilenceUsage: true,
	}
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "apply postgres schema migrations",
		RunE:  cli.migrate,
	}
	migrateCmd.Flags().Int("down", 0, "roll back this many migrations instead")
	cmd.AddCommand(migrateCmd)

	if err := setupFlags(cmd); err != nil {
		log.Fatal(err)
	}

	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
