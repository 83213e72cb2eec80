package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pentestexpress/scanpipe/internal/config"
	"github.com/pentestexpress/scanpipe/internal/logger"
)

var (
	cfg *config.Config
	log *logger.Logger
)

var rootCmd = &cobra.Command{
	Use:   "scanpipe",
	Short: "Automated external security reconnaissance pipeline",
	Long: `Scanpipe runs a six stage reconnaissance pipeline against a single
target domain:

  1. discover         - subdomain enumeration (subfinder, amass)
  2. fingerprint      - HTTP service fingerprinting (httpx)
  3. vuln_scan        - template based vulnerability scanning (nuclei)
  4. tls_scan         - TLS configuration analysis (testssl.sh)
  5. leak_check       - credential exposure lookups
  6. typosquat_check  - registered lookalike domain detection (dnstwist)

Missing tools never abort a scan: each stage degrades to a built-in
fallback and the report marks what was degraded.

COMMANDS:
  scanpipe scan <domain>     - Run the full pipeline once, in process
  scanpipe serve             - Start the HTTP API and worker pool
  scanpipe workers start     - Start a standalone worker pool
  scanpipe version           - Print version information`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := initConfig(); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		var err error
		log, err = logger.New(cfg.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if log != nil {
			// Sync errors from stdout/stderr are expected on Linux.
			if err := log.Sync(); err != nil &&
				err.Error() != "sync /dev/stdout: invalid argument" &&
				err.Error() != "sync /dev/stderr: invalid argument" {
				fmt.Fprintf(os.Stderr, "Warning: failed to sync logger: %v\n", err)
			}
		}
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "console", "log format (json, console)")
	viper.BindPFlag("logger.level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("logger.format", rootCmd.PersistentFlags().Lookup("log-format"))
	viper.BindEnv("logger.level", "SCANPIPE_LOG_LEVEL")
	viper.BindEnv("logger.format", "SCANPIPE_LOG_FORMAT")

	rootCmd.PersistentFlags().String("db-driver", "postgres", "result store driver (postgres, sqlite)")
	rootCmd.PersistentFlags().String("db-dsn", "", "result store connection string")
	viper.BindPFlag("database.driver", rootCmd.PersistentFlags().Lookup("db-driver"))
	viper.BindPFlag("database.dsn", rootCmd.PersistentFlags().Lookup("db-dsn"))
	viper.BindEnv("database.dsn", "SCANPIPE_DATABASE_DSN", "DATABASE_URL")

	rootCmd.PersistentFlags().String("redis-addr", "localhost:6379", "Redis server address")
	rootCmd.PersistentFlags().String("redis-password", "", "Redis password")
	viper.BindPFlag("redis.addr", rootCmd.PersistentFlags().Lookup("redis-addr"))
	viper.BindPFlag("redis.password", rootCmd.PersistentFlags().Lookup("redis-password"))
	viper.BindEnv("redis.addr", "SCANPIPE_REDIS_ADDR", "REDIS_URL")
	viper.BindEnv("redis.password", "SCANPIPE_REDIS_PASSWORD")

	rootCmd.PersistentFlags().Int("workers", 3, "Number of pipeline workers")
	viper.BindPFlag("worker.count", rootCmd.PersistentFlags().Lookup("workers"))
	viper.BindEnv("worker.count", "SCANPIPE_WORKERS")

	rootCmd.PersistentFlags().String("workspace-root", "", "Root directory for per-job workspaces (default: system temp)")
	viper.BindPFlag("workspace.root", rootCmd.PersistentFlags().Lookup("workspace-root"))

	rootCmd.PersistentFlags().String("report-dir", "", "Output directory for reports")
	viper.BindPFlag("report.output_directory", rootCmd.PersistentFlags().Lookup("report-dir"))

	// API keys come from the environment only, never from flags.
	viper.BindEnv("tools.leaks.api_key", "SCANPIPE_HIBP_API_KEY", "HIBP_API_KEY")
	viper.BindEnv("notify.api_key", "SCANPIPE_MAILER_API_KEY")

	bindDefaults()
}

// bindDefaults mirrors config.DefaultConfig into viper so flags and env
// vars override a complete configuration rather than zero values.
func bindDefaults() {
	def := config.DefaultConfig()

	viper.SetDefault("logger.output_paths", def.Logger.OutputPaths)

	viper.SetDefault("database.dsn", def.Database.DSN)
	viper.SetDefault("database.max_connections", def.Database.MaxConnections)
	viper.SetDefault("database.max_idle_conns", def.Database.MaxIdleConns)
	viper.SetDefault("database.conn_max_lifetime", def.Database.ConnMaxLifetime)
	viper.SetDefault("database.retention", def.Database.Retention)

	viper.SetDefault("redis.db", def.Redis.DB)
	viper.SetDefault("redis.max_retries", def.Redis.MaxRetries)
	viper.SetDefault("redis.dial_timeout", def.Redis.DialTimeout)
	viper.SetDefault("redis.read_timeout", def.Redis.ReadTimeout)
	viper.SetDefault("redis.write_timeout", def.Redis.WriteTimeout)

	viper.SetDefault("worker.queue_poll_interval", def.Worker.QueuePollInterval)
	viper.SetDefault("worker.max_retries", def.Worker.MaxRetries)
	viper.SetDefault("worker.job_timeout", def.Worker.JobTimeout)

	viper.SetDefault("telemetry.enabled", def.Telemetry.Enabled)
	viper.SetDefault("telemetry.service_name", def.Telemetry.ServiceName)
	viper.SetDefault("telemetry.exporter_type", def.Telemetry.ExporterType)
	viper.SetDefault("telemetry.endpoint", def.Telemetry.Endpoint)
	viper.SetDefault("telemetry.sample_rate", def.Telemetry.SampleRate)

	viper.SetDefault("workspace.retain_on_failure", def.Workspace.RetainOnFailure)

	viper.SetDefault("tools.subfinder.binary_path", def.Tools.Subfinder.BinaryPath)
	viper.SetDefault("tools.subfinder.timeout", def.Tools.Subfinder.Timeout)
	viper.SetDefault("tools.subfinder.retries", def.Tools.Subfinder.Retries)
	viper.SetDefault("tools.amass.binary_path", def.Tools.Amass.BinaryPath)
	viper.SetDefault("tools.amass.timeout", def.Tools.Amass.Timeout)
	viper.SetDefault("tools.amass.enabled", def.Tools.Amass.Enabled)
	viper.SetDefault("tools.httpx.binary_path", def.Tools.HTTPX.BinaryPath)
	viper.SetDefault("tools.httpx.timeout", def.Tools.HTTPX.Timeout)
	viper.SetDefault("tools.httpx.retries", def.Tools.HTTPX.Retries)
	viper.SetDefault("tools.httpx.threads", def.Tools.HTTPX.Threads)
	viper.SetDefault("tools.nuclei.binary_path", def.Tools.Nuclei.BinaryPath)
	viper.SetDefault("tools.nuclei.timeout", def.Tools.Nuclei.Timeout)
	viper.SetDefault("tools.nuclei.retries", def.Tools.Nuclei.Retries)
	viper.SetDefault("tools.nuclei.severities", def.Tools.Nuclei.Severities)
	viper.SetDefault("tools.nuclei.rate_limit", def.Tools.Nuclei.RateLimit)
	viper.SetDefault("tools.testssl.binary_path", def.Tools.TestSSL.BinaryPath)
	viper.SetDefault("tools.testssl.timeout", def.Tools.TestSSL.Timeout)
	viper.SetDefault("tools.testssl.retries", def.Tools.TestSSL.Retries)
	viper.SetDefault("tools.testssl.probe_timeout", def.Tools.TestSSL.ProbeTimeout)
	viper.SetDefault("tools.leaks.api_base_url", def.Tools.Leaks.APIBaseURL)
	viper.SetDefault("tools.leaks.timeout", def.Tools.Leaks.Timeout)
	viper.SetDefault("tools.leaks.requests_per_second", def.Tools.Leaks.RequestsPerSecond)
	viper.SetDefault("tools.leaks.addresses", def.Tools.Leaks.Addresses)
	viper.SetDefault("tools.dnstwist.binary_path", def.Tools.DNSTwist.BinaryPath)
	viper.SetDefault("tools.dnstwist.timeout", def.Tools.DNSTwist.Timeout)
	viper.SetDefault("tools.dnstwist.retries", def.Tools.DNSTwist.Retries)
	viper.SetDefault("tools.dnstwist.resolve_timeout", def.Tools.DNSTwist.ResolveTimeout)
	viper.SetDefault("tools.dnstwist.max_whois_lookups", def.Tools.DNSTwist.MaxWhoisLookups)
	viper.SetDefault("tools.dnstwist.resolver", def.Tools.DNSTwist.Resolver)

	viper.SetDefault("report.output_directory", def.Report.OutputDirectory)

	viper.SetDefault("notify.api_base_url", def.Notify.APIBaseURL)
	viper.SetDefault("notify.from_address", def.Notify.FromAddress)
	viper.SetDefault("notify.from_name", def.Notify.FromName)
	viper.SetDefault("notify.timeout", def.Notify.Timeout)
	viper.SetDefault("notify.max_retries", def.Notify.MaxRetries)

	viper.SetDefault("api.addr", def.API.Addr)
	viper.SetDefault("api.stream_poll_interval", def.API.StreamPollInterval)
}

func initConfig() error {
	// Configuration comes from flags and environment variables only.
	viper.SetEnvPrefix("SCANPIPE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	cfg = &config.Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return nil
}
