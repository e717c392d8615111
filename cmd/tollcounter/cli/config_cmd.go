package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tollcounter/tollcounter/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage Tollcounter configuration",
		Long:  "Initialize a default configuration file or display the current effective configuration.",
	}

	cmd.AddCommand(newConfigInitCmd())
	cmd.AddCommand(newConfigShowCmd())

	return cmd
}

// ---------- config init ----------

func newConfigInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a default tollcounter.yaml configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigInit(force)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite existing config file")

	return cmd
}

const defaultConfig = `# Tollcounter Configuration

server:
  host: 0.0.0.0
  port: 8080
  cors_origins:
    - "*"

# Backend the gateway proxies authenticated requests to
upstream: ""  # e.g. http://localhost:9000

# Gateway store. Empty uses embedded SQLite in the data directory;
# a postgres:// URL selects an external Postgres database.
db: ""

# Authentication
auth:
  signing_secret: ""  # Set via TOLLCOUNTER_AUTH_SIGNING_SECRET env var;
                      # generated and persisted on first serve if empty
  api_key_header: X-API-Key

# Rate limiting (fixed windows per client, plus a per-IP flood backstop)
rate_limit:
  general:
    window_ms: 60000
    max_requests: 100
  admin:
    window_ms: 60000
    max_requests: 20
  flood_per_minute: 600

# Usage metering (asynchronous, off the response path)
metering:
  queue_size: 1024
  workers: 2

# Logging
log:
  level: info    # debug, info, warn, error
  format: text   # text or json
`

func runConfigInit(force bool) error {
	path := "tollcounter.yaml"

	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
	}

	if err := os.WriteFile(path, []byte(defaultConfig), 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	fmt.Printf("Created %s\n", path)
	fmt.Println("Edit the file to point at your backend, then run 'tollcounter serve'.")
	return nil
}

// ---------- config show ----------

func newConfigShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the current effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigShow()
		},
	}

	return cmd
}

func runConfigShow() error {
	initConfig()

	configFile := viper.ConfigFileUsed()
	if configFile != "" {
		fmt.Printf("Config file: %s\n", configFile)
	} else {
		fmt.Println("Config file: (none found, using defaults)")
	}
	fmt.Println()

	// Render the effective configuration as the same YAML shape that
	// config init writes, secrets redacted.
	cfg := effectiveConfig()
	if cfg.Auth.SigningSecret != "" {
		cfg.Auth.SigningSecret = "(set)"
	}

	out, err := config.RenderYAML(cfg)
	if err != nil {
		return err
	}
	fmt.Print(out)
	return nil
}

// effectiveConfig collapses viper's layered settings (file, env, defaults)
// into one YAMLConfig.
func effectiveConfig() *config.YAMLConfig {
	cfg := &config.YAMLConfig{}

	cfg.Server.Host = viper.GetString("server.host")
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	cfg.Server.Port = viper.GetInt("server.port")
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	cfg.Server.CORSOrigins = viper.GetStringSlice("server.cors_origins")

	cfg.Auth.SigningSecret = viper.GetString("auth.signing_secret")
	cfg.Auth.KeyHeader = viper.GetString("auth.api_key_header")
	if cfg.Auth.KeyHeader == "" {
		cfg.Auth.KeyHeader = "X-API-Key"
	}

	cfg.RateLimit.General.WindowMs = viper.GetInt("rate_limit.general.window_ms")
	cfg.RateLimit.General.MaxRequests = viper.GetInt("rate_limit.general.max_requests")
	cfg.RateLimit.Admin.WindowMs = viper.GetInt("rate_limit.admin.window_ms")
	cfg.RateLimit.Admin.MaxRequests = viper.GetInt("rate_limit.admin.max_requests")
	cfg.RateLimit.FloodPerMinute = viper.GetInt("rate_limit.flood_per_minute")

	cfg.Metering.QueueSize = viper.GetInt("metering.queue_size")
	cfg.Metering.Workers = viper.GetInt("metering.workers")

	cfg.Logging.Level = viper.GetString("log.level")
	cfg.Logging.Format = viper.GetString("log.format")

	return cfg
}
