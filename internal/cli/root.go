package cli

import (
	"fmt"

	"github.com/harun/agentjobs/internal/config"
	"github.com/harun/agentjobs/internal/logger"
	"github.com/harun/agentjobs/pkg/store"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

const version = "0.1.0"

var (
	cfgFile  string
	envFile  string
	logLevel string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "agentjobs",
	Short: "agentjobs - asynchronous agent job service",
	Long: `agentjobs runs LLM agents as durable background jobs.
Jobs are submitted over HTTP or from the shell, executed by a worker pool with
retries, streamed live over websockets and reported to tenant webhooks.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.agentjobs/agentjobs.json)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override (debug, info, warn, error)")

	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)
}

// GetRootCmd returns the root command for testing
func GetRootCmd() *cobra.Command {
	return rootCmd
}

// GetVersion returns the current version
func GetVersion() string {
	return version
}

func configLoader() *config.Loader {
	return config.NewLoader(cfgFile).WithEnvFile(envFile)
}

// loadConfig loads the config and applies the --log-level override.
func loadConfig() (*config.Config, error) {
	cfg, err := configLoader().Load()
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

// quietLogger is used by short-lived commands; only warnings reach stderr.
func quietLogger(cfg *config.Config) (*logger.Logger, error) {
	logCfg := cfg.Logging
	logCfg.File = ""
	logCfg.Console = false
	if logLevel == "" {
		logCfg.Level = "warn"
	}
	return logger.New(logCfg)
}

func openStore(cfg *config.Config) (*store.Store, error) {
	st, err := store.Open(store.Config{
		Path:        cfg.Storage.Path,
		Driver:      cfg.Storage.Driver,
		BusyTimeout: cfg.Storage.BusyTimeout,
		Logger:      zerolog.Nop(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	return st, nil
}
