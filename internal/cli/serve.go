package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/harun/agentjobs/internal/daemon"
	"github.com/harun/agentjobs/internal/logger"
	"github.com/spf13/cobra"
)

var noWatch bool

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"start"},
	Short:   "Run the gateway and job workers",
	Long: `Run the agentjobs daemon in the foreground: the HTTP gateway, the job and
webhook workers and the lease recovery sweeper. SIGINT or SIGTERM stops it
gracefully, handing in-flight tasks back to the queue.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&noWatch, "no-watch", false, "do not reload settings when the config file changes")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	var opts []daemon.Option
	if !noWatch {
		opts = append(opts, daemon.WithConfigWatch(configLoader()))
	}
	d, err := daemon.New(cfg, log, opts...)
	if err != nil {
		return err
	}
	if err := d.Start(); err != nil {
		d.Close()
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Shutdown requested")
	return d.Stop()
}
