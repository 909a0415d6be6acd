package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/harun/agentjobs/internal/daemon"
	"github.com/harun/agentjobs/pkg/orchestrator"
	"github.com/spf13/cobra"
)

var (
	submitTenant  string
	submitInput   string
	submitWebhook string
)

var submitCmd = &cobra.Command{
	Use:   "submit <pack> <agent>",
	Short: "Queue an agent job",
	Long: `Queue an agent job in the local store. A running daemon using the same
store picks it up. --input takes a JSON object, or @file to read one.`,
	Args: cobra.ExactArgs(2),
	RunE: runSubmit,
}

func init() {
	submitCmd.Flags().StringVar(&submitTenant, "tenant", "", "tenant id (required)")
	submitCmd.Flags().StringVar(&submitInput, "input", "{}", "job input as a JSON object or @path")
	submitCmd.Flags().StringVar(&submitWebhook, "webhook", "", "URL notified when the job finishes")
	_ = submitCmd.MarkFlagRequired("tenant")
	rootCmd.AddCommand(submitCmd)
}

func parseInput(raw string) (map[string]any, error) {
	if strings.HasPrefix(raw, "@") {
		data, err := os.ReadFile(strings.TrimPrefix(raw, "@"))
		if err != nil {
			return nil, fmt.Errorf("failed to read input: %w", err)
		}
		raw = string(data)
	}
	var input map[string]any
	if err := json.Unmarshal([]byte(raw), &input); err != nil {
		return nil, fmt.Errorf("input must be a JSON object: %w", err)
	}
	return input, nil
}

func runSubmit(cmd *cobra.Command, args []string) error {
	input, err := parseInput(submitInput)
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	log, err := quietLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Close()

	d, err := daemon.New(cfg, log)
	if err != nil {
		return err
	}
	defer d.Close()

	job, err := d.GetOrchestrator().Submit(context.Background(), orchestrator.Submission{
		TenantID:   submitTenant,
		Pack:       args[0],
		Agent:      args[1],
		Input:      input,
		WebhookURL: submitWebhook,
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", job.ID, formatStatus(string(job.Status)))
	return nil
}
