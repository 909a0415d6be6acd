package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/harun/agentjobs/pkg/store"
	"github.com/spf13/cobra"
)

var deliveriesCmd = &cobra.Command{
	Use:   "deliveries",
	Short: "Inspect webhook deliveries",
}

var deliveriesShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show the webhook deliveries of a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runDeliveriesShow,
}

func init() {
	deliveriesShowCmd.Flags().StringVar(&tenantID, "tenant", "", "tenant id (required)")
	_ = deliveriesShowCmd.MarkFlagRequired("tenant")

	deliveriesCmd.AddCommand(deliveriesShowCmd)
	rootCmd.AddCommand(deliveriesCmd)
}

func runDeliveriesShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := context.Background()
	var deliveries []store.WebhookDelivery
	err = st.WithTenant(ctx, tenantID, func(tx *store.Tx) error {
		if _, err := tx.GetJob(ctx, args[0]); err != nil {
			return err
		}
		var err error
		deliveries, err = tx.ListDeliveries(ctx, args[0])
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("job %s not found for tenant %s", args[0], tenantID)
	}
	if err != nil {
		return err
	}

	fmt.Fprint(cmd.OutOrStdout(), renderDeliveries(args[0], deliveries))
	return nil
}
