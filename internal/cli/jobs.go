package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/harun/agentjobs/pkg/store"
	"github.com/spf13/cobra"
)

var (
	tenantID  string
	jobsLimit int
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect agent jobs",
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show a job's status and event timeline",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsShow,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the most recent jobs of a tenant",
	Args:  cobra.NoArgs,
	RunE:  runJobsList,
}

func init() {
	jobsCmd.PersistentFlags().StringVar(&tenantID, "tenant", "", "tenant id (required)")
	_ = jobsCmd.MarkPersistentFlagRequired("tenant")
	jobsListCmd.Flags().IntVar(&jobsLimit, "limit", 20, "maximum number of jobs")

	jobsCmd.AddCommand(jobsShowCmd, jobsListCmd)
	rootCmd.AddCommand(jobsCmd)
}

func runJobsShow(cmd *cobra.Command, args []string) error {
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
	var (
		job *store.Job
		evs []store.Event
	)
	err = st.WithTenant(ctx, tenantID, func(tx *store.Tx) error {
		var err error
		if job, err = tx.GetJob(ctx, args[0]); err != nil {
			return err
		}
		evs, err = tx.ListEvents(ctx, job.ID)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("job %s not found for tenant %s", args[0], tenantID)
	}
	if err != nil {
		return err
	}

	fmt.Fprint(cmd.OutOrStdout(), renderJob(job, evs))
	return nil
}

func runJobsList(cmd *cobra.Command, args []string) error {
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
	var jobs []store.Job
	err = st.WithTenant(ctx, tenantID, func(tx *store.Tx) error {
		var err error
		jobs, err = tx.ListJobs(ctx, jobsLimit)
		return err
	})
	if err != nil {
		return err
	}

	fmt.Fprint(cmd.OutOrStdout(), renderJobList(jobs))
	return nil
}
