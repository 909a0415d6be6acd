package cli

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/harun/agentjobs/internal/daemon"
	"github.com/harun/agentjobs/pkg/taskqueue"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon and queue status",
	Long:  `Show whether the agentjobs daemon is running and the task counts of each queue lane.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	pidFile := daemon.PIDFile(cfg.DataDir)
	pid, err := daemon.ReadPID(pidFile)
	if err != nil || !daemon.ProcessAlive(pid) {
		fmt.Fprintln(out, label("Status")+" "+statusPending.Render("stopped"))
	} else {
		fmt.Fprintln(out, label("Status")+" "+statusDone.Render("running"))
		fmt.Fprintf(out, "%s %d\n", label("PID"), pid)
		if info, err := os.Stat(pidFile); err == nil {
			fmt.Fprintf(out, "%s %s\n", label("Uptime"), formatDuration(time.Since(info.ModTime())))
		}
	}

	if _, err := os.Stat(cfg.Storage.Path); err != nil {
		return nil
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	queue, err := taskqueue.New(taskqueue.Config{DB: st.DB(), Logger: zerolog.Nop()})
	if err != nil {
		return err
	}
	stats, err := queue.Stats(cmd.Context())
	if err != nil {
		return err
	}

	lanes := make([]string, 0, len(stats))
	for lane := range stats {
		lanes = append(lanes, lane)
	}
	sort.Strings(lanes)

	fmt.Fprintln(out)
	fmt.Fprintln(out, titleStyle.Render("Queue"))
	for _, lane := range lanes {
		counts := stats[lane]
		fmt.Fprintf(out, "  %-16s pending=%d running=%d done=%d dead=%d\n", lane,
			counts[taskqueue.StatusPending], counts[taskqueue.StatusRunning],
			counts[taskqueue.StatusDone], counts[taskqueue.StatusDead])
	}
	return nil
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
