package cli

import (
	"fmt"
	"strings"

	"github.com/harun/agentjobs/pkg/packs"
	"github.com/spf13/cobra"
)

var packsCmd = &cobra.Command{
	Use:   "packs",
	Short: "List the agent packs and their agents",
	Args:  cobra.NoArgs,
	RunE:  runPacks,
}

func init() {
	rootCmd.AddCommand(packsCmd)
}

func runPacks(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	definitions := &packs.File{}
	if !cfg.Packs.DisableBuiltin {
		if definitions, err = packs.Builtin(); err != nil {
			return err
		}
	}
	if cfg.Packs.File != "" {
		extra, err := packs.LoadFile(cfg.Packs.File)
		if err != nil {
			return err
		}
		definitions = definitions.Merge(extra)
	}

	out := cmd.OutOrStdout()
	for _, pack := range definitions.Packs {
		fmt.Fprintln(out, titleStyle.Render(pack.Name))
		for _, agent := range pack.Agents {
			fmt.Fprintf(out, "  %-22s %s\n", agent.Name, agent.Description)
			if len(agent.Tools) > 0 {
				fmt.Fprintf(out, "  %-22s %s\n", "", dimStyle.Render("tools: "+strings.Join(agent.Tools, ", ")))
			}
		}
	}
	return nil
}
