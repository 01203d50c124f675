package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tidewater-os/abctl/pkg/errors"
	"github.com/tidewater-os/abctl/pkg/history"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent install and update attempts",
	Args:  cobra.NoArgs,
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Maximum number of attempts to show")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.JournalPath == "" {
		return errors.E(errors.KindNotFound, "no journal configured")
	}

	j, err := history.Open(cfg.JournalPath)
	if err != nil {
		return err
	}
	defer j.Close()

	attempts, err := j.Recent(historyLimit)
	if err != nil {
		return err
	}
	if len(attempts) == 0 {
		fmt.Println("No attempts recorded.")
		return nil
	}

	fmt.Printf("%-5s %-20s %-9s %-10s %-6s %-38s %s\n",
		"ID", "STARTED", "OP", "STATUS", "SLOT", "TO", "DETAIL")
	for _, a := range attempts {
		fmt.Printf("%-5d %-20s %-9s %-10s %-6s %-38s %s\n",
			a.ID, a.StartedAt, a.Operation, a.Status, a.TargetSlot, a.ToUUID, a.Detail)
	}
	return nil
}
