package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/tidewater-os/abctl/pkg/engine"
)

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Check the store for a new version and install it into the inactive slot",
	Long: `Waits for the network, compares the published descriptor against
the running version, and when they differ streams the new image into
the inactive slot, verifies it, and arms a boot-try fallback. Reboots
into the new version unless --reboot=false.`,
	Args: cobra.NoArgs,
	RunE: runUpdate,
}

func init() {
	rootCmd.AddCommand(updateCmd)
}

func runUpdate(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	eng := engine.New(cfg)
	closeJournal := attachJournal(eng, cfg)
	defer closeJournal()

	return eng.Update(ctx)
}
