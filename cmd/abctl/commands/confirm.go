package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/tidewater-os/abctl/pkg/engine"
)

var confirmCmd = &cobra.Command{
	Use:   "confirm-success",
	Short: "Mark the booted version as good",
	Long: `Promotes the pending slot to the permanent default and disarms
the boot-try fallback. Invoked by the host once it decides the boot
succeeded; a no-op when no update is pending, so it is safe to run on
every boot.`,
	Args: cobra.NoArgs,
	RunE: runConfirm,
}

func init() {
	rootCmd.AddCommand(confirmCmd)
}

func runConfirm(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	eng := engine.New(cfg)
	closeJournal := attachJournal(eng, cfg)
	defer closeJournal()

	return eng.ConfirmSuccess(ctx)
}
