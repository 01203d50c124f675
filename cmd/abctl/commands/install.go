package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/tidewater-os/abctl/pkg/engine"
)

var installCmd = &cobra.Command{
	Use:   "install <install-config.json>",
	Short: "Partition the target disk and install the bundled first version",
	Long: `Finds the first unmounted disk large enough for the requested
layout, partitions it, writes the bundled image into slot a, and points
the boot loader at it. Run from installer media; powers the host off
when done.`,
	Args: cobra.ExactArgs(1),
	RunE: runInstall,
}

func init() {
	rootCmd.AddCommand(installCmd)
}

func runInstall(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// The data partition doesn't exist yet at install time, so the
	// engine's default log-only journal stands.
	eng := engine.New(cfg)
	return eng.Install(ctx, args[0])
}
