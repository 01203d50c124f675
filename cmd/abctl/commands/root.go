package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tidewater-os/abctl/pkg/errors"
)

var rootCmd = &cobra.Command{
	Use:   "abctl",
	Short: "Tidewater OS image installer and updater",
	Long: `Installs and updates dual-slot Tidewater OS images. The boot
environment tracks which slot is active; updates write the inactive
slot, verify it, and arm a boot-try fallback to the running version.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and exits with a code callers can act
// on: 0 on success or no-op, 2 when the failure is worth retrying, 1
// otherwise.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Transient(err) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("current-meta", "/tidewater.json", "Path to the running system's version descriptor")
	rootCmd.PersistentFlags().String("boot-dir", "/boot", "Mount point of the boot partition")
	rootCmd.PersistentFlags().Int("boot-tries", 3, "Boot attempts before falling back to the prior version")
	rootCmd.PersistentFlags().String("lock-file", "/run/abctl.lock", "Advisory lock serializing invocations")
	rootCmd.PersistentFlags().String("journal-path", "/var/lib/abctl/journal.db", "Attempt journal database (empty disables)")
	rootCmd.PersistentFlags().Bool("reboot", true, "Reboot after arming an update")
	rootCmd.PersistentFlags().Bool("poweroff", true, "Power off after a completed install")

	viper.BindPFlag("current-meta", rootCmd.PersistentFlags().Lookup("current-meta"))
	viper.BindPFlag("boot-dir", rootCmd.PersistentFlags().Lookup("boot-dir"))
	viper.BindPFlag("boot-tries", rootCmd.PersistentFlags().Lookup("boot-tries"))
	viper.BindPFlag("lock-file", rootCmd.PersistentFlags().Lookup("lock-file"))
	viper.BindPFlag("journal-path", rootCmd.PersistentFlags().Lookup("journal-path"))
	viper.BindPFlag("reboot", rootCmd.PersistentFlags().Lookup("reboot"))
	viper.BindPFlag("poweroff", rootCmd.PersistentFlags().Lookup("poweroff"))
}
