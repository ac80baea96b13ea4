package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/deploymenttheory/ibackupfs/internal/apperrors"
)

var (
	// Global output flags only
	verbose bool
	quiet   bool
)

var rootCmd = &cobra.Command{
	Use:   "ibackupfs",
	Short: "Mount an iOS device backup as a read-only filesystem",
	Long: `ibackupfs is a cross-platform, read-only command-line tool for
exploring, mounting, and extracting files from an iOS device backup
produced by Finder, iTunes, or libimobiledevice.

It understands both unencrypted and password-encrypted backups: for
encrypted backups it unlocks the backup keybag and transparently
decrypts the manifest database and file contents.

Commands:
  mount           Mount a backup as a FUSE filesystem
  list            List domains and files recorded in a backup's manifest
  extract         Decrypt and copy a single file out of a backup
  find            Find files by relative-path substring across every domain
  inspect-keybag  Show the protection classes found in a backup's keybag`,
	Version:       "0.1.0-dev",
	SilenceErrors: true,
	CompletionOptions: cobra.CompletionOptions{
		DisableDefaultCmd: true,
	},
}

// Execute adds all child commands to the root command and runs it,
// translating the mount core's error taxonomy into the process exit
// codes spec.md §6 defines.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCodeFor(err))
	}
}

// exitCodeFor maps an error to the process exit code spec.md §6
// defines: 1 for any *apperrors.Error the mount core reports (unlock and
// manifest failures among them), 2 for every other error, which covers
// cobra's argument and flag errors and also plain I/O errors the
// commands wrap themselves.
func exitCodeFor(err error) int {
	appErr, ok := apperrors.As(err)
	if !ok {
		return 2
	}
	switch appErr.Kind {
	case apperrors.KindBadPassphrase, apperrors.KindManifestInvalid:
		return 1
	default:
		return 1
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress output except errors")
}

// GetVerbose returns the verbose flag value.
func GetVerbose() bool {
	return verbose
}

// GetQuiet returns the quiet flag value.
func GetQuiet() bool {
	return quiet
}
