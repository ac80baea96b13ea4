package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/deploymenttheory/ibackupfs/internal/mount"
	"github.com/deploymenttheory/ibackupfs/internal/passphrase"
)

var findPassword string

var findCmd = &cobra.Command{
	Use:   "find <backup> <substring>",
	Short: "Find files by relative-path substring across every domain",
	Long: `find searches a backup's manifest directly for files whose
relativePath contains substring, printing each match as
domain/relativePath.

Examples:
  ibackupfs find ~/Library/.../00008030-ABCDEF sqlite`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runFind(args[0], args[1])
	},
}

func init() {
	rootCmd.AddCommand(findCmd)
	findCmd.Flags().StringVarP(&findPassword, "password", "p", "", "backup password (insecure; prefer BACKUP_PASSWORD or the prompt)")
}

func runFind(backupPath, substr string) error {
	pass, err := passphrase.Get(findPassword, os.Stdin)
	if err != nil {
		return err
	}

	backup, err := mount.Open(backupPath, pass)
	if err != nil {
		return err
	}
	defer backup.Close()

	matches, err := backup.Loader.FindByName(substr)
	if err != nil {
		return err
	}
	for _, m := range matches {
		fmt.Printf("%s/%s\n", m.Domain, m.RelativePath)
	}
	fmt.Fprintf(os.Stderr, "%d matches\n", len(matches))
	return nil
}
