package cmd

import (
	"fmt"
	"os"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/deploymenttheory/ibackupfs/internal/apperrors"
	"github.com/deploymenttheory/ibackupfs/internal/mount"
	"github.com/deploymenttheory/ibackupfs/internal/passphrase"
	"github.com/deploymenttheory/ibackupfs/internal/readengine"
)

var (
	extractPassword string
	extractSource   string
	extractDest     string
)

const extractChunkSize = 1 << 20

var extractCmd = &cobra.Command{
	Use:   "extract <backup>",
	Short: "Decrypt and copy a single file out of a backup",
	Long: `extract locates the manifest entry named by --source within a
backup, decrypts it if necessary, and writes its plaintext to --dest.

Examples:
  ibackupfs extract ~/Library/.../00008030-ABCDEF \
    --source "AppDomain/com.apple.mobilesafari/Library/Preferences/com.apple.mobilesafari.plist" \
    --dest ./safari-prefs.plist`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runExtract(args[0])
	},
}

func init() {
	rootCmd.AddCommand(extractCmd)

	extractCmd.Flags().StringVarP(&extractPassword, "password", "p", "", "backup password (insecure; prefer BACKUP_PASSWORD or the prompt)")
	extractCmd.Flags().StringVarP(&extractSource, "source", "s", "", "path within the backup's virtual tree (required)")
	extractCmd.Flags().StringVarP(&extractDest, "dest", "d", "", "destination file path (required)")
	extractCmd.MarkFlagRequired("source")
	extractCmd.MarkFlagRequired("dest")
}

func runExtract(backupPath string) error {
	pass, err := passphrase.Get(extractPassword, os.Stdin)
	if err != nil {
		return err
	}

	backup, err := mount.Open(backupPath, pass)
	if err != nil {
		return err
	}
	defer backup.Close()

	info, err := backup.Resolver.Resolve(extractSource)
	if err != nil {
		return err
	}
	if !info.IsFile() {
		return apperrors.New(apperrors.KindReadOnlyViolation, extractSource+" is not a plain file", "use list to inspect directories and symlinks")
	}

	handle, err := readengine.Open(info, backup.Bag)
	if err != nil {
		return err
	}
	defer handle.Close()

	dst, err := os.OpenFile(extractDest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("creating %s: %w", extractDest, err)
	}
	defer dst.Close()

	size := info.Properties.Int64("Size")
	var bar *progressbar.ProgressBar
	if !quiet {
		bar = progressbar.DefaultBytes(size, "extracting "+extractSource)
	}

	var offset int64
	for offset < size {
		n := extractChunkSize
		if remaining := size - offset; int64(n) > remaining {
			n = int(remaining)
		}
		chunk, err := handle.Read(offset, n)
		if err != nil {
			return err
		}
		if len(chunk) == 0 {
			break
		}
		if _, err := dst.Write(chunk); err != nil {
			return fmt.Errorf("writing %s: %w", extractDest, err)
		}
		if bar != nil {
			bar.Add(len(chunk))
		}
		offset += int64(len(chunk))
		if len(chunk) < n {
			break
		}
	}
	if bar != nil {
		bar.Finish()
		fmt.Println()
	}
	return nil
}
