package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/deploymenttheory/ibackupfs/internal/keybag"
	"github.com/deploymenttheory/ibackupfs/internal/manifest"
	"github.com/deploymenttheory/ibackupfs/internal/passphrase"
)

var inspectKeybagPassword string

var inspectKeybagCmd = &cobra.Command{
	Use:   "inspect-keybag <backup>",
	Short: "Show the protection classes found in a backup's keybag",
	Long: `inspect-keybag reads Manifest.plist's BackupKeyBag, attempts to
unlock it with the given password, and reports each protection class
it found along with whether this implementation unlocked it.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInspectKeybag(args[0])
	},
}

func init() {
	rootCmd.AddCommand(inspectKeybagCmd)
	inspectKeybagCmd.Flags().StringVarP(&inspectKeybagPassword, "password", "p", "", "backup password (insecure; prefer BACKUP_PASSWORD or the prompt)")
}

func runInspectKeybag(backupPath string) error {
	plistData, err := os.ReadFile(filepath.Join(backupPath, "Manifest.plist"))
	if err != nil {
		return fmt.Errorf("reading Manifest.plist: %w", err)
	}
	doc, err := manifest.RawDocument(plistData)
	if err != nil {
		return err
	}

	keybagRaw, ok := doc["BackupKeyBag"].([]byte)
	if !ok {
		return fmt.Errorf("Manifest.plist has no BackupKeyBag")
	}
	bag, err := keybag.Parse(keybagRaw)
	if err != nil {
		return err
	}

	if id, err := uuid.FromBytes(bag.UUID); err == nil {
		fmt.Printf("keybag UUID: %s\n", id)
	}
	fmt.Printf("keybag version: %d, type: %d\n", bag.Version, bag.Type)

	if encrypted, _ := doc["IsEncrypted"].(bool); encrypted {
		pass, err := passphrase.Get(inspectKeybagPassword, os.Stdin)
		if err != nil {
			return err
		}
		if err := bag.Unlock([]byte(pass)); err != nil {
			fmt.Fprintf(os.Stderr, "unlock failed: %v\n", err)
		}
	}

	fmt.Printf("%-6s %-10s %-6s\n", "class", "wrap", "unlocked")
	for _, ck := range bag.Classes() {
		fmt.Printf("%-6d 0x%08x %v\n", ck.Class, ck.WrapFlags, ck.Key != nil)
	}
	return nil
}
