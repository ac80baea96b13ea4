package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/deploymenttheory/ibackupfs/internal/mount"
	"github.com/deploymenttheory/ibackupfs/internal/passphrase"
	"github.com/deploymenttheory/ibackupfs/internal/resolver"
)

var (
	listPassword  string
	listPath      string
	listRecursive bool
)

var listCmd = &cobra.Command{
	Use:   "list <backup>",
	Short: "List domains and files recorded in a backup's manifest",
	Long: `List the virtual directory tree a backup's manifest describes,
without mounting it.

Examples:
  # List the top-level domains
  ibackupfs list ~/Library/.../00008030-ABCDEF

  # List everything under a path, recursively
  ibackupfs list ~/Library/.../00008030-ABCDEF --path AppDomain/com.apple.mobilesafari --recursive`,

	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runList(args[0])
	},
}

func init() {
	rootCmd.AddCommand(listCmd)

	listCmd.Flags().StringVarP(&listPassword, "password", "p", "", "backup password (insecure; prefer BACKUP_PASSWORD or the prompt)")
	listCmd.Flags().StringVar(&listPath, "path", "", "path to list (default: root)")
	listCmd.Flags().BoolVarP(&listRecursive, "recursive", "r", false, "list recursively")
}

func runList(backupPath string) error {
	pass, err := passphrase.Get(listPassword, os.Stdin)
	if err != nil {
		return err
	}

	backup, err := mount.Open(backupPath, pass)
	if err != nil {
		return err
	}
	defer backup.Close()

	fmt.Printf("listing %s:\n", backupPath)
	return listPathRecursive(backup.Resolver, listPath, 0)
}

func listPathRecursive(r *resolver.Resolver, path string, depth int) error {
	entries, err := r.ReadDir(path)
	if err != nil {
		return err
	}
	for _, e := range entries {
		indent := ""
		for i := 0; i < depth; i++ {
			indent += "    "
		}
		kind := "file"
		switch {
		case e.Info.IsDirectory():
			kind = "dir"
		case e.Info.IsSymlink():
			kind = "symlink"
		}
		fmt.Printf("%s└── %s [%s]\n", indent, e.Name, kind)

		if listRecursive && e.Info.IsDirectory() {
			childPath := e.Name
			if path != "" {
				childPath = path + "/" + e.Name
			}
			if err := listPathRecursive(r, childPath, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}
