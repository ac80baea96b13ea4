package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/hanwen/go-fuse/v2/fuse/nodefs"
	"github.com/hanwen/go-fuse/v2/fuse/pathfs"
	"github.com/spf13/cobra"

	"github.com/deploymenttheory/ibackupfs/internal/anomaly"
	"github.com/deploymenttheory/ibackupfs/internal/fusefs"
	"github.com/deploymenttheory/ibackupfs/internal/mount"
	"github.com/deploymenttheory/ibackupfs/internal/passphrase"
)

// notifyReadyEnv marks a re-exec'd background child: its value is the
// fd number of the pipe it writes "OK\n" to once the mount has
// succeeded. A child whose mount fails exits without writing, so the
// parent reads end-of-file instead.
const notifyReadyEnv = "_IBACKUPFS_NOTIFY_FD"

var (
	mountPassword        string
	mountForeground      bool
	mountListSizeAnomaly bool
)

var mountCmd = &cobra.Command{
	Use:   "mount <backup> <mountpoint>",
	Short: "Mount a backup as a read-only FUSE filesystem",
	Long: `mount unlocks (if necessary) and mounts the backup at <backup> onto
<mountpoint>, exposing its domain tree as a read-only POSIX filesystem.
By default the process detaches into the background once the mount
succeeds, printing a confirmation line unless --quiet is given; pass
--foreground to keep it attached to the terminal instead.

Examples:
  # Mount an unencrypted backup
  ibackupfs mount ~/Library/.../00008030-ABCDEF /mnt/backup

  # Mount an encrypted backup, prompting for the password
  ibackupfs mount ~/Library/.../00008030-ABCDEF /mnt/backup

  # Mount an encrypted backup, reading the password from a flag
  ibackupfs mount --password hunter2 ~/Library/.../00008030-ABCDEF /mnt/backup

  # Scan an encrypted backup for content blobs whose size doesn't
  # match the manifest's recorded plaintext size, then exit
  ibackupfs mount --list-size-anomalies ~/Library/.../00008030-ABCDEF /mnt/backup`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMount(args[0], args[1])
	},
}

func init() {
	rootCmd.AddCommand(mountCmd)

	mountCmd.Flags().StringVarP(&mountPassword, "password", "p", "", "backup password (insecure; prefer BACKUP_PASSWORD or the prompt)")
	mountCmd.Flags().BoolVarP(&mountForeground, "foreground", "f", false, "stay attached to the terminal instead of detaching after mount")
	mountCmd.Flags().BoolVar(&mountListSizeAnomaly, "list-size-anomalies", false, "scan for content blobs whose size disagrees with the manifest, then exit without mounting")
}

func runMount(backupPath, mountpoint string) error {
	pass, err := passphrase.Get(mountPassword, os.Stdin)
	if err != nil {
		return err
	}

	backup, err := mount.Open(backupPath, pass)
	if err != nil {
		return err
	}
	defer backup.Close()

	if mountListSizeAnomaly {
		return anomaly.Scan(backup.Loader, backupPath, os.Stdout)
	}

	fs := fusefs.New(backup.Resolver, backup.Bag)
	nfs := pathfs.NewPathNodeFs(fs, nil)
	conn := nodefs.NewFileSystemConnector(nfs.Root(), &nodefs.Options{
		Debug: GetVerbose(),
	})
	server, err := fuse.NewServer(conn.RawFS(), mountpoint, &fuse.MountOptions{
		SingleThreaded: true,
		Debug:          GetVerbose(),
	})
	if err != nil {
		return fmt.Errorf("mounting at %s: %w", mountpoint, err)
	}

	if os.Getenv(notifyReadyEnv) != "" {
		notifyParentReady()
	} else if !mountForeground {
		return detach(backupPath, mountpoint)
	}

	if !quiet {
		fmt.Fprintf(os.Stderr, "mounted %s at %s\n", backupPath, mountpoint)
	}

	go catchInterrupt(server)
	server.Serve()
	return nil
}

// detach re-execs the current process with the same arguments plus a
// notify pipe, waits for the child to report a successful (or failed)
// mount, and exits - the child keeps running, detached from this
// terminal, as the actual FUSE server.
func detach(backupPath, mountpoint string) error {
	r, w, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("creating notify pipe: %w", err)
	}
	defer r.Close()

	child := exec.Command(os.Args[0], os.Args[1:]...)
	child.Env = append(os.Environ(), fmt.Sprintf("%s=3", notifyReadyEnv))
	child.ExtraFiles = []*os.File{w}
	child.Stdout = os.Stdout
	child.Stderr = os.Stderr
	if err := child.Start(); err != nil {
		w.Close()
		return fmt.Errorf("starting background mount process: %w", err)
	}
	w.Close()

	buf := make([]byte, 256)
	n, _ := r.Read(buf)
	msg := string(buf[:n])
	if msg != "OK\n" {
		child.Process.Kill()
		return fmt.Errorf("background mount failed: %s", msg)
	}
	if !quiet {
		fmt.Fprintf(os.Stderr, "mounted %s at %s (pid %d)\n", backupPath, mountpoint, child.Process.Pid)
	}
	return nil
}

// notifyParentReady writes a success marker down the inherited notify
// pipe (always fd 3, see detach) so the foreground parent can exit.
func notifyParentReady() {
	f := os.NewFile(uintptr(3), "notify")
	if f == nil {
		return
	}
	fmt.Fprint(f, "OK\n")
	f.Close()
}

// catchInterrupt unmounts the filesystem on Ctrl-C or SIGTERM; an
// external unmount (fusermount -u) instead makes server.Serve return
// directly, with no signal involved.
func catchInterrupt(server *fuse.Server) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	<-sigs
	server.Unmount()
}
