// Package fusefs adapts the resolver and read engine onto
// github.com/hanwen/go-fuse/v2's pathfs/nodefs API (C7), per spec.md
// §4.7. Every write-intent operation returns EROFS: this filesystem
// never mutates the backup it mounts.
package fusefs

import (
	"os"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/hanwen/go-fuse/v2/fuse/nodefs"
	"github.com/hanwen/go-fuse/v2/fuse/pathfs"

	"github.com/deploymenttheory/ibackupfs/internal/apperrors"
	"github.com/deploymenttheory/ibackupfs/internal/keybag"
	"github.com/deploymenttheory/ibackupfs/internal/manifest"
	"github.com/deploymenttheory/ibackupfs/internal/readengine"
	"github.com/deploymenttheory/ibackupfs/internal/resolver"
)

// badFileFlags mirrors spec.md's BAD_FILE_FLAGS: any open() carrying
// one of these is a write intent and must fail with EROFS.
const badFileFlags = os.O_WRONLY | os.O_RDWR | os.O_CREATE | os.O_EXCL | os.O_TRUNC | os.O_APPEND |
	syscall.O_TMPFILE | syscall.O_CLOEXEC | syscall.O_NOCTTY | syscall.O_NOFOLLOW

// FS implements pathfs.FileSystem over a resolved, possibly-encrypted
// backup. The zero value is not usable; build one with New.
type FS struct {
	pathfs.FileSystem

	resolver *resolver.Resolver
	bag      *keybag.Bag // nil for unencrypted backups
}

// New builds a read-only FUSE filesystem over r. bag may be nil when
// the backup is unencrypted.
func New(r *resolver.Resolver, bag *keybag.Bag) *FS {
	return &FS{
		FileSystem: pathfs.NewDefaultFileSystem(),
		resolver:   r,
		bag:        bag,
	}
}

func statusFor(err error) fuse.Status {
	if err == nil {
		return fuse.OK
	}
	appErr, ok := apperrors.As(err)
	if !ok {
		return fuse.EIO
	}
	switch appErr.Kind {
	case apperrors.KindPathNotFound:
		return fuse.ENOENT
	case apperrors.KindReadOnlyViolation:
		return fuse.EROFS
	case apperrors.KindNotASymlink:
		return fuse.Status(syscall.EINVAL)
	case apperrors.KindBadPassphrase, apperrors.KindUnsupportedClass, apperrors.KindCorruption, apperrors.KindManifestInvalid:
		return fuse.EIO
	default:
		return fuse.EIO
	}
}

func attrFor(info *manifest.FileInfo) *fuse.Attr {
	attr := &fuse.Attr{}
	now := uint64(time.Now().Unix())

	switch {
	case info.IsDirectory():
		attr.Mode = fuse.S_IFDIR | 0o555
		attr.Nlink = 2
	case info.IsSymlink():
		attr.Mode = fuse.S_IFLNK | 0o444
		attr.Nlink = 1
	default:
		attr.Mode = fuse.S_IFREG | 0o444
		attr.Nlink = 1
	}

	if info.Virtual {
		attr.Mtime = now
		attr.Atime = now
		attr.Ctime = now
		return attr
	}

	attr.Size = uint64(info.Properties.Int64("Size"))
	attr.Uid = uint32(info.Properties.Int64("UserID"))
	attr.Gid = uint32(info.Properties.Int64("GroupID"))
	if mode := info.Properties.Int64("Mode"); mode != 0 {
		attr.Mode = (attr.Mode &^ 0o7777) | uint32(mode)&0o7777 | (attr.Mode & fuse.S_IFMT)
	}
	if t := info.Properties.Int64("LastModified"); t != 0 {
		attr.Mtime = uint64(t)
	} else {
		attr.Mtime = now
	}
	if t := info.Properties.Int64("LastStatusChange"); t != 0 {
		attr.Ctime = uint64(t)
	} else {
		attr.Ctime = now
	}
	attr.Atime = attr.Mtime
	return attr
}

// GetAttr resolves name and reports its synthesized or manifest-backed
// attributes.
func (fs *FS) GetAttr(name string, _ *fuse.Context) (*fuse.Attr, fuse.Status) {
	info, err := fs.resolver.Resolve(name)
	if err != nil {
		return nil, statusFor(err)
	}
	return attrFor(info), fuse.OK
}

// OpenDir lists name's children, per spec.md §4.7.
func (fs *FS) OpenDir(name string, _ *fuse.Context) ([]fuse.DirEntry, fuse.Status) {
	entries, err := fs.resolver.ReadDir(name)
	if err != nil {
		return nil, statusFor(err)
	}
	out := make([]fuse.DirEntry, 0, len(entries))
	for _, e := range entries {
		mode := uint32(fuse.S_IFREG)
		switch {
		case e.Info.IsDirectory():
			mode = fuse.S_IFDIR
		case e.Info.IsSymlink():
			mode = fuse.S_IFLNK
		}
		out = append(out, fuse.DirEntry{Name: e.Name, Mode: mode})
	}
	return out, fuse.OK
}

// Readlink returns a symlink's target, stored in its embedded property
// list as a UID reference to a string object rather than in its content
// blob.
func (fs *FS) Readlink(name string, _ *fuse.Context) (string, fuse.Status) {
	info, err := fs.resolver.Resolve(name)
	if err != nil {
		return "", statusFor(err)
	}
	if !info.IsSymlink() {
		return "", statusFor(apperrors.New(apperrors.KindNotASymlink, name+" is not a symlink", ""))
	}
	target, err := info.Properties.String("Target")
	if err != nil {
		return "", statusFor(err)
	}
	return target, fuse.OK
}

// Open enforces read-only access and hands back a readengine-backed
// nodefs.File.
func (fs *FS) Open(name string, flags uint32, _ *fuse.Context) (nodefs.File, fuse.Status) {
	if flags&badFileFlags != 0 {
		return nil, fuse.EROFS
	}
	info, err := fs.resolver.Resolve(name)
	if err != nil {
		return nil, statusFor(err)
	}
	if info.IsDirectory() {
		return nil, fuse.Status(syscall.EISDIR)
	}
	handle, err := readengine.Open(info, fs.bag)
	if err != nil {
		return nil, statusFor(err)
	}
	return &file{File: nodefs.NewDefaultFile(), handle: handle}, fuse.OK
}

// StatFs reports a generic, always-full-capacity filesystem: the
// backup's actual free space is meaningless once mounted read-only.
func (fs *FS) StatFs(name string) *fuse.StatfsOut {
	return &fuse.StatfsOut{
		Blocks:  1,
		Bfree:   0,
		Bavail:  0,
		Bsize:   4096,
		NameLen: 255,
	}
}

// Utimens, and every other mutating call overridden below, reports EROFS
// instead of pathfs.NewDefaultFileSystem's default ENOSYS.
func (fs *FS) Utimens(name string, atime, mtime *time.Time, _ *fuse.Context) fuse.Status {
	return fuse.EROFS
}

func (fs *FS) Chmod(name string, mode uint32, _ *fuse.Context) fuse.Status  { return fuse.EROFS }
func (fs *FS) Chown(name string, uid, gid uint32, _ *fuse.Context) fuse.Status {
	return fuse.EROFS
}
func (fs *FS) Truncate(name string, size uint64, _ *fuse.Context) fuse.Status {
	return fuse.EROFS
}
func (fs *FS) Mkdir(name string, mode uint32, _ *fuse.Context) fuse.Status { return fuse.EROFS }
func (fs *FS) Rmdir(name string, _ *fuse.Context) fuse.Status              { return fuse.EROFS }
func (fs *FS) Unlink(name string, _ *fuse.Context) fuse.Status            { return fuse.EROFS }
func (fs *FS) Rename(oldName, newName string, _ *fuse.Context) fuse.Status {
	return fuse.EROFS
}
func (fs *FS) Symlink(pointedTo, linkName string, _ *fuse.Context) fuse.Status {
	return fuse.EROFS
}
func (fs *FS) Link(orig, newName string, _ *fuse.Context) fuse.Status { return fuse.EROFS }
func (fs *FS) Mknod(name string, mode uint32, dev uint32, _ *fuse.Context) fuse.Status {
	return fuse.EROFS
}
func (fs *FS) SetXAttr(name string, attr string, data []byte, flags int, _ *fuse.Context) fuse.Status {
	return fuse.EROFS
}
func (fs *FS) RemoveXAttr(name string, attr string, _ *fuse.Context) fuse.Status { return fuse.EROFS }
func (fs *FS) Create(name string, flags uint32, mode uint32, _ *fuse.Context) (nodefs.File, fuse.Status) {
	return nil, fuse.EROFS
}

// file implements nodefs.File over a readengine.Handle.
type file struct {
	nodefs.File
	handle *readengine.Handle
}

func (f *file) Read(dest []byte, off int64) (fuse.ReadResult, fuse.Status) {
	data, err := f.handle.Read(off, len(dest))
	if err != nil {
		return nil, statusFor(err)
	}
	return fuse.ReadResultData(data), fuse.OK
}

func (f *file) Release() {
	f.handle.Close()
}

func (f *file) Flush() fuse.Status {
	return fuse.OK
}

func (f *file) Fsync(flags int) fuse.Status {
	return fuse.OK
}
