package manifest

import "path/filepath"

// Flags mirror the manifest's Files.flags column.
const (
	FlagFile      = 1
	FlagDirectory = 2
	FlagSymlink   = 4
)

// FileInfo is the in-memory representation of either a concrete
// manifest row or a synthesized virtual directory (root or domain
// folder), per spec.md §3. It is a tagged union rather than a struct
// with optional nil fields (Design Note: "avoid sentinel nullability
// in the hash/plist fields"): Virtual is the tag, and the concrete-only
// fields are meaningless when Virtual is true.
type FileInfo struct {
	Virtual bool

	// Set for both virtual and concrete entries.
	Domain string
	Flags  int

	// Concrete-only fields; zero/nil when Virtual.
	ContentRoot  string
	Hash         string
	RelativePath string
	Properties   *Properties
}

// NewVirtualDirectory builds a FileInfo for the root or a domain folder
// that has no backing manifest row.
func NewVirtualDirectory(domain string) *FileInfo {
	return &FileInfo{Virtual: true, Domain: domain, Flags: FlagDirectory}
}

// FromRow builds a concrete FileInfo from a manifest Row, decoding its
// embedded property list. The content blob filename is the row's
// fileID itself (the SHA-1 of "domain-relativePath"), per spec.md §3.
func FromRow(contentRoot, domain string, r *Row) (*FileInfo, error) {
	props, err := ParsePlist(r.Plist)
	if err != nil {
		return nil, err
	}
	return NewConcrete(contentRoot, r.FileID, domain, r.RelativePath, r.Flags, props), nil
}

// NewConcrete builds a FileInfo for a manifest row.
func NewConcrete(contentRoot, hash, domain, relativePath string, flags int, props *Properties) *FileInfo {
	return &FileInfo{
		ContentRoot:  contentRoot,
		Hash:         hash,
		Domain:       domain,
		RelativePath: relativePath,
		Flags:        flags,
		Properties:   props,
	}
}

// IsFile reports whether the entry is a plain file.
func (fi *FileInfo) IsFile() bool { return fi.Flags == FlagFile }

// IsDirectory reports whether the entry is a directory, virtual or concrete.
func (fi *FileInfo) IsDirectory() bool { return fi.Flags == FlagDirectory }

// IsSymlink reports whether the entry is a symlink.
func (fi *FileInfo) IsSymlink() bool { return fi.Flags == FlagSymlink }

// ContentPath returns the on-disk path of the content blob backing a
// concrete, non-directory entry: <root>/<hash[0:2]>/<hash>.
func (fi *FileInfo) ContentPath() string {
	return filepath.Join(fi.ContentRoot, fi.Hash[:2], fi.Hash)
}

// HasEncryptionKey reports whether the embedded property list carries a
// wrapped per-file key, i.e. whether this entry's content is encrypted.
func (fi *FileInfo) HasEncryptionKey() bool {
	return !fi.Virtual && fi.Properties != nil && fi.Properties.Has("EncryptionKey")
}
