// Package resolver implements the POSIX path walk (C5) that turns a
// path the FUSE layer asks about into either a synthesized virtual
// directory or a concrete manifest.FileInfo, per spec.md §4.5.
package resolver

import (
	"strings"

	"github.com/deploymenttheory/ibackupfs/internal/apperrors"
	"github.com/deploymenttheory/ibackupfs/internal/domaintree"
	"github.com/deploymenttheory/ibackupfs/internal/manifest"
)

// Resolver resolves POSIX paths against a loaded manifest and its
// domain tree.
type Resolver struct {
	loader      *manifest.Loader
	tree        *domaintree.Tree
	contentRoot string
}

// New builds a Resolver over an already-opened manifest loader and its
// content blob root (the backup directory itself).
func New(loader *manifest.Loader, tree *domaintree.Tree, contentRoot string) *Resolver {
	return &Resolver{loader: loader, tree: tree, contentRoot: contentRoot}
}

// splitPath breaks a mount-relative POSIX path into its segments,
// ignoring leading/trailing slashes. The root path "" or "/" yields no
// segments.
func splitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// Resolve walks path from the mount root and returns the FileInfo it
// names, per spec.md §4.5's rules:
//   - "" or "/"                -> the synthetic root directory
//   - "<top>"                  -> virtual dir if top has subdomains or
//     is itself a full domain with no further manifest entries above it
//   - "<top>/<sub>"            -> virtual dir for the domain top-sub
//   - anything deeper          -> must match a manifest row exactly; no
//     directory is synthesized below the domain level
func (r *Resolver) Resolve(path string) (*manifest.FileInfo, error) {
	segs := splitPath(path)
	if len(segs) == 0 {
		return manifest.NewVirtualDirectory(""), nil
	}

	top := segs[0]
	if !r.tree.HasTop(top) {
		return nil, apperrors.New(apperrors.KindPathNotFound, "no such domain: "+top, "")
	}

	// "<top>" alone: a virtual directory listing subdomains (if any)
	// and/or the full domain's own top-level contents.
	if len(segs) == 1 {
		return manifest.NewVirtualDirectory(top), nil
	}

	// Determine whether segs[1] is a subdomain name or the start of a
	// relative path within the bare "top" domain.
	sub := segs[1]
	if r.tree.HasSubdomain(top, sub) {
		if len(segs) == 2 {
			return manifest.NewVirtualDirectory(top + "-" + sub), nil
		}
		domain := top + "-" + sub
		relPath := strings.Join(segs[2:], "/")
		return r.resolveInDomain(domain, relPath)
	}

	// Not a known subdomain: segs[1:] must be a relativePath within the
	// bare top-level domain (which must itself exist as a full domain).
	domain, ok := r.tree.Resolve(top, "")
	if !ok {
		return nil, apperrors.New(apperrors.KindPathNotFound, "domain "+top+" has no top-level files, only subdomains", "")
	}
	relPath := strings.Join(segs[1:], "/")
	return r.resolveInDomain(domain, relPath)
}

// resolveInDomain looks up an exact relativePath match within domain.
// No implicit directories are synthesized below the domain level: a
// path component that does not correspond to a manifest row is
// path-not-found even if other rows happen to share its prefix.
func (r *Resolver) resolveInDomain(domain, relPath string) (*manifest.FileInfo, error) {
	row, err := r.loader.Lookup(domain, relPath)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, apperrors.New(apperrors.KindPathNotFound, "no manifest entry for "+domain+"/"+relPath, "")
	}
	return manifest.FromRow(r.contentRoot, domain, row)
}

// Entry describes one child returned by ReadDir.
type Entry struct {
	Name string
	Info *manifest.FileInfo
}

// ReadDir lists the children of the directory named by path, per
// spec.md §4.7. It synthesizes virtual-directory children at the root
// and domain levels and falls back to manifest prefix queries below
// the domain level.
func (r *Resolver) ReadDir(path string) ([]Entry, error) {
	segs := splitPath(path)

	if len(segs) == 0 {
		var entries []Entry
		for _, top := range r.tree.Tops() {
			entries = append(entries, Entry{Name: top, Info: manifest.NewVirtualDirectory(top)})
		}
		return entries, nil
	}

	top := segs[0]
	if !r.tree.HasTop(top) {
		return nil, apperrors.New(apperrors.KindPathNotFound, "no such domain: "+top, "")
	}

	if len(segs) == 1 {
		var entries []Entry
		for _, sub := range r.tree.Subdomains(top) {
			entries = append(entries, Entry{Name: sub, Info: manifest.NewVirtualDirectory(top + "-" + sub)})
		}
		if domain, ok := r.tree.Resolve(top, ""); ok {
			children, err := r.domainChildren(domain, "")
			if err != nil {
				return nil, err
			}
			entries = append(entries, children...)
		}
		return entries, nil
	}

	sub := segs[1]
	var domain, relPath string
	if r.tree.HasSubdomain(top, sub) {
		domain = top + "-" + sub
		relPath = strings.Join(segs[2:], "/")
		if relPath == "" {
			// The subdomain root is virtual; list its top-level rows.
			return r.domainChildren(domain, "")
		}
	} else {
		var ok bool
		domain, ok = r.tree.Resolve(top, "")
		if !ok {
			return nil, apperrors.New(apperrors.KindPathNotFound, "domain "+top+" has no top-level files, only subdomains", "")
		}
		relPath = strings.Join(segs[1:], "/")
	}

	info, err := r.resolveInDomain(domain, relPath)
	if err != nil {
		return nil, err
	}
	if !info.IsDirectory() {
		return nil, apperrors.New(apperrors.KindPathNotFound, relPath+" is not a directory", "")
	}
	return r.domainChildren(domain, relPath)
}

func (r *Resolver) domainChildren(domain, relPath string) ([]Entry, error) {
	names, err := r.loader.ImmediateChildren(domain, relPath)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(names))
	for _, name := range names {
		childPath := name
		if relPath != "" {
			childPath = relPath + "/" + name
		}
		info, err := r.resolveInDomain(domain, childPath)
		if err != nil {
			return nil, err
		}
		entries = append(entries, Entry{Name: name, Info: info})
	}
	return entries, nil
}
