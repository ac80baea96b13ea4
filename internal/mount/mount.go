// Package mount wires the keybag unlock, manifest load, domain tree,
// resolver, and read engine together into one filesystem lifecycle:
// everything the CLI's mount command needs to bring a FUSE filesystem
// up and tear it back down, per spec.md §5.
package mount

import (
	"os"
	"path/filepath"

	"github.com/deploymenttheory/ibackupfs/internal/apperrors"
	"github.com/deploymenttheory/ibackupfs/internal/domaintree"
	"github.com/deploymenttheory/ibackupfs/internal/keybag"
	"github.com/deploymenttheory/ibackupfs/internal/manifest"
	"github.com/deploymenttheory/ibackupfs/internal/resolver"
)

// Backup is a fully opened backup: an unlocked keybag (if the backup
// is encrypted), a validated manifest loader, and the domain tree and
// resolver built on top of it. Close releases the manifest loader and
// any scratch files it created.
type Backup struct {
	Root     string
	Loader   *manifest.Loader
	Bag      *keybag.Bag // nil when the backup is unencrypted
	Tree     *domaintree.Tree
	Resolver *resolver.Resolver
}

// Open reads Manifest.plist, unlocks the keybag with passphrase if the
// backup is encrypted, loads (and for encrypted backups, decrypts)
// Manifest.db, and builds the domain tree and resolver. passphrase is
// ignored for unencrypted backups.
func Open(root, passphrase string) (*Backup, error) {
	plistData, err := os.ReadFile(filepath.Join(root, "Manifest.plist"))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindManifestInvalid, err, "could not read Manifest.plist", "")
	}
	doc, err := manifest.RawDocument(plistData)
	if err != nil {
		return nil, err
	}

	encrypted, _ := doc["IsEncrypted"].(bool)

	b := &Backup{Root: root}

	if !encrypted {
		loader, err := manifest.OpenUnencrypted(root)
		if err != nil {
			return nil, err
		}
		b.Loader = loader
	} else {
		keybagRaw, ok := doc["BackupKeyBag"].([]byte)
		if !ok {
			return nil, apperrors.New(apperrors.KindManifestInvalid, "Manifest.plist has no BackupKeyBag", "")
		}
		manifestKeyRaw, ok := doc["ManifestKey"].([]byte)
		if !ok {
			return nil, apperrors.New(apperrors.KindManifestInvalid, "Manifest.plist has no ManifestKey", "")
		}

		bag, err := keybag.Parse(keybagRaw)
		if err != nil {
			return nil, err
		}
		if err := bag.Unlock([]byte(passphrase)); err != nil {
			return nil, err
		}

		dbKey, err := manifest.DeriveManifestKey(bag, manifestKeyRaw)
		if err != nil {
			return nil, err
		}

		loader, err := manifest.OpenDecrypted(root, os.TempDir(), dbKey)
		if err != nil {
			return nil, err
		}
		b.Bag = bag
		b.Loader = loader
	}

	domains, err := b.Loader.DistinctDomains()
	if err != nil {
		b.Loader.Close()
		return nil, err
	}
	b.Tree = domaintree.Build(domains)
	b.Resolver = resolver.New(b.Loader, b.Tree, root)

	return b, nil
}

// Close releases the manifest loader and any scratch files it holds.
func (b *Backup) Close() error {
	if b.Loader != nil {
		return b.Loader.Close()
	}
	return nil
}
