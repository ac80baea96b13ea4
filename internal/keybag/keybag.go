// Package keybag parses the binary keybag carried in Manifest.plist's
// BackupKeyBag field and implements the password-unlock protocol that
// turns a passphrase into per-protection-class symmetric keys.
//
// The wire format is a flat stream of tag(4)+length(4, big-endian)+
// payload TLV records (spec.md §3, §4.2); it is unrelated to the fixed
// 24-byte-header APFS keybag entry the teacher repo parses, but the
// read/accumulate-into-a-struct shape is grounded on
// apfs/pkg/crypto/keybag.go's DeserializeKeybag.
package keybag

import (
	"bytes"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"hash"

	"golang.org/x/crypto/pbkdf2"

	"github.com/deploymenttheory/ibackupfs/internal/apperrors"
	"github.com/deploymenttheory/ibackupfs/internal/cryptoutil"
)

func sha256New() hash.Hash { return sha256.New() }
func sha1New() hash.Hash   { return sha1.New() }

// classKeyWrapUsesPasscode marks a class key as wrapped with the
// passcode-derived key (as opposed to only the device UID key, which
// this backup-only implementation never has access to).
const classKeyWrapUsesPasscode = 2

// unwrapLenRFC3394 is the wrapped-key length (bytes) for a standard
// RFC 3394 AES key wrap of a 32-byte key: 8-byte IV + 32-byte key.
const unwrapLenRFC3394 = 0x28

// unwrapLenEllipticCurve is the wrapped-key length used by protection
// classes that require elliptic-curve key agreement instead of a plain
// unwrap. Backup-only flows are not expected to need it (spec.md Open
// Question); it is recognized only so UnwrapForClass can fail loudly.
const unwrapLenEllipticCurve = 0x30

// ClassKey is one per-protection-class record extracted from the
// keybag: its wrapped form plus, once unlocked, the raw 32-byte key.
type ClassKey struct {
	Class     int32
	WrapFlags uint32
	KeyType   uint32
	Wrapped   []byte // WPKY
	Key       []byte // populated by Unlock; nil while locked
}

// Bag is a parsed, possibly still-locked keybag.
type Bag struct {
	Version uint32
	Type    uint32
	UUID    []byte
	HMCK    []byte

	salt []byte
	iter uint32
	dpsl []byte
	dpic uint32

	classes []*ClassKey

	unlocked bool
}

// Parse decodes the flat TLV keybag stream into a Bag. It does not
// attempt to unlock anything; call Unlock separately.
func Parse(data []byte) (*Bag, error) {
	bag := &Bag{}
	r := bytes.NewReader(data)
	var current *ClassKey

	for r.Len() > 0 {
		if r.Len() < 8 {
			return nil, apperrors.New(apperrors.KindManifestInvalid, "keybag stream truncated mid-record", "")
		}
		var tag [4]byte
		if _, err := r.Read(tag[:]); err != nil {
			return nil, fmt.Errorf("reading keybag tag: %w", err)
		}
		var length uint32
		if err := binary.Read(r, binary.BigEndian, &length); err != nil {
			return nil, fmt.Errorf("reading keybag length: %w", err)
		}
		payload := make([]byte, length)
		if length > 0 {
			if n, err := r.Read(payload); err != nil || uint32(n) != length {
				return nil, apperrors.New(apperrors.KindManifestInvalid,
					fmt.Sprintf("keybag record %q truncated", tag), "")
			}
		}

		name := string(tag[:])
		switch name {
		case "UUID":
			if bag.UUID == nil {
				bag.UUID = payload
				continue
			}
			// Second and later UUID tags open a new class-key entry.
			current = &ClassKey{}
			bag.classes = append(bag.classes, current)
			continue
		case "VERS":
			bag.Version = asInt(payload)
			continue
		case "TYPE":
			bag.Type = asInt(payload)
			continue
		case "HMCK":
			bag.HMCK = payload
			continue
		case "SALT":
			bag.salt = payload
			continue
		case "ITER":
			bag.iter = asInt(payload)
			continue
		case "DPSL":
			bag.dpsl = payload
			continue
		case "DPIC":
			bag.dpic = asInt(payload)
			continue
		}

		// Everything else (CLAS, WRAP, WPKY, KTYP, PBKY, and any tag
		// this parser doesn't name explicitly) belongs to the class-key
		// entry currently being accumulated.
		if current == nil {
			continue
		}
		switch name {
		case "CLAS":
			current.Class = int32(asInt(payload))
		case "WRAP":
			current.WrapFlags = asInt(payload)
		case "WPKY":
			current.Wrapped = payload
		case "KTYP":
			current.KeyType = asInt(payload)
		case "PBKY":
			// Public key material for elliptic-curve classes; retained
			// but unused since UnwrapForClass fails loudly on those.
		}
	}

	return bag, nil
}

// asInt decodes a big-endian integer from a value whose length is <= 4
// bytes, per spec.md's "values with length <= 4 are integers" rule.
func asInt(b []byte) uint32 {
	var padded [4]byte
	copy(padded[4-len(b):], b)
	return binary.BigEndian.Uint32(padded[:])
}

// Unlock derives the passcode key from passphrase and the keybag's PBKDF2
// parameters, then unwraps every passcode-wrapped class key. It succeeds
// only if every such class key unwraps cleanly; otherwise the keybag is
// left locked and the caller should treat this as apperrors.KindBadPassphrase.
func (b *Bag) Unlock(passphrase []byte) error {
	if len(b.dpsl) == 0 || len(b.salt) == 0 {
		return apperrors.New(apperrors.KindManifestInvalid, "keybag is missing PBKDF2 parameters", "")
	}

	pass1 := pbkdf2.Key(passphrase, b.dpsl, int(b.dpic), 32, sha256New)
	passcodeKey := pbkdf2.Key(pass1, b.salt, int(b.iter), 32, sha1New)

	for _, ck := range b.classes {
		if ck.WrapFlags&classKeyWrapUsesPasscode == 0 {
			continue
		}
		key, err := cryptoutil.UnwrapKey(passcodeKey, ck.Wrapped)
		if err != nil {
			return apperrors.Wrap(apperrors.KindBadPassphrase, err, "failed to unwrap a class key with the supplied passphrase", "check the password and try again")
		}
		ck.Key = key
	}

	b.unlocked = true
	return nil
}

// UnwrapForClass unwraps wrapped under the class key for class,
// returning the resulting symmetric key (the manifest key or a
// per-file key, depending on caller).
func (b *Bag) UnwrapForClass(class int32, wrapped []byte) ([]byte, error) {
	if !b.unlocked {
		return nil, apperrors.New(apperrors.KindBadPassphrase, "keybag is locked", "call Unlock with the backup passphrase first")
	}

	var ck *ClassKey
	for _, c := range b.classes {
		if c.Class == class {
			ck = c
			break
		}
	}
	if ck == nil || ck.Key == nil {
		return nil, apperrors.New(apperrors.KindBadPassphrase,
			fmt.Sprintf("no unlocked class key for protection class %d", class), "")
	}

	switch len(wrapped) {
	case unwrapLenRFC3394:
		return cryptoutil.UnwrapKey(ck.Key, wrapped)
	case unwrapLenEllipticCurve:
		return nil, apperrors.New(apperrors.KindUnsupportedClass,
			fmt.Sprintf("protection class %d uses elliptic-curve key agreement, which is not implemented", class), "")
	default:
		return nil, apperrors.New(apperrors.KindCorruption,
			fmt.Sprintf("wrapped key length %d is neither an RFC 3394 nor an EC payload", len(wrapped)), "")
	}
}

// Classes exposes the parsed class-key records, for diagnostics
// (inspect-keybag) only; callers must not mutate the returned slice.
func (b *Bag) Classes() []*ClassKey {
	return b.classes
}

// Unlocked reports whether Unlock has succeeded.
func (b *Bag) Unlocked() bool {
	return b.unlocked
}
