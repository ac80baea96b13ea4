package manifest

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/deploymenttheory/ibackupfs/internal/apperrors"
	"github.com/deploymenttheory/ibackupfs/internal/cryptoutil"
	"github.com/deploymenttheory/ibackupfs/internal/keybag"
)

// decryptChunkSize is the read/decrypt granularity used while streaming
// Manifest.db through AES-CBC. Spec.md §4.3 calls any size >= 16 valid
// and recommends 64 KiB.
const decryptChunkSize = 64 * 1024

const aesBlockSize = 16

// DecryptManifestDB streams the encrypted Manifest.db at srcPath through
// AES-CBC into a freshly created plaintext file, chaining the IV across
// chunk boundaries (the last 16 ciphertext bytes of each chunk become
// the IV of the next), per spec.md §4.3 step 4. No padding is removed:
// SQLite tolerates trailing bytes past its declared page-aligned end.
func DecryptManifestDB(srcPath, dstPath string, key []byte) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return apperrors.Wrap(apperrors.KindManifestInvalid, err, "could not open Manifest.db", "")
	}
	defer src.Close()

	dst, err := os.Create(dstPath)
	if err != nil {
		return fmt.Errorf("creating decrypted manifest file: %w", err)
	}
	defer dst.Close()

	iv := make([]byte, aesBlockSize)
	buf := make([]byte, decryptChunkSize)
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if len(chunk)%aesBlockSize != 0 {
				return apperrors.New(apperrors.KindManifestInvalid,
					fmt.Sprintf("Manifest.db chunk of %d bytes is not block-aligned", len(chunk)), "")
			}
			plain, err := cryptoutil.DecryptCBC(chunk, key, iv)
			if err != nil {
				return apperrors.Wrap(apperrors.KindManifestInvalid, err, "failed to decrypt Manifest.db", "")
			}
			if _, err := dst.Write(plain); err != nil {
				return fmt.Errorf("writing decrypted manifest: %w", err)
			}
			// Chain: next chunk's IV is this chunk's last ciphertext block.
			copy(iv, chunk[len(chunk)-aesBlockSize:])
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return fmt.Errorf("reading Manifest.db: %w", readErr)
		}
	}
	return nil
}

// ManifestKeyClassAndWrapped splits the raw ManifestKey blob (read from
// Manifest.plist) into the protection class (first 4 bytes, little-
// endian signed) and the wrapped key bytes that follow, per spec.md
// §4.3 step 2.
func ManifestKeyClassAndWrapped(manifestKey []byte) (int32, []byte, error) {
	if len(manifestKey) < 4 {
		return 0, nil, apperrors.New(apperrors.KindManifestInvalid, "ManifestKey is too short to contain a protection class", "")
	}
	class := int32(binary.LittleEndian.Uint32(manifestKey[:4]))
	return class, manifestKey[4:], nil
}

// DeriveManifestKey unwraps the manifest's database encryption key from
// a parsed, unlocked keybag and the raw ManifestKey blob.
func DeriveManifestKey(bag *keybag.Bag, manifestKey []byte) ([]byte, error) {
	class, wrapped, err := ManifestKeyClassAndWrapped(manifestKey)
	if err != nil {
		return nil, err
	}
	return bag.UnwrapForClass(class, wrapped)
}
