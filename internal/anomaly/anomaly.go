// Package anomaly implements the --list-size-anomalies diagnostic
// (spec.md §6, §8): scanning every manifest file entry for a content
// blob whose on-disk size disagrees with what AES-CBC padding of its
// recorded plaintext size predicts.
package anomaly

import (
	"fmt"
	"io"
	"os"

	"github.com/deploymenttheory/ibackupfs/internal/manifest"
)

const aesBlockSize = 16

// expectedBlobSize returns the ciphertext size an encrypted file of
// plaintextSize bytes should occupy on disk: PKCS7 always adds at
// least one byte of padding, so a plaintext that is already block
// aligned still consumes a full extra block.
func expectedBlobSize(plaintextSize int64) int64 {
	return ((plaintextSize + 1 + aesBlockSize - 1) / aesBlockSize) * aesBlockSize
}

// Scan walks every flags=1 (plain file) manifest entry that carries an
// EncryptionKey and reports, to out, every one whose on-disk blob size
// (found under root) does not match expectedBlobSize. It returns nil
// even if anomalies were found; the caller's contract is "report
// them", not "fail".
func Scan(loader *manifest.Loader, root string, out io.Writer) error {
	rows, err := loader.AllRows(manifest.FlagFile)
	if err != nil {
		return err
	}

	found := 0
	for _, dr := range rows {
		info, err := manifest.FromRow(root, dr.Domain, &dr.Row)
		if err != nil {
			fmt.Fprintf(out, "skipping %s/%s: %v\n", dr.Domain, dr.RelativePath, err)
			continue
		}
		if !info.HasEncryptionKey() {
			continue
		}

		st, err := os.Stat(info.ContentPath())
		if err != nil {
			fmt.Fprintf(out, "%s/%s: content blob missing (%v)\n", dr.Domain, dr.RelativePath, err)
			found++
			continue
		}

		want := expectedBlobSize(info.Properties.Int64("Size"))
		if st.Size() != want {
			fmt.Fprintf(out, "%s/%s: blob size %d, expected %d\n", dr.Domain, dr.RelativePath, st.Size(), want)
			found++
		}
	}

	fmt.Fprintf(out, "%d anomalies found\n", found)
	return nil
}
