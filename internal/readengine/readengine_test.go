package readengine

import (
	"crypto/aes"
	"crypto/rand"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/ibackupfs/internal/cryptoutil"
	"github.com/deploymenttheory/ibackupfs/internal/manifest"
)

// writeEncryptedBlob pads plaintext with PKCS#7, encrypts it with a
// zero IV (matching how content blobs are encrypted on-device), and
// writes it to a fresh temp file, returning the handle and key.
func writeEncryptedBlob(t *testing.T, plaintext []byte) (*Handle, []byte) {
	t.Helper()

	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)

	padded := cryptoutil.PadPKCS7(plaintext, aes.BlockSize)
	iv := make([]byte, aes.BlockSize)
	ciphertext, err := cryptoutil.EncryptCBC(padded, key, iv)
	require.NoError(t, err)

	f, err := os.CreateTemp(t.TempDir(), "blob-*")
	require.NoError(t, err)
	_, err = f.Write(ciphertext)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	blob, err := os.Open(f.Name())
	require.NoError(t, err)
	t.Cleanup(func() { blob.Close() })

	return &Handle{
		file:      blob,
		info:      &manifest.FileInfo{RelativePath: "Test.bin"},
		size:      int64(len(plaintext)),
		encrypted: true,
		innerKey:  key,
	}, key
}

func TestReadEncryptedWholeFile(t *testing.T) {
	plaintext := []byte("the quick brown fox jumps over the lazy dog, thirty-six bytes and then some more padding text")
	h, _ := writeEncryptedBlob(t, plaintext)

	got, err := h.Read(0, len(plaintext))
	require.NoError(t, err)
	require.Equal(t, plaintext, got)
}

func TestReadEncryptedPartialMidFile(t *testing.T) {
	plaintext := []byte("0123456789ABCDEF0123456789ABCDEF0123456789ABCDEF") // 48 bytes
	h, _ := writeEncryptedBlob(t, plaintext)

	got, err := h.Read(5, 10)
	require.NoError(t, err)
	require.Equal(t, plaintext[5:15], got)
}

func TestReadEncryptedUnalignedTailRespectsRequestedLength(t *testing.T) {
	// Exercises the corrected trim: the original implementation's
	// `decrypted[:L-len(decrypted)]` is a no-op whenever the lengths
	// differ, so an over-long decrypted buffer would be returned
	// untrimmed. Requesting a length smaller than the remaining file
	// must yield exactly that many bytes.
	plaintext := []byte("this plaintext is exactly sixty-four characters long, forty-eigh")
	require.Len(t, plaintext, 64)
	h, _ := writeEncryptedBlob(t, plaintext)

	got, err := h.Read(58, 4)
	require.NoError(t, err)
	require.Len(t, got, 4)
	require.Equal(t, plaintext[58:62], got)
}

func TestReadEncryptedPastEndOfFileReturnsEmpty(t *testing.T) {
	plaintext := []byte("short file")
	h, _ := writeEncryptedBlob(t, plaintext)

	got, err := h.Read(int64(len(plaintext))+32, 16)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestReadPlainUnencryptedFallsThroughToReadAt(t *testing.T) {
	plaintext := []byte("plain, unencrypted content")
	f, err := os.CreateTemp(t.TempDir(), "plain-*")
	require.NoError(t, err)
	_, err = f.Write(plaintext)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	blob, err := os.Open(f.Name())
	require.NoError(t, err)
	t.Cleanup(func() { blob.Close() })

	h := &Handle{file: blob, info: &manifest.FileInfo{RelativePath: "plain.txt"}, size: int64(len(plaintext))}
	got, err := h.Read(6, 11)
	require.NoError(t, err)
	require.Equal(t, plaintext[6:17], got)
}
