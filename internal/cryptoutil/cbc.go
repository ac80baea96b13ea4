// Package cryptoutil implements the block-cipher primitives the mount
// core needs: plain AES-CBC (no implicit padding), PKCS#7 unpadding, and
// RFC 3394 AES key unwrap.
package cryptoutil

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"github.com/deploymenttheory/ibackupfs/internal/apperrors"
)

// DecryptCBC decrypts ciphertext with AES-CBC using key and iv. It does
// not remove any padding; the caller decides whether and when to unpad.
// len(ciphertext) must be a positive multiple of aes.BlockSize.
func DecryptCBC(ciphertext, key, iv []byte) ([]byte, error) {
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, apperrors.New(apperrors.KindCorruption,
			fmt.Sprintf("ciphertext length %d is not a positive multiple of %d", len(ciphertext), aes.BlockSize),
			"")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}
	if len(iv) != aes.BlockSize {
		return nil, apperrors.New(apperrors.KindCorruption, "IV must be one AES block", "")
	}

	plaintext := make([]byte, len(ciphertext))
	mode := cipher.NewCBCDecrypter(block, iv)
	mode.CryptBlocks(plaintext, ciphertext)
	return plaintext, nil
}

// EncryptCBC encrypts plaintext (already a multiple of aes.BlockSize,
// the caller pads first) with AES-CBC using key and iv.
func EncryptCBC(plaintext, key, iv []byte) ([]byte, error) {
	if len(plaintext) == 0 || len(plaintext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("plaintext length %d is not a positive multiple of %d", len(plaintext), aes.BlockSize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}
	ciphertext := make([]byte, len(plaintext))
	mode := cipher.NewCBCEncrypter(block, iv)
	mode.CryptBlocks(ciphertext, plaintext)
	return ciphertext, nil
}

// PadPKCS7 pads data out to a multiple of blockSize, per RFC 5652. A
// data length that is already a multiple of blockSize still gets a full
// extra block, matching spec's "files whose plaintext size is a
// multiple of B get a full extra block" invariant.
func PadPKCS7(data []byte, blockSize int) []byte {
	padding := blockSize - (len(data) % blockSize)
	padded := make([]byte, len(data)+padding)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padding)
	}
	return padded
}

// UnpadPKCS7 examines the final byte p of block (1 <= p <= 16) and
// truncates it off. It fails with apperrors.KindCorruption on an
// invalid padding byte, never silently accepting malformed padding.
func UnpadPKCS7(block []byte) ([]byte, error) {
	n := len(block)
	if n == 0 {
		return nil, apperrors.New(apperrors.KindCorruption, "cannot unpad empty block", "")
	}
	p := int(block[n-1])
	if p < 1 || p > aes.BlockSize || p > n {
		return nil, apperrors.New(apperrors.KindCorruption,
			fmt.Sprintf("invalid PKCS#7 padding byte %d", p), "")
	}
	for i := n - p; i < n; i++ {
		if int(block[i]) != p {
			return nil, apperrors.New(apperrors.KindCorruption, "inconsistent PKCS#7 padding bytes", "")
		}
	}
	return block[:n-p], nil
}
