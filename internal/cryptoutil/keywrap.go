package cryptoutil

import (
	"crypto/aes"
	"encoding/binary"
	"fmt"

	"github.com/deploymenttheory/ibackupfs/internal/apperrors"
)

// defaultIV is the standard RFC 3394 integrity check value (section 2.2.3.1).
var defaultIV = [8]byte{0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6}

// UnwrapKey implements RFC 3394 AES key unwrap (the 64-bit-block, 6n
// round variant). wrapped must be a multiple of 8 bytes and at least
// 16 bytes (n >= 1 64-bit blocks of wrapped key plus the integrity
// block). It fails if the recovered integrity value doesn't match the
// standard constant, which is how a wrong unwrapping key is detected.
func UnwrapKey(kek, wrapped []byte) ([]byte, error) {
	if len(wrapped)%8 != 0 || len(wrapped) < 16 {
		return nil, apperrors.New(apperrors.KindCorruption,
			fmt.Sprintf("wrapped key length %d is not a valid RFC 3394 payload", len(wrapped)), "")
	}
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher for key unwrap: %w", err)
	}

	n := len(wrapped)/8 - 1
	var a [8]byte
	copy(a[:], wrapped[:8])
	r := make([][8]byte, n)
	for i := 0; i < n; i++ {
		copy(r[i][:], wrapped[8+i*8:16+i*8])
	}

	buf := make([]byte, 16)
	for j := 5; j >= 0; j-- {
		for i := n; i >= 1; i-- {
			t := uint64(n*j + i)
			var tBytes [8]byte
			binary.BigEndian.PutUint64(tBytes[:], t)

			copy(buf[:8], a[:])
			copy(buf[8:], r[i-1][:])
			for k := range tBytes {
				buf[k] ^= tBytes[k]
			}
			block.Decrypt(buf, buf)
			copy(a[:], buf[:8])
			copy(r[i-1][:], buf[8:])
		}
	}

	if a != defaultIV {
		return nil, apperrors.New(apperrors.KindBadPassphrase, "key unwrap integrity check failed", "")
	}

	key := make([]byte, 8*n)
	for i := 0; i < n; i++ {
		copy(key[i*8:], r[i][:])
	}
	return key, nil
}

// WrapKey implements RFC 3394 AES key wrap, the inverse of UnwrapKey.
// Provided for completeness and for round-trip tests; the mount path
// only ever unwraps.
func WrapKey(kek, key []byte) ([]byte, error) {
	if len(key)%8 != 0 || len(key) == 0 {
		return nil, fmt.Errorf("key length %d must be a positive multiple of 8", len(key))
	}
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher for key wrap: %w", err)
	}

	n := len(key) / 8
	a := defaultIV
	r := make([][8]byte, n)
	for i := 0; i < n; i++ {
		copy(r[i][:], key[i*8:(i+1)*8])
	}

	buf := make([]byte, 16)
	for j := 0; j <= 5; j++ {
		for i := 1; i <= n; i++ {
			copy(buf[:8], a[:])
			copy(buf[8:], r[i-1][:])
			block.Encrypt(buf, buf)
			copy(a[:], buf[:8])
			copy(r[i-1][:], buf[8:])

			t := uint64(n*j + i)
			var tBytes [8]byte
			binary.BigEndian.PutUint64(tBytes[:], t)
			for k := range tBytes {
				a[k] ^= tBytes[k]
			}
		}
	}

	wrapped := make([]byte, 8+len(key))
	copy(wrapped[:8], a[:])
	for i := 0; i < n; i++ {
		copy(wrapped[8+i*8:], r[i][:])
	}
	return wrapped, nil
}
