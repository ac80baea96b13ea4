package keybag

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/pbkdf2"

	"github.com/deploymenttheory/ibackupfs/internal/cryptoutil"
)

// tlv appends one tag(4)+length(4,BE)+payload record to buf.
func tlv(buf *bytes.Buffer, tag string, payload []byte) {
	buf.WriteString(tag)
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(payload)))
	buf.Write(length[:])
	buf.Write(payload)
}

func be32(n uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], n)
	return b[:]
}

// buildKeybag constructs a single-class keybag wrapped with the given
// passphrase, returning the serialized bytes and the class's plaintext key.
func buildKeybag(t *testing.T, passphrase string, class int32) ([]byte, []byte) {
	t.Helper()

	salt := bytes.Repeat([]byte{0x01}, 20)
	dpsl := bytes.Repeat([]byte{0x02}, 20)
	const iter = 10
	const dpic = 10

	pass1 := pbkdf2.Key([]byte(passphrase), dpsl, dpic, 32, sha256New)
	passcodeKey := pbkdf2.Key(pass1, salt, iter, 32, sha1New)

	classKey := bytes.Repeat([]byte{0x42}, 32)
	wrapped, err := cryptoutil.WrapKey(passcodeKey, classKey)
	require.NoError(t, err)

	var buf bytes.Buffer
	tlv(&buf, "VERS", be32(2))
	tlv(&buf, "TYPE", be32(0))
	tlv(&buf, "UUID", bytes.Repeat([]byte{0xAA}, 16))
	tlv(&buf, "SALT", salt)
	tlv(&buf, "ITER", be32(iter))
	tlv(&buf, "DPSL", dpsl)
	tlv(&buf, "DPIC", be32(dpic))

	// Second UUID opens the class-key entry.
	tlv(&buf, "UUID", bytes.Repeat([]byte{0xBB}, 16))
	tlv(&buf, "CLAS", be32(uint32(class)))
	tlv(&buf, "WRAP", be32(classKeyWrapUsesPasscode))
	tlv(&buf, "KTYP", be32(0))
	tlv(&buf, "WPKY", wrapped)

	return buf.Bytes(), classKey
}

func TestParseAndUnlockRoundTrip(t *testing.T) {
	raw, classKey := buildKeybag(t, "correct horse", 3)

	bag, err := Parse(raw)
	require.NoError(t, err)
	require.False(t, bag.Unlocked())
	require.Len(t, bag.classes, 1)
	require.Equal(t, int32(3), bag.classes[0].Class)

	require.NoError(t, bag.Unlock([]byte("correct horse")))
	require.True(t, bag.Unlocked())
	require.Equal(t, classKey, bag.classes[0].Key)
}

func TestUnlockWrongPassphraseFails(t *testing.T) {
	raw, _ := buildKeybag(t, "correct horse", 3)

	bag, err := Parse(raw)
	require.NoError(t, err)

	err = bag.Unlock([]byte("wrong passphrase"))
	require.Error(t, err)
	require.False(t, bag.Unlocked())
}

func TestUnwrapForClassRequiresUnlock(t *testing.T) {
	raw, _ := buildKeybag(t, "correct horse", 3)
	bag, err := Parse(raw)
	require.NoError(t, err)

	_, err = bag.UnwrapForClass(3, make([]byte, 0x28))
	require.Error(t, err)
}

func TestUnwrapForClassUnknownClassFails(t *testing.T) {
	raw, _ := buildKeybag(t, "correct horse", 3)
	bag, err := Parse(raw)
	require.NoError(t, err)
	require.NoError(t, bag.Unlock([]byte("correct horse")))

	_, err = bag.UnwrapForClass(99, make([]byte, 0x28))
	require.Error(t, err)
}

func TestUnwrapForClassEllipticCurveLengthFailsLoudly(t *testing.T) {
	raw, _ := buildKeybag(t, "correct horse", 3)
	bag, err := Parse(raw)
	require.NoError(t, err)
	require.NoError(t, bag.Unlock([]byte("correct horse")))

	_, err = bag.UnwrapForClass(3, make([]byte, unwrapLenEllipticCurve))
	require.Error(t, err)
}

func TestParseRejectsTruncatedStream(t *testing.T) {
	_, err := Parse([]byte{0x01, 0x02, 0x03})
	require.Error(t, err)
}
