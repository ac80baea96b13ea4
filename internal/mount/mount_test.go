package mount

import (
	"bytes"
	"crypto/aes"
	"crypto/sha1"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/pbkdf2"
	"howett.net/plist"

	_ "modernc.org/sqlite"

	"github.com/deploymenttheory/ibackupfs/internal/cryptoutil"
)

const classKeyWrapUsesPasscode = 2

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

func buildUnencryptedBackup(t *testing.T) string {
	t.Helper()
	root := t.TempDir()

	doc := map[string]interface{}{"IsEncrypted": false}
	data, err := plist.Marshal(doc, plist.XMLFormat)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(root, "Manifest.plist"), data, 0o644))

	db, err := sql.Open("sqlite", filepath.Join(root, "Manifest.db"))
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE Files (fileID TEXT PRIMARY KEY, domain TEXT, relativePath TEXT, flags INTEGER, file BLOB)`)
	require.NoError(t, err)

	fileDoc := map[string]interface{}{
		"$version":  uint64(100000),
		"$archiver": "NSKeyedArchiver",
		"$top":      map[string]interface{}{"root": plist.UID(1)},
		"$objects": []interface{}{
			"$null",
			map[string]interface{}{"Size": int64(3), "Mode": int64(0o100644), "UserID": int64(501), "GroupID": int64(501)},
		},
	}
	fileData, err := plist.Marshal(fileDoc, plist.XMLFormat)
	require.NoError(t, err)

	_, err = db.Exec(`INSERT INTO Files VALUES (?, ?, ?, ?, ?)`, "f1", "HomeDomain", "a.txt", 1, fileData)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	return root
}

// buildEncryptedBackup constructs a minimal encrypted backup: a keybag
// wrapping one class key under the passphrase, a ManifestKey wrapping
// the database key under that class key, a Manifest.db encrypted under
// the database key (single-chunk AES-CBC, zero IV), and a
// Manifest.plist carrying the keybag and the ManifestKey.
func buildEncryptedBackup(t *testing.T, passphrase string) string {
	t.Helper()
	root := t.TempDir()

	salt := bytes.Repeat([]byte{0x01}, 20)
	dpsl := bytes.Repeat([]byte{0x02}, 20)
	const iter = 10
	const dpic = 10
	const manifestClass = int32(1)

	pass1 := pbkdf2.Key([]byte(passphrase), dpsl, dpic, 32, sha256.New)
	passcodeKey := pbkdf2.Key(pass1, salt, iter, 32, sha1.New)

	classKey := bytes.Repeat([]byte{0x24}, 32)
	wrappedClassKey, err := cryptoutil.WrapKey(passcodeKey, classKey)
	require.NoError(t, err)

	manifestKeyPlain := bytes.Repeat([]byte{0x42}, 32)
	wrappedManifestKey, err := cryptoutil.WrapKey(classKey, manifestKeyPlain)
	require.NoError(t, err)

	var keybagBuf bytes.Buffer
	tlv(&keybagBuf, "VERS", be32(2))
	tlv(&keybagBuf, "TYPE", be32(0))
	tlv(&keybagBuf, "UUID", bytes.Repeat([]byte{0xAA}, 16))
	tlv(&keybagBuf, "SALT", salt)
	tlv(&keybagBuf, "ITER", be32(iter))
	tlv(&keybagBuf, "DPSL", dpsl)
	tlv(&keybagBuf, "DPIC", be32(dpic))
	tlv(&keybagBuf, "UUID", bytes.Repeat([]byte{0xBB}, 16))
	tlv(&keybagBuf, "CLAS", be32(uint32(manifestClass)))
	tlv(&keybagBuf, "WRAP", be32(classKeyWrapUsesPasscode))
	tlv(&keybagBuf, "KTYP", be32(0))
	tlv(&keybagBuf, "WPKY", wrappedClassKey)

	// Build the plaintext Manifest.db, then encrypt it whole as a
	// single zero-IV AES-CBC chunk (it is well under decryptChunkSize).
	dbPath := filepath.Join(root, "Manifest.db")
	db, err := sql.Open("sqlite", dbPath)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE Files (fileID TEXT PRIMARY KEY, domain TEXT, relativePath TEXT, flags INTEGER, file BLOB)`)
	require.NoError(t, err)

	fileDoc := map[string]interface{}{
		"$version":  uint64(100000),
		"$archiver": "NSKeyedArchiver",
		"$top":      map[string]interface{}{"root": plist.UID(1)},
		"$objects": []interface{}{
			"$null",
			map[string]interface{}{"Size": int64(3), "Mode": int64(0o100644), "UserID": int64(501), "GroupID": int64(501)},
		},
	}
	fileData, err := plist.Marshal(fileDoc, plist.XMLFormat)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO Files VALUES (?, ?, ?, ?, ?)`, "f1", "HomeDomain", "a.txt", 1, fileData)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	plainDB, err := os.ReadFile(dbPath)
	require.NoError(t, err)
	aligned := make([]byte, len(plainDB))
	copy(aligned, plainDB)
	if rem := len(aligned) % aes.BlockSize; rem != 0 {
		aligned = append(aligned, make([]byte, aes.BlockSize-rem)...)
	}
	zeroIV := make([]byte, aes.BlockSize)
	cipherDB, err := cryptoutil.EncryptCBC(aligned, manifestKeyPlain, zeroIV)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(dbPath, cipherDB, 0o644))

	manifestKeyBlob := append(be32LE(uint32(manifestClass)), wrappedManifestKey...)
	plistDoc := map[string]interface{}{
		"IsEncrypted":  true,
		"BackupKeyBag": keybagBuf.Bytes(),
		"ManifestKey":  manifestKeyBlob,
	}
	plistData, err := plist.Marshal(plistDoc, plist.XMLFormat)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(root, "Manifest.plist"), plistData, 0o644))

	return root
}

func be32LE(n uint32) []byte {
	b := make([]byte, 4)
	b[0] = byte(n)
	b[1] = byte(n >> 8)
	b[2] = byte(n >> 16)
	b[3] = byte(n >> 24)
	return b
}

func TestOpenEncryptedBackupUnlocksAndLoadsManifest(t *testing.T) {
	root := buildEncryptedBackup(t, "correct horse battery staple")

	b, err := Open(root, "correct horse battery staple")
	require.NoError(t, err)
	defer b.Close()

	require.NotNil(t, b.Bag)
	require.True(t, b.Bag.Unlocked())

	info, err := b.Resolver.Resolve("HomeDomain/a.txt")
	require.NoError(t, err)
	require.True(t, info.IsFile())
}

func TestOpenEncryptedBackupWrongPassphraseFails(t *testing.T) {
	root := buildEncryptedBackup(t, "correct horse battery staple")

	_, err := Open(root, "wrong passphrase")
	require.Error(t, err)
}

func TestOpenUnencryptedBackup(t *testing.T) {
	root := buildUnencryptedBackup(t)

	b, err := Open(root, "")
	require.NoError(t, err)
	defer b.Close()

	require.Nil(t, b.Bag)
	require.NotNil(t, b.Loader)
	require.NotNil(t, b.Resolver)
	require.Contains(t, b.Tree.Tops(), "HomeDomain")

	info, err := b.Resolver.Resolve("HomeDomain/a.txt")
	require.NoError(t, err)
	require.True(t, info.IsFile())
}

func TestOpenRejectsMissingManifestPlist(t *testing.T) {
	root := t.TempDir()
	_, err := Open(root, "")
	require.Error(t, err)
}

func TestOpenRejectsManifestWithoutKeybagWhenEncrypted(t *testing.T) {
	root := t.TempDir()
	doc := map[string]interface{}{"IsEncrypted": true}
	data, err := plist.Marshal(doc, plist.XMLFormat)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(root, "Manifest.plist"), data, 0o644))

	_, err = Open(root, "whatever")
	require.Error(t, err)
}
