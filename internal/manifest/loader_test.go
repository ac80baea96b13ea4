package manifest

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"howett.net/plist"

	_ "modernc.org/sqlite"
)

// buildTestManifest creates a Manifest.db under a fresh temp directory
// with a handful of rows spanning a plain domain, a domain with a
// subdomain, and a nested directory/file pair, returning the directory
// it lives in.
func buildTestManifest(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	db, err := sql.Open("sqlite", filepath.Join(dir, "Manifest.db"))
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`CREATE TABLE Files (
		fileID TEXT PRIMARY KEY,
		domain TEXT,
		relativePath TEXT,
		flags INTEGER,
		file BLOB
	)`)
	require.NoError(t, err)

	filePlist := func(size int64) []byte {
		doc := map[string]interface{}{
			"$version":  uint64(100000),
			"$archiver": "NSKeyedArchiver",
			"$top":      map[string]interface{}{"root": plist.UID(1)},
			"$objects": []interface{}{
				"$null",
				map[string]interface{}{
					"Size":             size,
					"UserID":           int64(501),
					"GroupID":          int64(501),
					"Mode":             int64(0o100644),
					"LastModified":     int64(1000),
					"LastStatusChange": int64(1000),
					"Birth":            int64(900),
				},
			},
		}
		data, err := plist.Marshal(doc, plist.XMLFormat)
		require.NoError(t, err)
		return data
	}

	dirPlist := func() []byte {
		doc := map[string]interface{}{
			"$version":  uint64(100000),
			"$archiver": "NSKeyedArchiver",
			"$top":      map[string]interface{}{"root": plist.UID(1)},
			"$objects": []interface{}{
				"$null",
				map[string]interface{}{
					"Mode":    int64(0o040755),
					"UserID":  int64(501),
					"GroupID": int64(501),
				},
			},
		}
		data, err := plist.Marshal(doc, plist.XMLFormat)
		require.NoError(t, err)
		return data
	}

	rows := []struct {
		fileID, domain, relPath string
		flags                   int
		plistData               []byte
	}{
		{"aaa1", "HomeDomain", "Library/Preferences/com.apple.test.plist", 1, filePlist(42)},
		{"aaa2", "AppDomain-com.apple.mobilesafari", "Documents", 2, dirPlist()},
		{"aaa3", "AppDomain-com.apple.mobilesafari", "Documents/note.txt", 1, filePlist(7)},
	}
	for _, r := range rows {
		_, err := db.Exec(`INSERT INTO Files (fileID, domain, relativePath, flags, file) VALUES (?, ?, ?, ?, ?)`,
			r.fileID, r.domain, r.relPath, r.flags, r.plistData)
		require.NoError(t, err)
	}

	return dir
}

func TestOpenUnencryptedAndLookup(t *testing.T) {
	root := buildTestManifest(t)
	loader, err := OpenUnencrypted(root)
	require.NoError(t, err)
	defer loader.Close()

	row, err := loader.Lookup("HomeDomain", "Library/Preferences/com.apple.test.plist")
	require.NoError(t, err)
	require.NotNil(t, row)
	require.Equal(t, "aaa1", row.FileID)
	require.Equal(t, 1, row.Flags)

	row, err = loader.Lookup("HomeDomain", "no/such/path")
	require.NoError(t, err)
	require.Nil(t, row)
}

func TestDistinctDomainsAndSubdomains(t *testing.T) {
	root := buildTestManifest(t)
	loader, err := OpenUnencrypted(root)
	require.NoError(t, err)
	defer loader.Close()

	domains, err := loader.DistinctDomains()
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"HomeDomain", "AppDomain-com.apple.mobilesafari"}, domains)

	subs, err := loader.SubdomainsOf("AppDomain")
	require.NoError(t, err)
	require.Equal(t, []string{"com.apple.mobilesafari"}, subs)
}

func TestImmediateChildren(t *testing.T) {
	root := buildTestManifest(t)
	loader, err := OpenUnencrypted(root)
	require.NoError(t, err)
	defer loader.Close()

	children, err := loader.ImmediateChildren("AppDomain-com.apple.mobilesafari", "")
	require.NoError(t, err)
	require.Equal(t, []string{"Documents"}, children)

	children, err = loader.ImmediateChildren("AppDomain-com.apple.mobilesafari", "Documents")
	require.NoError(t, err)
	require.Equal(t, []string{"note.txt"}, children)
}

func TestValidateRejectsEmptyManifest(t *testing.T) {
	dir := t.TempDir()
	db, err := sql.Open("sqlite", filepath.Join(dir, "Manifest.db"))
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE Files (fileID TEXT, domain TEXT, relativePath TEXT, flags INTEGER, file BLOB)`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, err = OpenUnencrypted(dir)
	require.Error(t, err)
}

func TestOpenUnencryptedMissingFile(t *testing.T) {
	dir := t.TempDir()
	require.NoFileExists(t, filepath.Join(dir, "Manifest.db"))
	_, err := OpenUnencrypted(dir)
	require.Error(t, err)
}
