package manifest

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/deploymenttheory/ibackupfs/internal/apperrors"
)

// Loader owns the manifest query handle (C3): either a direct read-only
// connection to an unencrypted Manifest.db, or a connection to a
// decrypted ephemeral copy. It is created once at mount and released at
// unmount, per spec.md §5.
type Loader struct {
	db       *sql.DB
	tempPath string // non-empty when db points at a decrypted scratch copy
}

// OpenUnencrypted opens root/Manifest.db directly, read-only.
func OpenUnencrypted(root string) (*Loader, error) {
	dbPath := filepath.Join(root, "Manifest.db")
	db, err := sql.Open("sqlite", "file:"+dbPath+"?mode=ro")
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindManifestInvalid, err, "could not open Manifest.db", "")
	}
	l := &Loader{db: db}
	if err := l.validate(); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

// OpenDecrypted decrypts root/Manifest.db into a scratch file under
// tempDir using key, then opens it read-write (SQLite needs to create
// its own journal/WAL files even for read-only queries) via the scratch
// copy. The scratch file is removed on Close.
func OpenDecrypted(root, tempDir string, key []byte) (*Loader, error) {
	tempFile, err := os.CreateTemp(tempDir, "ibackupfs-manifest-*.db")
	if err != nil {
		return nil, fmt.Errorf("creating scratch manifest file: %w", err)
	}
	tempPath := tempFile.Name()
	tempFile.Close()

	if err := DecryptManifestDB(filepath.Join(root, "Manifest.db"), tempPath, key); err != nil {
		os.Remove(tempPath)
		return nil, err
	}

	db, err := sql.Open("sqlite", "file:"+tempPath)
	if err != nil {
		os.Remove(tempPath)
		return nil, apperrors.Wrap(apperrors.KindManifestInvalid, err, "could not open decrypted Manifest.db", "")
	}
	l := &Loader{db: db, tempPath: tempPath}
	if err := l.validate(); err != nil {
		l.Close()
		return nil, err
	}
	return l, nil
}

// validate runs the spec-mandated sanity check: a zero or schema-missing
// result fails with KindManifestInvalid.
func (l *Loader) validate() error {
	var count int
	if err := l.db.QueryRow(`SELECT count(*) FROM Files`).Scan(&count); err != nil {
		return apperrors.Wrap(apperrors.KindManifestInvalid, err, "Manifest.db has no Files table", "the backup may be corrupted, or the passphrase may be wrong")
	}
	if count == 0 {
		return apperrors.New(apperrors.KindManifestInvalid, "Manifest.db's Files table is empty", "")
	}
	return nil
}

// Close releases the query handle and removes any scratch file.
func (l *Loader) Close() error {
	err := l.db.Close()
	if l.tempPath != "" {
		os.Remove(l.tempPath)
	}
	return err
}

// Row is one Files table match, still carrying the raw embedded plist.
type Row struct {
	FileID       string
	RelativePath string
	Flags        int
	Plist        []byte
}

// Lookup runs the exact-match query from spec.md §4.5. A nil row with a
// nil error means no manifest entry matches.
func (l *Loader) Lookup(domain, relativePath string) (*Row, error) {
	var r Row
	err := l.db.QueryRow(
		`SELECT fileID, file, flags FROM Files WHERE domain = ? AND relativePath = ?`,
		domain, relativePath,
	).Scan(&r.FileID, &r.Plist, &r.Flags)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying manifest: %w", err)
	}
	r.RelativePath = relativePath
	return &r, nil
}

// DomainRow is a Row plus the domain it belongs to, used by scans that
// walk the whole manifest (e.g. the size-anomaly check) rather than one
// domain at a time.
type DomainRow struct {
	Row
	Domain string
}

// AllRows streams every Files entry with the given flags value (e.g.
// FlagFile) across all domains.
func (l *Loader) AllRows(flags int) ([]DomainRow, error) {
	rows, err := l.db.Query(
		`SELECT domain, fileID, relativePath, file FROM Files WHERE flags = ?`, flags,
	)
	if err != nil {
		return nil, fmt.Errorf("scanning all manifest rows: %w", err)
	}
	defer rows.Close()

	var out []DomainRow
	for rows.Next() {
		var dr DomainRow
		dr.Flags = flags
		if err := rows.Scan(&dr.Domain, &dr.FileID, &dr.RelativePath, &dr.Plist); err != nil {
			return nil, fmt.Errorf("scanning manifest row: %w", err)
		}
		out = append(out, dr)
	}
	return out, rows.Err()
}

// FindByName returns every manifest row whose relativePath contains
// substr, across all domains. It powers the CLI's find command, a
// diagnostic query the manifest schema supports directly without
// needing a mounted filesystem.
func (l *Loader) FindByName(substr string) ([]DomainRow, error) {
	rows, err := l.db.Query(
		`SELECT domain, fileID, relativePath, file, flags FROM Files WHERE relativePath LIKE '%' || ? || '%'`,
		substr,
	)
	if err != nil {
		return nil, fmt.Errorf("searching manifest: %w", err)
	}
	defer rows.Close()

	var out []DomainRow
	for rows.Next() {
		var dr DomainRow
		if err := rows.Scan(&dr.Domain, &dr.FileID, &dr.RelativePath, &dr.Plist, &dr.Flags); err != nil {
			return nil, fmt.Errorf("scanning search result: %w", err)
		}
		out = append(out, dr)
	}
	return out, rows.Err()
}

// DistinctDomains runs the domain-tree enumeration query (C4).
func (l *Loader) DistinctDomains() ([]string, error) {
	rows, err := l.db.Query(`SELECT DISTINCT domain FROM Files`)
	if err != nil {
		return nil, fmt.Errorf("enumerating domains: %w", err)
	}
	defer rows.Close()

	var domains []string
	for rows.Next() {
		var d sql.NullString
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("scanning domain: %w", err)
		}
		if d.Valid {
			domains = append(domains, d.String)
		}
	}
	return domains, rows.Err()
}

// SubdomainsOf returns every distinct "sub" segment for domains of the
// form top + "-" + sub, used to synthesize readdir on a domain that has
// subdomains.
func (l *Loader) SubdomainsOf(top string) ([]string, error) {
	rows, err := l.db.Query(
		`SELECT DISTINCT domain FROM Files WHERE domain LIKE ? || '-%'`, top,
	)
	if err != nil {
		return nil, fmt.Errorf("enumerating subdomains: %w", err)
	}
	defer rows.Close()

	var subs []string
	prefixLen := len(top) + 1
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("scanning subdomain: %w", err)
		}
		subs = append(subs, d[prefixLen:])
	}
	return subs, rows.Err()
}

// ImmediateChildren returns the relativePath of every row in domain
// whose relativePath is an immediate child of targetPath (spec.md
// §4.7's readdir rule: prefix-match but exclude anything with a further
// slash past the prefix).
func (l *Loader) ImmediateChildren(domain, targetPath string) ([]string, error) {
	prefix := targetPath
	if prefix != "" {
		prefix += "/"
	}
	rows, err := l.db.Query(
		`SELECT relativePath FROM Files
		 WHERE domain = ?
		   AND relativePath <> ''
		   AND relativePath LIKE ? || '%'
		   AND relativePath NOT LIKE ? || '%/%'`,
		domain, prefix, prefix,
	)
	if err != nil {
		return nil, fmt.Errorf("listing directory children: %w", err)
	}
	defer rows.Close()

	var children []string
	for rows.Next() {
		var rp string
		if err := rows.Scan(&rp); err != nil {
			return nil, fmt.Errorf("scanning child relativePath: %w", err)
		}
		children = append(children, rp[len(prefix):])
	}
	return children, rows.Err()
}
