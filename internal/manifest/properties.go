// Package manifest implements the manifest loader (C3), the in-memory
// FileInfo data model, and the embedded property-list object model
// (C10) the path resolver and read engine build on.
package manifest

import (
	"fmt"

	"howett.net/plist"

	"github.com/deploymenttheory/ibackupfs/internal/apperrors"
)

// Properties is a decoded NSKeyedArchiver-style property list: a
// top-level "$top"/"root" reference into an indexable "$objects" array,
// per spec.md §3 and §9 (object-table indirection, tagged-variant
// leaves). It wraps the library's generic map/array output rather than
// re-implementing bplist parsing, which the spec explicitly treats as
// an assumed-available external collaborator.
type Properties struct {
	objects []interface{}
	root    map[string]interface{}
}

// ParsePlist decodes a serialized property list (either the embedded
// per-file plist stored in Files.file, or Manifest.plist itself) and
// resolves its $top.root reference into the object described by it.
func ParsePlist(data []byte) (*Properties, error) {
	var doc map[string]interface{}
	if _, err := plist.Unmarshal(data, &doc); err != nil {
		return nil, apperrors.Wrap(apperrors.KindCorruption, err, "failed to decode property list", "")
	}

	objectsRaw, ok := doc["$objects"].([]interface{})
	if !ok {
		return nil, apperrors.New(apperrors.KindCorruption, "property list has no $objects array", "")
	}

	top, ok := doc["$top"].(map[string]interface{})
	if !ok {
		return nil, apperrors.New(apperrors.KindCorruption, "property list has no $top entry", "")
	}
	rootUID, err := asUID(top["root"])
	if err != nil {
		return nil, err
	}

	p := &Properties{objects: objectsRaw}
	root, err := p.dereference(rootUID)
	if err != nil {
		return nil, err
	}
	rootMap, ok := root.(map[string]interface{})
	if !ok {
		return nil, apperrors.New(apperrors.KindCorruption, "property list root object is not a dictionary", "")
	}
	p.root = rootMap
	return p, nil
}

// RawDocument decodes a top-level property list (Manifest.plist) into a
// plain map, bypassing the $objects/$top object-table indirection that
// only embedded per-file plists use.
func RawDocument(data []byte) (map[string]interface{}, error) {
	var doc map[string]interface{}
	if _, err := plist.Unmarshal(data, &doc); err != nil {
		return nil, apperrors.Wrap(apperrors.KindManifestInvalid, err, "failed to decode Manifest.plist", "")
	}
	return doc, nil
}

// dereference resolves a UID into the object it names, refusing
// negative or out-of-range indices per spec.md §9's Design Note.
func (p *Properties) dereference(uid int64) (interface{}, error) {
	if uid < 0 || int(uid) >= len(p.objects) {
		return nil, apperrors.New(apperrors.KindCorruption,
			fmt.Sprintf("object table index %d out of range [0,%d)", uid, len(p.objects)), "")
	}
	return p.objects[uid], nil
}

func asUID(v interface{}) (int64, error) {
	switch n := v.(type) {
	case plist.UID:
		return int64(n), nil
	case uint64:
		return int64(n), nil
	case int64:
		return n, nil
	default:
		return 0, apperrors.New(apperrors.KindCorruption, "expected a UID reference", "")
	}
}

// Int64 returns the named field as an integer, treating a missing
// field as zero (several fields, like Birth/LastModified, are always
// present on well-formed entries but this keeps lookups total).
func (p *Properties) Int64(key string) int64 {
	switch n := p.root[key].(type) {
	case int64:
		return n
	case uint64:
		return int64(n)
	case plist.UID:
		return int64(n)
	default:
		return 0
	}
}

// Has reports whether key is present in the root dictionary.
func (p *Properties) Has(key string) bool {
	_, ok := p.root[key]
	return ok
}

// Bytes dereferences a UID field pointing at an NS.data leaf and
// returns its raw bytes.
func (p *Properties) Bytes(key string) ([]byte, error) {
	uid, err := asUID(p.root[key])
	if err != nil {
		return nil, err
	}
	obj, err := p.dereference(uid)
	if err != nil {
		return nil, err
	}
	dict, ok := obj.(map[string]interface{})
	if !ok {
		return nil, apperrors.New(apperrors.KindCorruption, fmt.Sprintf("%s does not reference an NS.data object", key), "")
	}
	data, ok := dict["NS.data"].([]byte)
	if !ok {
		return nil, apperrors.New(apperrors.KindCorruption, fmt.Sprintf("%s object has no NS.data payload", key), "")
	}
	return data, nil
}

// String dereferences a UID field pointing at a plain string leaf.
func (p *Properties) String(key string) (string, error) {
	uid, err := asUID(p.root[key])
	if err != nil {
		return "", err
	}
	obj, err := p.dereference(uid)
	if err != nil {
		return "", err
	}
	s, ok := obj.(string)
	if !ok {
		return "", apperrors.New(apperrors.KindCorruption, fmt.Sprintf("%s does not reference a string", key), "")
	}
	return s, nil
}
