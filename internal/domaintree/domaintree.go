// Package domaintree builds the two-level virtual directory hierarchy
// (C4) that the path resolver walks: every distinct manifest domain is
// split at its first hyphen into a top-level name and an optional
// subdomain, per spec.md §3 and §4.4.
package domaintree

import "strings"

// Tree holds the top/subdomain split of every distinct domain string
// seen in a manifest.
type Tree struct {
	// subdomains maps a top-level name to the set of subdomain suffixes
	// found under it. A top with no hyphen in any of its domains has an
	// empty set here but is still present in tops.
	subdomains map[string]map[string]bool
	// full maps a top-level name back to the complete raw domain string
	// when that top has no subdomain (i.e. the whole domain is the top).
	full map[string]string
}

// Build splits each domain in domains at its first hyphen and
// accumulates the top/subdomain relationships.
func Build(domains []string) *Tree {
	t := &Tree{
		subdomains: make(map[string]map[string]bool),
		full:       make(map[string]string),
	}
	for _, d := range domains {
		top, sub, hasSub := strings.Cut(d, "-")
		if _, ok := t.subdomains[top]; !ok {
			t.subdomains[top] = make(map[string]bool)
		}
		if hasSub {
			t.subdomains[top][sub] = true
		} else {
			t.full[top] = d
		}
	}
	return t
}

// Tops returns every top-level domain name, sorted is left to the
// caller since spec.md does not mandate ordering for directory entries.
func (t *Tree) Tops() []string {
	tops := make([]string, 0, len(t.subdomains))
	for top := range t.subdomains {
		tops = append(tops, top)
	}
	return tops
}

// HasTop reports whether top is a known top-level domain name.
func (t *Tree) HasTop(top string) bool {
	_, ok := t.subdomains[top]
	return ok
}

// Subdomains returns the subdomain suffixes recorded under top.
func (t *Tree) Subdomains(top string) []string {
	subs := make([]string, 0, len(t.subdomains[top]))
	for s := range t.subdomains[top] {
		subs = append(subs, s)
	}
	return subs
}

// HasSubdomain reports whether top-sub is a known full domain string.
func (t *Tree) HasSubdomain(top, sub string) bool {
	return t.subdomains[top][sub]
}

// Resolve maps a (top, sub) pair - sub may be empty - back to the raw
// domain string stored in the Files table. ok is false if the pair does
// not correspond to a domain that actually exists in the manifest.
func (t *Tree) Resolve(top, sub string) (domain string, ok bool) {
	if sub == "" {
		d, ok := t.full[top]
		return d, ok
	}
	if t.subdomains[top][sub] {
		return top + "-" + sub, true
	}
	return "", false
}
