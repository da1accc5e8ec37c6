package storage

import "strings"

// normalizeKey canonicalizes a caller-supplied object name into the key used
// for store RPCs: no leading slash, single slashes between segments, no empty
// segments. It is idempotent and does not otherwise alter characters.
func normalizeKey(name string) string {
	for strings.HasPrefix(name, "/") {
		name = name[1:]
	}
	for strings.Contains(name, "//") {
		name = strings.ReplaceAll(name, "//", "/")
	}
	return name
}

// normalizePrefix canonicalizes a directory-style listing prefix. A non-empty
// prefix always ends in exactly one slash so the store's delimiter listing
// groups correctly and never produces double-slash artifacts.
func normalizePrefix(p string) string {
	p = normalizeKey(p)
	if p == "" {
		return ""
	}
	return strings.TrimRight(p, "/") + "/"
}
