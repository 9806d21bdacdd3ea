/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package cache stores analyser results keyed by normalised file path and
// revalidated against the backing file's (mtime, size).
package cache

import (
	"path/filepath"
	"runtime"
	"strings"
)

// caseInsensitiveFS is true on platforms whose default filesystems fold case.
// Overridden in tests.
var caseInsensitiveFS = runtime.GOOS == "windows" || runtime.GOOS == "darwin"

const headSuffix = "#head"

// keySet holds the canonical storage key for a path plus the lookup aliases
// that may match entries written by older player versions.
type keySet struct {
	canonical string
	aliases   []string
}

// normalizeKey derives the storage keys for a path. On case-insensitive
// filesystems the key is lowercased and both slash forms act as aliases; on
// case-sensitive filesystems only the cleaned absolute path is used.
func normalizeKey(path string, head bool) keySet {
	abs := path
	if a, err := filepath.Abs(path); err == nil {
		abs = a
	}
	abs = filepath.Clean(abs)

	suffix := ""
	if head {
		suffix = headSuffix
	}

	if !caseInsensitiveFS {
		return keySet{canonical: abs + suffix}
	}

	lower := strings.ToLower(abs)
	forward := strings.ReplaceAll(lower, `\`, "/")
	backward := strings.ReplaceAll(lower, "/", `\`)

	ks := keySet{canonical: forward + suffix}
	if backward != forward {
		ks.aliases = append(ks.aliases, backward+suffix)
	}
	return ks
}

// all returns canonical plus aliases, canonical first.
func (k keySet) all() []string {
	return append([]string{k.canonical}, k.aliases...)
}
