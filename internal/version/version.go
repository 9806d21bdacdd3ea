/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package version provides build version information.
package version

// Version is the current version of the Skald automix engine.
// Set at build time via ldflags:
//
//	-X github.com/friendsincode/skald_automix/internal/version.Version=X.Y.Z
var Version = "0.7.3"
