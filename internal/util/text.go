// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package util

import "github.com/mattn/go-runewidth"

// Ellipsis marks truncated display text.
const Ellipsis = "..."

// TruncateDisplay shortens s to at most width terminal columns, ending it
// with Ellipsis when anything was cut. Wide characters count as two
// columns.
func TruncateDisplay(s string, width int) string {
	if width <= 0 {
		return ""
	}
	if runewidth.StringWidth(s) <= width {
		return s
	}
	if width <= len(Ellipsis) {
		return runewidth.Truncate(s, width, "")
	}
	return runewidth.Truncate(s, width, Ellipsis)
}

// PadDisplay right-pads s with spaces to width columns, truncating first
// when it is wider.
func PadDisplay(s string, width int) string {
	return runewidth.FillRight(TruncateDisplay(s, width), width)
}

// DisplayWidth returns the number of terminal columns s occupies.
func DisplayWidth(s string) int {
	return runewidth.StringWidth(s)
}
