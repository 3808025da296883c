// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

const redactedValue = "<redacted>"

// RedactString hides secrets in API payloads while signalling a value is set.
func RedactString(s string) string {
	if s == "" {
		return ""
	}
	return redactedValue
}

func IsRedactedString(s string) bool {
	return s == redactedValue
}
