// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package gate

import (
	"bytes"
)

// challengeMarkers are fragments of WAF and bot-check interstitials that are
// served with a 200 status.
var challengeMarkers = [][]byte{
	[]byte("<title>just a moment...</title>"),
	[]byte("cf-browser-verification"),
	[]byte("challenge-platform"),
	[]byte("cf_chl_opt"),
	[]byte("ddos-guard"),
	[]byte("__jsl_clearance"),
	[]byte("<title>attention required! | cloudflare</title>"),
	[]byte("id=\"challenge-form\""),
}

// IsChallenge reports whether a 200 body is a challenge page rather than content.
func IsChallenge(body []byte) bool {
	// Interstitials are small; checking the head keeps large listings cheap.
	head := body
	if len(head) > 64<<10 {
		head = head[:64<<10]
	}
	lower := bytes.ToLower(head)
	for _, m := range challengeMarkers {
		if bytes.Contains(lower, m) {
			return true
		}
	}
	return false
}
