package fetcher

import (
	"bytes"
	"strings"
)

// Marketplace interstitials come back as HTTP 200, so status codes
// alone can't tell a blocked page from a real one. These markers are
// matched case-insensitively against the body.
var softBlockMarkers = []string{
	"robot check",
	"enter the characters you see below",
	"api-services-support@amazon.com",
	"to discuss automated access",
	"validatecaptcha",
	"type the characters you see in this image",
}

// softBlockScanLimit bounds how much of the body is scanned. The
// interstitial pages are tiny; real listing pages bury any accidental
// match far past this point anyway.
const softBlockScanLimit = 64 * 1024

// IsSoftBlock reports whether a 200 response body is actually a bot
// interstitial rather than listing content.
func IsSoftBlock(body []byte) bool {
	if len(body) > softBlockScanLimit {
		body = body[:softBlockScanLimit]
	}
	lower := strings.ToLower(string(bytes.ToValidUTF8(body, nil)))
	for _, marker := range softBlockMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
