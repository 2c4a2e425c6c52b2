package engine

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// Tracking tokens are 32 URL-safe base64 characters, unique per
// outbound record. They ride in the X-Tracking-Token header and the
// open-pixel URL and are the correlation key for inbound replies.
const trackingTokenLength = 32

// TokenPattern matches candidate tracking tokens inside reply text.
var TokenPattern = regexp.MustCompile(`[A-Za-z0-9_-]{32}`)

// GenerateTrackingToken returns a fresh tracking token.
func GenerateTrackingToken() string {
	hash := sha256.Sum256([]byte(uuid.New().String()))
	return base64.RawURLEncoding.EncodeToString(hash[:])[:trackingTokenLength]
}

// InjectTrackingPixel appends a hidden 1×1 image bearing the token.
func InjectTrackingPixel(htmlContent, baseURL, token string) string {
	pixelURL := fmt.Sprintf("%s/track/open/%s", strings.TrimRight(baseURL, "/"), token)
	pixel := fmt.Sprintf(`<img src="%s" alt="" width="1" height="1" style="display:none">`, pixelURL)
	return htmlContent + pixel
}

var tagRe = regexp.MustCompile(`(?s)<[^>]*>`)

// htmlToText produces the plain-text alternative for an HTML body.
func htmlToText(htmlContent string) string {
	text := strings.ReplaceAll(htmlContent, "<br>", "\n")
	text = strings.ReplaceAll(text, "<br/>", "\n")
	text = strings.ReplaceAll(text, "</p>", "\n\n")
	text = tagRe.ReplaceAllString(text, "")
	return strings.TrimSpace(text)
}
