package oauth2

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"regexp"
)

// generateState returns a random value for the oauth state parameter
func generateState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("error generating state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// googleSizeSuffix matches the size directive at the end of a Google profile image url
var googleSizeSuffix = regexp.MustCompile(`=s\d+(-c)?$`)

// AvatarSize is the edge length requested for Google profile pictures
const AvatarSize = 500

// HighResAvatarURL rewrites a Google profile image url to request a square
// image of the given size
func HighResAvatarURL(picture string, size int) string {
	if picture == "" {
		return ""
	}
	suffix := fmt.Sprintf("=s%d-c", size)
	if googleSizeSuffix.MatchString(picture) {
		return googleSizeSuffix.ReplaceAllString(picture, suffix)
	}
	return picture + suffix
}
