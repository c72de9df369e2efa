package orchestrator

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

const fingerprintSeparator = "\x1f"

// Fingerprint digests the content fields of a successful extraction. It
// returns "" when every field is empty.
func Fingerprint(title, publishDate string, excerpts []string, fullContent string) string {
	excerptsJSON := ""
	if len(excerpts) > 0 {
		// Marshalling a []string cannot fail.
		b, _ := json.Marshal(excerpts)
		excerptsJSON = string(b)
	}

	if title == "" && publishDate == "" && excerptsJSON == "" && fullContent == "" {
		return ""
	}

	joined := strings.Join([]string{title, publishDate, excerptsJSON, fullContent}, fingerprintSeparator)
	sum := sha256.Sum256([]byte(joined))
	return hex.EncodeToString(sum[:])
}
