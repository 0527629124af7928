// Package cache maintains the shared server-side context cache: content
// fingerprinting, static asset upload with staleness detection, and the
// process-wide cache handle lifecycle.
package cache

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
)

// Fingerprint returns the stable content fingerprint used to compare local
// files against remotely stored objects: the lowercase hex sha256 digest,
// re-encoded as base64. The remote store reports hashes in this same double
// encoding; a different encoding would mark every asset stale on every run.
func Fingerprint(b []byte) string {
	sum := sha256.Sum256(b)
	hexDigest := hex.EncodeToString(sum[:])
	return base64.StdEncoding.EncodeToString([]byte(hexDigest))
}

// FingerprintFile fingerprints a local file's bytes.
func FingerprintFile(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading %s for fingerprint: %w", path, err)
	}
	return Fingerprint(b), nil
}
