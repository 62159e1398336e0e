// Package fingerprint derives content-addressed identities for source URLs.
// Two enqueue calls naming the same underlying document produce the same
// fingerprint, which is what the source-lock table keys on.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// ErrNoSources is returned when canonicalization leaves no usable URL.
var ErrNoSources = errors.New("fingerprint: no source urls provided")

// Canonicalize normalizes a source URL before hashing. Trimming is the only
// normalization applied; anything stronger (scheme folding, query sorting)
// would merge sources that providers treat as distinct documents.
func Canonicalize(url string) string {
	return strings.TrimSpace(url)
}

// Fingerprint hashes one canonicalized URL to its hex digest.
func Fingerprint(url string) string {
	sum := sha256.Sum256([]byte(Canonicalize(url)))
	return hex.EncodeToString(sum[:])
}

// Fingerprints returns the ordered, de-duplicated fingerprint set for a run:
// the primary URL first, extras in caller order, duplicates removed after
// canonicalization. An empty result is a caller error.
func Fingerprints(primaryURL string, extraURLs []string) ([]string, error) {
	seen := make(map[string]struct{}, 1+len(extraURLs))
	out := make([]string, 0, 1+len(extraURLs))
	for _, url := range append([]string{primaryURL}, extraURLs...) {
		if Canonicalize(url) == "" {
			continue
		}
		fp := Fingerprint(url)
		if _, dup := seen[fp]; dup {
			continue
		}
		seen[fp] = struct{}{}
		out = append(out, fp)
	}
	if len(out) == 0 {
		return nil, ErrNoSources
	}
	return out, nil
}
