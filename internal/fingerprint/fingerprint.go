// Package fingerprint derives content-addressed cache keys for meal photos.
// The keys are not a security control.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Of returns the hex SHA-256 digest of data.
func Of(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// File hashes the file at path (a plain path or a file:// URI) without
// loading it fully into memory.
func File(path string) (string, error) {
	f, err := os.Open(strings.TrimPrefix(path, "file://"))
	if err != nil {
		return "", fmt.Errorf("opening image: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing image: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Key returns the cache key for a captured photo. Inline bytes win over the
// URI. When the URI cannot be read the URI itself is used as a weaker key:
// a cache miss only costs an extra inference call.
func Key(data []byte, uri string) string {
	if len(data) > 0 {
		return Of(data)
	}
	if uri == "" {
		return ""
	}
	if strings.HasPrefix(uri, "http://") || strings.HasPrefix(uri, "https://") {
		return uri
	}
	h, err := File(uri)
	if err != nil {
		slog.Warn("fingerprint: falling back to uri key", "uri", uri, "error", err)
		return uri
	}
	return h
}
