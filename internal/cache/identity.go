package cache

import (
	"fmt"
	"io"
	"os"

	"github.com/cespare/xxhash/v2"
)

// ContentIdentity hashes a stream into a stable identity string
func ContentIdentity(r io.Reader) (string, error) {
	h := xxhash.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", fmt.Errorf("failed to hash content: %w", err)
	}
	return fmt.Sprintf("xxh64:%016x:%d", h.Sum64(), n), nil
}

// FileIdentity returns the content identity of a file
func FileIdentity(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()
	return ContentIdentity(f)
}

// Digest returns a fixed-length, filename-safe form of the key
func (k Key) Digest() string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(k.String()))
}
