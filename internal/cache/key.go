package cache

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
)

// keyPrefix is the blob-store prefix of every cache entry.
const keyPrefix = "cache/"

// keyDomain is the BLAKE3 key for cache-key hashing. Changing it
// invalidates every existing entry.
var keyDomain = [32]byte{
	'f', 'l', 'e', 'e', 't', 'b', 'a', 't', 'c', 'h', '.', 'c', 'a', 'c', 'h', 'e',
	'.', 'k', 'e', 'y', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// GenerateKey returns the cache key for an operation and its parameters:
//
//	cache/<operation>/<blake3 hex of canonical JSON params>
//
// Parameters that are equal as JSON values produce the same key regardless
// of map insertion order or struct field order.
func GenerateKey(operation string, params any) (string, error) {
	if operation == "" || strings.ContainsAny(operation, "/\\") {
		return "", fmt.Errorf("invalid cache operation %q", operation)
	}
	canonical, err := canonicalJSON(params)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize params for %s: %w", operation, err)
	}

	h, err := blake3.NewKeyed(keyDomain[:])
	if err != nil {
		return "", err
	}
	h.Write(canonical)
	return keyPrefix + operation + "/" + hex.EncodeToString(h.Sum(nil)), nil
}

// canonicalJSON re-encodes v through a generic value so object keys are
// sorted at every depth. Numbers keep their literal form.
func canonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}

func operationPrefix(operation string) string {
	if operation == "" {
		return keyPrefix
	}
	return keyPrefix + operation + "/"
}
