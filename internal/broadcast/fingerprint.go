// Package broadcast deduplicates identical concurrent streaming requests:
// one upstream call fans out, in order, to every client that asked for the
// same thing, surviving the disconnect of whichever client started it.
package broadcast

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// canonicalFields is the request subset that defines identity. Header-level
// noise (request IDs, user agents) never enters the hash.
var canonicalFields = []string{
	"model",
	"messages",
	"system",
	"tools",
	"max_tokens",
	"temperature",
	"stream",
}

// Fingerprint hashes the canonical subset of a request body. Decoding into
// generic maps and re-marshalling sorts object keys at every level, so
// semantically identical bodies with different key order hash the same.
func Fingerprint(body []byte) string {
	var full map[string]interface{}
	if err := json.Unmarshal(body, &full); err != nil {
		// Unparseable bodies hash as raw bytes; they will fail validation
		// downstream anyway.
		sum := sha256.Sum256(body)
		return hex.EncodeToString(sum[:])
	}

	subset := make(map[string]interface{}, len(canonicalFields))
	for _, k := range canonicalFields {
		if v, ok := full[k]; ok {
			subset[k] = v
		}
	}

	canonical, _ := json.Marshal(subset)
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// IsStreaming reports whether the request body asks for a streaming response.
// Only streaming requests are deduplicated.
func IsStreaming(body []byte) bool {
	var probe struct {
		Stream bool `json:"stream"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return false
	}
	return probe.Stream
}
