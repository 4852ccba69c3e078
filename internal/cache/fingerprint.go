package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/nulpointcorp/inferxgate/internal/providers"
)

const keyPrefix = "cache:"

// Fingerprint derives the cache key for a non-streaming completion:
// sha256 over the model name and the serialized message list. Sampling
// parameters are deliberately excluded — two requests that differ only in
// temperature share an entry.
func Fingerprint(model string, messages []providers.Message) string {
	h := sha256.New()
	h.Write([]byte(model))
	raw, _ := json.Marshal(messages)
	h.Write(raw)
	return keyPrefix + hex.EncodeToString(h.Sum(nil))
}
