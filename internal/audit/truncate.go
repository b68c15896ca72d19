package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// truncateResult caps a result at maxResultBytes. Truncated results are
// re-encoded as a JSON string fragment so the record stays valid JSON, and
// the full content is identified by size and digest.
func truncateResult(in json.RawMessage) (json.RawMessage, bool, int, string) {
	if len(in) <= maxResultBytes {
		return in, false, len(in), ""
	}
	sum := sha256.Sum256(in)
	fragment, _ := json.Marshal(string(in[:maxResultBytes]))
	return fragment, true, len(in), hex.EncodeToString(sum[:])
}
