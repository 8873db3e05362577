// Package hermesclient is the observer side of hermes: a transport session
// that reconnects on loss, a reference-counted subscription registry, and a
// document cache kept in sync from the server's data replies.
package hermesclient

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/zeebo/blake3"
)

// Handle identifies one caller's registration of a live query. Several
// handles share a fingerprint when callers register the identical query.
type Handle struct {
	Fingerprint string
	Ordinal     int
}

// String serializes the handle as fingerprint_ordinal.
func (h Handle) String() string {
	return h.Fingerprint + "_" + strconv.Itoa(h.Ordinal)
}

// IsZero reports whether h is the zero handle.
func (h Handle) IsZero() bool {
	return h.Fingerprint == ""
}

// NormalizeQuery compacts a query pipeline. An absent or null query is the
// empty pipeline. Every stage must be an object, as the server requires.
func NormalizeQuery(query json.RawMessage) (json.RawMessage, error) {
	q := bytes.TrimSpace(query)
	if len(q) == 0 || bytes.Equal(q, []byte("null")) {
		return json.RawMessage("[]"), nil
	}
	if q[0] != '[' {
		return nil, fmt.Errorf("query must be an array of pipeline stages")
	}
	var stages []json.RawMessage
	if err := json.Unmarshal(q, &stages); err != nil {
		return nil, fmt.Errorf("query is not valid JSON: %w", err)
	}
	for i, s := range stages {
		s = bytes.TrimSpace(s)
		if len(s) == 0 || s[0] != '{' {
			return nil, fmt.Errorf("pipeline stage %d must be an object", i)
		}
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, q); err != nil {
		return nil, fmt.Errorf("query is not valid JSON: %w", err)
	}
	return json.RawMessage(buf.Bytes()), nil
}

// Fingerprint hashes a collection and a normalized query. Whitespace does not
// change the fingerprint; key order does, because stage key order is meaningful.
func Fingerprint(collection string, normalized json.RawMessage) string {
	h := blake3.New()
	h.Write([]byte(collection))
	h.Write([]byte{0})
	h.Write(normalized)
	return hex.EncodeToString(h.Sum(nil)[:16])
}
