package storage

import (
	"fmt"
	"strconv"

	"github.com/oklog/ulid/v2"
)

// idKey renders an _id as a map key. Numeric ids compare by value, so 1 and 1.0 collide.
func idKey(id any) string {
	if s, ok := id.(string); ok {
		return s
	}
	if f, ok := toNumber(id); ok {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return fmt.Sprint(id)
}

// ensureID returns the document's _id, assigning a fresh ULID when absent.
func ensureID(doc Document) any {
	if id, ok := doc["_id"]; ok && id != nil {
		return id
	}
	id := ulid.Make().String()
	doc["_id"] = id
	return id
}
