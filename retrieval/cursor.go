package retrieval

import (
	"encoding/base64"
	"encoding/json"

	pkgError "github.com/charla-io/charla/pkg/error"
)

// Cursors are opaque base64 JSON. Native cursors resume a keyset scan on a
// single primitive; hybrid cursors store the offset into the recomputed
// fusion. Both carry the query hash so a cursor cannot be replayed against
// a different query, filter set or workspace.
type cursorPayload struct {
	Mode      PaginationMode `json:"mode"`
	QueryHash string         `json:"qh"`
	LastScore float64        `json:"ls,omitempty"`
	LastID    string         `json:"li,omitempty"`
	Index     int            `json:"ix,omitempty"`
}

func encodeCursor(p cursorPayload) string {
	raw, _ := json.Marshal(p)
	return base64.RawURLEncoding.EncodeToString(raw)
}

// decodeCursor validates the cursor against the current query hash.
func decodeCursor(cursor, queryHash string) (cursorPayload, error) {
	var p cursorPayload
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return p, pkgError.BadRequestError("invalid cursor")
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, pkgError.BadRequestError("invalid cursor")
	}
	if p.Mode != PaginationNative && p.Mode != PaginationHybrid {
		return p, pkgError.BadRequestError("invalid cursor")
	}
	if p.QueryHash != queryHash {
		return p, pkgError.BadRequestError("cursor does not match query")
	}
	return p, nil
}
