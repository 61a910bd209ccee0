package pagination

import (
	"encoding/base64"
	"encoding/json"
)

type Pagination struct {
	Cursor string `form:"cursor"`
	Limit  int    `form:"limit,default=20" validate:"gte=1,lte=250"`
}

// Cursor is the opaque keyset position: created_at plus id as tiebreaker.
type Cursor struct {
	CreatedAt string `json:"created_at,omitempty"`
	ID        string `json:"id,omitempty"`
}

type PageInfo struct {
	NextCursor string `json:"next_cursor"`
	HasMore    bool   `json:"has_more"`
}

func EncodeCursor(data Cursor) (string, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func DecodeCursor(data string) (*Cursor, error) {
	b, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, err
	}

	var cursor Cursor
	if err := json.Unmarshal(b, &cursor); err != nil {
		return nil, err
	}

	return &cursor, nil
}

// Trim cuts an overfetched result (limit+1 rows) down to the page and
// reports the next cursor. extractCursor reads the keyset off the last row.
func Trim[T any](data []*T, limit int, extractCursor func(*T) Cursor) ([]*T, *PageInfo) {
	if len(data) == 0 {
		return data, &PageInfo{}
	}

	hasMore := false
	if len(data) > limit {
		hasMore = true
		data = data[:limit]
	}

	info := &PageInfo{HasMore: hasMore}
	if hasMore {
		next, err := EncodeCursor(extractCursor(data[len(data)-1]))
		if err == nil {
			info.NextCursor = next
		}
	}

	return data, info
}
