package tailer

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Cursor identifies a position inside one append-only accounting file.
// Clients treat the encoded form as opaque; advancing a cursor never skips
// unread bytes within the same inode, and an inode change resets the offset.
type Cursor struct {
	Path   string `json:"path"`
	Inode  uint64 `json:"inode"`
	Offset int64  `json:"offset"`
	MTime  int64  `json:"mtime"`
}

// IsZero reports whether the cursor points nowhere.
func (c Cursor) IsZero() bool {
	return c.Path == "" && c.Inode == 0 && c.Offset == 0
}

// Encode serializes the cursor as base64-url JSON.
func (c Cursor) Encode() string {
	data, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(data)
}

// DecodeCursor parses an encoded cursor. The empty string decodes to the
// zero cursor (start of the feed).
func DecodeCursor(s string) (Cursor, error) {
	if s == "" {
		return Cursor{}, nil
	}
	data, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		// Tolerate padded encodings from older clients.
		data, err = base64.URLEncoding.DecodeString(s)
		if err != nil {
			return Cursor{}, fmt.Errorf("decode cursor: %w", err)
		}
	}
	var c Cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return Cursor{}, fmt.Errorf("decode cursor: %w", err)
	}
	return c, nil
}
