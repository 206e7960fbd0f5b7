// Package pagination pages newest-first listings with opaque cursors.
package pagination

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultLimit is the page size when the caller does not pick one.
	DefaultLimit = 20
	// MaxLimit caps a requested page size.
	MaxLimit = 100
)

// ErrInvalidCursor is returned for cursors this package did not produce.
var ErrInvalidCursor = errors.New("invalid cursor")

// Cursor is the position of the last item on a page.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Encode returns an opaque cursor for the item created at createdAt with id.
func Encode(createdAt time.Time, id string) string {
	raw := fmt.Sprintf("%d|%s", createdAt.UnixNano(), id)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Decode parses a cursor. An empty string means the first page.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	nanos, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return nil, ErrInvalidCursor
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	return &Cursor{CreatedAt: time.Unix(0, n).UTC(), ID: id}, nil
}

// after reports whether an item sorts after c in newest-first order.
func (c *Cursor) after(createdAt time.Time, id string) bool {
	if !createdAt.Equal(c.CreatedAt) {
		return createdAt.Before(c.CreatedAt)
	}
	return id < c.ID
}

// ClampLimit applies DefaultLimit and MaxLimit.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	default:
		return limit
	}
}

// Page returns the page of items that follows cursor. items must already be
// sorted newest first with ties broken by descending id. next is empty on
// the last page.
func Page[T any](items []T, cursor *Cursor, limit int, key func(T) (time.Time, string)) (page []T, next string) {
	limit = ClampLimit(limit)

	start := 0
	if cursor != nil {
		start = len(items)
		for i, item := range items {
			if cursor.after(key(item)) {
				start = i
				break
			}
		}
	}

	rest := items[start:]
	if len(rest) <= limit {
		return rest, ""
	}
	page = rest[:limit]
	createdAt, id := key(page[len(page)-1])
	return page, Encode(createdAt, id)
}
