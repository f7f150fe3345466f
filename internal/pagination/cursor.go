// Package pagination provides opaque keyset cursors.
//
// Every list in the service is ordered newest first with ties broken by
// ascending id, so a cursor is the (timestamp, id) of the last item served.
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
	DefaultLimit = 50
	MaxLimit     = 200
)

// ErrInvalidCursor is returned for cursors this package did not produce.
var ErrInvalidCursor = errors.New("invalid cursor")

// Cursor represents a position in a paginated result set.
type Cursor struct {
	At time.Time
	ID string
}

// Encode returns an opaque cursor string from a timestamp and ID.
func Encode(at time.Time, id string) string {
	raw := fmt.Sprintf("%d|%s", at.UnixNano(), id)
	return base64.URLEncoding.EncodeToString([]byte(raw))
}

// Decode parses an opaque cursor string. Returns nil for empty input.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 || parts[1] == "" {
		return nil, ErrInvalidCursor
	}
	nanos, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	return &Cursor{
		At: time.Unix(0, nanos).UTC(),
		ID: parts[1],
	}, nil
}

// Follows reports whether an item keyed (at, id) comes after c in
// newest-first, id-ascending order. A nil cursor is followed by everything.
func (c *Cursor) Follows(at time.Time, id string) bool {
	if c == nil {
		return true
	}
	if !at.Equal(c.At) {
		return at.Before(c.At)
	}
	return id > c.ID
}

// ClampLimit maps a requested page size into [1, MaxLimit], using
// DefaultLimit for non-positive requests.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

// ComputePage takes a slice of items (fetched with limit+1), the requested limit,
// and a function to extract (at, id) from the last item.
// Returns the trimmed items, next cursor, and has_more flag.
func ComputePage[T any](items []T, limit int, extractKey func(T) (time.Time, string)) ([]T, string, bool) {
	if len(items) <= limit {
		return items, "", false
	}
	items = items[:limit]
	at, id := extractKey(items[len(items)-1])
	return items, Encode(at, id), true
}
