package pagination

import (
	"errors"
	"slices"
	"testing"
	"time"
)

func TestEncodeDecode(t *testing.T) {
	ts := time.Date(2026, 2, 15, 10, 30, 0, 0, time.UTC)
	id := "0xe100000000000000000000000000000000000000000000000000000000000001"

	cursor, err := Decode(Encode(ts, id))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cursor == nil {
		t.Fatal("Decode returned nil cursor")
	}
	if !cursor.At.Equal(ts) || cursor.ID != id {
		t.Errorf("cursor = (%v, %q), want (%v, %q)", cursor.At, cursor.ID, ts, id)
	}
}

func TestDecode_Empty(t *testing.T) {
	cursor, err := Decode("")
	if err != nil || cursor != nil {
		t.Errorf("Decode(\"\") = %v, %v; want nil, nil", cursor, err)
	}
}

func TestDecode_Invalid(t *testing.T) {
	for _, s := range []string{"not-base64!!!", "bm9waXBl" /* "nopipe" */, "MTIzfA==" /* "123|" */} {
		if _, err := Decode(s); !errors.Is(err, ErrInvalidCursor) {
			t.Errorf("Decode(%q) error = %v, want ErrInvalidCursor", s, err)
		}
	}
}

func TestCursor_Follows(t *testing.T) {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := &Cursor{At: at, ID: "m"}

	tests := []struct {
		name string
		at   time.Time
		id   string
		want bool
	}{
		{"older item", at.Add(-time.Second), "a", true},
		{"newer item", at.Add(time.Second), "z", false},
		{"same time, larger id", at, "n", true},
		{"the cursor item itself", at, "m", false},
		{"same time, smaller id", at, "a", false},
	}
	for _, tt := range tests {
		if got := c.Follows(tt.at, tt.id); got != tt.want {
			t.Errorf("%s: Follows = %v, want %v", tt.name, got, tt.want)
		}
	}

	var none *Cursor
	if !none.Follows(at, "a") {
		t.Error("nil cursor should admit every item")
	}
}

func TestClampLimit(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{0, DefaultLimit},
		{-3, DefaultLimit},
		{10, 10},
		{10_000, MaxLimit},
	}
	for _, tt := range tests {
		if got := ClampLimit(tt.in); got != tt.want {
			t.Errorf("ClampLimit(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestComputePage(t *testing.T) {
	key := func(s string) (time.Time, string) {
		return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), s
	}

	result, cursor, hasMore := ComputePage([]string{"a", "b", "c"}, 3, key)
	if len(result) != 3 || cursor != "" || hasMore {
		t.Errorf("exact page = (%v, %q, %v), want 3 items, no cursor, no more", result, cursor, hasMore)
	}

	result, cursor, hasMore = ComputePage([]string{"a", "b", "c", "d"}, 3, key)
	if !slices.Equal(result, []string{"a", "b", "c"}) || !hasMore {
		t.Errorf("short page = (%v, %v), want [a b c] with more", result, hasMore)
	}
	c, err := Decode(cursor)
	if err != nil {
		t.Fatalf("Decode(next): %v", err)
	}
	if c.ID != "c" {
		t.Errorf("next cursor id = %q, want c", c.ID)
	}
}
