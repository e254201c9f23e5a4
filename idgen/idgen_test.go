package idgen

import (
	"strings"
	"testing"
)

func TestToken(t *testing.T) {
	gen := Token(43)
	seen := make(map[string]struct{}, 500)
	for i := 0; i < 500; i++ {
		id := gen()
		if len(id) != 43 {
			t.Fatalf("length %d", len(id))
		}
		for _, c := range id {
			if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'z')) {
				t.Fatalf("unexpected character %q in %q", c, id)
			}
		}
		if _, ok := seen[id]; ok {
			t.Fatalf("duplicate at iteration %d", i)
		}
		seen[id] = struct{}{}
	}
}

func TestLoadID(t *testing.T) {
	id := LoadID()
	if !strings.HasPrefix(id, "load_") {
		t.Fatalf("prefix: %q", id)
	}
	if _, err := Parse(strings.TrimPrefix(id, "load_")); err != nil {
		t.Fatalf("not a UUID: %v", err)
	}
}

func TestUUIDv7_Sortable(t *testing.T) {
	gen := UUIDv7()
	prev := gen()
	for i := 0; i < 100; i++ {
		id := gen()
		if id <= prev {
			t.Fatalf("not increasing: %s after %s", id, prev)
		}
		prev = id
	}
}

func TestParse_Invalid(t *testing.T) {
	if _, err := Parse("not-a-uuid"); err == nil {
		t.Fatal("expected error")
	}
}
