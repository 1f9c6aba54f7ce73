package idgen

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestNew_IsUUID(t *testing.T) {
	id := New()
	if _, err := uuid.Parse(id); err != nil {
		t.Fatalf("New() = %q is not a UUID: %v", id, err)
	}
}

func TestWithPrefix(t *testing.T) {
	id := WithPrefix("evt_")
	if !strings.HasPrefix(id, "evt_") {
		t.Fatalf("missing prefix: %s", id)
	}
	if len(id) != len("evt_")+32 {
		t.Errorf("unexpected length %d for %s", len(id), id)
	}
}

func TestTimeOrdered_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := TimeOrdered("ptx_")
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
	}
}

func TestHex_Length(t *testing.T) {
	if got := Hex(16); len(got) != 32 {
		t.Errorf("Hex(16) length = %d, want 32", len(got))
	}
}
