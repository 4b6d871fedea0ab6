package identity

import (
	"strings"
	"testing"
)

func TestNewFormatsDisplayName(t *testing.T) {
	p := New("kitchen")
	if !strings.HasPrefix(p.Name, "kitchen#") {
		t.Fatalf("expected name to start with kitchen#, got %s", p.Name)
	}
	suffix := strings.TrimPrefix(p.Name, "kitchen#")
	if len(suffix) != SuffixLength {
		t.Fatalf("expected suffix of length %d, got %q", SuffixLength, suffix)
	}
	if suffix != strings.ToUpper(p.ID.String()[:SuffixLength]) {
		t.Fatalf("suffix %s does not come from id %s", suffix, p.ID)
	}
}

func TestNewIsUnique(t *testing.T) {
	a := New("same")
	b := New("same")
	if a.ID == b.ID {
		t.Fatal("two identities share the same id")
	}
	if a.IsZero() || b.IsZero() {
		t.Fatal("new identity should not be zero")
	}
}

func TestNewEmptyDeviceName(t *testing.T) {
	p := New("  ")
	if strings.HasPrefix(p.Name, "  #") || strings.HasPrefix(p.Name, "#") {
		t.Fatalf("expected fallback device name, got %q", p.Name)
	}
}
