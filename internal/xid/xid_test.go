package xid

import (
	"strings"
	"testing"
)

func TestNewIsPrefixedAndUnique(t *testing.T) {
	a, b := New("op"), New("op")
	if !strings.HasPrefix(a, "op-") {
		t.Fatalf("expected op- prefix, got %s", a)
	}
	if a == b {
		t.Fatalf("expected distinct ids, got %s twice", a)
	}
}
