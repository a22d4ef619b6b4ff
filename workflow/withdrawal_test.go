package workflow

import (
	"strings"
	"testing"
)

func TestGenerateBatchNumber(t *testing.T) {
	a := generateBatchNumber()
	b := generateBatchNumber()

	if !strings.HasPrefix(a, "WDB-") {
		t.Fatalf("unexpected batch number %q", a)
	}
	parts := strings.SplitN(a, "-", 3)
	if len(parts) != 3 || len(parts[1]) != 8 {
		t.Fatalf("unexpected batch number shape %q", a)
	}
	if a == b {
		t.Fatalf("batch numbers must be unique, got %q twice", a)
	}
}
