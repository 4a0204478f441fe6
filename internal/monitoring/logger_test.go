package monitoring

import (
	"fmt"
	"testing"
)

func TestSetLogger(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	var lines []string
	SetLogger(func(format string, v ...interface{}) {
		lines = append(lines, fmt.Sprintf(format, v...))
	})
	Logf("slot %d", 3)

	if len(lines) != 1 || lines[0] != "slot 3" {
		t.Fatalf("captured %q, want [\"slot 3\"]", lines)
	}

	SetLogger(nil)
	Logf("muted %d", 4)
	if len(lines) != 1 {
		t.Errorf("muted logger still captured: %q", lines)
	}
}

func TestLogf_Default(t *testing.T) {
	if Logf == nil {
		t.Fatal("Logf should not be nil by default")
	}
}
