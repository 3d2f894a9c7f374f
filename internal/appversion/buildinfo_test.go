package appversion_test

import (
	"strings"
	"testing"

	"kiln/internal/appversion"
)

func TestVersionIsSet(t *testing.T) {
	t.Parallel()

	v := appversion.String()
	if v == "" {
		t.Fatal("appversion.String() must not be empty")
	}
}

func TestFullStartsWithVersion(t *testing.T) {
	t.Parallel()

	full := appversion.Full()
	if !strings.HasPrefix(full, appversion.String()) {
		t.Fatalf("Full() = %q, want prefix %q", full, appversion.String())
	}
	if c := appversion.Commit(); c != "" && !strings.Contains(full, c) {
		t.Fatalf("Full() = %q missing commit %q", full, c)
	}
}
