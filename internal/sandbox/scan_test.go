package sandbox

import (
	"os"
	"path/filepath"
	"testing"
)

func TestScanForNondeterminismFindsTimestampAndUUID(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "artifact.txt")
	content := "built at 2024-03-05T10:11:12Z id=550e8400-e29b-41d4-a716-446655440000\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	warnings, err := ScanForNondeterminism(dir)
	if err != nil {
		t.Fatal(err)
	}
	var sawTimestamp, sawUUID bool
	for _, w := range warnings {
		switch w.Reason {
		case "embedded timestamp":
			sawTimestamp = true
		case "embedded UUID":
			sawUUID = true
		}
	}
	if !sawTimestamp || !sawUUID {
		t.Fatalf("warnings = %+v, want both a timestamp and a UUID warning", warnings)
	}
}

func TestScanForNondeterminismCleanArtifactHasNoWarnings(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "artifact.txt")
	if err := os.WriteFile(path, []byte("hello world, deterministic output\n"), 0644); err != nil {
		t.Fatal(err)
	}

	warnings, err := ScanForNondeterminism(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(warnings) != 0 {
		t.Fatalf("got %d warnings on clean artifact, want 0: %+v", len(warnings), warnings)
	}
}
