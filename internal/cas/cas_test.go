package cas

import (
	"bytes"
	"strings"
	"testing"
)

func TestPutGetRoundTrip(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	d, n, err := s.Put(strings.NewReader("hello, cas"))
	if err != nil {
		t.Fatal(err)
	}
	if n != int64(len("hello, cas")) {
		t.Fatalf("n = %d, want %d", n, len("hello, cas"))
	}
	if !s.Has(d) {
		t.Fatal("store does not report the blob as present after Put")
	}
	rc, err := s.Get(d)
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(rc); err != nil {
		t.Fatal(err)
	}
	if buf.String() != "hello, cas" {
		t.Fatalf("got %q, want %q", buf.String(), "hello, cas")
	}
}

func TestPutSameContentTwiceIsIdempotent(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	d1, _, err := s.Put(strings.NewReader("same content"))
	if err != nil {
		t.Fatal(err)
	}
	d2, _, err := s.Put(strings.NewReader("same content"))
	if err != nil {
		t.Fatal(err)
	}
	if d1 != d2 {
		t.Fatalf("identical content produced different digests: %s vs %s", d1, d2)
	}
}

func TestDeleteMissingBlobIsNotAnError(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(Digest("deadbeef")); err != nil {
		t.Fatalf("deleting a missing blob should be a no-op, got %v", err)
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	src, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"alpha content", "beta content", "gamma content"}
	for _, content := range want {
		if _, _, err := src.Put(strings.NewReader(content)); err != nil {
			t.Fatal(err)
		}
	}

	var archive bytes.Buffer
	if err := src.Export(&archive); err != nil {
		t.Fatal(err)
	}

	dst, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	n, err := dst.Import(&archive)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(want) {
		t.Fatalf("imported %d blobs, want %d", n, len(want))
	}
	for _, content := range want {
		d, _, err := dst.Put(strings.NewReader(content))
		if err != nil {
			t.Fatal(err)
		}
		if !dst.Has(d) {
			t.Fatalf("imported store missing blob for %q", content)
		}
	}
}
