package chunk

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func TestSplitBytesReassemblesExactly(t *testing.T) {
	data := make([]byte, 5*1024*1024)
	if _, err := rand.Read(data); err != nil {
		t.Fatal(err)
	}
	chunks := SplitBytes(data)
	if len(chunks) == 0 {
		t.Fatal("expected at least one chunk")
	}
	var got []byte
	for _, c := range chunks {
		got = append(got, c.Data...)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("reassembled data does not match original")
	}
}

func TestSplitBytesEmptyInputYieldsNoChunks(t *testing.T) {
	if chunks := SplitBytes(nil); len(chunks) != 0 {
		t.Fatalf("got %d chunks for empty input, want 0", len(chunks))
	}
}

func TestSplitBytesLocalEditOnlyShiftsNearbyChunks(t *testing.T) {
	data := make([]byte, 2*1024*1024)
	if _, err := rand.Read(data); err != nil {
		t.Fatal(err)
	}
	orig := SplitBytes(data)

	edited := make([]byte, len(data))
	copy(edited, data)
	editPoint := len(data) / 2
	edited[editPoint] ^= 0xFF
	modified := SplitBytes(edited)

	// Chunks entirely before the edit point should be byte-identical,
	// demonstrating the content-defined boundary doesn't reshuffle the
	// whole file on a single-byte change.
	var unaffected int
	for i := 0; i < len(orig) && i < len(modified); i++ {
		if orig[i].Offset+int64(len(orig[i].Data)) > int64(editPoint) {
			break
		}
		if !bytes.Equal(orig[i].Data, modified[i].Data) {
			t.Fatalf("chunk %d before the edit point differs unexpectedly", i)
		}
		unaffected++
	}
	if unaffected == 0 {
		t.Fatal("expected at least one chunk before the edit point to survive unchanged")
	}
}
