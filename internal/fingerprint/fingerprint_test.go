package fingerprint

import "testing"

func TestComputeIsPure(t *testing.T) {
	in := TargetInput{
		TargetID:        "//lib:core",
		SourceHashes:    map[string]Fingerprint{"a.src": OfBytes([]byte("contents"))},
		DepFingerprints: nil,
		Opts:            map[string]string{"opt_level": "2"},
	}
	a := Compute(in)
	b := Compute(in)
	if a != b {
		t.Fatalf("Compute is not pure: %q != %q", a, b)
	}
}

func TestComputeDependsOnEveryField(t *testing.T) {
	base := TargetInput{TargetID: "//lib:core"}
	variants := []TargetInput{
		{TargetID: "//lib:other"},
		{TargetID: "//lib:core", SourceHashes: map[string]Fingerprint{"a.src": "deadbeef"}},
		{TargetID: "//lib:core", DepFingerprints: []Fingerprint{"cafebabe"}},
		{TargetID: "//lib:core", Opts: map[string]string{"k": "v"}},
	}
	baseFP := Compute(base)
	for i, v := range variants {
		if Compute(v) == baseFP {
			t.Errorf("variant %d did not change the fingerprint", i)
		}
	}
}

func TestComputeOrderIndependentOverMaps(t *testing.T) {
	a := TargetInput{
		TargetID: "//lib:core",
		SourceHashes: map[string]Fingerprint{
			"a.src": "1111",
			"b.src": "2222",
		},
	}
	// Map iteration order in Go is randomized; computing twice exercises
	// that canonicalization (sorting) makes the result order-independent.
	if Compute(a) != Compute(a) {
		t.Fatalf("fingerprint not stable across map iteration order")
	}
}

func TestOfBytesIsDeterministic(t *testing.T) {
	h1 := OfBytes([]byte("same bytes"))
	h2 := OfBytes([]byte("same bytes"))
	if h1 != h2 {
		t.Fatalf("identical bytes hashed differently: %q vs %q", h1, h2)
	}
}
