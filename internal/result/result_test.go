package result

import (
	"errors"
	"strings"
	"testing"
)

func TestResultAndThenShortCircuits(t *testing.T) {
	calls := 0
	r := AndThen(Err[int](errors.New("boom")), func(int) Result[int] {
		calls++
		return Ok(1)
	})
	if r.IsOk() {
		t.Fatalf("expected Err to short-circuit AndThen")
	}
	if calls != 0 {
		t.Fatalf("AndThen invoked continuation on Err, calls=%d", calls)
	}
}

func TestResultMapChaining(t *testing.T) {
	r := Map(Ok(2), func(v int) int { return v * 21 })
	v, err := r.Unwrap()
	if err != nil || v != 42 {
		t.Fatalf("got (%d, %v), want (42, nil)", v, err)
	}
}

func TestCollectShortCircuitsOnFirstErr(t *testing.T) {
	want := errors.New("second failed")
	rs := []Result[int]{Ok(1), Err[int](want), Ok(3)}
	r := Collect(rs)
	if r.IsOk() {
		t.Fatalf("expected Collect to fail")
	}
	_, err := r.Unwrap()
	if err != want {
		t.Fatalf("got err %v, want %v", err, want)
	}
}

func TestErrorContextChainFormatting(t *testing.T) {
	base := New(CacheCorrupted, "index truncated at offset %d", 128)
	wrapped := Wrap(base, "cache.Load", "tier=target")
	wrapped = Wrap(wrapped, "engine.Execute", "target=//lib:core")

	msg := wrapped.Error()
	for _, want := range []string{"cache:", "index truncated", "cache.Load", "engine.Execute", "run `clean`"} {
		if !strings.Contains(msg, want) {
			t.Errorf("formatted error missing %q:\n%s", want, msg)
		}
	}
}

func TestErrorIsComparesByCode(t *testing.T) {
	a := New(GraphCycle, "a->b->a")
	b := Wrap(a, "graph.AddEdge", "")
	if !b.Is(New(GraphCycle, "different message")) {
		t.Fatalf("expected Is to match by Code")
	}
	if b.Is(New(CacheCorrupted, "")) {
		t.Fatalf("expected Is to reject differing Code")
	}
}
