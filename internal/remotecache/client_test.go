package remotecache

import (
	"context"
	"net/http/httptest"
	"testing"
)

type payload struct {
	Value string `json:"value"`
}

func TestPushThenFetchRoundTrip(t *testing.T) {
	srv := httptest.NewServer(NewServer())
	defer srv.Close()

	c := NewClient(srv.URL, "", "none")
	want := payload{Value: "built artifact metadata"}
	if err := c.Push(context.Background(), "fp-1", want); err != nil {
		t.Fatal(err)
	}

	var got payload
	if err := c.Fetch(context.Background(), "fp-1", &got); err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestFetchMissingKeyReturnsNotFound(t *testing.T) {
	srv := httptest.NewServer(NewServer())
	defer srv.Close()

	c := NewClient(srv.URL, "", "none")
	var got payload
	err := c.Fetch(context.Background(), "missing", &got)
	if _, ok := err.(ErrNotFound); !ok {
		t.Fatalf("got error %v (%T), want ErrNotFound", err, err)
	}
}

func TestPushThenFetchRoundTripWithZstdCompression(t *testing.T) {
	srv := httptest.NewServer(NewServer())
	defer srv.Close()

	c := NewClient(srv.URL, "", "zstd")
	want := payload{Value: "compressible compressible compressible payload"}
	if err := c.Push(context.Background(), "fp-2", want); err != nil {
		t.Fatal(err)
	}

	var got payload
	if err := c.Fetch(context.Background(), "fp-2", &got); err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}
