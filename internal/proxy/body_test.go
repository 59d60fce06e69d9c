package proxy

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func readAll(t *testing.T, r io.Reader) string {
	t.Helper()
	if r == nil {
		return ""
	}
	b, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return string(b)
}

func TestBufferBody(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		b, err := bufferBody(httptest.NewRequest("GET", "/", nil), 8)
		if err != nil {
			t.Fatal(err)
		}
		if !b.Replayable() || b.Reader() != nil || b.Size() != 0 {
			t.Fatalf("empty body: replayable=%v size=%d", b.Replayable(), b.Size())
		}
	})

	t.Run("small is replayed", func(t *testing.T) {
		b, err := bufferBody(httptest.NewRequest("POST", "/", strings.NewReader("hello")), 8)
		if err != nil {
			t.Fatal(err)
		}
		if !b.Replayable() || b.Size() != 5 {
			t.Fatalf("replayable=%v size=%d", b.Replayable(), b.Size())
		}
		for i := 0; i < 2; i++ {
			if got := readAll(t, b.Reader()); got != "hello" {
				t.Fatalf("read %d: got %q", i, got)
			}
		}
	})

	t.Run("known length over limit streams once", func(t *testing.T) {
		b, err := bufferBody(httptest.NewRequest("POST", "/", strings.NewReader("0123456789")), 4)
		if err != nil {
			t.Fatal(err)
		}
		if b.Replayable() || b.Size() != 10 {
			t.Fatalf("replayable=%v size=%d", b.Replayable(), b.Size())
		}
		if got := readAll(t, b.Reader()); got != "0123456789" {
			t.Fatalf("stream: got %q", got)
		}
		if b.Reader() != nil {
			t.Fatal("stream must only be handed out once")
		}
	})

	t.Run("unknown length over limit keeps the prefix", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/", io.NopCloser(strings.NewReader("0123456789")))
		req.ContentLength = -1
		b, err := bufferBody(req, 4)
		if err != nil {
			t.Fatal(err)
		}
		if b.Replayable() || b.Size() != -1 {
			t.Fatalf("replayable=%v size=%d", b.Replayable(), b.Size())
		}
		if got := readAll(t, b.Reader()); got != "0123456789" {
			t.Fatalf("stream: got %q", got)
		}
	})
}
