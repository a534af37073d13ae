package transport

import (
	"bufio"
	"bytes"
	"errors"
	"testing"
)

func TestParseKind(t *testing.T) {
	for k, name := range kindNames {
		got, err := ParseKind(" " + name + " ")
		if err != nil || got != k {
			t.Fatalf("%s: %v %v", name, got, err)
		}
	}
	if _, err := ParseKind("pigeon"); err == nil {
		t.Fatal("expected error")
	}
}

func TestFrameRoundtrip(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	for _, msg := range [][]byte{[]byte("a"), {}, bytes.Repeat([]byte("x"), 70000)} {
		if err := WriteFrame(w, msg); err != nil {
			t.Fatal(err)
		}
	}
	for _, want := range []int{1, 0, 70000} {
		b, err := ReadFrame(&buf)
		if err != nil {
			t.Fatal(err)
		}
		if len(b) != want {
			t.Fatalf("len %d want %d", len(b), want)
		}
	}
}

func TestFrameTooLarge(t *testing.T) {
	hdr := []byte{0xff, 0xff, 0xff, 0x7f}
	if _, err := ReadFrame(bytes.NewReader(hdr)); !errors.Is(err, ErrFrameSize) {
		t.Fatalf("want ErrFrameSize, got %v", err)
	}
}
