package base58

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"
)

func TestEncodeKnownVectors(t *testing.T) {
	cases := []struct {
		in   []byte
		want string
	}{
		{[]byte{}, ""},
		{[]byte{0}, "1"},
		{[]byte{0, 0, 0}, "111"},
		{[]byte("hello"), "Cn8eVZg"},
		{[]byte{0, 0, 1}, "112"},
		{[]byte{0xff}, "5Q"},
	}
	for _, c := range cases {
		got := Encode(c.in)
		if got != c.want {
			t.Fatalf("Encode(%v) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	cases := [][]byte{
		{},
		{0},
		{0, 0, 0, 0},
		{0, 0, 0xde, 0xad, 0xbe, 0xef},
		{0xff, 0xff, 0xff},
		[]byte("the quick brown fox"),
	}
	for _, in := range cases {
		out, err := Decode(Encode(in))
		if err != nil {
			t.Fatalf("Decode(Encode(%v)): %v", in, err)
		}
		if !bytes.Equal(out, in) {
			t.Fatalf("round trip %v -> %v", in, out)
		}
	}
}

func TestRoundTripRandom(t *testing.T) {
	for i := 0; i < 200; i++ {
		b := make([]byte, i%64)
		if _, err := rand.Read(b); err != nil {
			t.Fatalf("rand: %v", err)
		}
		// force leading zeros on a third of the inputs
		if i%3 == 0 && len(b) > 2 {
			b[0], b[1] = 0, 0
		}
		out, err := Decode(Encode(b))
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if !bytes.Equal(out, b) {
			t.Fatalf("round trip mismatch for %v", b)
		}
	}
}

func TestDecodeRejectsExcludedCharacters(t *testing.T) {
	for _, s := range []string{"0", "I", "O", "l", "ab0cd", "z!"} {
		if _, err := Decode(s); !errors.Is(err, ErrInvalidCharacter) {
			t.Fatalf("Decode(%q): expected ErrInvalidCharacter, got %v", s, err)
		}
	}
}

func TestMultibase(t *testing.T) {
	pub := make([]byte, 32)
	pub[0] = 0xed
	s := EncodeMultibase(pub)
	if s[0] != 'z' {
		t.Fatalf("expected z prefix, got %q", s)
	}
	out, err := DecodeMultibase(s)
	if err != nil {
		t.Fatalf("DecodeMultibase: %v", err)
	}
	if !bytes.Equal(out, pub) {
		t.Fatalf("multibase round trip mismatch")
	}
	if _, err := DecodeMultibase(s[1:]); !errors.Is(err, ErrNotMultibase) {
		t.Fatalf("expected ErrNotMultibase, got %v", err)
	}
}
