package audio_test

import (
	"testing"

	"github.com/MrWong99/telvox/pkg/audio"
)

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func TestMulawDecodeKnownValues(t *testing.T) {
	cases := []struct {
		in   byte
		want int16
	}{
		{0x00, -32124},
		{0x01, -31100},
		{0x7F, 0},
		{0x80, 32124},
		{0xFF, 0},
	}
	for _, c := range cases {
		if got := audio.MulawDecodeSample(c.in); got != c.want {
			t.Errorf("MulawDecodeSample(0x%02X) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestAlawDecodeKnownValues(t *testing.T) {
	cases := []struct {
		in   byte
		want int16
	}{
		{0x00, -5504},
		{0x01, -5248},
		{0x55, -8},
		{0xD5, 8},
		{0x2A, -32256},
		{0xAA, 32256},
	}
	for _, c := range cases {
		if got := audio.AlawDecodeSample(c.in); got != c.want {
			t.Errorf("AlawDecodeSample(0x%02X) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestMulawRoundTripBoundedError(t *testing.T) {
	for x := -32768; x <= 32767; x += 17 {
		got := int(audio.MulawDecodeSample(audio.MulawEncodeSample(int16(x))))
		allowed := 16 + absInt(x)/16
		if absInt(got-x) > allowed {
			t.Fatalf("mulaw round trip of %d = %d, error %d exceeds %d", x, got, absInt(got-x), allowed)
		}
	}
}

func TestAlawRoundTripBoundedError(t *testing.T) {
	for x := -32768; x <= 32767; x += 17 {
		got := int(audio.AlawDecodeSample(audio.AlawEncodeSample(int16(x))))
		allowed := 32 + absInt(x)/16
		if absInt(got-x) > allowed {
			t.Fatalf("alaw round trip of %d = %d, error %d exceeds %d", x, got, absInt(got-x), allowed)
		}
	}
}

func TestCompandingStableOnCodewords(t *testing.T) {
	// Re-encoding a decoded codeword must land on a codeword with the same
	// linear value, for every possible byte.
	for b := 0; b < 256; b++ {
		mv := audio.MulawDecodeSample(byte(b))
		if got := audio.MulawDecodeSample(audio.MulawEncodeSample(mv)); got != mv {
			t.Errorf("mulaw codeword 0x%02X decodes to %d but re-encodes to value %d", b, mv, got)
		}
		av := audio.AlawDecodeSample(byte(b))
		if got := audio.AlawDecodeSample(audio.AlawEncodeSample(av)); got != av {
			t.Errorf("alaw codeword 0x%02X decodes to %d but re-encodes to value %d", b, av, got)
		}
	}
}

func TestBlockCompanders(t *testing.T) {
	samples := []int16{0, 1000, -1000, 32000, -32000}
	mu := audio.MulawEncode(samples)
	if len(mu) != len(samples) {
		t.Fatalf("mulaw block length = %d, want %d", len(mu), len(samples))
	}
	back := audio.MulawDecode(mu)
	for i := range back {
		if back[i] != audio.MulawDecodeSample(mu[i]) {
			t.Fatalf("mulaw block decode diverges at %d", i)
		}
	}
	al := audio.AlawEncode(samples)
	if len(al) != len(samples) {
		t.Fatalf("alaw block length = %d, want %d", len(al), len(samples))
	}
}
