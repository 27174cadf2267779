package gdnet

import (
	"bytes"
	"math/rand"
	"strings"
	"testing"
)

func roundTripBytes(t *testing.T, input []byte) {
	t.Helper()

	coder := NewRangeCoder()

	compressed := make([]byte, 2*len(input)+64)
	compressedSize := coder.Compress([][]byte{input}, len(input), compressed)
	if compressedSize <= 0 {
		t.Fatalf("compress failed for %d bytes", len(input))
	}

	decoder := NewRangeCoder()
	output := make([]byte, len(input))
	outputSize := decoder.Decompress(compressed[:compressedSize], output)

	if outputSize != len(input) || !bytes.Equal(output[:outputSize], input) {
		t.Fatalf("round trip mismatch: in %d bytes, out %d bytes", len(input), outputSize)
	}
}

func TestRangeCoderRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	inputs := [][]byte{
		{0},
		{0xFF},
		[]byte("a"),
		[]byte("hello, world"),
		bytes.Repeat([]byte{0}, 512),
		bytes.Repeat([]byte("ab"), 700),
		[]byte(strings.Repeat("the quick brown fox jumps over the lazy dog. ", 30)),
	}

	for _, size := range []int{2, 33, 512, 1372, 4096} {
		random := make([]byte, size)
		rng.Read(random)
		inputs = append(inputs, random)
	}

	for _, input := range inputs {
		roundTripBytes(t, input)
	}
}

func TestRangeCoderCompressesRedundantInput(t *testing.T) {
	input := bytes.Repeat([]byte("abcdefgh"), 128)

	coder := NewRangeCoder()
	out := make([]byte, len(input))
	size := coder.Compress([][]byte{input}, len(input), out)

	if size <= 0 || size >= len(input) {
		t.Fatalf("redundant input compressed to %d of %d bytes", size, len(input))
	}
}

func TestRangeCoderGatheredBuffers(t *testing.T) {
	// The engine hands the compressor the datagram's scatter-gather list,
	// not one contiguous buffer.
	payload := []byte(strings.Repeat("sequence numbers and acknowledgements ", 20))
	buffers := [][]byte{payload[:100], payload[100:101], payload[101:]}

	coder := NewRangeCoder()
	compressed := make([]byte, 2*len(payload)+64)
	compressedSize := coder.Compress(buffers, len(payload), compressed)
	if compressedSize <= 0 {
		t.Fatal("compress failed")
	}

	decoder := NewRangeCoder()
	output := make([]byte, len(payload))
	outputSize := decoder.Decompress(compressed[:compressedSize], output)

	if outputSize != len(payload) || !bytes.Equal(output, payload) {
		t.Fatalf("gathered round trip mismatch: out %d bytes", outputSize)
	}
}

func TestRangeCoderOutputLimit(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	input := make([]byte, 1024)
	rng.Read(input)

	// Random input cannot fit in a tiny output buffer; the coder must fail
	// cleanly rather than truncate.
	coder := NewRangeCoder()
	out := make([]byte, 16)
	if size := coder.Compress([][]byte{input}, len(input), out); size != 0 {
		t.Fatalf("expected failure, got %d bytes", size)
	}
}

func TestRangeCoderEmptyInput(t *testing.T) {
	coder := NewRangeCoder()
	if size := coder.Compress(nil, 0, make([]byte, 16)); size != 0 {
		t.Fatalf("compress of nothing returned %d", size)
	}
	if size := coder.Decompress(nil, make([]byte, 16)); size != 0 {
		t.Fatalf("decompress of nothing returned %d", size)
	}
}
