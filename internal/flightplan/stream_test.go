package flightplan

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"testing/iotest"
)

func TestReadMessageReassemblesChunks(t *testing.T) {
	first := samplePlan(5, 300)
	second := samplePlan(0, 0)
	third := samplePlan(2, 0)

	var stream bytes.Buffer
	for _, p := range []*FlightPlan{first, second, third} {
		stream.Write(Encode(p))
	}

	// one byte per Read forces reassembly across many reads
	r := iotest.OneByteReader(&stream)
	for i, want := range []*FlightPlan{first, second, third} {
		msg, err := ReadMessage(r)
		if err != nil {
			t.Fatalf("message %d: ReadMessage failed: %v", i, err)
		}
		if len(msg) != SerializedSize(want) {
			t.Fatalf("message %d: expected %d bytes, got %d", i, SerializedSize(want), len(msg))
		}
		got, err := Decode(msg)
		if err != nil {
			t.Fatalf("message %d: Decode failed: %v", i, err)
		}
		if !got.Equal(want) {
			t.Errorf("message %d: expected %v, got %v", i, want, got)
		}
	}

	if _, err := ReadMessage(r); err != io.EOF {
		t.Errorf("Expected io.EOF at end of stream, got %v", err)
	}
}

func TestReadMessageTruncatedStream(t *testing.T) {
	encoded := Encode(samplePlan(3, 20))
	for _, k := range []int{1, 3, 4, 20, 4 + 36, 4 + 36 + 8, len(encoded) - 1} {
		_, err := ReadMessage(bytes.NewReader(encoded[:k]))
		if !errors.Is(err, io.ErrUnexpectedEOF) {
			t.Errorf("prefix %d: expected io.ErrUnexpectedEOF, got %v", k, err)
		}
	}
}

func TestReadMessageLimits(t *testing.T) {
	codec, err := NewCodec(DefaultKey)
	if err != nil {
		t.Fatalf("NewCodec failed: %v", err)
	}
	codec.MaxImageSize = 10

	_, err = codec.ReadMessage(bytes.NewReader(Encode(samplePlan(1, 11))))
	if !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("Expected ErrMessageTooLarge, got %v", err)
	}
}
