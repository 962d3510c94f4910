package wire

import (
	"bytes"
	"testing"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{
		Version:      1,
		HeaderLength: HeaderSize,
		Flags:        FlagRequest,
		RequestID:    42,
		GroupID:      7,
		TotalLength:  HeaderSize + 4,
		TimeoutMs:    1000,
		Command:      0x1122334455667788,
	}
	payload := []byte("ping")
	h.PayloadChecksum = PayloadChecksum(payload)

	buf := make([]byte, HeaderSize)
	if err := h.Encode(buf); err != nil {
		t.Fatalf("encode: %v", err)
	}

	// Encoding is deterministic.
	buf2 := make([]byte, HeaderSize)
	h2 := h
	if err := h2.Encode(buf2); err != nil {
		t.Fatalf("encode2: %v", err)
	}
	if !bytes.Equal(buf, buf2) {
		t.Fatalf("encode is not deterministic")
	}

	decoded, err := Decode(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Version != h.Version || decoded.RequestID != h.RequestID ||
		decoded.GroupID != h.GroupID || decoded.TotalLength != h.TotalLength ||
		decoded.TimeoutMs != h.TimeoutMs || decoded.Command != h.Command ||
		decoded.Flags != h.Flags || decoded.PayloadChecksum != h.PayloadChecksum {
		t.Fatalf("round trip mismatch: got %+v want %+v", decoded, h)
	}
}

func TestHeaderChecksumDetectsCorruption(t *testing.T) {
	h := Header{Version: 1, HeaderLength: HeaderSize, TotalLength: HeaderSize}
	buf := make([]byte, HeaderSize)
	if err := h.Encode(buf); err != nil {
		t.Fatalf("encode: %v", err)
	}
	buf[offCommand] ^= 0xFF
	if _, err := Decode(buf); err != ErrHeaderChecksum {
		t.Fatalf("expected checksum mismatch, got %v", err)
	}
}

func TestDecodeTruncated(t *testing.T) {
	if _, err := Decode(make([]byte, HeaderSize-1)); err != ErrTruncatedHeader {
		t.Fatalf("expected truncated header error, got %v", err)
	}
}

func TestCheckTotalLengthCeiling(t *testing.T) {
	h := Header{TotalLength: 1 << 20}
	if err := CheckTotalLength(h, 1<<16); err != ErrTotalLengthCeiling {
		t.Fatalf("expected ceiling error, got %v", err)
	}
	if err := CheckTotalLength(h, 1<<21); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
