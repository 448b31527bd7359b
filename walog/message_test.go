package walog

import "testing"

func TestEncodeDecodeMessageRoundTrip(t *testing.T) {
	payload := []byte("hello fragment")
	record := EncodeMessage(KindFlush, 42, payload)

	hdr, ok := DecodeMessageHeader(record)
	if !ok {
		t.Fatalf("expected header to decode")
	}
	if hdr.Kind != KindFlush || hdr.Lsn != 42 || int(hdr.Length) != len(payload) {
		t.Fatalf("unexpected header: %+v", hdr)
	}
	if !VerifyMessageCRC(record) {
		t.Fatalf("expected crc to verify")
	}
	if got := record[MsgHeaderLen:]; string(got) != string(payload) {
		t.Fatalf("payload mismatch: %q", got)
	}
}

func TestVerifyMessageCRCDetectsCorruption(t *testing.T) {
	record := EncodeMessage(KindFlush, 1, []byte("payload"))
	record[len(record)-1] ^= 0xFF
	if VerifyMessageCRC(record) {
		t.Fatalf("expected corrupted record to fail crc check")
	}
}

func TestSegmentHeaderTrailerRoundTrip(t *testing.T) {
	hdr := EncodeSegmentHeader(777)
	lsn, ok := DecodeSegmentHeader(hdr)
	if !ok || lsn != 777 {
		t.Fatalf("expected header round trip, got lsn=%d ok=%v", lsn, ok)
	}

	trailer := EncodeSegmentTrailer(777, true)
	lsn2, sealedOK, valid := DecodeSegmentTrailer(trailer)
	if !valid || !sealedOK || lsn2 != 777 {
		t.Fatalf("expected trailer round trip, got lsn=%d ok=%v valid=%v", lsn2, sealedOK, valid)
	}

	hdr[0] ^= 0xFF
	if _, ok := DecodeSegmentHeader(hdr); ok {
		t.Fatalf("expected corrupted magic to fail decode")
	}
}
