package frame

import "testing"

func TestEncodeDecodeRoundTrip(t *testing.T) {
	hdr := Header{
		MessageID:     42,
		TimestampNS:   123456789,
		SourceAgentID: 10,
		CorrelationID: 7,
		MsgType:       MsgPublish,
		Priority:      PriorityNormal,
		Flags:         0,
		TTLMillis:     5000,
		Topic:         "alerts",
	}
	payload := []byte("hi")

	buf, err := Encode(hdr, payload)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(buf) != HeaderSize+len(payload) {
		t.Fatalf("unexpected encoded length %d", len(buf))
	}

	got, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Header.MessageID != hdr.MessageID ||
		got.Header.SourceAgentID != hdr.SourceAgentID ||
		got.Header.CorrelationID != hdr.CorrelationID ||
		got.Header.MsgType != hdr.MsgType ||
		got.Header.Priority != hdr.Priority ||
		got.Header.TTLMillis != hdr.TTLMillis ||
		got.Header.Topic != hdr.Topic {
		t.Fatalf("round trip mismatch: %+v", got.Header)
	}
	if string(got.Payload) != "hi" {
		t.Fatalf("payload mismatch: %q", got.Payload)
	}
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	buf, _ := Encode(Header{Topic: "t"}, nil)
	buf[0] ^= 0xFF
	if _, err := Decode(buf); err != ErrBadMagic {
		t.Fatalf("expected ErrBadMagic, got %v", err)
	}
}

func TestDecodeRejectsTruncated(t *testing.T) {
	buf, _ := Encode(Header{Topic: "t"}, []byte("payload"))
	if _, err := Decode(buf[:HeaderSize]); err != ErrTruncated {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
}

func TestDecodeRejectsChecksumMismatch(t *testing.T) {
	buf, _ := Encode(Header{Topic: "t"}, []byte("payload"))
	buf[10] ^= 0xFF // corrupt a header byte covered by the CRC
	if _, err := Decode(buf); err != ErrChecksumMismatch {
		t.Fatalf("expected ErrChecksumMismatch, got %v", err)
	}
}

func TestEncodeRejectsOversizedTopic(t *testing.T) {
	big := make([]byte, topicFieldSize+1)
	for i := range big {
		big[i] = 'a'
	}
	if _, err := Encode(Header{Topic: string(big)}, nil); err != ErrTopicTooLong {
		t.Fatalf("expected ErrTopicTooLong, got %v", err)
	}
}

func TestEncodeRejectsOversizedPayload(t *testing.T) {
	if _, err := Encode(Header{Topic: "t"}, make([]byte, MaxPayload+1)); err != ErrPayloadTooLarge {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}
