// Package frame implements the fabric's fixed-header wire format: a 168-byte
// header followed by a variable-length opaque payload. All integer fields
// are little-endian.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/agentfabric/fabric/internal/vectorops"
)

// HeaderSize is the fixed on-wire size of a frame header in bytes.
const HeaderSize = 168

// topicFieldSize is the fixed width of the topic field, ASCII NUL-padded.
const topicFieldSize = 128

// MaxPayload is the largest payload a frame may carry.
const MaxPayload = 16 << 20 // 16 MiB

// Magic is the fixed four-byte header tag, "ROUT" read little-endian.
const Magic uint32 = 0x54554F52

// MsgType enumerates the kinds of frame the router understands.
type MsgType uint8

const (
	MsgPublish MsgType = iota
	MsgSubscribe
	MsgUnsubscribe
	MsgRequest
	MsgResponse
	MsgWorkItem
	MsgWorkAck
	MsgHeartbeat
	MsgDeadLetter
)

func (t MsgType) String() string {
	switch t {
	case MsgPublish:
		return "publish"
	case MsgSubscribe:
		return "subscribe"
	case MsgUnsubscribe:
		return "unsubscribe"
	case MsgRequest:
		return "request"
	case MsgResponse:
		return "response"
	case MsgWorkItem:
		return "work_item"
	case MsgWorkAck:
		return "work_ack"
	case MsgHeartbeat:
		return "heartbeat"
	case MsgDeadLetter:
		return "dead_letter"
	default:
		return fmt.Sprintf("msg_type(%d)", uint8(t))
	}
}

// Priority enumerates the fabric's fixed six priority classes, lowest value
// first in delivery preference.
type Priority uint8

const (
	PriorityEmergency Priority = iota
	PriorityCritical
	PriorityHigh
	PriorityNormal
	PriorityLow
	PriorityBackground

	// NumPriorities is the number of priority classes a Channel allocates
	// one ring per.
	NumPriorities = int(PriorityBackground) + 1
)

func (p Priority) String() string {
	switch p {
	case PriorityEmergency:
		return "emergency"
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	case PriorityBackground:
		return "background"
	default:
		return fmt.Sprintf("priority(%d)", uint8(p))
	}
}

// Valid reports whether p is one of the six defined classes.
func (p Priority) Valid() bool {
	return p <= PriorityBackground
}

var (
	// ErrBadMagic is returned by Decode when the leading magic value does
	// not match Magic.
	ErrBadMagic = errors.New("frame: bad magic")
	// ErrTruncated is returned by Decode when b is shorter than HeaderSize
	// or shorter than HeaderSize+payload_size.
	ErrTruncated = errors.New("frame: truncated")
	// ErrChecksumMismatch is returned by Decode when the stored CRC32C does
	// not match the recomputed value.
	ErrChecksumMismatch = errors.New("frame: checksum mismatch")
	// ErrPayloadTooLarge is returned by Encode when payload exceeds
	// MaxPayload, and by Decode when the header claims a payload_size over
	// MaxPayload.
	ErrPayloadTooLarge = errors.New("frame: payload too large")
	// ErrTopicTooLong is returned by Encode when the topic does not fit in
	// topicFieldSize bytes.
	ErrTopicTooLong = errors.New("frame: topic too long")
)

// Header is the fixed, fully decoded form of a frame's 168-byte header.
type Header struct {
	MessageID      uint32
	TimestampNS    uint64
	SourceAgentID  uint32
	CorrelationID  uint32
	MsgType        MsgType
	Priority       Priority
	Flags          uint16
	PayloadSize    uint32
	TTLMillis      uint32
	Topic          string
	CRC32C         uint32
}

// Frame is a decoded header plus its payload bytes.
type Frame struct {
	Header  Header
	Payload []byte
}

// Encode serializes hdr and payload into a single contiguous buffer:
// HeaderSize bytes of header followed by len(payload) bytes of payload.
// hdr.PayloadSize and hdr.CRC32C are computed from payload and overwritten;
// the caller does not need to set them.
func Encode(hdr Header, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return nil, ErrPayloadTooLarge
	}
	if len(hdr.Topic) > topicFieldSize {
		return nil, ErrTopicTooLong
	}
	hdr.PayloadSize = uint32(len(payload))

	buf := make([]byte, HeaderSize+len(payload))
	writeHeader(buf, hdr, 0)
	hdr.CRC32C = vectorops.Checksum(buf[:HeaderSize-4])
	binary.LittleEndian.PutUint32(buf[HeaderSize-4:HeaderSize], hdr.CRC32C)
	copy(buf[HeaderSize:], payload)
	return buf, nil
}

// writeHeader writes hdr's fields into buf[HeaderSize] starting at off, with
// the trailing CRC32C field zeroed (the caller fills it in afterward, once
// the checksum over the rest of the header is known).
func writeHeader(buf []byte, hdr Header, off int) {
	binary.LittleEndian.PutUint32(buf[off+0:], Magic)
	binary.LittleEndian.PutUint32(buf[off+4:], hdr.MessageID)
	binary.LittleEndian.PutUint64(buf[off+8:], hdr.TimestampNS)
	binary.LittleEndian.PutUint32(buf[off+16:], hdr.SourceAgentID)
	binary.LittleEndian.PutUint32(buf[off+20:], hdr.CorrelationID)
	buf[off+24] = byte(hdr.MsgType)
	buf[off+25] = byte(hdr.Priority)
	binary.LittleEndian.PutUint16(buf[off+26:], hdr.Flags)
	binary.LittleEndian.PutUint32(buf[off+28:], hdr.PayloadSize)
	binary.LittleEndian.PutUint32(buf[off+32:], hdr.TTLMillis)
	var topicField [topicFieldSize]byte
	copy(topicField[:], hdr.Topic)
	copy(buf[off+36:off+36+topicFieldSize], topicField[:])
	binary.LittleEndian.PutUint32(buf[off+164:off+168], 0)
}

// Decode parses a frame from b, verifying the magic value, the claimed
// payload size against b's actual length, and the CRC32C checksum. b may be
// longer than the frame; only HeaderSize+payload_size bytes are consumed and
// the rest is ignored by the caller.
func Decode(b []byte) (Frame, error) {
	if len(b) < HeaderSize {
		return Frame{}, ErrTruncated
	}
	if binary.LittleEndian.Uint32(b[0:4]) != Magic {
		return Frame{}, ErrBadMagic
	}

	payloadSize := binary.LittleEndian.Uint32(b[28:32])
	if payloadSize > MaxPayload {
		return Frame{}, ErrPayloadTooLarge
	}
	if len(b) < HeaderSize+int(payloadSize) {
		return Frame{}, ErrTruncated
	}

	storedCRC := binary.LittleEndian.Uint32(b[164:168])
	crcInput := make([]byte, HeaderSize-4)
	copy(crcInput, b[:HeaderSize-4])
	if vectorops.Checksum(crcInput) != storedCRC {
		return Frame{}, ErrChecksumMismatch
	}

	hdr := Header{
		MessageID:     binary.LittleEndian.Uint32(b[4:8]),
		TimestampNS:   binary.LittleEndian.Uint64(b[8:16]),
		SourceAgentID: binary.LittleEndian.Uint32(b[16:20]),
		CorrelationID: binary.LittleEndian.Uint32(b[20:24]),
		MsgType:       MsgType(b[24]),
		Priority:      Priority(b[25]),
		Flags:         binary.LittleEndian.Uint16(b[26:28]),
		PayloadSize:   payloadSize,
		TTLMillis:     binary.LittleEndian.Uint32(b[32:36]),
		Topic:         decodeTopic(b[36 : 36+topicFieldSize]),
		CRC32C:        storedCRC,
	}

	payload := make([]byte, payloadSize)
	copy(payload, b[HeaderSize:HeaderSize+int(payloadSize)])
	return Frame{Header: hdr, Payload: payload}, nil
}

func decodeTopic(field []byte) string {
	n := 0
	for n < len(field) && field[n] != 0 {
		n++
	}
	return string(field[:n])
}

// Size returns the total encoded size of f (header plus payload).
func (f Frame) Size() int {
	return HeaderSize + len(f.Payload)
}
