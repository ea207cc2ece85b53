// Package pdu implements the 12-byte fixed-header protocol data unit
// used for all in-call traffic (voice and, via the same framing, any
// other datagram payload exchanged between two call legs once a session
// cipher is installed).
package pdu

import (
	"fmt"

	"github.com/kryptofon/kryptofon/internal/octets"
)

// Fixed call numbers for this implementation's single-call-per-peer
// constraint: every PDU this endpoint sends carries source=SrcCallNumber,
// dest=DestCallNumber, and every PDU it accepts must carry the converse.
const (
	SrcCallNumber  uint16 = 0x3141
	DestCallNumber uint16 = 0x5926

	fBit = 0x8000 // high bit of the source call number
	rBit = 0x8000 // high bit of the dest call number

	// HeaderLen is the fixed byte length of a PDU header, before payload.
	HeaderLen = 12
)

// Type is the PDU type tag in byte 10.
type Type byte

const (
	TypeVoice Type = 0x02
)

// Subclass is the codec tag in byte 11, naming the audio encoding of a
// VOICE PDU's payload.
type Subclass byte

const (
	SubclassLIN16 Subclass = 0x01
	SubclassALAW  Subclass = 0x02
	SubclassULAW  Subclass = 0x03
)

// PDU is a parsed protocol data unit: header fields plus the payload
// (a copy of the input's payload bytes, not an alias of the input buffer).
type PDU struct {
	SrcCall   uint16
	DestCall  uint16
	Timestamp uint64 // stored widened, wire value is 32-bit
	OutSeq    byte
	InSeq     byte
	Type      Type
	Subclass  Subclass
	Payload   []byte
}

// Parse decodes raw as a PDU, stripping the F and R flag bits from the
// call numbers. Unknown types are returned rather than rejected — the
// caller's arrival handler is expected to log and ignore them, per the
// "unknown types produce a PDU whose arrival handler only logs" contract.
func Parse(raw []byte) (*PDU, error) {
	if len(raw) < HeaderLen {
		return nil, fmt.Errorf("pdu too short: %d bytes, need at least %d", len(raw), HeaderLen)
	}

	buf := octets.Wrap(raw)

	rawSrc, err := buf.ReadUint16()
	if err != nil {
		return nil, fmt.Errorf("reading source call number: %w", err)
	}
	rawDest, err := buf.ReadUint16()
	if err != nil {
		return nil, fmt.Errorf("reading dest call number: %w", err)
	}
	ts, err := buf.ReadUint32()
	if err != nil {
		return nil, fmt.Errorf("reading timestamp: %w", err)
	}
	outSeq, err := buf.ReadUint8()
	if err != nil {
		return nil, fmt.Errorf("reading outbound sequence: %w", err)
	}
	inSeq, err := buf.ReadUint8()
	if err != nil {
		return nil, fmt.Errorf("reading inbound sequence: %w", err)
	}
	typ, err := buf.ReadUint8()
	if err != nil {
		return nil, fmt.Errorf("reading type: %w", err)
	}
	sub, err := buf.ReadUint8()
	if err != nil {
		return nil, fmt.Errorf("reading subclass: %w", err)
	}

	payload, err := buf.GetBytes(buf.Remaining())
	if err != nil {
		return nil, fmt.Errorf("reading payload: %w", err)
	}

	return &PDU{
		SrcCall:   rawSrc &^ fBit,
		DestCall:  rawDest &^ rBit,
		Timestamp: uint64(ts),
		OutSeq:    outSeq,
		InSeq:     inSeq,
		Type:      Type(typ),
		Subclass:  Subclass(sub),
		Payload:   payload,
	}, nil
}

// IsOurs reports whether the parsed PDU carries the call numbers this
// single-call-per-peer implementation expects on arrival: destCall =
// DestCallNumber and srcCall = SrcCallNumber (i.e. the peer echoing our
// own fixed call-number pair back).
func (p *PDU) IsOurs() bool {
	return p.DestCall == DestCallNumber && p.SrcCall == SrcCallNumber
}

// Encode writes the fixed 12-byte header (with F bit set on the source
// call number and R bit clear on the dest call number) followed by
// payload. Timestamp is truncated to 32 bits.
func Encode(outSeq, inSeq byte, timestamp uint64, typ Type, subclass Subclass, payload []byte) []byte {
	buf := octets.Allocate(HeaderLen + len(payload))
	_ = buf.WriteUint16(SrcCallNumber | fBit)
	_ = buf.WriteUint16(DestCallNumber &^ rBit)
	_ = buf.WriteUint32(uint32(timestamp))
	_ = buf.WriteUint8(outSeq)
	_ = buf.WriteUint8(inSeq)
	_ = buf.WriteUint8(byte(typ))
	_ = buf.WriteUint8(byte(subclass))
	_ = buf.PutBytes(payload)
	return buf.Bytes()
}
