// Package tfp implements the fixed-header, variable-tail binary packet
// format used between clients, the daemon and its stacks.
package tfp

import (
	"encoding/binary"
	"fmt"
)

const (
	// HeaderLength is the size in bytes of the fixed packet header.
	HeaderLength = 8

	// MinLength and MaxLength bound a legal total frame length.
	MinLength = 8
	MaxLength = 80

	// MaxPayloadLength is the largest tail a frame can carry.
	MaxPayloadLength = MaxLength - HeaderLength

	// DaemonUID addresses the daemon itself rather than a stack recipient.
	DaemonUID = 1

	// BroadcastSequenceNumber marks a response as an unsolicited callback.
	BroadcastSequenceNumber = 0
)

// Function IDs with daemon-wide meaning.
const (
	FunctionGetAuthenticationNonce = 1
	FunctionAuthenticate           = 2
	FunctionDisconnectProbe        = 128
	FunctionCallbackEnumerate      = 253
	FunctionNotSupported           = 255
)

// Error codes carried in the header's error_code_and_future_use field.
const (
	ErrorCodeOK                 = 0
	ErrorCodeInvalidParameter   = 1
	ErrorCodeFunctionNotSupport = 2
	ErrorCodeUnknown            = 3
)

// EnumerationType values carried in a CALLBACK_ENUMERATE payload.
const (
	EnumerationTypeAvailable    = 0
	EnumerationTypeConnected    = 1
	EnumerationTypeDisconnected = 2
)

// Header is the 8-byte fixed prefix of every packet.
type Header struct {
	UID                      uint32
	Length                   uint8
	FunctionID               uint8
	SequenceNumberAndOptions uint8
	ErrorCodeAndFutureUse    uint8
}

// SequenceNumber extracts bits 7..4 of the options byte.
func (h Header) SequenceNumber() uint8 {
	return h.SequenceNumberAndOptions >> 4
}

// ResponseExpected reports bit 3 of the options byte.
func (h Header) ResponseExpected() bool {
	return h.SequenceNumberAndOptions&0x08 != 0
}

// ErrorCode extracts bits 7..6 of the error byte.
func (h Header) ErrorCode() uint8 {
	return h.ErrorCodeAndFutureUse >> 6
}

// MakeOptions returns the options byte for a given sequence number
// and response-expected flag.
func MakeOptions(sequenceNumber uint8, responseExpected bool) uint8 {
	opts := (sequenceNumber & 0x0f) << 4
	if responseExpected {
		opts |= 0x08
	}
	return opts
}

// MakeErrorByte packs an error code into the error_code_and_future_use byte.
func MakeErrorByte(code uint8) uint8 {
	return (code & 0x03) << 6
}

// Packet is a decoded frame: header plus up to MaxPayloadLength bytes of tail.
type Packet struct {
	Header  Header
	Payload []byte
}

// Signature renders a short human-readable identifier for log lines, in the
// same spirit as the teacher's packet_signature callback.
func (p Packet) Signature() string {
	return fmt.Sprintf("U:%d,L:%d,F:%d,S:%d,R:%t,E:%d",
		p.Header.UID, p.Header.Length, p.Header.FunctionID,
		p.Header.SequenceNumber(), p.Header.ResponseExpected(), p.Header.ErrorCode())
}

// DecodeHeader reads the fixed 8-byte header from buf. buf must be at least
// HeaderLength bytes.
func DecodeHeader(buf []byte) Header {
	return Header{
		UID:                      binary.LittleEndian.Uint32(buf[0:4]),
		Length:                   buf[4],
		FunctionID:               buf[5],
		SequenceNumberAndOptions: buf[6],
		ErrorCodeAndFutureUse:    buf[7],
	}
}

// EncodeHeader writes h into the first HeaderLength bytes of buf.
func EncodeHeader(buf []byte, h Header) {
	binary.LittleEndian.PutUint32(buf[0:4], h.UID)
	buf[4] = h.Length
	buf[5] = h.FunctionID
	buf[6] = h.SequenceNumberAndOptions
	buf[7] = h.ErrorCodeAndFutureUse
}

// Decode parses a complete frame (header + tail) out of buf. buf must hold
// exactly int(header.Length) bytes, caller-verified.
func Decode(buf []byte) Packet {
	h := DecodeHeader(buf)
	var payload []byte
	if int(h.Length) > HeaderLength {
		payload = make([]byte, int(h.Length)-HeaderLength)
		copy(payload, buf[HeaderLength:h.Length])
	}
	return Packet{Header: h, Payload: payload}
}

// Encode renders p into a freshly allocated byte slice of length
// p.Header.Length.
func Encode(p Packet) []byte {
	buf := make([]byte, p.Header.Length)
	EncodeHeader(buf, p.Header)
	copy(buf[HeaderLength:], p.Payload)
	return buf
}

// ValidateRequest applies the ingress rules a client request must satisfy.
func ValidateRequest(h Header) error {
	if h.Length < MinLength || h.Length > MaxLength {
		return fmt.Errorf("tfp: request length %d out of range [%d, %d]", h.Length, MinLength, MaxLength)
	}
	if h.FunctionID == 0 {
		return fmt.Errorf("tfp: request function_id is zero")
	}
	if h.SequenceNumber() == 0 {
		return fmt.Errorf("tfp: request sequence_number is zero")
	}
	return nil
}

// ValidateResponse applies the rules a response emitted to, or received
// from, a stack must satisfy.
func ValidateResponse(h Header) error {
	if h.Length < MinLength || h.Length > MaxLength {
		return fmt.Errorf("tfp: response length %d out of range [%d, %d]", h.Length, MinLength, MaxLength)
	}
	if h.UID == 0 {
		return fmt.Errorf("tfp: response uid is zero")
	}
	if h.FunctionID == 0 {
		return fmt.Errorf("tfp: response function_id is zero")
	}
	if !h.ResponseExpected() {
		return fmt.Errorf("tfp: response_expected bit not set")
	}
	return nil
}

// NewErrorResponse builds a response frame carrying only a header and the
// given error code, matching the request's addressing fields.
func NewErrorResponse(request Header, errorCode uint8) Packet {
	h := Header{
		UID:                      request.UID,
		Length:                   HeaderLength,
		FunctionID:               request.FunctionID,
		SequenceNumberAndOptions: MakeOptions(request.SequenceNumber(), true),
		ErrorCodeAndFutureUse:    MakeErrorByte(errorCode),
	}
	return Packet{Header: h}
}
