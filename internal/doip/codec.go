package doip

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Packet is one DoIP message together with the protocol version it was
// sent with.
type Packet struct {
	Version byte
	Message Message
}

// NewPacket wraps m with the default protocol version.
func NewPacket(m Message) *Packet {
	return &Packet{Version: DefaultProtocolVersion, Message: m}
}

// HeaderErrorReason classifies why a header was rejected.
type HeaderErrorReason int

const (
	IncorrectPatternFormat HeaderErrorReason = iota + 1
	HeaderTooShort
	InvalidPayloadLength
	UnknownPayloadType
)

func (r HeaderErrorReason) String() string {
	switch r {
	case IncorrectPatternFormat:
		return "incorrect pattern format"
	case HeaderTooShort:
		return "header too short"
	case InvalidPayloadLength:
		return "invalid payload length"
	case UnknownPayloadType:
		return "unknown payload type"
	default:
		return fmt.Sprintf("HeaderErrorReason(%d)", int(r))
	}
}

// NackCode returns the UDP header NACK code answering this reason.
func (r HeaderErrorReason) NackCode() NackCode {
	switch r {
	case UnknownPayloadType:
		return NackUnknownPayloadType
	case InvalidPayloadLength:
		return NackInvalidPayloadLength
	default:
		return NackIncorrectPatternFormat
	}
}

// HeaderError is returned when a message cannot be framed or decoded.
// The receiver answers it with a GenericHeaderNack.
type HeaderError struct {
	Reason      HeaderErrorReason
	PayloadType PayloadType
	Length      uint32
}

func (e *HeaderError) Error() string {
	switch e.Reason {
	case UnknownPayloadType:
		return fmt.Sprintf("doip: %s 0x%04X", e.Reason, uint16(e.PayloadType))
	case InvalidPayloadLength:
		return fmt.Sprintf("doip: %s %d for %s", e.Reason, e.Length, e.PayloadType)
	default:
		return "doip: " + e.Reason.String()
	}
}

// NackCode returns the UDP header NACK code for this error.
func (e *HeaderError) NackCode() NackCode {
	return e.Reason.NackCode()
}

// AsHeaderError reports whether err carries a HeaderError.
func AsHeaderError(err error) (*HeaderError, bool) {
	var herr *HeaderError
	if errors.As(err, &herr) {
		return herr, true
	}
	return nil, false
}

type header struct {
	version     byte
	payloadType PayloadType
	length      uint32
}

func parseHeader(b []byte, allowed map[PayloadType]bool) (header, error) {
	if len(b) < HeaderLength {
		return header{}, &HeaderError{Reason: HeaderTooShort}
	}
	if b[0] != ^b[1] {
		return header{}, &HeaderError{Reason: IncorrectPatternFormat}
	}
	h := header{
		version:     b[0],
		payloadType: PayloadType(binary.BigEndian.Uint16(b[2:4])),
		length:      binary.BigEndian.Uint32(b[4:8]),
	}
	if !allowed[h.payloadType] {
		return header{}, &HeaderError{Reason: UnknownPayloadType, PayloadType: h.payloadType, Length: h.length}
	}
	return h, nil
}

func decode(h header, payload []byte) (*Packet, error) {
	msg, ok := decoders[h.payloadType](payload)
	if !ok {
		return nil, &HeaderError{Reason: InvalidPayloadLength, PayloadType: h.payloadType, Length: h.length}
	}
	return &Packet{Version: h.version, Message: msg}, nil
}

// ParseUDP decodes one datagram. Errors are *HeaderError.
func ParseUDP(b []byte) (*Packet, error) {
	h, err := parseHeader(b, udpPayloadTypes)
	if err != nil {
		return nil, err
	}
	if uint64(h.length) != uint64(len(b)-HeaderLength) {
		return nil, &HeaderError{Reason: InvalidPayloadLength, PayloadType: h.payloadType, Length: h.length}
	}
	return decode(h, b[HeaderLength:])
}

// ReadTCP reads exactly one message from r. maxPayload bounds the payload
// length announced by the header; zero disables the check.
//
// A clean end of stream before the first header byte returns io.EOF; a
// stream that ends mid-message returns io.ErrUnexpectedEOF. Framing and
// payload errors are *HeaderError.
func ReadTCP(r io.Reader, maxPayload uint32) (*Packet, error) {
	var hdr [HeaderLength]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	h, err := parseHeader(hdr[:], tcpPayloadTypes)
	if err != nil {
		return nil, err
	}
	if maxPayload > 0 && h.length > maxPayload {
		return nil, &HeaderError{Reason: InvalidPayloadLength, PayloadType: h.payloadType, Length: h.length}
	}
	payload := make([]byte, h.length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return decode(h, payload)
}

// Encode returns the wire form of p.
func Encode(p *Packet) []byte {
	n := p.Message.payloadLength()
	b := make([]byte, HeaderLength, HeaderLength+n)
	b[0] = p.Version
	b[1] = ^p.Version
	binary.BigEndian.PutUint16(b[2:4], uint16(p.Message.PayloadType()))
	binary.BigEndian.PutUint32(b[4:8], uint32(n))
	return p.Message.appendPayload(b)
}

// EncodeMessage encodes m with the default protocol version.
func EncodeMessage(m Message) []byte {
	return Encode(NewPacket(m))
}

// HeaderNack builds the NACK frame answering err.
func HeaderNack(code NackCode) []byte {
	return EncodeMessage(GenericHeaderNack{Code: code})
}
