// Package doip implements the DoIP (ISO 13400-2) header and payload codec.
//
// The codec is pure: it never touches a socket. ParseUDP works on a whole
// datagram, ReadTCP pulls exactly one framed message from a stream, and
// Encode produces the wire form of a Packet.
package doip

import "fmt"

// HeaderLength is the size of the generic DoIP header.
const HeaderLength = 8

// Protocol versions.
const (
	ProtocolVersion2010 byte = 0x01
	ProtocolVersion2012 byte = 0x02
	ProtocolVersion2019 byte = 0x03
	// ProtocolVersionAny is used by testers for vehicle identification requests.
	ProtocolVersionAny byte = 0xFF

	DefaultProtocolVersion = ProtocolVersion2012
)

// Well-known ports.
const (
	DiscoveryPort = 13400
	TLSPort       = 3496
)

// PayloadType identifies the payload that follows the generic header.
type PayloadType uint16

const (
	PayloadGenericHeaderNack        PayloadType = 0x0000
	PayloadVehicleIdentRequest      PayloadType = 0x0001
	PayloadVehicleIdentRequestEID   PayloadType = 0x0002
	PayloadVehicleIdentRequestVIN   PayloadType = 0x0003
	PayloadVehicleAnnouncement      PayloadType = 0x0004
	PayloadRoutingActivationRequest PayloadType = 0x0005
	PayloadRoutingActivationResp    PayloadType = 0x0006
	PayloadAliveCheckRequest        PayloadType = 0x0007
	PayloadAliveCheckResponse       PayloadType = 0x0008
	PayloadEntityStatusRequest      PayloadType = 0x4001
	PayloadEntityStatusResponse     PayloadType = 0x4002
	PayloadPowerModeRequest         PayloadType = 0x4003
	PayloadPowerModeResponse        PayloadType = 0x4004
	PayloadDiagnosticMessage        PayloadType = 0x8001
	PayloadDiagnosticMessageAck     PayloadType = 0x8002
	PayloadDiagnosticMessageNack    PayloadType = 0x8003
)

var payloadTypeNames = map[PayloadType]string{
	PayloadGenericHeaderNack:        "GenericHeaderNack",
	PayloadVehicleIdentRequest:      "VehicleIdentificationRequest",
	PayloadVehicleIdentRequestEID:   "VehicleIdentificationRequestEID",
	PayloadVehicleIdentRequestVIN:   "VehicleIdentificationRequestVIN",
	PayloadVehicleAnnouncement:      "VehicleAnnouncement",
	PayloadRoutingActivationRequest: "RoutingActivationRequest",
	PayloadRoutingActivationResp:    "RoutingActivationResponse",
	PayloadAliveCheckRequest:        "AliveCheckRequest",
	PayloadAliveCheckResponse:       "AliveCheckResponse",
	PayloadEntityStatusRequest:      "EntityStatusRequest",
	PayloadEntityStatusResponse:     "EntityStatusResponse",
	PayloadPowerModeRequest:         "PowerModeRequest",
	PayloadPowerModeResponse:        "PowerModeResponse",
	PayloadDiagnosticMessage:        "DiagnosticMessage",
	PayloadDiagnosticMessageAck:     "DiagnosticMessageAck",
	PayloadDiagnosticMessageNack:    "DiagnosticMessageNack",
}

func (t PayloadType) String() string {
	if name, ok := payloadTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("PayloadType(0x%04X)", uint16(t))
}

// udpPayloadTypes are the payload types accepted on the discovery socket.
var udpPayloadTypes = map[PayloadType]bool{
	PayloadGenericHeaderNack:      true,
	PayloadVehicleIdentRequest:    true,
	PayloadVehicleIdentRequestEID: true,
	PayloadVehicleIdentRequestVIN: true,
	PayloadVehicleAnnouncement:    true,
	PayloadEntityStatusRequest:    true,
	PayloadEntityStatusResponse:   true,
	PayloadPowerModeRequest:       true,
	PayloadPowerModeResponse:      true,
}

// tcpPayloadTypes are the payload types accepted on a diagnostic connection.
var tcpPayloadTypes = map[PayloadType]bool{
	PayloadGenericHeaderNack:        true,
	PayloadRoutingActivationRequest: true,
	PayloadRoutingActivationResp:    true,
	PayloadAliveCheckRequest:        true,
	PayloadAliveCheckResponse:       true,
	PayloadDiagnosticMessage:        true,
	PayloadDiagnosticMessageAck:     true,
	PayloadDiagnosticMessageNack:    true,
}

// NackCode is the single byte carried by a generic header NACK.
type NackCode byte

const (
	NackIncorrectPatternFormat NackCode = 0x00
	NackUnknownPayloadType     NackCode = 0x01
	NackMessageTooLarge        NackCode = 0x02
	NackOutOfMemory            NackCode = 0x03
	NackInvalidPayloadLength   NackCode = 0x04
	// NackTransportProtocolError is sent on diagnostic connections for
	// failures that are not header errors.
	NackTransportProtocolError NackCode = 0x08
)

// Diagnostic message acknowledgement codes.
const (
	DiagAckConfirm                 byte = 0x00
	DiagNackInvalidSourceAddress   byte = 0x02
	DiagNackUnknownTargetAddress   byte = 0x03
	DiagNackMessageTooLarge        byte = 0x04
	DiagNackOutOfMemory            byte = 0x05
	DiagNackTargetUnreachable      byte = 0x06
	DiagNackUnknownNetwork         byte = 0x07
	DiagNackTransportProtocolError byte = 0x08
)

// Routing activation types.
const (
	ActivationDefault         byte = 0x00
	ActivationWWHOBD          byte = 0x01
	ActivationCentralSecurity byte = 0xE0
)

// Routing activation response codes.
const (
	RoutingUnknownSourceAddress      byte = 0x00
	RoutingAllSocketsRegistered      byte = 0x01
	RoutingDifferentSourceAddress    byte = 0x02
	RoutingSourceAddressAlreadyUsed  byte = 0x03
	RoutingMissingAuthentication     byte = 0x04
	RoutingRejectedConfirmation      byte = 0x05
	RoutingUnsupportedActivationType byte = 0x06
	RoutingSuccess                   byte = 0x10
	RoutingConfirmationRequired      byte = 0x11
)

// Diagnostic power mode values.
const (
	PowerModeNotReady     byte = 0x00
	PowerModeReady        byte = 0x01
	PowerModeNotSupported byte = 0x02
)

// Node types reported in entity status responses.
const (
	NodeTypeGateway byte = 0x00
	NodeTypeNode    byte = 0x01
)
