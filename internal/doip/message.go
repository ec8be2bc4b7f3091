package doip

import "encoding/binary"

// Message is a decoded DoIP payload.
type Message interface {
	PayloadType() PayloadType
	payloadLength() int
	appendPayload(dst []byte) []byte
}

// GenericHeaderNack rejects a message whose header could not be processed.
type GenericHeaderNack struct {
	Code NackCode
}

func (GenericHeaderNack) PayloadType() PayloadType { return PayloadGenericHeaderNack }
func (GenericHeaderNack) payloadLength() int { return 1 }
func (m GenericHeaderNack) appendPayload(dst []byte) []byte {
	return append(dst, byte(m.Code))
}

// VehicleIdentRequest asks every entity on the network to identify itself.
type VehicleIdentRequest struct{}

func (VehicleIdentRequest) PayloadType() PayloadType { return PayloadVehicleIdentRequest }
func (VehicleIdentRequest) payloadLength() int { return 0 }
func (VehicleIdentRequest) appendPayload(dst []byte) []byte { return dst }

// VehicleIdentRequestEID asks the entity with the given EID to identify itself.
type VehicleIdentRequestEID struct {
	EID [6]byte
}

func (VehicleIdentRequestEID) PayloadType() PayloadType { return PayloadVehicleIdentRequestEID }
func (VehicleIdentRequestEID) payloadLength() int { return 6 }
func (m VehicleIdentRequestEID) appendPayload(dst []byte) []byte {
	return append(dst, m.EID[:]...)
}

// VehicleIdentRequestVIN asks entities of the given vehicle to identify themselves.
type VehicleIdentRequestVIN struct {
	VIN [17]byte
}

func (VehicleIdentRequestVIN) PayloadType() PayloadType { return PayloadVehicleIdentRequestVIN }
func (VehicleIdentRequestVIN) payloadLength() int { return 17 }
func (m VehicleIdentRequestVIN) appendPayload(dst []byte) []byte {
	return append(dst, m.VIN[:]...)
}

// VehicleAnnouncement is both the unsolicited announcement and the
// vehicle identification response.
type VehicleAnnouncement struct {
	VIN            [17]byte
	LogicalAddress uint16
	EID            [6]byte
	GID            [6]byte
	FurtherAction  byte
	// SyncStatus is optional; nil omits the byte.
	SyncStatus *byte
}

func (VehicleAnnouncement) PayloadType() PayloadType { return PayloadVehicleAnnouncement }

func (m VehicleAnnouncement) payloadLength() int {
	if m.SyncStatus != nil {
		return 33
	}
	return 32
}

func (m VehicleAnnouncement) appendPayload(dst []byte) []byte {
	dst = append(dst, m.VIN[:]...)
	dst = binary.BigEndian.AppendUint16(dst, m.LogicalAddress)
	dst = append(dst, m.EID[:]...)
	dst = append(dst, m.GID[:]...)
	dst = append(dst, m.FurtherAction)
	if m.SyncStatus != nil {
		dst = append(dst, *m.SyncStatus)
	}
	return dst
}

// RoutingActivationRequest activates routing for a tester on a connection.
type RoutingActivationRequest struct {
	SourceAddress  uint16
	ActivationType byte
	Reserved       uint32
	// OEM is either nil or exactly 4 bytes.
	OEM []byte
}

func (RoutingActivationRequest) PayloadType() PayloadType { return PayloadRoutingActivationRequest }
func (m RoutingActivationRequest) payloadLength() int { return 7 + len(m.OEM) }
func (m RoutingActivationRequest) appendPayload(dst []byte) []byte {
	dst = binary.BigEndian.AppendUint16(dst, m.SourceAddress)
	dst = append(dst, m.ActivationType)
	dst = binary.BigEndian.AppendUint32(dst, m.Reserved)
	return append(dst, m.OEM...)
}

// RoutingActivationResponse answers a RoutingActivationRequest.
type RoutingActivationResponse struct {
	TesterAddress uint16
	EntityAddress uint16
	Code          byte
	Reserved      uint32
	// OEM is either nil or exactly 4 bytes.
	OEM []byte
}

func (RoutingActivationResponse) PayloadType() PayloadType { return PayloadRoutingActivationResp }
func (m RoutingActivationResponse) payloadLength() int { return 9 + len(m.OEM) }
func (m RoutingActivationResponse) appendPayload(dst []byte) []byte {
	dst = binary.BigEndian.AppendUint16(dst, m.TesterAddress)
	dst = binary.BigEndian.AppendUint16(dst, m.EntityAddress)
	dst = append(dst, m.Code)
	dst = binary.BigEndian.AppendUint32(dst, m.Reserved)
	return append(dst, m.OEM...)
}

// AliveCheckRequest probes whether a connection is still in use.
type AliveCheckRequest struct{}

func (AliveCheckRequest) PayloadType() PayloadType { return PayloadAliveCheckRequest }
func (AliveCheckRequest) payloadLength() int { return 0 }
func (AliveCheckRequest) appendPayload(dst []byte) []byte { return dst }

// AliveCheckResponse answers an AliveCheckRequest.
type AliveCheckResponse struct {
	SourceAddress uint16
}

func (AliveCheckResponse) PayloadType() PayloadType { return PayloadAliveCheckResponse }
func (AliveCheckResponse) payloadLength() int { return 2 }
func (m AliveCheckResponse) appendPayload(dst []byte) []byte {
	return binary.BigEndian.AppendUint16(dst, m.SourceAddress)
}

// EntityStatusRequest asks for the entity's socket usage.
type EntityStatusRequest struct{}

func (EntityStatusRequest) PayloadType() PayloadType { return PayloadEntityStatusRequest }
func (EntityStatusRequest) payloadLength() int { return 0 }
func (EntityStatusRequest) appendPayload(dst []byte) []byte { return dst }

// EntityStatusResponse reports node type and socket usage.
type EntityStatusResponse struct {
	NodeType       byte
	MaxOpenSockets byte
	OpenSockets    byte
	// MaxDataSize is optional; nil omits the field.
	MaxDataSize *uint32
}

func (EntityStatusResponse) PayloadType() PayloadType { return PayloadEntityStatusResponse }

func (m EntityStatusResponse) payloadLength() int {
	if m.MaxDataSize != nil {
		return 7
	}
	return 3
}

func (m EntityStatusResponse) appendPayload(dst []byte) []byte {
	dst = append(dst, m.NodeType, m.MaxOpenSockets, m.OpenSockets)
	if m.MaxDataSize != nil {
		dst = binary.BigEndian.AppendUint32(dst, *m.MaxDataSize)
	}
	return dst
}

// PowerModeRequest asks for the diagnostic power mode.
type PowerModeRequest struct{}

func (PowerModeRequest) PayloadType() PayloadType { return PayloadPowerModeRequest }
func (PowerModeRequest) payloadLength() int { return 0 }
func (PowerModeRequest) appendPayload(dst []byte) []byte { return dst }

// PowerModeResponse reports the diagnostic power mode.
type PowerModeResponse struct {
	Mode byte
}

func (PowerModeResponse) PayloadType() PayloadType { return PayloadPowerModeResponse }
func (PowerModeResponse) payloadLength() int { return 1 }
func (m PowerModeResponse) appendPayload(dst []byte) []byte {
	return append(dst, m.Mode)
}

// DiagnosticMessage carries UDS bytes between a tester and an ECU.
type DiagnosticMessage struct {
	SourceAddress uint16
	TargetAddress uint16
	Data          []byte
}

func (DiagnosticMessage) PayloadType() PayloadType { return PayloadDiagnosticMessage }
func (m DiagnosticMessage) payloadLength() int { return 4 + len(m.Data) }
func (m DiagnosticMessage) appendPayload(dst []byte) []byte {
	dst = binary.BigEndian.AppendUint16(dst, m.SourceAddress)
	dst = binary.BigEndian.AppendUint16(dst, m.TargetAddress)
	return append(dst, m.Data...)
}

// DiagnosticMessageAck confirms a DiagnosticMessage was accepted.
type DiagnosticMessageAck struct {
	SourceAddress uint16
	TargetAddress uint16
	Code          byte
	Previous      []byte
}

func (DiagnosticMessageAck) PayloadType() PayloadType { return PayloadDiagnosticMessageAck }
func (m DiagnosticMessageAck) payloadLength() int { return 5 + len(m.Previous) }
func (m DiagnosticMessageAck) appendPayload(dst []byte) []byte {
	return appendDiagAck(dst, m.SourceAddress, m.TargetAddress, m.Code, m.Previous)
}

// DiagnosticMessageNack rejects a DiagnosticMessage.
type DiagnosticMessageNack struct {
	SourceAddress uint16
	TargetAddress uint16
	Code          byte
	Previous      []byte
}

func (DiagnosticMessageNack) PayloadType() PayloadType { return PayloadDiagnosticMessageNack }
func (m DiagnosticMessageNack) payloadLength() int { return 5 + len(m.Previous) }
func (m DiagnosticMessageNack) appendPayload(dst []byte) []byte {
	return appendDiagAck(dst, m.SourceAddress, m.TargetAddress, m.Code, m.Previous)
}

func appendDiagAck(dst []byte, sa, ta uint16, code byte, previous []byte) []byte {
	dst = binary.BigEndian.AppendUint16(dst, sa)
	dst = binary.BigEndian.AppendUint16(dst, ta)
	dst = append(dst, code)
	return append(dst, previous...)
}

// decoders turn a payload of known type into a Message. A false result
// means the payload length does not fit the type.
var decoders = map[PayloadType]func(p []byte) (Message, bool){
	PayloadGenericHeaderNack: func(p []byte) (Message, bool) {
		if len(p) != 1 {
			return nil, false
		}
		return GenericHeaderNack{Code: NackCode(p[0])}, true
	},
	PayloadVehicleIdentRequest: func(p []byte) (Message, bool) {
		return VehicleIdentRequest{}, len(p) == 0
	},
	PayloadVehicleIdentRequestEID: func(p []byte) (Message, bool) {
		var m VehicleIdentRequestEID
		if len(p) != len(m.EID) {
			return nil, false
		}
		copy(m.EID[:], p)
		return m, true
	},
	PayloadVehicleIdentRequestVIN: func(p []byte) (Message, bool) {
		var m VehicleIdentRequestVIN
		if len(p) != len(m.VIN) {
			return nil, false
		}
		copy(m.VIN[:], p)
		return m, true
	},
	PayloadVehicleAnnouncement: func(p []byte) (Message, bool) {
		if len(p) != 32 && len(p) != 33 {
			return nil, false
		}
		var m VehicleAnnouncement
		copy(m.VIN[:], p[0:17])
		m.LogicalAddress = binary.BigEndian.Uint16(p[17:19])
		copy(m.EID[:], p[19:25])
		copy(m.GID[:], p[25:31])
		m.FurtherAction = p[31]
		if len(p) == 33 {
			status := p[32]
			m.SyncStatus = &status
		}
		return m, true
	},
	PayloadRoutingActivationRequest: func(p []byte) (Message, bool) {
		if len(p) != 7 && len(p) != 11 {
			return nil, false
		}
		m := RoutingActivationRequest{
			SourceAddress:  binary.BigEndian.Uint16(p[0:2]),
			ActivationType: p[2],
			Reserved:       binary.BigEndian.Uint32(p[3:7]),
		}
		if len(p) == 11 {
			m.OEM = append([]byte(nil), p[7:11]...)
		}
		return m, true
	},
	PayloadRoutingActivationResp: func(p []byte) (Message, bool) {
		if len(p) != 9 && len(p) != 13 {
			return nil, false
		}
		m := RoutingActivationResponse{
			TesterAddress: binary.BigEndian.Uint16(p[0:2]),
			EntityAddress: binary.BigEndian.Uint16(p[2:4]),
			Code:          p[4],
			Reserved:      binary.BigEndian.Uint32(p[5:9]),
		}
		if len(p) == 13 {
			m.OEM = append([]byte(nil), p[9:13]...)
		}
		return m, true
	},
	PayloadAliveCheckRequest: func(p []byte) (Message, bool) {
		return AliveCheckRequest{}, len(p) == 0
	},
	PayloadAliveCheckResponse: func(p []byte) (Message, bool) {
		if len(p) != 2 {
			return nil, false
		}
		return AliveCheckResponse{SourceAddress: binary.BigEndian.Uint16(p)}, true
	},
	PayloadEntityStatusRequest: func(p []byte) (Message, bool) {
		return EntityStatusRequest{}, len(p) == 0
	},
	PayloadEntityStatusResponse: func(p []byte) (Message, bool) {
		if len(p) != 3 && len(p) != 7 {
			return nil, false
		}
		m := EntityStatusResponse{NodeType: p[0], MaxOpenSockets: p[1], OpenSockets: p[2]}
		if len(p) == 7 {
			size := binary.BigEndian.Uint32(p[3:7])
			m.MaxDataSize = &size
		}
		return m, true
	},
	PayloadPowerModeRequest: func(p []byte) (Message, bool) {
		return PowerModeRequest{}, len(p) == 0
	},
	PayloadPowerModeResponse: func(p []byte) (Message, bool) {
		if len(p) != 1 {
			return nil, false
		}
		return PowerModeResponse{Mode: p[0]}, true
	},
	PayloadDiagnosticMessage: func(p []byte) (Message, bool) {
		if len(p) < 5 {
			return nil, false
		}
		return DiagnosticMessage{
			SourceAddress: binary.BigEndian.Uint16(p[0:2]),
			TargetAddress: binary.BigEndian.Uint16(p[2:4]),
			Data:          append([]byte(nil), p[4:]...),
		}, true
	},
	PayloadDiagnosticMessageAck: func(p []byte) (Message, bool) {
		if len(p) < 5 {
			return nil, false
		}
		return DiagnosticMessageAck{
			SourceAddress: binary.BigEndian.Uint16(p[0:2]),
			TargetAddress: binary.BigEndian.Uint16(p[2:4]),
			Code:          p[4],
			Previous:      clonePrevious(p[5:]),
		}, true
	},
	PayloadDiagnosticMessageNack: func(p []byte) (Message, bool) {
		if len(p) < 5 {
			return nil, false
		}
		return DiagnosticMessageNack{
			SourceAddress: binary.BigEndian.Uint16(p[0:2]),
			TargetAddress: binary.BigEndian.Uint16(p[2:4]),
			Code:          p[4],
			Previous:      clonePrevious(p[5:]),
		}, true
	},
}

func clonePrevious(p []byte) []byte {
	if len(p) == 0 {
		return nil
	}
	return append([]byte(nil), p...)
}
