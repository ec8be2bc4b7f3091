// Package entity holds the validated identity of a simulated DoIP entity
// (gateway or node) and the ECUs behind it.
package entity

import (
	"errors"
	"fmt"
	"time"

	"github.com/tturner/doipsim/internal/doip"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid entity config")

// Field lengths mandated by ISO 13400-2.
const (
	GIDLength = 6
	EIDLength = 6
	VINLength = 17
)

// Defaults applied by Config.ApplyDefaults.
const (
	DefaultLocalAddress     = "0.0.0.0"
	DefaultBroadcastAddress = "255.255.255.255"
	DefaultMaxDataSize      = 65536
	DefaultMaxOpenSockets   = 255
	DefaultVAMCount         = 3
	DefaultVAMInterval      = 500 * time.Millisecond
)

// NodeType distinguishes a gateway from a plain DoIP node.
type NodeType byte

const (
	NodeTypeGateway NodeType = NodeType(doip.NodeTypeGateway)
	NodeTypeNode    NodeType = NodeType(doip.NodeTypeNode)
)

func (t NodeType) String() string {
	if t == NodeTypeNode {
		return "node"
	}
	return "gateway"
}

// TLSMode selects whether the TLS listener runs.
type TLSMode int

const (
	TLSDisabled TLSMode = iota
	TLSOptional
	TLSMandatory
)

func (m TLSMode) String() string {
	switch m {
	case TLSOptional:
		return "optional"
	case TLSMandatory:
		return "mandatory"
	default:
		return "disabled"
	}
}

// TLSOptions describes the TLS identity and the enabled protocol and cipher
// lists, in preference order.
type TLSOptions struct {
	Mode        TLSMode
	Port        int
	CertFile    string
	KeyFile     string
	KeyPassword string
	Protocols   []string
	Ciphers     []string
}

// EcuConfig is the identity of one simulated ECU.
type EcuConfig struct {
	Name              string
	LogicalAddress    uint16
	FunctionalAddress uint16
}

// Validate checks the ECU identity.
func (c EcuConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: ecu name must not be empty (logical address 0x%04X)", ErrInvalidConfig, c.LogicalAddress)
	}
	return nil
}

// Config is the identity and network setup of one DoIP entity.
type Config struct {
	Name           string
	LogicalAddress uint16
	NodeType       NodeType
	GID            []byte
	EID            []byte
	VIN            []byte
	MaxDataSize    uint32

	LocalAddress              string
	TCPPort                   int
	UDPPort                   int
	BindOnAnyForUDPAdditional bool
	MaxOpenSockets            int
	RequireRoutingActivation  bool

	BroadcastEnabled bool
	BroadcastAddress string
	BroadcastPort    int
	VAMCount         int
	VAMInterval      time.Duration

	TLS  TLSOptions
	Ecus []EcuConfig
}

// ApplyDefaults fills zero-valued optional fields.
func (c *Config) ApplyDefaults() {
	if c.LocalAddress == "" {
		c.LocalAddress = DefaultLocalAddress
	}
	if c.MaxDataSize == 0 {
		c.MaxDataSize = DefaultMaxDataSize
	}
	if c.MaxOpenSockets == 0 {
		c.MaxOpenSockets = DefaultMaxOpenSockets
	}
	if c.BroadcastAddress == "" {
		c.BroadcastAddress = DefaultBroadcastAddress
	}
	if c.BroadcastPort == 0 {
		c.BroadcastPort = doip.DiscoveryPort
	}
	if c.VAMCount == 0 {
		c.VAMCount = DefaultVAMCount
	}
	if c.VAMInterval == 0 {
		c.VAMInterval = DefaultVAMInterval
	}
	if c.TLS.Port == 0 {
		c.TLS.Port = doip.TLSPort
	}
}

// Validate enforces the identity constraints of the entity and its ECUs.
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: name must not be empty", ErrInvalidConfig)
	}
	if len(c.GID) != GIDLength {
		return fmt.Errorf("%w: gid must be %d bytes, got %d", ErrInvalidConfig, GIDLength, len(c.GID))
	}
	if len(c.EID) != EIDLength {
		return fmt.Errorf("%w: eid must be %d bytes, got %d", ErrInvalidConfig, EIDLength, len(c.EID))
	}
	if len(c.VIN) != VINLength {
		return fmt.Errorf("%w: vin must be %d bytes, got %d", ErrInvalidConfig, VINLength, len(c.VIN))
	}
	if c.MaxDataSize != 0 && c.MaxDataSize <= doip.HeaderLength {
		return fmt.Errorf("%w: max data size must exceed %d", ErrInvalidConfig, doip.HeaderLength)
	}
	if c.TCPPort < 0 || c.TCPPort > 65535 || c.UDPPort < 0 || c.UDPPort > 65535 {
		return fmt.Errorf("%w: ports must be between 0 and 65535", ErrInvalidConfig)
	}
	if c.VAMCount < 0 || c.VAMInterval < 0 {
		return fmt.Errorf("%w: vam count and interval must be >= 0", ErrInvalidConfig)
	}
	if c.TLS.Mode != TLSDisabled && (c.TLS.CertFile == "" || c.TLS.KeyFile == "") {
		return fmt.Errorf("%w: tls %s requires cert_file and key_file", ErrInvalidConfig, c.TLS.Mode)
	}
	for _, ecu := range c.Ecus {
		if err := ecu.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// MaxPayloadLength is the largest payload a diagnostic connection accepts.
func (c *Config) MaxPayloadLength() uint32 {
	if c.MaxDataSize <= doip.HeaderLength {
		return 0
	}
	return c.MaxDataSize - doip.HeaderLength
}

// Announcements returns the identities this entity announces and reports in
// vehicle identification responses: the entity itself for a gateway, one
// per ECU for a node.
func (c *Config) Announcements() []doip.VehicleAnnouncement {
	base := doip.VehicleAnnouncement{LogicalAddress: c.LogicalAddress}
	copy(base.VIN[:], c.VIN)
	copy(base.EID[:], c.EID)
	copy(base.GID[:], c.GID)

	if c.NodeType != NodeTypeNode || len(c.Ecus) == 0 {
		return []doip.VehicleAnnouncement{base}
	}
	out := make([]doip.VehicleAnnouncement, 0, len(c.Ecus))
	for _, ecu := range c.Ecus {
		vam := base
		vam.LogicalAddress = ecu.LogicalAddress
		out = append(out, vam)
	}
	return out
}
