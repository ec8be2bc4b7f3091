package config

// Configuration loading and validation for the DoIP simulator

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tturner/doipsim/internal/entity"
)

// Address is a 16-bit DoIP logical address. It is written as hex in YAML
// and accepts any integer notation on input.
type Address uint16

// UnmarshalYAML parses decimal, 0x-prefixed hex or octal integers.
func (a *Address) UnmarshalYAML(value *yaml.Node) error {
	v, err := strconv.ParseUint(strings.TrimSpace(value.Value), 0, 16)
	if err != nil {
		return fmt.Errorf("line %d: invalid address %q", value.Line, value.Value)
	}
	*a = Address(v)
	return nil
}

// MarshalYAML renders the address as 0xNNNN.
func (a Address) MarshalYAML() (interface{}, error) {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!int", Value: fmt.Sprintf("0x%04X", uint16(a))}, nil
}

// AckSpec is the YAML "ack" response form: either a boolean or the hex
// bytes appended after the echoed request.
type AckSpec struct {
	Enabled bool
	Suffix  string
}

// UnmarshalYAML accepts true, false or a hex string.
func (a *AckSpec) UnmarshalYAML(value *yaml.Node) error {
	switch strings.ToLower(strings.TrimSpace(value.Value)) {
	case "true", "yes":
		*a = AckSpec{Enabled: true}
	case "false", "no", "":
		*a = AckSpec{}
	default:
		*a = AckSpec{Enabled: true, Suffix: value.Value}
	}
	return nil
}

// MarshalYAML writes a plain boolean when there is no suffix.
func (a AckSpec) MarshalYAML() (interface{}, error) {
	if a.Suffix != "" {
		return a.Suffix, nil
	}
	return a.Enabled, nil
}

// EntityConfig is the identity of the simulated DoIP entity
type EntityConfig struct {
	Name           string  `yaml:"name"`
	LogicalAddress Address `yaml:"logical_address"`
	NodeType       string  `yaml:"node_type,omitempty"` // "gateway" or "node"
	GID            string  `yaml:"gid"`                 // 6 bytes hex
	EID            string  `yaml:"eid"`                 // 6 bytes hex
	VIN            string  `yaml:"vin"`                 // 17 characters
	MaxDataSize    uint32  `yaml:"max_data_size,omitempty"`
}

// BroadcastConfig controls vehicle announcements after startup
type BroadcastConfig struct {
	Enable     *bool  `yaml:"enable,omitempty"`
	Address    string `yaml:"address,omitempty"`
	Port       int    `yaml:"port,omitempty"`
	Count      int    `yaml:"count,omitempty"`
	IntervalMs int    `yaml:"interval_ms,omitempty"`
}

// NetworkConfig controls the sockets the simulator binds
type NetworkConfig struct {
	LocalAddress              string          `yaml:"local_address,omitempty"`
	TCPPort                   int             `yaml:"tcp_port,omitempty"`
	UDPPort                   int             `yaml:"udp_port,omitempty"`
	BindOnAnyForUDPAdditional *bool           `yaml:"bind_on_any_for_udp_additional,omitempty"`
	MaxOpenSockets            int             `yaml:"max_open_sockets,omitempty"`
	RequireRoutingActivation  *bool           `yaml:"require_routing_activation,omitempty"`
	Broadcast                 BroadcastConfig `yaml:"broadcast,omitempty"`
}

// TLSConfig controls the optional TLS listener
type TLSConfig struct {
	Mode        string   `yaml:"mode,omitempty"` // "disabled", "optional" or "mandatory"
	Port        int      `yaml:"port,omitempty"`
	CertFile    string   `yaml:"cert_file,omitempty"`
	KeyFile     string   `yaml:"key_file,omitempty"`
	KeyPassword string   `yaml:"key_password,omitempty"`
	Protocols   []string `yaml:"protocols,omitempty"`
	Ciphers     []string `yaml:"ciphers,omitempty"`
}

// LoggingConfig controls log formatting and verbosity.
type LoggingConfig struct {
	Format    string `yaml:"format,omitempty"` // "text" or "json"
	Level     string `yaml:"level,omitempty"`  // "silent","error","info","verbose","debug"
	LogEveryN int    `yaml:"log_every_n,omitempty"`
	LogFile   string `yaml:"log_file,omitempty"`
}

// MetricsConfig controls metrics endpoint exposure.
type MetricsConfig struct {
	Enable   bool   `yaml:"enable,omitempty"`
	ListenIP string `yaml:"listen_ip,omitempty"`
	Port     int    `yaml:"port,omitempty"`
}

// CaptureConfig controls the pcap trace of simulator traffic.
type CaptureConfig struct {
	PcapFile string `yaml:"pcap_file,omitempty"`
}

// Sequence modes for declarative requests.
const (
	SequenceStopAtEnd  = "stop_at_end"
	SequenceWrapAround = "wrap_around"
)

// RequestConfig is one declarative request matcher of an ECU
type RequestConfig struct {
	Name             string   `yaml:"name"`
	Bytes            string   `yaml:"bytes,omitempty"`
	Regex            string   `yaml:"regex,omitempty"`
	Response         string   `yaml:"response,omitempty"`
	Ack              *AckSpec `yaml:"ack,omitempty"`
	Nrc              *int     `yaml:"nrc,omitempty"`
	Sequence         []string `yaml:"sequence,omitempty"`
	SequenceMode     string   `yaml:"sequence_mode,omitempty"`
	ContinueMatching bool     `yaml:"continue_matching,omitempty"`
	ResetStaged      bool     `yaml:"reset_staged,omitempty"`
	DelayMs          int      `yaml:"delay_ms,omitempty"`
}

// Delay returns the simulated processing time of the request.
func (r RequestConfig) Delay() time.Duration {
	return time.Duration(r.DelayMs) * time.Millisecond
}

// EcuConfig is one simulated ECU
type EcuConfig struct {
	Name              string          `yaml:"name"`
	LogicalAddress    Address         `yaml:"logical_address"`
	FunctionalAddress Address         `yaml:"functional_address"`
	NrcOnNoMatch      *bool           `yaml:"nrc_on_no_match,omitempty"`
	Script            string          `yaml:"script,omitempty"`
	Requests          []RequestConfig `yaml:"requests,omitempty"`
}

// SimConfig represents the simulator configuration
type SimConfig struct {
	Entity  EntityConfig  `yaml:"entity"`
	Network NetworkConfig `yaml:"network,omitempty"`
	TLS     TLSConfig     `yaml:"tls,omitempty"`
	Logging LoggingConfig `yaml:"logging,omitempty"`
	Metrics MetricsConfig `yaml:"metrics,omitempty"`
	Capture CaptureConfig `yaml:"capture,omitempty"`
	Ecus    []EcuConfig   `yaml:"ecus"`
}

// CreateDefaultSimConfig creates a runnable gateway with two ECUs.
func CreateDefaultSimConfig() *SimConfig {
	vin := "WVWZZZ1JZXW000001"
	generalReject := 0x10
	cfg := &SimConfig{
		Entity: EntityConfig{
			Name:           "DoIP Gateway",
			LogicalAddress: 0x1010,
			NodeType:       entity.NodeTypeGateway.String(),
			GID:            "000000000000",
			EID:            "101010101010",
			VIN:            vin,
		},
		Ecus: []EcuConfig{
			{
				Name:              "ENGINE",
				LogicalAddress:    0x1011,
				FunctionalAddress: 0xE400,
				Requests: []RequestConfig{
					{Name: "TesterPresent", Bytes: "3E00", Ack: &AckSpec{Enabled: true}},
					{Name: "DefaultSession", Bytes: "1001", Response: "5001003201F4"},
					{Name: "ExtendedSession", Bytes: "1003", Response: "5003003201F4", DelayMs: 50},
					{Name: "ReadVIN", Bytes: "22F190", Ack: &AckSpec{Enabled: true, Suffix: strings.ToUpper(hex.EncodeToString([]byte(vin)))}},
					{Name: "ReadDID", Regex: "22[0-9A-F]{4}", Nrc: intPtr(0x31)},
				},
			},
			{
				Name:              "BRAKES",
				LogicalAddress:    0x1012,
				FunctionalAddress: 0xE400,
				Requests: []RequestConfig{
					{Name: "TesterPresent", Bytes: "3E00", Ack: &AckSpec{Enabled: true}},
					{Name: "ReadDTC", Bytes: "1902FF", Sequence: []string{"5902FF", "5902FF0123450A"}, SequenceMode: SequenceWrapAround},
					{Name: "ClearDTC", Bytes: "14FFFFFF", Response: "54"},
					{Name: "Reset", Regex: "11.*", Nrc: &generalReject},
				},
			},
		},
	}

	applyDefaults(cfg)
	return cfg
}

func intPtr(v int) *int {
	return &v
}

// LoadSimConfig loads a simulator configuration from a YAML file. Script
// paths are resolved relative to the directory of the file.
func LoadSimConfig(path string) (*SimConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s\n\n"+
				"To fix this:\n"+
				"  1. Write a starter config: doipsim init --output %s\n"+
				"  2. Or print the defaults: doipsim print-default-config > %s\n"+
				"  3. Or specify a custom config file with --config <path>", path, path, path)
		}
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}

	cfg, err := ParseSimConfig(data)
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(path)
	for i := range cfg.Ecus {
		if s := cfg.Ecus[i].Script; s != "" && !filepath.IsAbs(s) {
			cfg.Ecus[i].Script = filepath.Join(dir, s)
		}
	}
	return cfg, nil
}

// ParseSimConfig decodes, defaults and validates YAML configuration data.
func ParseSimConfig(data []byte) (*SimConfig, error) {
	var cfg SimConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse YAML: %w", err)
	}

	applyDefaults(&cfg)

	if err := ValidateSimConfig(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// Marshal renders cfg as YAML.
func (c *SimConfig) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// WriteSimConfig writes cfg as YAML to path.
func WriteSimConfig(cfg *SimConfig, path string) error {
	data, err := cfg.Marshal()
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

func applyDefaults(cfg *SimConfig) {
	if cfg.Entity.NodeType == "" {
		cfg.Entity.NodeType = entity.NodeTypeGateway.String()
	}
	if cfg.Entity.MaxDataSize == 0 {
		cfg.Entity.MaxDataSize = entity.DefaultMaxDataSize
	}
	applyNetworkDefaults(cfg)
	applyTLSDefaults(cfg)
	applyLoggingDefaults(cfg)
	applyMetricsDefaults(cfg)
	for i := range cfg.Ecus {
		cfg.Ecus[i].NrcOnNoMatch = boolPtrDefault(cfg.Ecus[i].NrcOnNoMatch, true)
	}
}

func boolPtrDefault(value *bool, def bool) *bool {
	if value != nil {
		return value
	}
	v := def
	return &v
}

func applyNetworkDefaults(cfg *SimConfig) {
	n := &cfg.Network
	if n.LocalAddress == "" {
		n.LocalAddress = entity.DefaultLocalAddress
	}
	if n.TCPPort == 0 {
		n.TCPPort = 13400
	}
	if n.UDPPort == 0 {
		n.UDPPort = 13400
	}
	if n.MaxOpenSockets == 0 {
		n.MaxOpenSockets = entity.DefaultMaxOpenSockets
	}
	n.BindOnAnyForUDPAdditional = boolPtrDefault(n.BindOnAnyForUDPAdditional, true)
	n.RequireRoutingActivation = boolPtrDefault(n.RequireRoutingActivation, true)

	b := &n.Broadcast
	b.Enable = boolPtrDefault(b.Enable, true)
	if b.Address == "" {
		b.Address = entity.DefaultBroadcastAddress
	}
	if b.Port == 0 {
		b.Port = 13400
	}
	if b.Count == 0 {
		b.Count = entity.DefaultVAMCount
	}
	if b.IntervalMs == 0 {
		b.IntervalMs = int(entity.DefaultVAMInterval / time.Millisecond)
	}
}

func applyTLSDefaults(cfg *SimConfig) {
	if cfg.TLS.Mode == "" {
		cfg.TLS.Mode = entity.TLSDisabled.String()
	}
	if cfg.TLS.Port == 0 {
		cfg.TLS.Port = 3496
	}
}

func applyLoggingDefaults(cfg *SimConfig) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Logging.LogEveryN == 0 {
		cfg.Logging.LogEveryN = 1
	}
}

func applyMetricsDefaults(cfg *SimConfig) {
	if cfg.Metrics.ListenIP == "" {
		cfg.Metrics.ListenIP = "127.0.0.1"
	}
	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9109
	}
}

// ValidateSimConfig validates a simulator configuration
func ValidateSimConfig(cfg *SimConfig) error {
	if _, err := cfg.EntityConfig(); err != nil {
		return err
	}

	for _, p := range []struct {
		name  string
		value int
	}{
		{"network.tcp_port", cfg.Network.TCPPort},
		{"network.udp_port", cfg.Network.UDPPort},
		{"network.broadcast.port", cfg.Network.Broadcast.Port},
		{"tls.port", cfg.TLS.Port},
		{"metrics.port", cfg.Metrics.Port},
	} {
		if p.value < 0 || p.value > 65535 {
			return fmt.Errorf("%s must be between 0 and 65535, got %d", p.name, p.value)
		}
	}
	if cfg.Network.MaxOpenSockets < 0 {
		return fmt.Errorf("network.max_open_sockets must be >= 0")
	}
	if cfg.Network.Broadcast.Count < 0 || cfg.Network.Broadcast.IntervalMs < 0 {
		return fmt.Errorf("network.broadcast values must be >= 0")
	}

	switch strings.ToLower(cfg.Logging.Level) {
	case "silent", "error", "info", "verbose", "debug":
	default:
		return fmt.Errorf("logging.level must be silent, error, info, verbose, or debug")
	}
	switch strings.ToLower(cfg.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json")
	}
	if cfg.Logging.LogEveryN < 0 {
		return fmt.Errorf("logging.log_every_n must be >= 0")
	}

	if len(cfg.Ecus) == 0 {
		return fmt.Errorf("ecus must have at least one entry")
	}
	names := make(map[string]bool)
	for i, e := range cfg.Ecus {
		if err := validateEcu(e, i); err != nil {
			return err
		}
		if names[e.Name] {
			return fmt.Errorf("ecus[%d]: duplicate name %q", i, e.Name)
		}
		names[e.Name] = true
	}
	return nil
}

func validateEcu(e EcuConfig, index int) error {
	if e.Name == "" {
		return fmt.Errorf("ecus[%d]: name is required", index)
	}
	for j, r := range e.Requests {
		if err := validateRequest(r); err != nil {
			return fmt.Errorf("ecus[%d] (%s) requests[%d]: %w", index, e.Name, j, err)
		}
	}
	return nil
}

func validateRequest(r RequestConfig) error {
	if r.Name == "" {
		return fmt.Errorf("name is required")
	}
	if r.Bytes != "" && r.Regex != "" {
		return fmt.Errorf("bytes and regex are mutually exclusive")
	}
	if r.Bytes != "" {
		if _, err := ParseHex(r.Bytes); err != nil {
			return fmt.Errorf("bytes: %w", err)
		}
	}
	if r.Regex != "" {
		if _, err := regexp.Compile(r.Regex); err != nil {
			return fmt.Errorf("regex: %w", err)
		}
	}

	forms := 0
	if r.Response != "" {
		forms++
		if _, err := ParseHex(r.Response); err != nil {
			return fmt.Errorf("response: %w", err)
		}
	}
	if r.Ack != nil && r.Ack.Enabled {
		forms++
		if _, err := ParseHex(r.Ack.Suffix); err != nil {
			return fmt.Errorf("ack: %w", err)
		}
	}
	if r.Nrc != nil {
		forms++
		if *r.Nrc < 0 || *r.Nrc > 0xFF {
			return fmt.Errorf("nrc must be between 0x00 and 0xFF")
		}
	}
	if len(r.Sequence) > 0 {
		forms++
		for k, s := range r.Sequence {
			if _, err := ParseHex(s); err != nil {
				return fmt.Errorf("sequence[%d]: %w", k, err)
			}
		}
		switch r.SequenceMode {
		case "", SequenceStopAtEnd, SequenceWrapAround:
		default:
			return fmt.Errorf("sequence_mode must be %s or %s", SequenceStopAtEnd, SequenceWrapAround)
		}
	}
	if forms > 1 {
		return fmt.Errorf("only one of response, ack, nrc or sequence may be set")
	}
	if r.DelayMs < 0 {
		return fmt.Errorf("delay_ms must be >= 0")
	}
	return nil
}

// ParseHex decodes a hex string that may contain spaces.
func ParseHex(s string) ([]byte, error) {
	return hex.DecodeString(strings.ReplaceAll(s, " ", ""))
}

// EntityConfig converts the YAML entity, network and TLS sections into the
// validated entity identity.
func (c *SimConfig) EntityConfig() (*entity.Config, error) {
	gid, err := ParseHex(c.Entity.GID)
	if err != nil {
		return nil, fmt.Errorf("entity.gid: %w", err)
	}
	eid, err := ParseHex(c.Entity.EID)
	if err != nil {
		return nil, fmt.Errorf("entity.eid: %w", err)
	}
	nodeType, err := parseNodeType(c.Entity.NodeType)
	if err != nil {
		return nil, err
	}
	tlsMode, err := parseTLSMode(c.TLS.Mode)
	if err != nil {
		return nil, err
	}

	b := c.Network.Broadcast
	out := &entity.Config{
		Name:                      c.Entity.Name,
		LogicalAddress:            uint16(c.Entity.LogicalAddress),
		NodeType:                  nodeType,
		GID:                       gid,
		EID:                       eid,
		VIN:                       []byte(c.Entity.VIN),
		MaxDataSize:               c.Entity.MaxDataSize,
		LocalAddress:              c.Network.LocalAddress,
		TCPPort:                   c.Network.TCPPort,
		UDPPort:                   c.Network.UDPPort,
		BindOnAnyForUDPAdditional: derefBool(c.Network.BindOnAnyForUDPAdditional),
		MaxOpenSockets:            c.Network.MaxOpenSockets,
		RequireRoutingActivation:  derefBool(c.Network.RequireRoutingActivation),
		BroadcastEnabled:          derefBool(b.Enable),
		BroadcastAddress:          b.Address,
		BroadcastPort:             b.Port,
		VAMCount:                  b.Count,
		VAMInterval:               time.Duration(b.IntervalMs) * time.Millisecond,
		TLS: entity.TLSOptions{
			Mode:        tlsMode,
			Port:        c.TLS.Port,
			CertFile:    c.TLS.CertFile,
			KeyFile:     c.TLS.KeyFile,
			KeyPassword: c.TLS.KeyPassword,
			Protocols:   c.TLS.Protocols,
			Ciphers:     c.TLS.Ciphers,
		},
	}
	for _, e := range c.Ecus {
		out.Ecus = append(out.Ecus, e.Identity())
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

// Identity returns the ECU's name and addresses.
func (e EcuConfig) Identity() entity.EcuConfig {
	return entity.EcuConfig{
		Name:              e.Name,
		LogicalAddress:    uint16(e.LogicalAddress),
		FunctionalAddress: uint16(e.FunctionalAddress),
	}
}

func derefBool(v *bool) bool {
	return v != nil && *v
}

func parseNodeType(s string) (entity.NodeType, error) {
	switch strings.ToLower(s) {
	case "", "gateway":
		return entity.NodeTypeGateway, nil
	case "node":
		return entity.NodeTypeNode, nil
	}
	return 0, fmt.Errorf("entity.node_type must be gateway or node, got %q", s)
}

func parseTLSMode(s string) (entity.TLSMode, error) {
	switch strings.ToLower(s) {
	case "", "disabled":
		return entity.TLSDisabled, nil
	case "optional":
		return entity.TLSOptional, nil
	case "mandatory":
		return entity.TLSMandatory, nil
	}
	return 0, fmt.Errorf("tls.mode must be disabled, optional or mandatory, got %q", s)
}
