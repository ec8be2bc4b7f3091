package server

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/tturner/doipsim/internal/config"
)

// EcuPreset is a canned request set for a typical vehicle ECU.
type EcuPreset struct {
	Name        string
	Description string
	Requests    func(vin string) []config.RequestConfig
}

// AvailableEcuPresets returns the supported ECU presets.
func AvailableEcuPresets() []EcuPreset {
	return []EcuPreset{
		{
			Name:        "engine",
			Description: "Engine control unit (sessions, VIN, DID reads)",
			Requests:    engineRequests,
		},
		{
			Name:        "brakes",
			Description: "Brake control unit (DTC read and clear, reset refused)",
			Requests:    brakesRequests,
		},
		{
			Name:        "body",
			Description: "Body controller (tester present, security access, routine)",
			Requests:    bodyRequests,
		},
		{
			Name:        "minimal",
			Description: "Tester present only, everything else answered 7F xx 31",
			Requests: func(string) []config.RequestConfig {
				return []config.RequestConfig{testerPresent()}
			},
		},
	}
}

// ApplyEcuPreset replaces the requests of ecu with the named preset.
func ApplyEcuPreset(ecu *config.EcuConfig, name, vin string) error {
	if ecu == nil {
		return fmt.Errorf("ecu config is nil")
	}
	preset, ok := findEcuPreset(name)
	if !ok {
		return fmt.Errorf("unknown ecu preset %q", name)
	}
	ecu.Requests = preset.Requests(vin)
	return nil
}

func findEcuPreset(name string) (EcuPreset, bool) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	for _, preset := range AvailableEcuPresets() {
		if preset.Name == normalized {
			return preset, true
		}
	}
	return EcuPreset{}, false
}

func testerPresent() config.RequestConfig {
	return config.RequestConfig{Name: "TesterPresent", Bytes: "3E00", Ack: &config.AckSpec{Enabled: true}}
}

func engineRequests(vin string) []config.RequestConfig {
	requestOutOfRange := 0x31
	return []config.RequestConfig{
		testerPresent(),
		{Name: "DefaultSession", Bytes: "1001", Response: "5001003201F4"},
		{Name: "ExtendedSession", Bytes: "1003", Response: "5003003201F4", DelayMs: 50},
		{Name: "ReadVIN", Bytes: "22F190", Ack: &config.AckSpec{Enabled: true, Suffix: strings.ToUpper(hex.EncodeToString([]byte(vin)))}},
		{Name: "ReadDID", Regex: "22[0-9A-F]{4}", Nrc: &requestOutOfRange},
	}
}

func brakesRequests(string) []config.RequestConfig {
	generalReject := 0x10
	return []config.RequestConfig{
		testerPresent(),
		{Name: "ReadDTC", Bytes: "1902FF", Sequence: []string{"5902FF", "5902FF0123450A"}, SequenceMode: config.SequenceWrapAround},
		{Name: "ClearDTC", Bytes: "14FFFFFF", Response: "54"},
		{Name: "Reset", Regex: "11.*", Nrc: &generalReject},
	}
}

func bodyRequests(string) []config.RequestConfig {
	return []config.RequestConfig{
		testerPresent(),
		{Name: "RequestSeed", Bytes: "2701", Ack: &config.AckSpec{Enabled: true, Suffix: "12345678"}},
		{Name: "SendKey", Regex: "2702[0-9A-F]{8}", Response: "6702"},
		{Name: "RoutineStart", Regex: "3101.*", Sequence: []string{"7101020301", "7101020300"}, SequenceMode: config.SequenceStopAtEnd, DelayMs: 100},
	}
}
