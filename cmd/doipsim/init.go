package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/tturner/doipsim/internal/config"
	"github.com/tturner/doipsim/internal/server"
)

const defaultFunctionalAddress = 0xE400

type initFlags struct {
	output   string
	defaults bool
	force    bool
	name     string
	vin      string
	address  string
	presets  []string
}

// initAnswers are the wizard results used to build a starter config.
type initAnswers struct {
	Name    string
	VIN     string
	Address string
	Presets []string
}

func newInitCmd() *cobra.Command {
	flags := &initFlags{}
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter simulator config",
		Long: `Write a starter simulator config. The interactive wizard asks for the entity
name, VIN, logical address and the ECUs to simulate, picked from presets.

With --defaults no questions are asked; --name, --vin, --address and --ecu
override the defaults.`,
		Example: `  # Interactive wizard
  doipsim init --output vehicle.yaml

  # Non-interactive
  doipsim init --defaults --ecu engine --ecu body --output vehicle.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if handleHelpArg(cmd, args) {
				return nil
			}
			return runInit(flags)
		},
	}

	cmd.Flags().StringVar(&flags.output, "output", "doipsim.yaml", "Config file to write")
	cmd.Flags().BoolVar(&flags.defaults, "defaults", false, "Skip the wizard and use defaults and flags")
	cmd.Flags().BoolVar(&flags.force, "force", false, "Overwrite an existing config file")
	cmd.Flags().StringVar(&flags.name, "name", "", "Entity name")
	cmd.Flags().StringVar(&flags.vin, "vin", "", "Vehicle identification number (17 characters)")
	cmd.Flags().StringVar(&flags.address, "address", "", "Entity logical address (hex, e.g. 0x1010)")
	cmd.Flags().StringSliceVar(&flags.presets, "ecu", nil, "ECU preset to add (repeatable): "+presetNames())
	return cmd
}

func runInit(flags *initFlags) error {
	if !flags.force {
		if _, err := os.Stat(flags.output); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", flags.output)
		}
	}

	defaults := config.CreateDefaultSimConfig()
	answers := initAnswers{
		Name:    defaults.Entity.Name,
		VIN:     defaults.Entity.VIN,
		Address: fmt.Sprintf("0x%04X", uint16(defaults.Entity.LogicalAddress)),
		Presets: []string{"engine", "brakes"},
	}
	if flags.name != "" {
		answers.Name = flags.name
	}
	if flags.vin != "" {
		answers.VIN = flags.vin
	}
	if flags.address != "" {
		answers.Address = flags.address
	}
	if len(flags.presets) > 0 {
		answers.Presets = flags.presets
	}

	if !flags.defaults {
		if err := buildInitForm(&answers).Run(); err != nil {
			if errors.Is(err, huh.ErrUserAborted) {
				fmt.Fprintln(os.Stdout, "Aborted, nothing written")
				return nil
			}
			return fmt.Errorf("init wizard: %w", err)
		}
	}

	cfg, err := buildInitConfig(answers)
	if err != nil {
		return err
	}
	if err := config.WriteSimConfig(cfg, flags.output); err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "Wrote %s with %d ECUs\n", flags.output, len(cfg.Ecus))
	fmt.Fprintf(os.Stdout, "Start it with: doipsim serve --config %s\n", flags.output)
	return nil
}

func buildInitForm(a *initAnswers) *huh.Form {
	options := make([]huh.Option[string], 0, len(server.AvailableEcuPresets()))
	for _, p := range server.AvailableEcuPresets() {
		options = append(options, huh.NewOption(p.Name+"  "+p.Description, p.Name))
	}

	return huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Entity name").
				Description("Shown in logs and the monitor.").
				Key("name").
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return errors.New("name is required")
					}
					return nil
				}).
				Value(&a.Name),
			huh.NewInput().
				Title("VIN").
				Description("17 characters, announced in vehicle announcements.").
				Key("vin").
				Validate(validateVIN).
				Value(&a.VIN),
			huh.NewInput().
				Title("Logical address").
				Description("Entity address in hex; ECUs are numbered after it.").
				Key("address").
				Validate(func(s string) error {
					_, err := parseAddress(s)
					return err
				}).
				Value(&a.Address),
		),
		huh.NewGroup(
			huh.NewMultiSelect[string]().
				Title("ECUs").
				Description("One ECU is created per selected preset.").
				Key("ecus").
				Options(options...).
				Validate(func(v []string) error {
					if len(v) == 0 {
						return errors.New("select at least one ECU")
					}
					return nil
				}).
				Value(&a.Presets),
		),
	)
}

// buildInitConfig creates a validated config from wizard answers. ECUs get
// consecutive logical addresses after the entity and share one functional
// address.
func buildInitConfig(a initAnswers) (*config.SimConfig, error) {
	if err := validateVIN(a.VIN); err != nil {
		return nil, err
	}
	address, err := parseAddress(a.Address)
	if err != nil {
		return nil, err
	}
	if len(a.Presets) == 0 {
		return nil, errors.New("at least one ECU preset is required")
	}

	cfg := config.CreateDefaultSimConfig()
	cfg.Entity.Name = strings.TrimSpace(a.Name)
	cfg.Entity.VIN = a.VIN
	cfg.Entity.LogicalAddress = config.Address(address)
	cfg.Ecus = nil

	seen := make(map[string]int)
	for i, preset := range a.Presets {
		name := strings.ToUpper(strings.TrimSpace(preset))
		seen[name]++
		if n := seen[name]; n > 1 {
			name = fmt.Sprintf("%s_%d", name, n)
		}
		ecu := config.EcuConfig{
			Name:              name,
			LogicalAddress:    config.Address(address + uint16(i) + 1),
			FunctionalAddress: defaultFunctionalAddress,
		}
		if err := server.ApplyEcuPreset(&ecu, preset, a.VIN); err != nil {
			return nil, err
		}
		cfg.Ecus = append(cfg.Ecus, ecu)
	}

	if err := config.ValidateSimConfig(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func validateVIN(s string) error {
	if len(s) != 17 {
		return fmt.Errorf("VIN must be 17 characters, got %d", len(s))
	}
	return nil
}

func parseAddress(s string) (uint16, error) {
	s = strings.TrimSpace(s)
	v, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(s), "0x"), 16, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid logical address %q", s)
	}
	return uint16(v), nil
}

func presetNames() string {
	names := make([]string, 0, len(server.AvailableEcuPresets()))
	for _, p := range server.AvailableEcuPresets() {
		names = append(names, p.Name)
	}
	return strings.Join(names, "|")
}
