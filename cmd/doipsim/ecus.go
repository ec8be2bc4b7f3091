package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/tturner/doipsim/internal/config"
	"github.com/tturner/doipsim/internal/tui"
)

func newEcusCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "ecus",
		Short: "List the ECUs of a simulator config",
		Long: `List the entity and the ECUs a config would simulate, with their logical and
functional addresses, the number of declarative requests, the behavior for
unmatched requests and the attached script.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.CreateDefaultSimConfig()
			if cfgPath != "" {
				var err error
				if cfg, err = config.LoadSimConfig(cfgPath); err != nil {
					return err
				}
			}
			fmt.Fprint(os.Stdout, tui.RenderEcuListing(
				cfg.Entity.Name,
				uint16(cfg.Entity.LogicalAddress),
				ecuListings(cfg),
				tui.DefaultStyles,
			))
			return nil
		},
	}
	cmd.Flags().StringVar(&cfgPath, "config", "", "Simulator config file path (built-in default when empty)")
	return cmd
}

func ecuListings(cfg *config.SimConfig) []tui.EcuListing {
	out := make([]tui.EcuListing, 0, len(cfg.Ecus))
	for _, e := range cfg.Ecus {
		script := ""
		if e.Script != "" {
			script = filepath.Base(e.Script)
		}
		out = append(out, tui.EcuListing{
			Name:              e.Name,
			LogicalAddress:    uint16(e.LogicalAddress),
			FunctionalAddress: uint16(e.FunctionalAddress),
			Requests:          len(e.Requests),
			Script:            script,
			NrcOnNoMatch:      e.NrcOnNoMatch == nil || *e.NrcOnNoMatch,
		})
	}
	return out
}
