package main

import (
	"fmt"
	"os"

	"github.com/atotto/clipboard"
	"github.com/spf13/cobra"

	"github.com/tturner/doipsim/internal/app"
	"github.com/tturner/doipsim/internal/config"
)

type serveFlags struct {
	configPath string
	listenIP   string
	tcpPort    int
	udpPort    int
	mode       string
	logFormat  string
	logLevel   string
	logFile    string
	logEvery   int
	pcapFile   string
	metrics    bool
	tui        bool
}

func newServeCmd() *cobra.Command {
	flags := &serveFlags{}

	cmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"start"},
		Short:   "Run the DoIP entity simulator",
		Long: `Run DOIPSIM as a DoIP entity that diagnostic testers can discover and connect to.

The simulator answers vehicle identification and entity status requests on UDP
port 13400, announces itself with vehicle announcement messages after startup,
and accepts diagnostic connections on TCP port 13400. When TLS is configured a
second listener is opened on port 3496.

Without --config the built-in two ECU gateway is used (see print-default-config).

Modes:
  baseline       - info logging, every request logged
  debug          - debug logging with payload hex dumps
  perf           - error logging only, request delays removed
  quiet-network  - no vehicle announcements after startup

Press Ctrl+C to stop the simulator gracefully.`,
		Example: `  # Start the built-in gateway
  doipsim serve

  # Start from a config file with the live monitor
  doipsim serve --config vehicle.yaml --tui

  # Bind a specific address and capture traffic
  doipsim serve --listen-ip 192.168.1.100 --pcap doip.pcap`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if handleHelpArg(cmd, args) {
				return nil
			}
			return app.RunServer(app.ServerOptions{
				ConfigPath: flags.configPath,
				ListenIP:   flags.listenIP,
				TCPPort:    flags.tcpPort,
				UDPPort:    flags.udpPort,
				Mode:       flags.mode,
				LogFormat:  flags.logFormat,
				LogLevel:   flags.logLevel,
				LogFile:    flags.logFile,
				LogEvery:   flags.logEvery,
				PCAPFile:   flags.pcapFile,
				Metrics:    flags.metrics,
				TUI:        flags.tui,
			})
		},
	}

	cmd.Flags().StringVar(&flags.configPath, "config", "", "Simulator config file path (built-in default when empty)")
	cmd.Flags().StringVar(&flags.listenIP, "listen-ip", "", "Listen IP address (overrides network.local_address)")
	cmd.Flags().IntVar(&flags.tcpPort, "tcp-port", 0, "TCP port for diagnostic connections (default 13400)")
	cmd.Flags().IntVar(&flags.udpPort, "udp-port", 0, "UDP port for vehicle discovery (default 13400)")
	cmd.Flags().StringVar(&flags.mode, "mode", "", "Mode preset: baseline|debug|perf|quiet-network")
	cmd.Flags().StringVar(&flags.logFormat, "log-format", "", "Log format override: text|json")
	cmd.Flags().StringVar(&flags.logLevel, "log-level", "", "Log level override: silent|error|info|verbose|debug")
	cmd.Flags().StringVar(&flags.logFile, "log-file", "", "Write log lines to this file")
	cmd.Flags().IntVar(&flags.logEvery, "log-every-n", 0, "Log every N console lines (override)")
	cmd.Flags().StringVar(&flags.pcapFile, "pcap", "", "Write handled DoIP traffic to a PCAP file")
	cmd.Flags().BoolVar(&flags.metrics, "metrics", false, "Expose counters on the metrics endpoint")
	cmd.Flags().BoolVar(&flags.tui, "tui", false, "Show the live ECU monitor")

	return cmd
}

func newValidateConfigCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "validate-config",
		Short: "Validate a simulator config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfgPath == "" {
				return missingFlagError(cmd, "--config")
			}
			cfg, err := config.LoadSimConfig(cfgPath)
			if err != nil {
				return err
			}
			if _, err := cfg.EntityConfig(); err != nil {
				return fmt.Errorf("validate config: %w", err)
			}
			fmt.Fprintf(os.Stdout, "Config OK: %s (%d ECUs)\n", cfgPath, len(cfg.Ecus))
			return nil
		},
	}
	cmd.Flags().StringVar(&cfgPath, "config", "", "Simulator config file path")
	return cmd
}

func newPrintDefaultConfigCmd() *cobra.Command {
	var mode string
	var copyOut bool
	cmd := &cobra.Command{
		Use:   "print-default-config",
		Short: "Print a default simulator config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.CreateDefaultSimConfig()
			if mode != "" {
				if err := app.ApplyServerMode(cfg, mode); err != nil {
					return err
				}
			}
			out, err := cfg.Marshal()
			if err != nil {
				return fmt.Errorf("marshal config: %w", err)
			}
			fmt.Fprint(os.Stdout, string(out))
			if copyOut {
				if clipboard.Unsupported {
					fmt.Fprintln(os.Stderr, "clipboard not available, config printed only")
					return nil
				}
				if err := clipboard.WriteAll(string(out)); err != nil {
					return fmt.Errorf("copy to clipboard: %w", err)
				}
				fmt.Fprintln(os.Stderr, "config copied to clipboard")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "", "Mode preset: baseline|debug|perf|quiet-network")
	cmd.Flags().BoolVar(&copyOut, "copy", false, "Also copy the config to the clipboard")
	return cmd
}
