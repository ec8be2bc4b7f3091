package app

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/tturner/doipsim/internal/capture"
	"github.com/tturner/doipsim/internal/config"
	doiperrors "github.com/tturner/doipsim/internal/errors"
	"github.com/tturner/doipsim/internal/logging"
	"github.com/tturner/doipsim/internal/metrics"
	"github.com/tturner/doipsim/internal/server"
	"github.com/tturner/doipsim/internal/server/core"
	"github.com/tturner/doipsim/internal/tui"
)

type ServerOptions struct {
	ConfigPath string
	ListenIP   string
	TCPPort    int
	UDPPort    int
	Mode       string
	LogFormat  string
	LogLevel   string
	LogFile    string
	LogEvery   int
	PCAPFile   string
	Metrics    bool
	TUI        bool
}

// Runtime is a started simulator with its collaborators.
type Runtime struct {
	Config  *config.SimConfig
	Server  *server.Server
	Sink    *metrics.Sink
	Capture *capture.Capture
	Logger  *logging.Logger
}

func RunServer(opts ServerOptions) error {
	cfg, err := LoadServerConfig(opts)
	if err != nil {
		return err
	}

	rt, err := StartRuntime(cfg, opts.ConfigPath)
	if err != nil {
		return err
	}

	if opts.TUI {
		err = tui.RunMonitor(cfg.Entity.Name, rt.Server, rt.Sink)
	} else {
		fmt.Fprintf(os.Stdout, "Simulator started successfully\n")
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan
		fmt.Fprintf(os.Stdout, "\nShutting down simulator...\n")
	}

	return errors.Join(err, rt.Stop())
}

// LoadServerConfig reads the config file, or the built-in default when no
// path is given, and applies mode and flag overrides.
func LoadServerConfig(opts ServerOptions) (*config.SimConfig, error) {
	var cfg *config.SimConfig
	if opts.ConfigPath == "" {
		cfg = config.CreateDefaultSimConfig()
	} else {
		var err error
		cfg, err = config.LoadSimConfig(opts.ConfigPath)
		if err != nil {
			return nil, doiperrors.WrapConfigError(err, opts.ConfigPath)
		}
	}

	if opts.Mode != "" {
		if err := ApplyServerMode(cfg, opts.Mode); err != nil {
			return nil, err
		}
	}
	ApplyServerOverrides(cfg, opts)

	if err := config.ValidateSimConfig(cfg); err != nil {
		return nil, doiperrors.WrapConfigError(err, configLabel(opts.ConfigPath))
	}
	return cfg, nil
}

// ApplyServerOverrides copies non-zero flag values over the config.
func ApplyServerOverrides(cfg *config.SimConfig, opts ServerOptions) {
	if opts.ListenIP != "" {
		cfg.Network.LocalAddress = opts.ListenIP
	}
	if opts.TCPPort != 0 {
		cfg.Network.TCPPort = opts.TCPPort
	}
	if opts.UDPPort != 0 {
		cfg.Network.UDPPort = opts.UDPPort
	}
	if opts.LogFormat != "" {
		cfg.Logging.Format = opts.LogFormat
	}
	if opts.LogLevel != "" {
		cfg.Logging.Level = opts.LogLevel
	}
	if opts.LogFile != "" {
		cfg.Logging.LogFile = opts.LogFile
	}
	if opts.LogEvery > 0 {
		cfg.Logging.LogEveryN = opts.LogEvery
	}
	if opts.PCAPFile != "" {
		cfg.Capture.PcapFile = opts.PCAPFile
	}
	if opts.Metrics {
		cfg.Metrics.Enable = true
	}
	if opts.TUI && cfg.Logging.LogFile == "" {
		// console output would tear the monitor
		cfg.Logging.Level = "silent"
	}
}

// ApplyServerMode applies a named preset of logging and timing settings.
func ApplyServerMode(cfg *config.SimConfig, mode string) error {
	switch mode {
	case "baseline":
		cfg.Logging.Level = "info"
		cfg.Logging.LogEveryN = 1
	case "debug":
		cfg.Logging.Level = "debug"
		cfg.Logging.LogEveryN = 1
	case "perf":
		cfg.Logging.Level = "error"
		cfg.Logging.LogEveryN = 100
		for i := range cfg.Ecus {
			for j := range cfg.Ecus[i].Requests {
				cfg.Ecus[i].Requests[j].DelayMs = 0
			}
		}
	case "quiet-network":
		off := false
		cfg.Network.Broadcast.Enable = &off
	default:
		return fmt.Errorf("unknown mode %q", mode)
	}
	return nil
}

// StartRuntime creates the logger, capture, metrics and server for cfg and
// starts listening.
func StartRuntime(cfg *config.SimConfig, configPath string) (*Runtime, error) {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewLoggerWithOptions(level, cfg.Logging.LogFile, cfg.Logging.Format, cfg.Logging.LogEveryN)
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}

	rt := &Runtime{Config: cfg, Logger: logger, Sink: metrics.NewSink()}
	opts := core.Options{
		Metrics: core.MetricsOptions{
			Enable:   cfg.Metrics.Enable,
			ListenIP: cfg.Metrics.ListenIP,
			Port:     cfg.Metrics.Port,
		},
		Sink: rt.Sink,
	}

	if cfg.Capture.PcapFile != "" {
		rt.Capture, err = capture.StartCapture(cfg.Capture.PcapFile)
		if err != nil {
			logger.Close()
			return nil, fmt.Errorf("start packet capture: %w", err)
		}
		opts.Recorder = rt.Capture
		fmt.Fprintf(os.Stdout, "Writing DoIP trace to %s\n", cfg.Capture.PcapFile)
	}

	rt.Server, err = server.NewServer(cfg, logger, opts)
	if err != nil {
		rt.closeAux()
		if errors.Is(err, core.ErrTLSConfig) {
			return nil, doiperrors.WrapTLSError(err, cfg.TLS.CertFile, cfg.TLS.KeyFile)
		}
		return nil, doiperrors.WrapConfigError(err, configLabel(configPath))
	}

	logger.LogStartup(cfg.Entity.Name, cfg.Network.LocalAddress, cfg.Network.TCPPort, cfg.Network.UDPPort, len(cfg.Ecus), configLabel(configPath))
	if err := rt.Server.Start(); err != nil {
		_ = rt.Server.Stop()
		rt.closeAux()
		return nil, doiperrors.WrapBindError(err, cfg.Network.LocalAddress, cfg.Network.TCPPort)
	}
	return rt, nil
}

// Stop shuts the server down, then flushes the trace and the log file.
func (r *Runtime) Stop() error {
	var errs []error
	if r.Server != nil {
		if err := r.Server.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop server: %w", err))
		}
	}
	if r.Capture != nil {
		packetCount := r.Capture.GetPacketCount()
		if err := r.Capture.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("close capture: %w", err))
		}
		absPath, _ := filepath.Abs(r.Capture.Path())
		fmt.Fprintf(os.Stdout, "Packets captured: %d\n", packetCount)
		fmt.Fprintf(os.Stdout, "PCAP written to: %s\n", absPath)
	}
	if err := r.Logger.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (r *Runtime) closeAux() {
	if r.Capture != nil {
		_ = r.Capture.Stop()
	}
	_ = r.Logger.Close()
}

func configLabel(path string) string {
	if path == "" {
		return "built-in default config"
	}
	return path
}
