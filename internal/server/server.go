package server

import (
	"fmt"

	"github.com/tturner/doipsim/internal/config"
	"github.com/tturner/doipsim/internal/ecu"
	"github.com/tturner/doipsim/internal/logging"
	"github.com/tturner/doipsim/internal/script"
	"github.com/tturner/doipsim/internal/server/core"
)

// Server is a core DoIP server together with the Lua scripts its ECUs run.
type Server struct {
	*core.Server
	scripts []*script.Script
}

// NewServer builds the ECUs described by cfg and the DoIP server in front
// of them. YAML requests come first in each ECU's chain, scripted ones
// after.
func NewServer(cfg *config.SimConfig, logger *logging.Logger, opts core.Options) (*Server, error) {
	ent, err := cfg.EntityConfig()
	if err != nil {
		return nil, err
	}

	var observer ecu.Observer
	if opts.Sink != nil {
		observer = opts.Sink
	}

	s := &Server{}
	ecus := make([]*ecu.Ecu, 0, len(cfg.Ecus))
	fail := func(err error) (*Server, error) {
		for _, e := range ecus {
			e.Close()
		}
		s.closeScripts()
		return nil, err
	}

	for i, ec := range cfg.Ecus {
		matchers, err := BuildMatchers(ec.Requests)
		if err != nil {
			return fail(fmt.Errorf("ecu %s: %w", ec.Name, err))
		}
		if ec.Script != "" {
			sc, err := script.Load(ec.Script, logger)
			if err != nil {
				return fail(fmt.Errorf("ecu %s: %w", ec.Name, err))
			}
			s.scripts = append(s.scripts, sc)
			scripted, err := sc.Matchers()
			if err != nil {
				return fail(fmt.Errorf("ecu %s: %w", ec.Name, err))
			}
			matchers = append(matchers, scripted...)
		}

		ecus = append(ecus, ecu.New(ecu.Config{
			Identity:     ent.Ecus[i],
			NrcOnNoMatch: ec.NrcOnNoMatch == nil || *ec.NrcOnNoMatch,
			Requests:     matchers,
		}, logger, observer))
	}

	srv, err := core.NewServer(ent, ecus, logger, opts)
	if err != nil {
		return fail(err)
	}
	s.Server = srv
	return s, nil
}

// Stop shuts the server down and releases the Lua states.
func (s *Server) Stop() error {
	err := s.Server.Stop()
	s.closeScripts()
	return err
}

// Scripts returns the loaded behavior scripts.
func (s *Server) Scripts() []*script.Script {
	return s.scripts
}

func (s *Server) closeScripts() {
	for _, sc := range s.scripts {
		sc.Close()
	}
	s.scripts = nil
}
