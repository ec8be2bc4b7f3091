package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/tturner/doipsim/internal/ecu"
	"github.com/tturner/doipsim/internal/entity"
	"github.com/tturner/doipsim/internal/logging"
)

// ErrTLSConfig wraps every failure to load the TLS certificate, key or
// protocol settings.
var ErrTLSConfig = errors.New("tls config")

// NewServer creates a DoIP server for cfg. TLS material is loaded here so
// a broken certificate fails before any socket is bound.
func NewServer(cfg *entity.Config, ecus []*ecu.Ecu, logger *logging.Logger, opts Options) (*Server, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	book, err := NewAddressBook(ecus)
	if err != nil {
		return nil, fmt.Errorf("build address book: %w", err)
	}

	s := &Server{
		cfg:        cfg,
		logger:     logger,
		book:       book,
		dispatcher: NewDispatcher(book, logger),
		sink:       opts.Sink,
		recorder:   opts.Recorder,
		opts:       opts,
		sessions:   make(map[*Session]struct{}),
	}

	if cfg.TLS.Mode != entity.TLSDisabled {
		tlsCfg, err := LoadTLSConfig(cfg.TLS, logger)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrTLSConfig, err)
		}
		s.tlsConfig = tlsCfg
	}

	if s.sink != nil {
		for _, e := range ecus {
			s.sink.RegisterEcu(e.Name())
		}
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s, nil
}
