package core

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"sync"

	"github.com/tturner/doipsim/internal/ecu"
	"github.com/tturner/doipsim/internal/entity"
	"github.com/tturner/doipsim/internal/logging"
	"github.com/tturner/doipsim/internal/metrics"
)

// FrameRecorder receives a copy of every DoIP frame the server sends or
// receives, with the addresses of both endpoints.
type FrameRecorder interface {
	Record(src, dst net.Addr, frame []byte)
}

// MetricsOptions configures the plain-text metrics listener.
type MetricsOptions struct {
	Enable   bool
	ListenIP string
	Port     int
}

// Options carries the collaborators of a Server. Every field is optional.
type Options struct {
	Metrics  MetricsOptions
	Sink     *metrics.Sink
	Recorder FrameRecorder
	// OnConnectionClosed is called once per diagnostic connection after it
	// has been torn down.
	OnConnectionClosed func(remote net.Addr, reason error)
}

// Server is a simulated DoIP entity: UDP discovery, TCP and optional TLS
// diagnostic listeners, and the ECUs behind them.
type Server struct {
	cfg        *entity.Config
	logger     *logging.Logger
	book       *AddressBook
	dispatcher *Dispatcher
	tlsConfig  *tls.Config
	sink       *metrics.Sink
	recorder   FrameRecorder
	opts       Options

	tcpListener     net.Listener
	tlsListener     net.Listener
	udpPrimary      *net.UDPConn
	udpSecondary    *net.UDPConn
	metricsListener net.Listener

	closersMu sync.Mutex
	closers   []io.Closer

	sessionsMu sync.RWMutex
	sessions   map[*Session]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Ecus returns the simulated ECUs in configuration order.
func (s *Server) Ecus() []*ecu.Ecu {
	return s.book.Ecus()
}

// AddressBook returns the server's address book.
func (s *Server) AddressBook() *AddressBook {
	return s.book
}

// Config returns the entity configuration the server runs with.
func (s *Server) Config() *entity.Config {
	return s.cfg
}

// OpenSessions returns the number of open diagnostic connections.
func (s *Server) OpenSessions() int {
	s.sessionsMu.RLock()
	defer s.sessionsMu.RUnlock()
	return len(s.sessions)
}
