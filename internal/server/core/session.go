package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"github.com/rbmk-project/common/errclass"

	"github.com/tturner/doipsim/internal/doip"
	"github.com/tturner/doipsim/internal/ecu"
	"github.com/tturner/doipsim/internal/logging"
)

// Session states and events.
const (
	stateConnected = "connected"
	stateActive    = "active"
	stateClosed    = "closed"

	eventActivate = "activate"
	eventClose    = "close"
)

const (
	outQueueSize = 64
	writeTimeout = 5 * time.Second
)

var errSessionClosed = errors.New("session closed")

// Session is one diagnostic TCP or TLS connection. A single goroutine
// writes to the socket; ECU tasks queue frames through send.
type Session struct {
	srv    *Server
	conn   net.Conn
	logger *logging.Logger
	state  *fsm.FSM

	mu            sync.Mutex
	testerAddress uint16

	out        chan []byte
	closing    chan struct{}
	writerDone chan struct{}
	closeOnce  sync.Once
	writeErr   error
}

var _ ecu.ResponseSink = (*Session)(nil)

func newSession(srv *Server, conn net.Conn) *Session {
	s := &Session{
		srv:        srv,
		conn:       conn,
		logger:     srv.logger.With("conn", conn.RemoteAddr().String()),
		out:        make(chan []byte, outQueueSize),
		closing:    make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	s.state = fsm.NewFSM(
		stateConnected,
		fsm.Events{
			{Name: eventActivate, Src: []string{stateConnected}, Dst: stateActive},
			{Name: eventClose, Src: []string{stateConnected, stateActive}, Dst: stateClosed},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				s.logger.Debug("session %s -> %s", e.Src, e.Dst)
			},
		},
	)
	return s
}

// State returns the current session state.
func (s *Session) State() string {
	return s.state.Current()
}

// TesterAddress returns the source address that activated routing.
func (s *Session) TesterAddress() (uint16, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.testerAddress, s.state.Is(stateActive)
}

// RemoteAddr returns the tester's address.
func (s *Session) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

func (s *Session) run() {
	go s.writeLoop()
	s.close(s.readLoop())
}

// readLoop processes frames in arrival order until the connection ends and
// returns why it ended.
func (s *Session) readLoop() error {
	maxPayload := s.srv.cfg.MaxPayloadLength()
	for {
		pkt, err := doip.ReadTCP(s.conn, maxPayload)
		if err != nil {
			if herr, ok := doip.AsHeaderError(err); ok {
				// TCP answers every header error with a transport protocol
				// error; the per-reason codes are for UDP.
				s.logger.Info("Header error: %v", herr)
				s.sendNack(doip.NackTransportProtocolError)
				return herr
			}
			if errors.Is(err, io.EOF) {
				return io.EOF
			}
			if !errors.Is(err, net.ErrClosed) && s.srv.ctx.Err() == nil {
				s.sendNack(doip.NackTransportProtocolError)
			}
			return err
		}
		s.srv.record(s.conn.RemoteAddr(), s.conn.LocalAddr(), doip.Encode(pkt))

		if err := s.handle(pkt); err != nil {
			s.logger.Error("Processing %s: %v", pkt.Message.PayloadType(), err)
			s.sendNack(doip.NackTransportProtocolError)
			return err
		}
	}
}

func (s *Session) handle(pkt *doip.Packet) error {
	switch m := pkt.Message.(type) {
	case doip.RoutingActivationRequest:
		return s.handleRoutingActivation(m)
	case doip.AliveCheckRequest:
		return s.send(doip.AliveCheckResponse{SourceAddress: s.srv.cfg.LogicalAddress})
	case doip.DiagnosticMessage:
		return s.handleDiagnostic(m)
	case doip.AliveCheckResponse, doip.DiagnosticMessageAck, doip.DiagnosticMessageNack, doip.GenericHeaderNack:
		s.logger.Debug("Ignoring %s from tester", m.PayloadType())
		return nil
	default:
		return fmt.Errorf("unexpected payload type %s", m.PayloadType())
	}
}

func (s *Session) handleRoutingActivation(req doip.RoutingActivationRequest) error {
	code := doip.RoutingSuccess
	switch req.ActivationType {
	case doip.ActivationDefault, doip.ActivationWWHOBD, doip.ActivationCentralSecurity:
	default:
		code = doip.RoutingUnsupportedActivationType
	}

	s.mu.Lock()
	if code == doip.RoutingSuccess {
		if s.state.Is(stateActive) && s.testerAddress != req.SourceAddress {
			code = doip.RoutingDifferentSourceAddress
		} else {
			s.testerAddress = req.SourceAddress
			if s.state.Can(eventActivate) {
				if err := s.state.Event(context.Background(), eventActivate); err != nil {
					s.mu.Unlock()
					return fmt.Errorf("activate routing: %w", err)
				}
			}
		}
	}
	s.mu.Unlock()

	s.logger.Info("Routing activation from 0x%04X (type 0x%02X): 0x%02X", req.SourceAddress, req.ActivationType, code)
	return s.send(doip.RoutingActivationResponse{
		TesterAddress: req.SourceAddress,
		EntityAddress: s.srv.cfg.LogicalAddress,
		Code:          code,
	})
}

func (s *Session) handleDiagnostic(m doip.DiagnosticMessage) error {
	tester, active := s.TesterAddress()
	if (active && m.SourceAddress != tester) || (!active && s.srv.cfg.RequireRoutingActivation) {
		s.logger.Verbose("Rejecting diagnostic message from 0x%04X: routing not active for it", m.SourceAddress)
		return s.send(doip.DiagnosticMessageNack{
			SourceAddress: m.TargetAddress,
			TargetAddress: m.SourceAddress,
			Code:          doip.DiagNackInvalidSourceAddress,
		})
	}
	if !s.srv.book.Exists(m.TargetAddress) {
		s.logger.Verbose("Rejecting diagnostic message to unknown target 0x%04X", m.TargetAddress)
		return s.send(doip.DiagnosticMessageNack{
			SourceAddress: m.TargetAddress,
			TargetAddress: m.SourceAddress,
			Code:          doip.DiagNackUnknownTargetAddress,
		})
	}

	if err := s.send(doip.DiagnosticMessageAck{
		SourceAddress: m.TargetAddress,
		TargetAddress: m.SourceAddress,
		Code:          doip.DiagAckConfirm,
	}); err != nil {
		return err
	}
	s.logger.LogHex("request", m.Data)
	s.srv.dispatcher.Route(&ecu.UdsMessage{
		SourceAddress: m.SourceAddress,
		TargetAddress: m.TargetAddress,
		Payload:       m.Data,
		Sink:          s,
	})
	return nil
}

// WriteDiagnostic queues an ECU response to the tester.
func (s *Session) WriteDiagnostic(source, target uint16, data []byte) error {
	return s.send(doip.DiagnosticMessage{SourceAddress: source, TargetAddress: target, Data: data})
}

func (s *Session) send(m doip.Message) error {
	return s.enqueue(doip.EncodeMessage(m))
}

func (s *Session) sendNack(code doip.NackCode) {
	s.srv.countNack(code)
	if err := s.enqueue(doip.HeaderNack(code)); err != nil {
		s.logger.Debug("Header NACK 0x%02X not sent: %v", byte(code), err)
	}
}

func (s *Session) enqueue(frame []byte) error {
	select {
	case <-s.closing:
		return errSessionClosed
	default:
	}
	select {
	case <-s.closing:
		return errSessionClosed
	case s.out <- frame:
		return nil
	}
}

func (s *Session) writeLoop() {
	defer close(s.writerDone)
	for {
		select {
		case frame := <-s.out:
			s.write(frame)
		case <-s.closing:
			for {
				select {
				case frame := <-s.out:
					s.write(frame)
				default:
					return
				}
			}
		}
	}
}

func (s *Session) write(frame []byte) {
	if s.writeErr != nil {
		return
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := s.conn.Write(frame); err != nil {
		s.writeErr = err
		s.logger.Verbose("Write failed (%s): %v", errclass.New(err), err)
		// unblock the reader so the session ends
		_ = s.conn.Close()
		return
	}
	s.srv.record(s.conn.LocalAddr(), s.conn.RemoteAddr(), frame)
}

// close tears the session down exactly once: queued frames are flushed,
// the socket closed, and the server notified.
func (s *Session) close(reason error) {
	s.closeOnce.Do(func() {
		close(s.closing)
		<-s.writerDone
		_ = s.conn.Close()

		s.mu.Lock()
		if s.state.Can(eventClose) {
			_ = s.state.Event(context.Background(), eventClose)
		}
		s.mu.Unlock()

		s.srv.connectionClosed(s, reason)
	})
}
