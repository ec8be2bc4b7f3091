package core

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/rbmk-project/common/errclass"
)

// Start binds every listener and starts the accept loops. On error every
// socket opened so far is closed again.
func (s *Server) Start() error {
	if err := s.start(); err != nil {
		_ = s.Stop()
		return err
	}
	return nil
}

func (s *Server) start() error {
	if s.opts.Metrics.Enable {
		if err := s.startMetricsListener(); err != nil {
			return err
		}
	}

	if err := s.listenUDP(); err != nil {
		return err
	}

	tcpAddr := net.JoinHostPort(s.cfg.LocalAddress, fmt.Sprint(s.cfg.TCPPort))
	ln, err := net.Listen("tcp", tcpAddr)
	if err != nil {
		return fmt.Errorf("listen TCP %s: %w", tcpAddr, err)
	}
	s.tcpListener = ln
	s.addCloser(ln)
	s.logger.Info("TCP server listening on %s", ln.Addr())

	s.wg.Add(1)
	go s.acceptLoop(s.tcpListener)

	if s.tlsConfig != nil {
		tlsAddr := net.JoinHostPort(s.cfg.LocalAddress, fmt.Sprint(s.cfg.TLS.Port))
		ln, err := tls.Listen("tcp", tlsAddr, s.tlsConfig)
		if err != nil {
			return fmt.Errorf("listen TLS %s: %w", tlsAddr, err)
		}
		s.tlsListener = ln
		s.addCloser(ln)
		s.logger.Info("TLS server listening on %s", ln.Addr())

		s.wg.Add(1)
		go s.acceptLoop(s.tlsListener)
	}

	if s.cfg.BroadcastEnabled && s.cfg.VAMCount > 0 {
		s.wg.Add(1)
		go s.announce()
	}
	return nil
}

// TCPAddr returns the bound TCP address after Start.
func (s *Server) TCPAddr() *net.TCPAddr {
	if s.tcpListener == nil {
		return nil
	}
	if addr, ok := s.tcpListener.Addr().(*net.TCPAddr); ok {
		return addr
	}
	return nil
}

// TLSAddr returns the bound TLS address after Start, or nil.
func (s *Server) TLSAddr() *net.TCPAddr {
	if s.tlsListener == nil {
		return nil
	}
	if addr, ok := s.tlsListener.Addr().(*net.TCPAddr); ok {
		return addr
	}
	return nil
}

// MetricsAddr returns the bound metrics address after Start, or nil.
func (s *Server) MetricsAddr() net.Addr {
	if s.metricsListener == nil {
		return nil
	}
	return s.metricsListener.Addr()
}

func (s *Server) addCloser(c io.Closer) {
	s.closersMu.Lock()
	defer s.closersMu.Unlock()
	s.closers = append(s.closers, c)
}

// Stop closes every listener in reverse order of opening, ends all
// sessions, waits for in-flight work and discards pending ECU timers.
func (s *Server) Stop() error {
	s.cancel()

	s.closersMu.Lock()
	closers := s.closers
	s.closers = nil
	s.closersMu.Unlock()

	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}

	s.sessionsMu.RLock()
	for session := range s.sessions {
		_ = session.conn.Close()
	}
	s.sessionsMu.RUnlock()

	s.wg.Wait()
	s.dispatcher.Wait()
	for _, e := range s.book.Ecus() {
		e.Close()
	}

	s.logger.Info("Server stopped")
	return errors.Join(errs...)
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || s.ctx.Err() != nil {
				return
			}
			s.logger.Error("Accept error (%s): %v", errclass.New(err), err)
			time.Sleep(50 * time.Millisecond)
			continue
		}

		if s.OpenSessions() >= s.cfg.MaxOpenSockets {
			s.logger.Info("Rejecting %s: %d sockets already open", conn.RemoteAddr(), s.cfg.MaxOpenSockets)
			_ = conn.Close()
			continue
		}

		session := newSession(s, conn)
		if !s.trackSession(session) {
			return
		}
		if s.sink != nil {
			s.sink.ConnectionOpened()
		}
		s.logger.Info("New connection from %s", conn.RemoteAddr())

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			session.run()
		}()
	}
}

// trackSession registers session unless Stop has begun, in which case the
// connection is closed instead. Stop cancels before it walks the sessions,
// so the check under the lock leaves no session it could miss.
func (s *Server) trackSession(session *Session) bool {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	if s.ctx.Err() != nil {
		_ = session.conn.Close()
		return false
	}
	s.sessions[session] = struct{}{}
	return true
}

// connectionClosed is called exactly once per session.
func (s *Server) connectionClosed(session *Session, reason error) {
	s.sessionsMu.Lock()
	delete(s.sessions, session)
	s.sessionsMu.Unlock()
	if s.sink != nil {
		s.sink.ConnectionClosed()
	}

	if reason == nil || errors.Is(reason, io.EOF) {
		s.logger.Info("Connection closed by client: %s", session.RemoteAddr())
	} else {
		s.logger.Info("Connection %s closed (%s): %v", session.RemoteAddr(), errclass.New(reason), reason)
	}
	if s.opts.OnConnectionClosed != nil {
		s.opts.OnConnectionClosed(session.RemoteAddr(), reason)
	}
}

func (s *Server) startMetricsListener() error {
	addr := net.JoinHostPort(s.opts.Metrics.ListenIP, fmt.Sprint(s.opts.Metrics.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("start metrics listener: %w", err)
	}
	s.metricsListener = listener
	s.addCloser(listener)
	s.wg.Add(1)
	go s.metricsLoop()
	return nil
}

func (s *Server) metricsLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.metricsListener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || s.ctx.Err() != nil {
				return
			}
			continue
		}
		_ = conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
		if s.sink != nil {
			_ = s.sink.WriteText(conn)
		} else {
			fmt.Fprintf(conn, "doipsim_up 1\n")
		}
		_ = conn.Close()
	}
}
