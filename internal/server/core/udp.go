package core

import (
	"bytes"
	"errors"
	"fmt"
	"net"

	"github.com/rbmk-project/common/errclass"

	"github.com/tturner/doipsim/internal/doip"
)

const maxDatagramSize = 4096

// listenUDP binds the primary discovery socket and, when configured, a
// second one on the wildcard address.
func (s *Server) listenUDP() error {
	lc := net.ListenConfig{Control: controlUDP}

	addr := net.JoinHostPort(s.cfg.LocalAddress, fmt.Sprint(s.cfg.UDPPort))
	pc, err := lc.ListenPacket(s.ctx, "udp4", addr)
	if err != nil {
		return fmt.Errorf("listen UDP %s: %w", addr, err)
	}
	s.udpPrimary = pc.(*net.UDPConn)
	s.addCloser(s.udpPrimary)
	s.logger.Info("UDP discovery listening on %s", s.udpPrimary.LocalAddr())

	s.wg.Add(1)
	go s.udpLoop(s.udpPrimary, nil)

	primary := s.udpPrimary.LocalAddr().(*net.UDPAddr)
	if !s.cfg.BindOnAnyForUDPAdditional || primary.IP.IsUnspecified() {
		return nil
	}

	anyAddr := net.JoinHostPort("0.0.0.0", fmt.Sprint(primary.Port))
	pc, err = lc.ListenPacket(s.ctx, "udp4", anyAddr)
	if err != nil {
		// the primary socket keeps serving
		s.logger.Error("Additional UDP bind on %s failed (%s): %v", anyAddr, errclass.New(err), err)
		return nil
	}
	s.udpSecondary = pc.(*net.UDPConn)
	s.addCloser(s.udpSecondary)
	s.logger.Info("UDP discovery also listening on %s", s.udpSecondary.LocalAddr())

	s.wg.Add(1)
	go s.udpLoop(s.udpSecondary, primary.IP)
	return nil
}

// UDPAddr returns the bound primary UDP address after Start.
func (s *Server) UDPAddr() *net.UDPAddr {
	if s.udpPrimary == nil {
		return nil
	}
	return s.udpPrimary.LocalAddr().(*net.UDPAddr)
}

// udpLoop reads datagrams until conn is closed. Each datagram is handled
// on its own goroutine. Datagrams whose source is skipSource are dropped.
func (s *Server) udpLoop(conn *net.UDPConn, skipSource net.IP) {
	defer s.wg.Done()
	buf := make([]byte, maxDatagramSize)

	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || s.ctx.Err() != nil {
				return
			}
			s.logger.Debug("UDP read error (%s): %v", errclass.New(err), err)
			continue
		}
		if skipSource != nil && addr.IP.Equal(skipSource) {
			continue
		}

		data := bytes.Clone(buf[:n])
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleDatagram(conn, addr, data)
		}()
	}
}

func (s *Server) handleDatagram(conn *net.UDPConn, addr *net.UDPAddr, data []byte) {
	s.record(addr, conn.LocalAddr(), data)

	pkt, err := doip.ParseUDP(data)
	if err != nil {
		herr, _ := doip.AsHeaderError(err)
		s.logger.Verbose("UDP header error from %s: %v", addr, err)
		s.countNack(herr.NackCode())
		s.writeUDP(conn, addr, doip.HeaderNack(herr.NackCode()))
		return
	}

	version := pkt.Version
	if version == doip.ProtocolVersionAny {
		version = doip.DefaultProtocolVersion
	}
	for _, resp := range s.discoveryResponses(pkt.Message) {
		s.writeUDP(conn, addr, doip.Encode(&doip.Packet{Version: version, Message: resp}))
	}
}

// discoveryResponses returns the answers to one UDP request, if any.
func (s *Server) discoveryResponses(m doip.Message) []doip.Message {
	switch req := m.(type) {
	case doip.VehicleIdentRequest:
		return s.identities()
	case doip.VehicleIdentRequestEID:
		if bytes.Equal(req.EID[:], s.cfg.EID) {
			return s.identities()
		}
	case doip.VehicleIdentRequestVIN:
		if bytes.Equal(req.VIN[:], s.cfg.VIN) {
			return s.identities()
		}
	case doip.EntityStatusRequest:
		maxData := s.cfg.MaxDataSize
		return []doip.Message{doip.EntityStatusResponse{
			NodeType:       byte(s.cfg.NodeType),
			MaxOpenSockets: byte(min(s.cfg.MaxOpenSockets, 255)),
			OpenSockets:    byte(min(s.OpenSessions(), 255)),
			MaxDataSize:    &maxData,
		}}
	case doip.PowerModeRequest:
		return []doip.Message{doip.PowerModeResponse{Mode: doip.PowerModeReady}}
	default:
		s.logger.Debug("Ignoring UDP %s", m.PayloadType())
	}
	return nil
}

func (s *Server) identities() []doip.Message {
	vams := s.cfg.Announcements()
	out := make([]doip.Message, len(vams))
	for i, vam := range vams {
		out[i] = vam
	}
	return out
}

func (s *Server) writeUDP(conn *net.UDPConn, addr *net.UDPAddr, frame []byte) {
	if _, err := conn.WriteToUDP(frame, addr); err != nil {
		s.logger.Error("UDP write error to %s (%s): %v", addr, errclass.New(err), err)
		return
	}
	s.record(conn.LocalAddr(), addr, frame)
}

func (s *Server) countNack(code doip.NackCode) {
	if s.sink != nil {
		s.sink.HeaderNack(code)
	}
}

func (s *Server) record(src, dst net.Addr, frame []byte) {
	if s.recorder != nil {
		s.recorder.Record(src, dst, frame)
	}
}
