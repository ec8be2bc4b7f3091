package core

import (
	"fmt"
	"net"
	"time"

	"github.com/rbmk-project/common/errclass"

	"github.com/tturner/doipsim/internal/doip"
)

// announce sends the vehicle announcement set VAMCount times to the
// broadcast address, the first one VAMInterval after start and the rest
// VAMInterval apart, then stops.
func (s *Server) announce() {
	defer s.wg.Done()

	dst, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(s.cfg.BroadcastAddress, fmt.Sprint(s.cfg.BroadcastPort)))
	if err != nil {
		s.logger.Error("Resolve broadcast address: %v", err)
		return
	}

	ticker := time.NewTicker(s.cfg.VAMInterval)
	defer ticker.Stop()

	for i := 0; i < s.cfg.VAMCount; i++ {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}
		for _, vam := range s.cfg.Announcements() {
			frame := doip.EncodeMessage(vam)
			if _, err := s.udpPrimary.WriteToUDP(frame, dst); err != nil {
				s.logger.Error("Send VAM for 0x%04X to %s (%s): %v", vam.LogicalAddress, dst, errclass.New(err), err)
				continue
			}
			s.record(s.udpPrimary.LocalAddr(), dst, frame)
		}
		s.logger.Verbose("Vehicle announcement %d/%d sent to %s", i+1, s.cfg.VAMCount, dst)
	}
}
