// Package capture writes a pcap trace of the DoIP frames the simulator
// handles. Frames are wrapped in synthetic Ethernet, IP and TCP or UDP
// headers carrying the real endpoint addresses, so the file opens in any
// pcap reader with the DoIP dissector applied.
package capture

import (
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

const snapLen = 65535

var (
	localMAC  = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x13, 0x40}
	remoteMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x0E, 0x00}
)

// Capture is a pcap writer fed with DoIP frames. It is safe for
// concurrent use.
type Capture struct {
	mu      sync.Mutex
	writer  *pcapgo.Writer
	file    *os.File
	path    string
	seq     map[string]uint32
	packets int
	closed  bool
	now     func() time.Time
}

// StartCapture creates outputFile and writes the pcap file header.
func StartCapture(outputFile string) (*Capture, error) {
	file, err := os.Create(outputFile)
	if err != nil {
		return nil, fmt.Errorf("create pcap file: %w", err)
	}

	writer := pcapgo.NewWriter(file)
	if err := writer.WriteFileHeader(snapLen, layers.LinkTypeEthernet); err != nil {
		file.Close()
		return nil, fmt.Errorf("write pcap header: %w", err)
	}

	return &Capture{
		writer: writer,
		file:   file,
		path:   outputFile,
		seq:    make(map[string]uint32),
		now:    time.Now,
	}, nil
}

// Record appends one frame sent from src to dst. Addresses must be
// *net.TCPAddr or *net.UDPAddr; anything else is dropped.
func (c *Capture) Record(src, dst net.Addr, frame []byte) {
	data, err := c.serialize(src, dst, frame)
	if err != nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	ci := gopacket.CaptureInfo{
		Timestamp:     c.now(),
		CaptureLength: len(data),
		Length:        len(data),
	}
	if err := c.writer.WritePacket(ci, data); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to write packet: %v\n", err)
		return
	}
	c.packets++
}

func (c *Capture) serialize(src, dst net.Addr, frame []byte) ([]byte, error) {
	var (
		srcIP, dstIP     net.IP
		srcPort, dstPort int
		isTCP            bool
	)
	switch s := src.(type) {
	case *net.TCPAddr:
		d, ok := dst.(*net.TCPAddr)
		if !ok {
			return nil, fmt.Errorf("mixed address types %T and %T", src, dst)
		}
		srcIP, srcPort, dstIP, dstPort, isTCP = s.IP, s.Port, d.IP, d.Port, true
	case *net.UDPAddr:
		d, ok := dst.(*net.UDPAddr)
		if !ok {
			return nil, fmt.Errorf("mixed address types %T and %T", src, dst)
		}
		srcIP, srcPort, dstIP, dstPort = s.IP, s.Port, d.IP, d.Port
	default:
		return nil, fmt.Errorf("unsupported address type %T", src)
	}

	eth := &layers.Ethernet{SrcMAC: localMAC, DstMAC: remoteMAC}
	var network gopacket.NetworkLayer
	var ipLayer gopacket.SerializableLayer

	src4, dst4 := srcIP.To4(), dstIP.To4()
	if src4 != nil && dst4 != nil {
		eth.EthernetType = layers.EthernetTypeIPv4
		ip := &layers.IPv4{Version: 4, TTL: 64, SrcIP: src4, DstIP: dst4}
		if isTCP {
			ip.Protocol = layers.IPProtocolTCP
		} else {
			ip.Protocol = layers.IPProtocolUDP
		}
		network, ipLayer = ip, ip
	} else {
		eth.EthernetType = layers.EthernetTypeIPv6
		ip := &layers.IPv6{Version: 6, HopLimit: 64, SrcIP: srcIP.To16(), DstIP: dstIP.To16()}
		if isTCP {
			ip.NextHeader = layers.IPProtocolTCP
		} else {
			ip.NextHeader = layers.IPProtocolUDP
		}
		network, ipLayer = ip, ip
	}

	out := []gopacket.SerializableLayer{eth, ipLayer}
	if isTCP {
		tcp := &layers.TCP{
			SrcPort: layers.TCPPort(srcPort),
			DstPort: layers.TCPPort(dstPort),
			Seq:     c.advance(src.String()+">"+dst.String(), len(frame)),
			Ack:     c.current(dst.String() + ">" + src.String()),
			PSH:     true,
			ACK:     true,
			Window:  65535,
		}
		if err := tcp.SetNetworkLayerForChecksum(network); err != nil {
			return nil, err
		}
		out = append(out, tcp)
	} else {
		udp := &layers.UDP{SrcPort: layers.UDPPort(srcPort), DstPort: layers.UDPPort(dstPort)}
		if err := udp.SetNetworkLayerForChecksum(network); err != nil {
			return nil, err
		}
		out = append(out, udp)
	}
	out = append(out, gopacket.Payload(frame))

	buffer := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buffer, opts, out...); err != nil {
		return nil, err
	}
	return buffer.Bytes(), nil
}

// advance returns the sequence number for the next segment of flow and
// moves it past n bytes.
func (c *Capture) advance(flow string, n int) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	seq, ok := c.seq[flow]
	if !ok {
		seq = 1
	}
	c.seq[flow] = seq + uint32(n)
	return seq
}

func (c *Capture) current(flow string) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if seq, ok := c.seq[flow]; ok {
		return seq
	}
	return 1
}

// Path returns the pcap file being written.
func (c *Capture) Path() string {
	return c.path
}

// Stop closes the file. It is idempotent.
func (c *Capture) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.file.Close()
}

// GetPacketCount returns the number of frames written
func (c *Capture) GetPacketCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.packets
}
