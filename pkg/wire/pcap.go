package wire

import (
	"fmt"
	"io"
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// PcapWriter synthesizes a TCP/IP pcap capture from Session chunks, for
// services with capture.pcap enabled. It fabricates plausible IP/TCP
// headers around each chunk's payload so the transcript can be opened
// directly in a packet analyzer; it does not capture real link-layer
// frames (the Session never sees them — it terminates the socket itself).
type PcapWriter struct {
	w          *pcapgo.Writer
	localIP    net.IP
	remoteIP   net.IP
	localPort  layers.TCPPort
	remotePort layers.TCPPort
	seqIn      uint32
	seqOut     uint32
}

// NewPcapWriter opens a pcap stream on w and writes its global header.
func NewPcapWriter(w io.Writer, localAddr, remoteAddr *net.TCPAddr) (*PcapWriter, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(65536, layers.LinkTypeRaw); err != nil {
		return nil, fmt.Errorf("wire: write pcap header: %w", err)
	}
	return &PcapWriter{
		w:          pw,
		localIP:    localAddr.IP,
		remoteIP:   remoteAddr.IP,
		localPort:  layers.TCPPort(localAddr.Port),
		remotePort: layers.TCPPort(remoteAddr.Port),
	}, nil
}

// WriteChunk appends one captured chunk as a synthetic TCP segment.
func (pw *PcapWriter) WriteChunk(c Chunk) error {
	var src, dst net.IP
	var srcPort, dstPort layers.TCPPort
	var seq *uint32

	switch c.Dir {
	case DirIn:
		src, dst = pw.remoteIP, pw.localIP
		srcPort, dstPort = pw.remotePort, pw.localPort
		seq = &pw.seqIn
	case DirOut:
		src, dst = pw.localIP, pw.remoteIP
		srcPort, dstPort = pw.localPort, pw.remotePort
		seq = &pw.seqOut
	default:
		return fmt.Errorf("wire: unknown direction %d", c.Dir)
	}

	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    src.To4(),
		DstIP:    dst.To4(),
	}
	tcp := &layers.TCP{
		SrcPort: srcPort,
		DstPort: dstPort,
		Seq:     *seq,
		PSH:     true,
		ACK:     true,
		Window:  65535,
	}
	tcp.SetNetworkLayerForChecksum(ip)

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, tcp, gopacket.Payload(c.Data)); err != nil {
		return fmt.Errorf("wire: serialize pcap frame: %w", err)
	}

	*seq += uint32(len(c.Data))

	ci := gopacket.CaptureInfo{
		Timestamp:     time.Unix(0, c.TimestampNS),
		CaptureLength: len(buf.Bytes()),
		Length:        len(buf.Bytes()),
	}
	if err := pw.w.WritePacket(ci, buf.Bytes()); err != nil {
		return fmt.Errorf("wire: write pcap packet: %w", err)
	}
	return nil
}
