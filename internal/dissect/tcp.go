package dissect

import (
	"encoding/binary"
	"net/netip"
	"time"

	"sipwatch/internal/core"
)

const tcpMinHeaderLen = 20

const (
	tcpFlagFIN = 0x01
	tcpFlagRST = 0x04
)

type tcpFlowKey struct {
	src, dst netip.Addr
	srcPort  uint16
	dstPort  uint16
}

// tcpFlow buffers a TCP stream's unconsumed bytes. Reassembly here is
// best-effort, per Design Notes §9's Open Question: no explicit window
// validation, no SACK-style bookkeeping, just next-expected-sequence
// tracking with a small out-of-order stash.
type tcpFlow struct {
	buf        []byte
	outOfOrder map[uint32][]byte
	nextSeq    uint32
	firstSeq   uint32
	haveSeq    bool
	lastSeen   time.Time
}

// TCPDissector reassembles TCP streams per (src:sport,dst:dport) flow and
// hands the in-order byte stream to the SIP dissector, re-buffering
// whatever SIP reports as an incomplete trailing message.
//
// Grounded on other_examples' sipgo stream parser for the "buffer + offer,
// retain the leftover" loop shape, and on the gchux-pcap-sidecar per-flow
// table pattern for keying by a fixed-size flow tuple.
type TCPDissector struct {
	flows      map[tcpFlowKey]*tcpFlow
	idleExpiry time.Duration
}

// NewTCPDissector constructs the TCP dissector. idleExpiry bounds how long
// an inactive flow's buffered state is retained before Sweep discards it.
func NewTCPDissector(idleExpiry time.Duration) *TCPDissector {
	if idleExpiry <= 0 {
		idleExpiry = 5 * time.Minute
	}
	return &TCPDissector{idleExpiry: idleExpiry}
}

func (d *TCPDissector) ProtoID() core.ProtoID { return core.ProtoTCP }

func (d *TCPDissector) Children() []core.ProtoID {
	return []core.ProtoID{core.ProtoSIP}
}

func (d *TCPDissector) Init(p *Parser) error {
	d.flows = make(map[tcpFlowKey]*tcpFlow)
	return nil
}

func (d *TCPDissector) Deinit(p *Parser) { d.flows = nil }

func (d *TCPDissector) Free(p *Parser, pkt *core.Packet) {}

// Sweep drops TCP flows idle longer than idleExpiry.
func (d *TCPDissector) Sweep(now time.Time) {
	for k, f := range d.flows {
		if now.Sub(f.lastSeen) > d.idleExpiry {
			delete(d.flows, k)
		}
	}
}

func (d *TCPDissector) Dissect(p *Parser, pkt *core.Packet, data []byte) ([]byte, bool, error) {
	if len(data) < tcpMinHeaderLen {
		return nil, false, core.ErrPacketTooShort
	}

	srcPort := binary.BigEndian.Uint16(data[0:2])
	dstPort := binary.BigEndian.Uint16(data[2:4])
	seq := binary.BigEndian.Uint32(data[4:8])
	ackNum := binary.BigEndian.Uint32(data[8:12])
	dataOffset := int(data[12]>>4) * 4
	flags := data[13]

	if dataOffset < tcpMinHeaderLen || dataOffset > len(data) {
		dataOffset = tcpMinHeaderLen
	}
	payload := data[dataOffset:]

	th := core.TransportHeader{
		SrcPort:  srcPort,
		DstPort:  dstPort,
		Protocol: 6,
		TCPFlags: flags,
		SeqNum:   seq,
		AckNum:   ackNum,
	}
	if err := pkt.SetAttr(core.ProtoTCP, th); err != nil {
		return nil, false, err
	}

	var srcIP, dstIP netip.Addr
	if ip, ok := pkt.Attr(core.ProtoIP); ok {
		if iph, ok := ip.(core.IPHeader); ok {
			srcIP, dstIP = iph.SrcIP, iph.DstIP
		}
	}

	key := tcpFlowKey{src: srcIP, dst: dstIP, srcPort: srcPort, dstPort: dstPort}
	flow, ok := d.flows[key]
	if !ok {
		flow = &tcpFlow{outOfOrder: make(map[uint32][]byte)}
		d.flows[key] = flow
	}
	flow.lastSeen = pkt.Timestamp()

	if len(payload) > 0 {
		flow.ingest(seq, payload)
	}

	if flags&(tcpFlagFIN|tcpFlagRST) != 0 {
		defer delete(d.flows, key)
	}

	if len(flow.buf) == 0 {
		return nil, true, nil
	}

	sipDissector := p.Dissector(core.ProtoSIP)
	if sipDissector == nil {
		return nil, true, nil
	}

	remaining, _, err := sipDissector.Dissect(p, pkt, flow.buf)
	if err != nil {
		return nil, false, err
	}
	flow.buf = remaining

	return nil, true, nil
}

// ingest appends in-order bytes to the flow buffer, stashing out-of-order
// segments until the gap is filled and trimming already-seen overlap.
func (f *tcpFlow) ingest(seq uint32, payload []byte) {
	if !f.haveSeq {
		f.nextSeq = seq
		f.firstSeq = seq
		f.haveSeq = true
	}

	end := seq + uint32(len(payload))
	if end == f.firstSeq && f.nextSeq-uint32(len(f.buf)) == f.firstSeq {
		// A segment ending exactly where the first-seen one began, while
		// nothing has been consumed from the buffer yet, is earlier stream
		// data that arrived late: prepend it instead of dropping it.
		f.buf = append(append([]byte(nil), payload...), f.buf...)
		f.firstSeq = seq
		return
	}
	if end <= f.nextSeq {
		return // fully-seen retransmission
	}
	if seq < f.nextSeq {
		payload = payload[f.nextSeq-seq:]
		seq = f.nextSeq
	}
	if seq != f.nextSeq {
		f.outOfOrder[seq] = payload
		return
	}

	f.buf = append(f.buf, payload...)
	f.nextSeq += uint32(len(payload))

	for {
		next, ok := f.outOfOrder[f.nextSeq]
		if !ok {
			break
		}
		delete(f.outOfOrder, f.nextSeq)
		f.buf = append(f.buf, next...)
		f.nextSeq += uint32(len(next))
	}
}
