// Package capture implements the external packet-source collaborator:
// live interface capture, pcap-file replay and a HEP/EEP UDP listener,
// each producing the raw bytes and capture metadata the dissector tree
// consumes. Grounded on the teacher's internal/source/file and
// internal/source/afpacket adapters, simplified to gopacket/pcap's
// handle-based API rather than the teacher's AF_PACKET zero-copy ring.
package capture

import (
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// PacketSource is one origin of raw frames: a live NIC or a pcap file being
// replayed. HEP input from a remote agent does not go through this
// interface; HEPListener delivers decoded frames through its own Run loop.
// ReadPacket returns io.EOF once a finite source (a file) is exhausted.
type PacketSource interface {
	Open() error
	ReadPacket() (data []byte, ci gopacket.CaptureInfo, err error)
	LinkType() layers.LinkType
	Close() error
	Name() string
}
