package capture

import (
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
)

// FileSource replays a pcap file, grounded on the teacher's
// internal/source/file/source.go (pcap.OpenOffline + ReadPacketData).
type FileSource struct {
	path   string
	handle *pcap.Handle
}

// NewFileSource constructs a replay source reading path.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

func (s *FileSource) Name() string { return "file:" + s.path }

func (s *FileSource) Open() error {
	handle, err := pcap.OpenOffline(s.path)
	if err != nil {
		return fmt.Errorf("capture: open pcap file %s: %w", s.path, err)
	}
	s.handle = handle
	return nil
}

func (s *FileSource) ReadPacket() ([]byte, gopacket.CaptureInfo, error) {
	if s.handle == nil {
		return nil, gopacket.CaptureInfo{}, fmt.Errorf("capture: file source not open")
	}
	return s.handle.ReadPacketData()
}

func (s *FileSource) LinkType() layers.LinkType {
	if s.handle == nil {
		return layers.LinkTypeEthernet
	}
	return s.handle.LinkType()
}

func (s *FileSource) Close() error {
	if s.handle != nil {
		s.handle.Close()
		s.handle = nil
	}
	return nil
}
