package engine

import (
	"context"
	"encoding/binary"
	"io"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"sipwatch/internal/capture"
	"sipwatch/internal/config"
	"sipwatch/internal/core"
	"sipwatch/internal/hep"
	"sipwatch/internal/store"
)

// fakeSource replays a fixed list of frames once, then returns io.EOF —
// standing in for capture.FileSource without touching libpcap.
type fakeSource struct {
	frames [][]byte
	i      int
}

func (f *fakeSource) Name() string             { return "fake" }
func (f *fakeSource) Open() error               { return nil }
func (f *fakeSource) Close() error              { return nil }
func (f *fakeSource) LinkType() layers.LinkType { return layers.LinkTypeEthernet }

func (f *fakeSource) ReadPacket() ([]byte, gopacket.CaptureInfo, error) {
	if f.i >= len(f.frames) {
		return nil, gopacket.CaptureInfo{}, io.EOF
	}
	data := f.frames[f.i]
	f.i++
	return data, gopacket.CaptureInfo{Timestamp: time.Now(), CaptureLength: len(data), Length: len(data)}, nil
}

var _ capture.PacketSource = (*fakeSource)(nil)

func buildEthIPv4UDP(srcPort, dstPort uint16, payload []byte) []byte {
	udp := make([]byte, 8+len(payload))
	binary.BigEndian.PutUint16(udp[0:2], srcPort)
	binary.BigEndian.PutUint16(udp[2:4], dstPort)
	binary.BigEndian.PutUint16(udp[4:6], uint16(len(udp)))
	copy(udp[8:], payload)

	ip := make([]byte, 20+len(udp))
	ip[0] = 0x45
	binary.BigEndian.PutUint16(ip[2:4], uint16(len(ip)))
	ip[9] = 17 // UDP
	copy(ip[12:16], []byte{10, 0, 0, 1})
	copy(ip[16:20], []byte{10, 0, 0, 2})
	copy(ip[20:], udp)

	eth := make([]byte, 14+len(ip))
	copy(eth[0:6], []byte{0, 1, 2, 3, 4, 5})
	copy(eth[6:12], []byte{6, 7, 8, 9, 10, 11})
	binary.BigEndian.PutUint16(eth[12:14], 0x0800)
	copy(eth[14:], ip)
	return eth
}

func testConfig() *config.GlobalConfig {
	cfg := &config.GlobalConfig{}
	cfg.Capture.Packet = config.PacketEnableConfig{IP: true, UDP: true, TCP: true, SIP: true, RTP: true, RTCP: true, HEP: true}
	return cfg
}

func sipInvite(callID string) string {
	return "INVITE sip:bob@example.com SIP/2.0\r\n" +
		"Call-ID: " + callID + "\r\n" +
		"CSeq: 1 INVITE\r\n" +
		"From: <sip:alice@example.com>;tag=a1\r\n" +
		"To: <sip:bob@example.com>\r\n" +
		"Via: SIP/2.0/UDP 10.0.0.1;branch=z9hG4bK1\r\n" +
		"Content-Length: 0\r\n\r\n"
}

func TestEngine_DispatchesSIPFromRawFrame(t *testing.T) {
	storage := store.NewStorage(store.DefaultStorageConfig())
	e, err := New(testConfig(), storage)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	frame := buildEthIPv4UDP(5060, 5060, []byte(sipInvite("engine-test-1")))
	e.dispatchOne(rawFromSource{source: "fake", raw: core.RawPacket{Data: frame, Timestamp: time.Now()}})

	call, ok := storage.GetCall("engine-test-1")
	if !ok {
		t.Fatal("expected call to be ingested from dispatched frame")
	}
	if len(call.Messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(call.Messages))
	}
}

func TestEngine_RunConsumesFakeSourceUntilEOF(t *testing.T) {
	storage := store.NewStorage(store.DefaultStorageConfig())
	e, err := New(testConfig(), storage)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	frame := buildEthIPv4UDP(5060, 5060, []byte(sipInvite("engine-test-2")))
	src := &fakeSource{frames: [][]byte{frame}}
	e.sources = []capture.PacketSource{src}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	go func() {
		e.captureLoop(ctx, src)
		close(e.packets)
	}()

	e.dispatchLoop(ctx)

	if _, ok := storage.GetCall("engine-test-2"); !ok {
		t.Fatal("expected call ingested via capture loop")
	}
}

func TestEngine_DispatchHEPInjectsSIPDirectly(t *testing.T) {
	storage := store.NewStorage(store.DefaultStorageConfig())
	e, err := New(testConfig(), storage)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	decoded := &hep.Decoded{
		ProtoType: hep.ProtoTypeSIP,
		Payload:   []byte(sipInvite("hep-test-1")),
		Timestamp: time.Now(),
	}

	e.dispatchHEP(decoded)

	if _, ok := storage.GetCall("hep-test-1"); !ok {
		t.Fatal("expected call ingested via HEP injection path")
	}
}
