package dissect

import (
	"encoding/binary"
	"testing"

	"sipwatch/internal/core"
)

func buildEthernetFrame(vlanTags []uint16, etherType uint16, payload []byte) []byte {
	buf := make([]byte, 0, 14+4*len(vlanTags)+len(payload))
	buf = append(buf, []byte{0, 1, 2, 3, 4, 5}...)       // dst mac
	buf = append(buf, []byte{6, 7, 8, 9, 10, 11}...)     // src mac
	for _, tag := range vlanTags {
		tci := make([]byte, 2)
		binary.BigEndian.PutUint16(tci, tag)
		buf = append(buf, 0x81, 0x00) // tag protocol id (single-tag case)
		buf = append(buf, tci...)
	}
	et := make([]byte, 2)
	binary.BigEndian.PutUint16(et, etherType)
	buf = append(buf, et...)
	buf = append(buf, payload...)
	return buf
}

func TestLinkDissector_PlainEthernetIPv4(t *testing.T) {
	payload := []byte{0x45, 0x00, 0x00, 0x14}
	data := buildEthernetFrame(nil, etherTypeIPv4, payload)

	d := NewLinkDissector()
	pkt := core.NewPacket(core.NewFrame(core.RawPacket{}))
	remaining, matched, err := d.Dissect(nil, pkt, data)
	if err != nil {
		t.Fatalf("Dissect: %v", err)
	}
	if !matched {
		t.Fatal("expected match")
	}
	if string(remaining) != string(payload) {
		t.Fatalf("expected IPv4 payload to be handed to children, got %v", remaining)
	}

	attr, ok := pkt.Attr(core.ProtoLink)
	if !ok {
		t.Fatal("expected EthernetHeader attr to be set")
	}
	eth := attr.(core.EthernetHeader)
	if eth.EtherType != etherTypeIPv4 {
		t.Errorf("unexpected ethertype: 0x%04X", eth.EtherType)
	}
	if len(eth.VLANs) != 0 {
		t.Errorf("expected no VLAN tags, got %v", eth.VLANs)
	}
}

func TestLinkDissector_SingleVLANTag(t *testing.T) {
	payload := []byte{0x45, 0x00}
	data := buildEthernetFrame([]uint16{100}, etherTypeIPv4, payload)

	d := NewLinkDissector()
	pkt := core.NewPacket(core.NewFrame(core.RawPacket{}))
	remaining, matched, err := d.Dissect(nil, pkt, data)
	if err != nil {
		t.Fatalf("Dissect: %v", err)
	}
	if !matched {
		t.Fatal("expected match")
	}
	if string(remaining) != string(payload) {
		t.Fatal("expected payload after VLAN tag to be returned")
	}

	attr, _ := pkt.Attr(core.ProtoLink)
	eth := attr.(core.EthernetHeader)
	if len(eth.VLANs) != 1 || eth.VLANs[0] != 100 {
		t.Errorf("expected VLAN id 100, got %v", eth.VLANs)
	}
}

func TestLinkDissector_UnsupportedEtherTypeStillConsumed(t *testing.T) {
	data := buildEthernetFrame(nil, 0x0806, []byte{1, 2, 3}) // ARP
	d := NewLinkDissector()
	pkt := core.NewPacket(core.NewFrame(core.RawPacket{}))
	remaining, matched, err := d.Dissect(nil, pkt, data)
	if err != nil {
		t.Fatalf("Dissect: %v", err)
	}
	if !matched {
		t.Fatal("expected the Ethernet header itself to still count as matched")
	}
	if remaining != nil {
		t.Fatal("expected no remaining bytes for an unsupported L3 protocol")
	}
}

func TestLinkDissector_TooShort(t *testing.T) {
	d := NewLinkDissector()
	pkt := core.NewPacket(core.NewFrame(core.RawPacket{}))
	_, _, err := d.Dissect(nil, pkt, []byte{1, 2, 3})
	if err == nil {
		t.Fatal("expected an error for a frame shorter than the Ethernet header")
	}
}
