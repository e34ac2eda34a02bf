package dissect

import (
	"testing"

	"sipwatch/internal/core"
)

func TestNewParser_DisabledProtocolAbsentFromTree(t *testing.T) {
	enabled := map[core.ProtoID]bool{
		core.ProtoIP:  true,
		core.ProtoUDP: true,
		// SIP intentionally omitted/disabled.
	}

	ipDiss := NewIPDissector(DefaultIPConfig())
	udpDiss := NewUDPDissector()
	sipDiss := NewSIPDissector(DefaultSIPConfig(), nil, nil)

	p, err := NewParser(core.ProtoIP, enabled, ipDiss, udpDiss, sipDiss)
	if err != nil {
		t.Fatalf("NewParser: %v", err)
	}

	for _, child := range p.children[core.ProtoUDP] {
		if child == core.ProtoSIP {
			t.Fatal("expected SIP to be absent from UDP's children when disabled")
		}
	}
}

func TestNewParser_DuplicateRegistrationErrors(t *testing.T) {
	ipDiss1 := NewIPDissector(DefaultIPConfig())
	ipDiss2 := NewIPDissector(DefaultIPConfig())

	_, err := NewParser(core.ProtoIP, nil, ipDiss1, ipDiss2)
	if err == nil {
		t.Fatal("expected an error for duplicate dissector registration")
	}
}

func TestNewParser_MissingRootErrors(t *testing.T) {
	udpDiss := NewUDPDissector()
	_, err := NewParser(core.ProtoIP, nil, udpDiss)
	if err == nil {
		t.Fatal("expected an error when the root protocol has no dissector")
	}
}

func TestNewParser_UnregisteredChildOmitted(t *testing.T) {
	// UDP lists SIP/RTCP/RTP as potential children, but only SIP is
	// registered here — the others must simply be absent, not an error.
	udpDiss := NewUDPDissector()
	sipDiss := NewSIPDissector(DefaultSIPConfig(), nil, nil)

	p, err := NewParser(core.ProtoUDP, nil, udpDiss, sipDiss)
	if err != nil {
		t.Fatalf("NewParser: %v", err)
	}
	if len(p.children[core.ProtoUDP]) != 1 || p.children[core.ProtoUDP][0] != core.ProtoSIP {
		t.Fatalf("expected only SIP wired as UDP's child, got %v", p.children[core.ProtoUDP])
	}
}

func TestParser_Close_CallsDeinit(t *testing.T) {
	ipDiss := NewIPDissector(DefaultIPConfig())
	udpDiss := &capturingUDP{}

	p, err := NewParser(core.ProtoIP, nil, ipDiss, udpDiss)
	if err != nil {
		t.Fatalf("NewParser: %v", err)
	}
	p.Close()
	if ipDiss.flows != nil {
		t.Fatal("expected IP dissector's flow table to be released on Close")
	}
}
