package dissect

import (
	"net/netip"
	"strconv"
	"strings"
)

// Format is one codec entry from an m= line's rtpmap, following spec.md
// §4.5: `{payload_type, alias, clock_rate}`.
type Format struct {
	PayloadType int
	Alias       string
	ClockRate   int
}

// MediaEndpoint is one SDP media description: the transport address and
// port it was offered on, plus its ordered format list. The first format
// is the preferred codec.
type MediaEndpoint struct {
	Address  netip.Addr
	Port     uint16
	Media    string // "audio", "video", ...
	Formats  []Format
	rtcpPort uint16
}

// RTCPPort returns the endpoint's RTCP port: the explicit a=rtcp: override,
// the RTP port itself when a=rtcp-mux is set, or 0 when neither is present
// (RTP port + 1 is the caller's fallback, per RFC 3605).
func (e MediaEndpoint) RTCPPort() uint16 { return e.rtcpPort }

// SDPDissector parses the SDP body carried in a SIP INVITE/200 OK, producing
// the media endpoint list consumed by internal/store's SDP fan-out (§4.8)
// and, downstream, the RTP/RTCP binding lookup.
//
// Grounded on the teacher's plugins/parser/sip/sip.go parseSDPBody: c=/m=/
// a=rtpmap: line scanning, session- vs media-level connection address,
// first-codec-wins. Generalized to split codec strings ("PCMU/8000") into
// {alias, clock_rate} per the data model, where the teacher kept them as a
// single string.
type SDPDissector struct{}

func NewSDPDissector() *SDPDissector { return &SDPDissector{} }

// Parse extracts the media endpoint list from an SDP body.
func (d *SDPDissector) Parse(body []byte) []MediaEndpoint {
	var sessionAddr netip.Addr
	var endpoints []MediaEndpoint
	var current *MediaEndpoint
	rtpmaps := make(map[int]Format) // scoped to the current media line

	flush := func() {
		if current != nil {
			endpoints = append(endpoints, *current)
			current = nil
		}
	}

	lines := strings.Split(strings.ReplaceAll(string(body), "\r\n", "\n"), "\n")
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if len(line) < 2 || line[1] != '=' {
			continue
		}

		switch line[0] {
		case 'c':
			addr := parseConnectionAddr(line[2:])
			if current != nil {
				current.Address = addr
			} else {
				sessionAddr = addr
			}

		case 'm':
			flush()
			rtpmaps = make(map[int]Format)
			media, port, pts := parseMediaLine(line[2:])
			current = &MediaEndpoint{Address: sessionAddr, Port: port, Media: media}
			for _, pt := range pts {
				current.Formats = append(current.Formats, Format{PayloadType: pt})
			}

		case 'a':
			if current == nil {
				continue
			}
			attr := line[2:]
			switch {
			case strings.HasPrefix(attr, "rtpmap:"):
				pt, alias, clock := parseRtpmap(attr[len("rtpmap:"):])
				rtpmaps[pt] = Format{PayloadType: pt, Alias: alias, ClockRate: clock}
				for i, f := range current.Formats {
					if f.PayloadType == pt {
						current.Formats[i].Alias = alias
						current.Formats[i].ClockRate = clock
					}
				}
			case strings.HasPrefix(attr, "rtcp:"):
				if port, err := strconv.Atoi(strings.TrimSpace(attr[len("rtcp:"):])); err == nil {
					current.rtcpPort = uint16(port)
				}
			case attr == "rtcp-mux":
				current.rtcpPort = current.Port
			}
		}
	}
	flush()

	return endpoints
}

func parseConnectionAddr(rest string) netip.Addr {
	// "IN IP4 10.0.0.1" or "IN IP6 ::1"
	fields := strings.Fields(rest)
	if len(fields) < 3 {
		return netip.Addr{}
	}
	addr, _ := netip.ParseAddr(fields[2])
	return addr
}

func parseMediaLine(rest string) (media string, port uint16, payloadTypes []int) {
	// "audio 40000 RTP/AVP 0 8"
	fields := strings.Fields(rest)
	if len(fields) < 4 {
		return "", 0, nil
	}
	media = fields[0]
	if p, err := strconv.Atoi(strings.Split(fields[1], "/")[0]); err == nil {
		port = uint16(p)
	}
	for _, f := range fields[3:] {
		if pt, err := strconv.Atoi(f); err == nil {
			payloadTypes = append(payloadTypes, pt)
		}
	}
	return media, port, payloadTypes
}

func parseRtpmap(rest string) (pt int, alias string, clockRate int) {
	// "0 PCMU/8000"
	fields := strings.Fields(rest)
	if len(fields) != 2 {
		return 0, "", 0
	}
	pt, _ = strconv.Atoi(fields[0])
	codec := strings.SplitN(fields[1], "/", 2)
	alias = codec[0]
	if len(codec) == 2 {
		clockRate, _ = strconv.Atoi(codec[1])
	}
	return pt, alias, clockRate
}
