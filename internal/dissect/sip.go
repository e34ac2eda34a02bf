package dissect

import (
	"bytes"
	"strconv"
	"strings"
	"time"

	"sipwatch/internal/core"
)

// SIPMethod enumerates the request methods this dissector recognizes,
// following spec.md's fixed 1–99 enum.
type SIPMethod int

const (
	MethodUnknown SIPMethod = iota
	MethodINVITE
	MethodACK
	MethodBYE
	MethodCANCEL
	MethodREGISTER
	MethodSUBSCRIBE
	MethodNOTIFY
	MethodOPTIONS
	MethodPUBLISH
	MethodMESSAGE
	MethodINFO
	MethodREFER
	MethodUPDATE
	MethodPRACK
)

var methodNames = map[string]SIPMethod{
	"INVITE":    MethodINVITE,
	"ACK":       MethodACK,
	"BYE":       MethodBYE,
	"CANCEL":    MethodCANCEL,
	"REGISTER":  MethodREGISTER,
	"SUBSCRIBE": MethodSUBSCRIBE,
	"NOTIFY":    MethodNOTIFY,
	"OPTIONS":   MethodOPTIONS,
	"PUBLISH":   MethodPUBLISH,
	"MESSAGE":   MethodMESSAGE,
	"INFO":      MethodINFO,
	"REFER":     MethodREFER,
	"UPDATE":    MethodUPDATE,
	"PRACK":     MethodPRACK,
}

func (m SIPMethod) String() string {
	for name, id := range methodNames {
		if id == m {
			return name
		}
	}
	return "UNKNOWN"
}

// SIPMessage is the dissector's extracted view of one SIP message. It is
// handed to the SIPHandler callback, which owns correlation into Calls
// (internal/store) — the dissector itself never touches storage.
type SIPMessage struct {
	Packet    *core.Packet
	Timestamp time.Time
	Src, Dst  core.Address

	IsRequest  bool
	Method     SIPMethod
	RawMethod  string
	StatusCode int

	CallID     string
	CSeqNum    int
	CSeqMethod string
	FromURI    string
	FromTag    string
	ToURI      string
	ToTag      string
	ViaBranch  string
	Contact    string
	MaxForward string
	UserAgent  string
	Reason     string
	Warning    string
	XCallID    string

	Body []byte
	Raw  []byte
	SDP  []MediaEndpoint
}

// SIPHandler receives each fully-dissected SIP message.
type SIPHandler func(msg *SIPMessage)

// SIPConfig configures the SIP dissector.
type SIPConfig struct {
	// XCallIDHeaders lists header names (case-insensitive) treated as
	// X-Call-ID alternates. Defaults to X-Call-ID and X-CID.
	XCallIDHeaders []string
}

// DefaultSIPConfig matches spec.md §4.4's default X-Call-ID alternates.
func DefaultSIPConfig() SIPConfig {
	return SIPConfig{XCallIDHeaders: []string{"X-Call-ID", "X-CID"}}
}

// SIPDissector extracts SIP messages from a byte buffer that may contain
// zero, one or many messages — grounded on the teacher's
// plugins/parser/sip/sip.go framing, generalized from "one message per UDP
// datagram" to a loop that consumes one message at a time and re-offers the
// remainder, matching the sipgo stream-parser shape for the TCP case.
type SIPDissector struct {
	cfg     SIPConfig
	handler SIPHandler
	sdp     *SDPDissector
}

// NewSIPDissector constructs the SIP dissector. handler is invoked once per
// dissected message; sdp (may be nil) is invoked on every non-empty message
// body to extract media endpoints.
func NewSIPDissector(cfg SIPConfig, handler SIPHandler, sdp *SDPDissector) *SIPDissector {
	return &SIPDissector{cfg: cfg, handler: handler, sdp: sdp}
}

func (d *SIPDissector) ProtoID() core.ProtoID      { return core.ProtoSIP }
func (d *SIPDissector) Children() []core.ProtoID   { return nil }
func (d *SIPDissector) Init(p *Parser) error       { return nil }
func (d *SIPDissector) Deinit(p *Parser)           {}
func (d *SIPDissector) Free(p *Parser, pkt *core.Packet) {}

// Dissect loops over data, extracting every complete SIP message found back
// to back starting at offset 0. matched is true when at least one message
// was recognized. The unconsumed tail (an in-progress message, or data that
// never looked like SIP) is returned as remaining — over UDP the tree
// simply drops it (no children are registered below SIP for that path);
// over TCP, the caller (TCPDissector) rebuffers it for the next segment.
func (d *SIPDissector) Dissect(p *Parser, pkt *core.Packet, data []byte) ([]byte, bool, error) {
	matched := false
	remaining := data

	for {
		msg, consumed, ok := d.extractOne(remaining)
		if !ok {
			break
		}
		matched = true
		msg.Packet = pkt
		msg.Timestamp = pkt.Timestamp()
		if ip, okIP := pkt.Attr(core.ProtoIP); okIP {
			if iph, okT := ip.(core.IPHeader); okT {
				msg.Src.IP, msg.Dst.IP = iph.SrcIP, iph.DstIP
			}
		}
		if th, okTH := pkt.Attr(core.ProtoUDP); okTH {
			setPorts(&msg.Src, &msg.Dst, th)
		} else if th, okTH := pkt.Attr(core.ProtoTCP); okTH {
			setPorts(&msg.Src, &msg.Dst, th)
		}

		if d.sdp != nil && len(msg.Body) > 0 {
			msg.SDP = d.sdp.Parse(msg.Body)
		}

		if d.handler != nil {
			d.handler(msg)
		}

		remaining = remaining[consumed:]
	}

	return remaining, matched, nil
}

func setPorts(src, dst *core.Address, attr any) {
	if th, ok := attr.(core.TransportHeader); ok {
		src.Port = th.SrcPort
		dst.Port = th.DstPort
	}
}

// extractOne parses one SIP message starting at the beginning of data. It
// returns nil, 0, false when data does not begin with a recognizable
// request-line or status-line, or when the headers/body are not yet fully
// present.
func (d *SIPDissector) extractOne(data []byte) (*SIPMessage, int, bool) {
	lineEnd := bytes.Index(data, []byte("\r\n"))
	lineSep := 2
	if lineEnd < 0 {
		lineEnd = bytes.IndexByte(data, '\n')
		lineSep = 1
		if lineEnd < 0 {
			return nil, 0, false
		}
	}

	startLine := string(data[:lineEnd])
	msg := &SIPMessage{}
	if !parseStartLine(startLine, msg) {
		return nil, 0, false
	}

	headerEnd := bytes.Index(data, []byte("\r\n\r\n"))
	sepLen := 4
	if headerEnd < 0 {
		headerEnd = bytes.Index(data, []byte("\n\n"))
		sepLen = 2
		if headerEnd < 0 {
			return nil, 0, false
		}
	}

	headerBlock := string(data[lineEnd+lineSep : headerEnd])
	headers := parseHeaders(headerBlock)

	applyHeaders(msg, headers, d.cfg.XCallIDHeaders)

	bodyStart := headerEnd + sepLen
	contentLength := -1
	if v, ok := headers["content-length"]; ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			contentLength = n
		}
	}

	var bodyEnd int
	if contentLength >= 0 {
		bodyEnd = bodyStart + contentLength
		if bodyEnd > len(data) {
			return nil, 0, false // body not fully arrived yet
		}
	} else {
		bodyEnd = len(data)
	}

	msg.Raw = data[:bodyEnd]
	msg.Body = data[bodyStart:bodyEnd]

	if msg.CallID == "" {
		return nil, 0, false
	}

	return msg, bodyEnd, true
}

func parseStartLine(line string, msg *SIPMessage) bool {
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return false
	}

	if fields[0] == "SIP/2.0" {
		code, err := strconv.Atoi(fields[1])
		if err != nil || code < 100 || code > 699 {
			return false
		}
		msg.IsRequest = false
		msg.StatusCode = code
		return true
	}

	if fields[2] == "SIP/2.0" {
		msg.IsRequest = true
		msg.RawMethod = strings.ToUpper(fields[0])
		msg.Method = methodNames[msg.RawMethod]
		return true
	}

	return false
}

// parseHeaders splits a header block into a lower-cased-name→value map,
// folding continuation lines (lines starting with space or tab) into the
// previous header's value.
func parseHeaders(block string) map[string]string {
	headers := make(map[string]string)
	lines := strings.Split(strings.ReplaceAll(block, "\r\n", "\n"), "\n")

	var lastKey string
	for _, line := range lines {
		if line == "" {
			continue
		}
		if (line[0] == ' ' || line[0] == '\t') && lastKey != "" {
			headers[lastKey] += " " + strings.TrimSpace(line)
			continue
		}
		idx := strings.Index(line, ":")
		if idx < 0 {
			continue
		}
		name := strings.ToLower(strings.TrimSpace(line[:idx]))
		name = expandCompactName(name)
		value := strings.TrimSpace(line[idx+1:])
		if existing, ok := headers[name]; ok {
			headers[name] = existing + ", " + value
		} else {
			headers[name] = value
		}
		lastKey = name
	}
	return headers
}

// expandCompactName maps SIP's compact header forms to their canonical
// lower-case name.
func expandCompactName(name string) string {
	switch name {
	case "i":
		return "call-id"
	case "f":
		return "from"
	case "t":
		return "to"
	case "v":
		return "via"
	case "m":
		return "contact"
	case "l":
		return "content-length"
	default:
		return name
	}
}

func applyHeaders(msg *SIPMessage, headers map[string]string, xcidHeaders []string) {
	msg.CallID = headers["call-id"]

	if cseq, ok := headers["cseq"]; ok {
		parts := strings.Fields(cseq)
		if len(parts) == 2 {
			if n, err := strconv.Atoi(parts[0]); err == nil {
				msg.CSeqNum = n
			}
			msg.CSeqMethod = strings.ToUpper(parts[1])
		}
	}

	if from, ok := headers["from"]; ok {
		msg.FromURI, msg.FromTag = extractURIAndTag(from)
	}
	if to, ok := headers["to"]; ok {
		msg.ToURI, msg.ToTag = extractURIAndTag(to)
	}
	if via, ok := headers["via"]; ok {
		msg.ViaBranch = extractBranch(via)
	}
	msg.Contact = headers["contact"]
	msg.MaxForward = headers["max-forwards"]
	msg.UserAgent = headers["user-agent"]
	msg.Reason = headers["reason"]
	msg.Warning = headers["warning"]

	for _, name := range xcidHeaders {
		if v, ok := headers[strings.ToLower(name)]; ok && v != "" {
			msg.XCallID = v
			break
		}
	}
}

// extractURIAndTag pulls the angle-bracketed URI and the tag= parameter
// from a From/To header value.
func extractURIAndTag(value string) (uri, tag string) {
	if start := strings.Index(value, "<"); start >= 0 {
		if end := strings.Index(value[start:], ">"); end >= 0 {
			uri = value[start+1 : start+end]
		}
	} else {
		uri = strings.TrimSpace(strings.Split(value, ";")[0])
	}

	if idx := strings.Index(strings.ToLower(value), "tag="); idx >= 0 {
		rest := value[idx+4:]
		if semi := strings.IndexAny(rest, ";, \t"); semi >= 0 {
			rest = rest[:semi]
		}
		tag = rest
	}
	return uri, tag
}

// extractBranch pulls the topmost Via header's branch= parameter.
func extractBranch(value string) string {
	first := value
	if idx := strings.Index(value, ","); idx >= 0 {
		first = value[:idx]
	}
	idx := strings.Index(strings.ToLower(first), "branch=")
	if idx < 0 {
		return ""
	}
	rest := first[idx+7:]
	if semi := strings.IndexAny(rest, ";, \t"); semi >= 0 {
		rest = rest[:semi]
	}
	return rest
}
